package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/model"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/storage"
)

// IdempotencyStore claims booking retry keys so a replayed POST returns
// the recorded outcome instead of a duplicate attempt.
type IdempotencyStore interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Lock(ctx context.Context, tx pgx.Tx, tenantID, key string) (storage.IdempotencyRecord, bool, error)
	Finalize(ctx context.Context, tx pgx.Tx, tenantID, key, appointmentID string, statusCode int, response []byte) error
}

type ScheduleHandler struct {
	sched   *scheduler.Scheduler
	tenants *TenantResolver
	idem    IdempotencyStore
	logger  *slog.Logger
}

// NewScheduleHandler wires the schedule endpoints. idem may be nil, in
// which case Idempotency-Key headers are ignored.
func NewScheduleHandler(sched *scheduler.Scheduler, tenants *TenantResolver, idem IdempotencyStore, logger *slog.Logger) *ScheduleHandler {
	return &ScheduleHandler{sched: sched, tenants: tenants, idem: idem, logger: logger}
}

type createScheduleRequest struct {
	ProviderID string             `json:"provider_id"`
	ClientID   string             `json:"client_id"`
	ProductID  string             `json:"product_id"`
	StartTime  string             `json:"start_time"`
	EndTime    string             `json:"end_time"`
	Notes      string             `json:"notes"`
	Recurrence *recurrenceRequest `json:"recurrence,omitempty"`
}

type recurrenceRequest struct {
	Type  string   `json:"type"`
	Days  []string `json:"days,omitempty"`
	Until string   `json:"until"`
}

type bulkScheduleRequest struct {
	ProviderID string   `json:"provider_id"`
	ClientID   string   `json:"client_id"`
	ProductID  string   `json:"product_id"`
	Days       []string `json:"days"`
	StartDate  string   `json:"start_date"`
	EndDate    string   `json:"end_date"`
	StartTime  string   `json:"start_time"`
	EndTime    string   `json:"end_time"`
	Notes      string   `json:"notes"`
}

type rescheduleRequest struct {
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type appointmentResponse struct {
	ID           string `json:"id"`
	ProviderID   string `json:"provider_id"`
	ClientID     string `json:"client_id"`
	ProductID    string `json:"product_id"`
	StartTime    string `json:"start_time"`
	EndTime      string `json:"end_time"`
	Status       string `json:"status"`
	Notes        string `json:"notes,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`
	CancelledAt  string `json:"cancelled_at,omitempty"`
	CompletedAt  string `json:"completed_at,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toAppointmentResponse(appt model.Appointment) appointmentResponse {
	resp := appointmentResponse{
		ID:           appt.ID,
		ProviderID:   appt.ProviderID,
		ClientID:     appt.ClientID,
		ProductID:    appt.ProductID,
		StartTime:    appt.Interval.Start().UTC().Format(time.RFC3339),
		EndTime:      appt.Interval.End().UTC().Format(time.RFC3339),
		Status:       string(appt.Status),
		Notes:        appt.Notes,
		CancelReason: appt.CancelReason,
		CreatedAt:    appt.CreatedAt.UTC().Format(time.RFC3339),
	}
	if appt.CancelledAt != nil {
		resp.CancelledAt = appt.CancelledAt.UTC().Format(time.RFC3339)
	}
	if appt.CompletedAt != nil {
		resp.CompletedAt = appt.CompletedAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// Schedules dispatches the collection endpoint: POST books, GET lists.
func (h *ScheduleHandler) Schedules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		h.create(w, r)
	case http.MethodGet:
		h.list(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ScheduleByID dispatches /api/v1/schedules/{id}/{action} and
// /api/v1/schedules/slots.
func (h *ScheduleHandler) ScheduleByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/schedules/")
	if rest == "slots" {
		h.slots(w, r)
		return
	}
	if rest == "bulk" {
		h.bulk(w, r)
		return
	}

	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, action := parts[0], parts[1]

	tenant, ok := h.tenants.tenantOr401(w, r)
	if !ok {
		return
	}

	var (
		appt model.Appointment
		err  error
	)
	switch action {
	case "cancel":
		var req cancelRequest
		// Body is optional for cancel.
		_ = json.NewDecoder(r.Body).Decode(&req)
		appt, err = h.sched.CancelSlot(r.Context(), tenant, id, strings.TrimSpace(req.Reason))
		if errors.Is(err, booking.ErrInvalidTransition) {
			// Repeat cancels of an already-cancelled appointment succeed
			// with the recorded cancellation.
			if cur, getErr := h.sched.GetSlot(r.Context(), tenant, id); getErr == nil &&
				cur.Status == booking.StatusCancelled && cur.CancelledAt != nil {
				appt, err = cur, nil
			}
		}
	case "complete":
		appt, err = h.sched.CompleteSlot(r.Context(), tenant, id)
	case "activate":
		appt, err = h.sched.ActivateSlot(r.Context(), tenant, id)
	case "reschedule":
		appt, err = h.reschedule(r, tenant, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *ScheduleHandler) create(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenants.tenantOr401(w, r)
	if !ok {
		return
	}

	var req createScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProviderID == "" || req.ClientID == "" || req.ProductID == "" {
		http.Error(w, "provider_id, client_id and product_id are required", http.StatusBadRequest)
		return
	}

	iv, ok := parseInterval(w, req.StartTime, req.EndTime)
	if !ok {
		return
	}
	ctx := r.Context()

	if req.Recurrence != nil {
		h.createRecurring(w, r, tenant, req, iv)
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	var idemTx pgx.Tx
	if idemKey != "" && h.idem != nil {
		tx, err := h.idem.Begin(ctx)
		if err != nil {
			http.Error(w, "db error", http.StatusInternalServerError)
			return
		}
		defer func() { _ = tx.Rollback(ctx) }()

		rec, exists, err := h.idem.Lock(ctx, tx, tenant, idemKey)
		if err != nil {
			http.Error(w, "failed to lock idempotency key", http.StatusInternalServerError)
			return
		}
		if exists && rec.StatusCode > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(rec.StatusCode)
			_, _ = w.Write(rec.ResponsePayload)
			return
		}
		idemTx = tx
	}

	appt, err := h.sched.BookSlot(ctx, scheduler.BookSlotRequest{
		TenantID:   tenant,
		ProviderID: req.ProviderID,
		ClientID:   req.ClientID,
		ProductID:  req.ProductID,
		Interval:   iv,
		Notes:      strings.TrimSpace(req.Notes),
	})
	if err != nil {
		// Final outcomes are recorded so a retry with the same key
		// replays them. Conflicts stay unrecorded: the slot may free up
		// and the retry should get another attempt.
		if idemTx != nil && (errors.Is(err, scheduler.ErrQuotaExceeded) || errors.Is(err, scheduler.ErrUnknownEntity)) {
			h.finalizeBookingError(ctx, idemTx, tenant, idemKey, err)
		}
		writeEngineError(w, err)
		return
	}

	resp := toAppointmentResponse(appt)
	if idemTx != nil {
		body, err := json.Marshal(resp)
		if err != nil {
			http.Error(w, "failed to build response", http.StatusInternalServerError)
			return
		}
		if err := h.idem.Finalize(ctx, idemTx, tenant, idemKey, appt.ID, http.StatusCreated, body); err != nil {
			http.Error(w, "failed to finalize idempotency key", http.StatusInternalServerError)
			return
		}
		if err := idemTx.Commit(ctx); err != nil {
			http.Error(w, "failed to commit", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// createRecurring books one appointment per occurrence of the rule.
// Occupied occurrences are reported as skipped, not failures.
func (h *ScheduleHandler) createRecurring(w http.ResponseWriter, r *http.Request, tenant string, req createScheduleRequest, iv interval.Interval) {
	recurType, err := scheduler.ParseRecurrenceType(strings.ToLower(strings.TrimSpace(req.Recurrence.Type)))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	days, ok := parseWeekdays(w, req.Recurrence.Days)
	if !ok {
		return
	}
	until, err := time.Parse(time.RFC3339, req.Recurrence.Until)
	if err != nil {
		http.Error(w, "invalid recurrence until", http.StatusBadRequest)
		return
	}

	res, err := h.sched.BookRecurring(r.Context(), scheduler.BookSlotRequest{
		TenantID:   tenant,
		ProviderID: req.ProviderID,
		ClientID:   req.ClientID,
		ProductID:  req.ProductID,
		Interval:   iv,
		Notes:      strings.TrimSpace(req.Notes),
	}, scheduler.RecurrenceRule{Type: recurType, Days: days, Until: until})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(res))
}

// bulk handles POST /api/v1/schedules/bulk: one appointment per
// qualifying weekday in the date range, at a fixed daily time window.
func (h *ScheduleHandler) bulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.tenants.tenantOr401(w, r)
	if !ok {
		return
	}

	var req bulkScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.ProviderID = strings.TrimSpace(req.ProviderID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if req.ProviderID == "" || req.ClientID == "" || req.ProductID == "" {
		http.Error(w, "provider_id, client_id and product_id are required", http.StatusBadRequest)
		return
	}
	days, ok := parseWeekdays(w, req.Days)
	if !ok {
		return
	}
	from, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		http.Error(w, "invalid start_date", http.StatusBadRequest)
		return
	}
	var to time.Time
	if req.EndDate != "" {
		if to, err = time.Parse("2006-01-02", req.EndDate); err != nil {
			http.Error(w, "invalid end_date", http.StatusBadRequest)
			return
		}
	}
	dayStart, ok := parseClock(w, "start_time", req.StartTime)
	if !ok {
		return
	}
	dayEnd, ok := parseClock(w, "end_time", req.EndTime)
	if !ok {
		return
	}

	res, err := h.sched.BookBulk(r.Context(), scheduler.BulkBookRequest{
		TenantID:   tenant,
		ProviderID: req.ProviderID,
		ClientID:   req.ClientID,
		ProductID:  req.ProductID,
		Days:       days,
		From:       from,
		To:         to,
		DayStart:   dayStart,
		DayEnd:     dayEnd,
		Notes:      strings.TrimSpace(req.Notes),
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(res))
}

func toBatchResponse(res scheduler.BulkResult) map[string]any {
	booked := make([]appointmentResponse, 0, len(res.Booked))
	for _, appt := range res.Booked {
		booked = append(booked, toAppointmentResponse(appt))
	}
	skipped := make([]map[string]string, 0, len(res.Skipped))
	for _, s := range res.Skipped {
		skipped = append(skipped, map[string]string{
			"start_time": s.Interval.Start().UTC().Format(time.RFC3339),
			"end_time":   s.Interval.End().UTC().Format(time.RFC3339),
			"reason":     s.Reason,
		})
	}
	return map[string]any{"appointments": booked, "skipped": skipped}
}

func parseWeekdays(w http.ResponseWriter, raw []string) ([]time.Weekday, bool) {
	days := make([]time.Weekday, 0, len(raw))
	for _, name := range raw {
		d, err := scheduler.ParseWeekday(strings.ToLower(strings.TrimSpace(name)))
		if err != nil {
			http.Error(w, "invalid weekday: "+name, http.StatusBadRequest)
			return nil, false
		}
		days = append(days, d)
	}
	return days, true
}

// parseClock reads an "HH:MM" time of day as an offset from midnight.
func parseClock(w http.ResponseWriter, field, raw string) (time.Duration, bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(raw))
	if err != nil {
		http.Error(w, "invalid "+field, http.StatusBadRequest)
		return 0, false
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true
}

func (h *ScheduleHandler) finalizeBookingError(ctx context.Context, tx pgx.Tx, tenant, key string, bookErr error) {
	status, msg := engineStatus(bookErr)
	body, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		return
	}
	if err := h.idem.Finalize(ctx, tx, tenant, key, "", status, body); err != nil {
		h.logger.Error("failed to finalize idempotency key", "err", err)
		return
	}
	_ = tx.Commit(ctx)
}

func (h *ScheduleHandler) list(w http.ResponseWriter, r *http.Request) {
	tenant, ok := h.tenants.tenantOr401(w, r)
	if !ok {
		return
	}

	q := scheduler.ListQuery{
		TenantID:   tenant,
		ProviderID: strings.TrimSpace(r.URL.Query().Get("provider_id")),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err := booking.ParseStatus(raw)
		if err != nil {
			http.Error(w, "invalid status", http.StatusBadRequest)
			return
		}
		q.Status = status
	}
	var err error
	if q.From, err = parseOptionalTime(r.URL.Query().Get("from")); err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	if q.To, err = parseOptionalTime(r.URL.Query().Get("to")); err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if q.Limit, err = strconv.Atoi(raw); err != nil || q.Limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}

	appts, err := h.sched.List(r.Context(), q)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	items := make([]appointmentResponse, 0, len(appts))
	for _, appt := range appts {
		items = append(items, toAppointmentResponse(appt))
	}
	writeJSON(w, http.StatusOK, map[string]any{"appointments": items})
}

func (h *ScheduleHandler) slots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.tenants.tenantOr401(w, r)
	if !ok {
		return
	}

	providerID := strings.TrimSpace(r.URL.Query().Get("provider_id"))
	if providerID == "" {
		http.Error(w, "provider_id is required", http.StatusBadRequest)
		return
	}
	from, err := time.Parse(time.RFC3339, r.URL.Query().Get("from"))
	if err != nil {
		http.Error(w, "invalid from", http.StatusBadRequest)
		return
	}
	to, err := time.Parse(time.RFC3339, r.URL.Query().Get("to"))
	if err != nil {
		http.Error(w, "invalid to", http.StatusBadRequest)
		return
	}
	durationMins, err := strconv.Atoi(r.URL.Query().Get("duration_minutes"))
	if err != nil || durationMins <= 0 {
		http.Error(w, "invalid duration_minutes", http.StatusBadRequest)
		return
	}
	stepMins := durationMins
	if raw := r.URL.Query().Get("step_minutes"); raw != "" {
		if stepMins, err = strconv.Atoi(raw); err != nil || stepMins <= 0 {
			http.Error(w, "invalid step_minutes", http.StatusBadRequest)
			return
		}
	}

	slots, err := h.sched.FreeSlots(r.Context(), scheduler.FreeSlotsQuery{
		TenantID:   tenant,
		ProviderID: providerID,
		From:       from,
		To:         to,
		Duration:   time.Duration(durationMins) * time.Minute,
		Step:       time.Duration(stepMins) * time.Minute,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}

	items := make([]map[string]string, 0, len(slots))
	for _, start := range slots {
		items = append(items, map[string]string{
			"start_time": start.UTC().Format(time.RFC3339),
			"end_time":   start.Add(time.Duration(durationMins) * time.Minute).UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"slots": items})
}

func (h *ScheduleHandler) reschedule(r *http.Request, tenant, id string) (model.Appointment, error) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.Appointment{}, interval.ErrInvalidInterval
	}
	start, err := time.Parse(time.RFC3339, req.StartTime)
	if err != nil {
		return model.Appointment{}, interval.ErrInvalidInterval
	}
	end, err := time.Parse(time.RFC3339, req.EndTime)
	if err != nil {
		return model.Appointment{}, interval.ErrInvalidInterval
	}
	iv, err := interval.New(start, end)
	if err != nil {
		return model.Appointment{}, err
	}
	return h.sched.RescheduleSlot(r.Context(), tenant, id, iv)
}

func parseInterval(w http.ResponseWriter, startRaw, endRaw string) (interval.Interval, bool) {
	start, err := time.Parse(time.RFC3339, startRaw)
	if err != nil {
		http.Error(w, "invalid start_time", http.StatusBadRequest)
		return interval.Interval{}, false
	}
	end, err := time.Parse(time.RFC3339, endRaw)
	if err != nil {
		http.Error(w, "invalid end_time", http.StatusBadRequest)
		return interval.Interval{}, false
	}
	iv, err := interval.New(start, end)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return interval.Interval{}, false
	}
	return iv, true
}

func parseOptionalTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
