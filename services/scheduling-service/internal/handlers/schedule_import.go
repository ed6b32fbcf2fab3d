package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/importer"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
)

// ScheduleLookup resolves the references a schedule import row carries:
// providers and clients by email, products by name.
type ScheduleLookup interface {
	UserIDByEmail(ctx context.Context, tenantID, email string) (string, bool, error)
	ProductIDByName(ctx context.Context, tenantID, name string) (string, bool, error)
}

type ScheduleImportHandler struct {
	sched   *scheduler.Scheduler
	lookup  ScheduleLookup
	tenants *TenantResolver
	logger  *slog.Logger
}

func NewScheduleImportHandler(sched *scheduler.Scheduler, lookup ScheduleLookup, tenants *TenantResolver, logger *slog.Logger) *ScheduleImportHandler {
	return &ScheduleImportHandler{sched: sched, lookup: lookup, tenants: tenants, logger: logger}
}

type importConflict struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// ImportCSV handles POST /api/v1/schedules/import/csv. Rows book
// through the regular path, so each one takes the provider lock and the
// overlap check. Bad rows and occupied slots are collected per row and
// never abort the batch.
func (h *ScheduleImportHandler) ImportCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tenant, ok := h.tenants.tenantOr401(w, r)
	if !ok {
		return
	}

	src, err := importSource(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	defer src.Close()

	rows, err := importer.ReadRows(src)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	booked := make([]appointmentResponse, 0, len(rows))
	conflicts := []importConflict{}
	rowErrors := []importer.RowError{}

	for _, row := range rows {
		req, rowErr, err := h.resolveRow(ctx, tenant, row)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if rowErr != "" {
			rowErrors = append(rowErrors, importer.RowError{Row: row.Num, Message: rowErr})
			continue
		}

		appt, err := h.sched.BookSlot(ctx, req)
		switch {
		case err == nil:
			booked = append(booked, toAppointmentResponse(appt))
		case errors.Is(err, availability.ErrSlotConflict):
			conflicts = append(conflicts, importConflict{Row: row.Num, Message: "time slot unavailable"})
		case errors.Is(err, scheduler.ErrUnknownEntity), errors.Is(err, interval.ErrInvalidInterval):
			rowErrors = append(rowErrors, importer.RowError{Row: row.Num, Message: err.Error()})
		default:
			writeEngineError(w, err)
			return
		}
	}

	h.logger.Info("schedule import done",
		"tenant_id", tenant,
		"booked", len(booked),
		"conflicts", len(conflicts),
		"row_errors", len(rowErrors),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"booked":    booked,
		"conflicts": conflicts,
		"errors":    rowErrors,
	})
}

// resolveRow turns one CSV row into a booking request. A non-empty
// second return is a per-row validation message; the error return is
// reserved for lookup failures that should abort the upload.
func (h *ScheduleImportHandler) resolveRow(ctx context.Context, tenant string, row importer.Row) (scheduler.BookSlotRequest, string, error) {
	providerEmail := strings.TrimSpace(row.Fields["provider_email"])
	userEmail := strings.TrimSpace(row.Fields["user_email"])
	productName := strings.TrimSpace(row.Fields["product"])
	if providerEmail == "" || userEmail == "" || productName == "" {
		return scheduler.BookSlotRequest{}, "provider_email, user_email and product are required", nil
	}

	providerID, found, err := h.lookup.UserIDByEmail(ctx, tenant, providerEmail)
	if err != nil {
		return scheduler.BookSlotRequest{}, "", err
	}
	if !found {
		return scheduler.BookSlotRequest{}, "provider not found: " + providerEmail, nil
	}
	clientID, found, err := h.lookup.UserIDByEmail(ctx, tenant, userEmail)
	if err != nil {
		return scheduler.BookSlotRequest{}, "", err
	}
	if !found {
		return scheduler.BookSlotRequest{}, "user not found: " + userEmail, nil
	}
	productID, found, err := h.lookup.ProductIDByName(ctx, tenant, productName)
	if err != nil {
		return scheduler.BookSlotRequest{}, "", err
	}
	if !found {
		return scheduler.BookSlotRequest{}, "product not found: " + productName, nil
	}

	start, err := parseImportTime(row.Fields["start_time"])
	if err != nil {
		return scheduler.BookSlotRequest{}, "invalid start_time", nil
	}
	var end time.Time
	if raw := strings.TrimSpace(row.Fields["end_time"]); raw != "" {
		if end, err = parseImportTime(raw); err != nil {
			return scheduler.BookSlotRequest{}, "invalid end_time", nil
		}
	} else {
		// Sheets without an end column get one-hour slots.
		end = start.Add(time.Hour)
	}
	iv, err := interval.New(start, end)
	if err != nil {
		return scheduler.BookSlotRequest{}, err.Error(), nil
	}

	return scheduler.BookSlotRequest{
		TenantID:   tenant,
		ProviderID: providerID,
		ClientID:   clientID,
		ProductID:  productID,
		Interval:   iv,
		Notes:      strings.TrimSpace(row.Fields["notes"]),
	}, "", nil
}

// parseImportTime accepts RFC 3339 and the bare "2006-01-02 15:04"
// layout the spreadsheet exports use.
func parseImportTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04", raw)
}
