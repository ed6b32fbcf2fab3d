package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agendaly/agendaly/libs/auth"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/model"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/outbox"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/storage"
)

type stubStore struct {
	mu   sync.Mutex
	rows map[string]model.Appointment
}

func newStubStore() *stubStore {
	return &stubStore{rows: make(map[string]model.Appointment)}
}

func (s *stubStore) Create(_ context.Context, appt model.Appointment, _ ...outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[appt.ID] = appt
	return nil
}

func (s *stubStore) Get(_ context.Context, tenantID, id string) (model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	appt, ok := s.rows[id]
	if !ok || appt.TenantID != tenantID {
		return model.Appointment{}, scheduler.ErrNotFound
	}
	return appt, nil
}

func (s *stubStore) UpdateStatus(_ context.Context, appt model.Appointment, expect booking.Status, _ ...outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.rows[appt.ID]
	if !ok {
		return scheduler.ErrNotFound
	}
	if cur.Status != expect {
		return booking.ErrInvalidTransition
	}
	s.rows[appt.ID] = appt
	return nil
}

func (s *stubStore) UpdateInterval(_ context.Context, appt model.Appointment, expect booking.Status, _ ...outbox.Event) error {
	return s.UpdateStatus(context.Background(), appt, expect)
}

func (s *stubStore) List(_ context.Context, q scheduler.ListQuery) ([]model.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Appointment
	for _, a := range s.rows {
		if a.TenantID == q.TenantID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *stubStore) ListActiveInRange(_ context.Context, _, _ string, _, _ time.Time) ([]model.Appointment, error) {
	return nil, nil
}

func (s *stubStore) ListAllActive(_ context.Context) ([]model.Appointment, error) { return nil, nil }

func (s *stubStore) ListExpiredActive(_ context.Context, _ time.Time, _ int) ([]model.Appointment, error) {
	return nil, nil
}

type yesDirectory struct{}

func (yesDirectory) ProviderExists(context.Context, string, string) (bool, error) { return true, nil }
func (yesDirectory) ClientExists(context.Context, string, string) (bool, error)  { return true, nil }
func (yesDirectory) ProductExists(context.Context, string, string) (bool, error) { return true, nil }

type stubTx struct {
	pgx.Tx
	committed  bool
	rolledBack bool
}

func (t *stubTx) Commit(context.Context) error   { t.committed = true; return nil }
func (t *stubTx) Rollback(context.Context) error { t.rolledBack = true; return nil }

type stubIdem struct {
	mu   sync.Mutex
	recs map[string]storage.IdempotencyRecord
}

func newStubIdem() *stubIdem {
	return &stubIdem{recs: make(map[string]storage.IdempotencyRecord)}
}

func (s *stubIdem) Begin(context.Context) (pgx.Tx, error) { return &stubTx{}, nil }

func (s *stubIdem) Lock(_ context.Context, _ pgx.Tx, tenantID, key string) (storage.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[tenantID+"|"+key]
	if !ok {
		rec = storage.IdempotencyRecord{TenantID: tenantID, Key: key}
		s.recs[tenantID+"|"+key] = rec
	}
	return rec, ok, nil
}

func (s *stubIdem) Finalize(_ context.Context, _ pgx.Tx, tenantID, key, apptID string, status int, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[tenantID+"|"+key] = storage.IdempotencyRecord{
		TenantID:        tenantID,
		Key:             key,
		AppointmentID:   apptID,
		StatusCode:      status,
		ResponsePayload: response,
	}
	return nil
}

func newTestHandler(jwtSecret string) (*ScheduleHandler, *stubStore) {
	store := newStubStore()
	sched := scheduler.New(store, yesDirectory{}, availability.NewIndex(), slog.Default())
	return NewScheduleHandler(sched, NewTenantResolver(jwtSecret), nil, slog.Default()), store
}

func newIdemTestHandler() (*ScheduleHandler, *stubStore, *stubIdem) {
	store := newStubStore()
	idem := newStubIdem()
	sched := scheduler.New(store, yesDirectory{}, availability.NewIndex(), slog.Default())
	return NewScheduleHandler(sched, NewTenantResolver(""), idem, slog.Default()), store, idem
}

const bookBody = `{
	"provider_id": "p1",
	"client_id": "c1",
	"product_id": "svc1",
	"start_time": "2026-09-01T09:00:00Z",
	"end_time": "2026-09-01T10:00:00Z"
}`

func postSchedules(h *ScheduleHandler, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.Schedules(rec, req)
	return rec
}

func TestCreateSchedule(t *testing.T) {
	h, store := newTestHandler("")

	rec := postSchedules(h, bookBody, map[string]string{"X-Tenant-Id": "t1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if len(store.rows) != 1 {
		t.Fatalf("store holds %d rows, want 1", len(store.rows))
	}
	if !strings.Contains(rec.Body.String(), `"status":"active"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}
}

func TestCreateSchedule_ConflictMapsTo409(t *testing.T) {
	h, _ := newTestHandler("")
	headers := map[string]string{"X-Tenant-Id": "t1"}

	if rec := postSchedules(h, bookBody, headers); rec.Code != http.StatusCreated {
		t.Fatalf("first booking status %d", rec.Code)
	}
	if rec := postSchedules(h, bookBody, headers); rec.Code != http.StatusConflict {
		t.Fatalf("second booking status %d, want 409", rec.Code)
	}
}

func TestCreateSchedule_InvalidInterval(t *testing.T) {
	h, _ := newTestHandler("")
	body := strings.Replace(bookBody, "2026-09-01T10:00:00Z", "2026-09-01T08:00:00Z", 1)
	if rec := postSchedules(h, body, map[string]string{"X-Tenant-Id": "t1"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestCreateSchedule_NoTenant(t *testing.T) {
	h, _ := newTestHandler("")
	if rec := postSchedules(h, bookBody, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestCreateSchedule_JWTTenant(t *testing.T) {
	const secret = "test-secret"
	h, store := newTestHandler(secret)

	token, err := auth.SignHS256(auth.Claims{
		Sub:      "u1",
		TenantID: "t-jwt",
		Role:     "manager",
		Exp:      time.Now().Add(time.Hour).Unix(),
		Iat:      time.Now().Unix(),
	}, secret)
	if err != nil {
		t.Fatalf("SignHS256: %v", err)
	}

	rec := postSchedules(h, bookBody, map[string]string{"Authorization": "Bearer " + token})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	for _, appt := range store.rows {
		if appt.TenantID != "t-jwt" {
			t.Fatalf("tenant %q, want t-jwt", appt.TenantID)
		}
	}

	// Header fallback is ignored once a secret is configured.
	if rec := postSchedules(h, bookBody, map[string]string{"X-Tenant-Id": "t1"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("header fallback status %d, want 401", rec.Code)
	}
}

func TestCreateSchedule_IdempotencyKeyReplays(t *testing.T) {
	h, store, _ := newIdemTestHandler()
	headers := map[string]string{"X-Tenant-Id": "t1", "Idempotency-Key": "retry-1"}

	first := postSchedules(h, bookBody, headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status %d: %s", first.Code, first.Body.String())
	}

	// Same key replays the stored outcome instead of hitting the slot
	// conflict.
	second := postSchedules(h, bookBody, headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("replay status %d: %s", second.Code, second.Body.String())
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
	if len(store.rows) != 1 {
		t.Fatalf("store holds %d rows, want 1", len(store.rows))
	}

	// A different key is a fresh attempt and sees the conflict.
	other := postSchedules(h, bookBody, map[string]string{"X-Tenant-Id": "t1", "Idempotency-Key": "retry-2"})
	if other.Code != http.StatusConflict {
		t.Fatalf("fresh key status %d, want 409", other.Code)
	}
}

func TestCreateSchedule_IdempotencyConflictNotRecorded(t *testing.T) {
	h, _, idem := newIdemTestHandler()

	if rec := postSchedules(h, bookBody, map[string]string{"X-Tenant-Id": "t1"}); rec.Code != http.StatusCreated {
		t.Fatalf("seed status %d", rec.Code)
	}
	headers := map[string]string{"X-Tenant-Id": "t1", "Idempotency-Key": "retry-1"}
	if rec := postSchedules(h, bookBody, headers); rec.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", rec.Code)
	}

	// Conflicts are retryable: the key must not hold a recorded outcome.
	if rec := idem.recs["t1|retry-1"]; rec.StatusCode != 0 {
		t.Fatalf("conflict was recorded with status %d", rec.StatusCode)
	}
}

func TestCancelScheduleRoute(t *testing.T) {
	h, _ := newTestHandler("")
	headers := map[string]string{"X-Tenant-Id": "t1"}

	created := postSchedules(h, bookBody, headers)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status %d", created.Code)
	}
	var resp appointmentResponse
	if err := jsonDecode(created.Body.String(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+resp.ID+"/cancel",
		strings.NewReader(`{"reason":"no-show"}`))
	req.Header.Set("X-Tenant-Id", "t1")
	rec := httptest.NewRecorder()
	h.ScheduleByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status %d: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"status":"cancelled"`) {
		t.Fatalf("unexpected body: %s", rec.Body.String())
	}

	// Cancelling again returns the recorded cancellation.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+resp.ID+"/cancel", strings.NewReader(`{}`))
	req.Header.Set("X-Tenant-Id", "t1")
	h.ScheduleByID(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("second cancel status %d: %s", rec.Code, rec.Body.String())
	}
	var again appointmentResponse
	if err := jsonDecode(rec.Body.String(), &again); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if again.Status != "cancelled" || again.CancelReason != "no-show" || again.CancelledAt == "" {
		t.Fatalf("repeat cancel body: %+v", again)
	}

	// Completing a cancelled appointment still fails.
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/v1/schedules/"+resp.ID+"/complete", nil)
	req.Header.Set("X-Tenant-Id", "t1")
	h.ScheduleByID(rec, req)
	if rec.Code != http.StatusConflict {
		t.Fatalf("complete after cancel status %d, want 409", rec.Code)
	}
}

func TestCancelSchedule_UnknownID(t *testing.T) {
	h, _ := newTestHandler("")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/nope/cancel", strings.NewReader(`{}`))
	req.Header.Set("X-Tenant-Id", "t1")
	rec := httptest.NewRecorder()
	h.ScheduleByID(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rec.Code)
	}
}

type batchResponse struct {
	Appointments []appointmentResponse `json:"appointments"`
	Skipped      []map[string]string   `json:"skipped"`
}

func TestCreateSchedule_Recurring(t *testing.T) {
	h, store := newTestHandler("")

	body := `{
		"provider_id": "p1",
		"client_id": "c1",
		"product_id": "svc1",
		"start_time": "2026-09-01T09:00:00Z",
		"end_time": "2026-09-01T10:00:00Z",
		"recurrence": {"type": "weekly", "until": "2026-09-22T23:00:00Z"}
	}`
	rec := postSchedules(h, body, map[string]string{"X-Tenant-Id": "t1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp batchResponse
	if err := jsonDecode(rec.Body.String(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Appointments) != 4 || len(resp.Skipped) != 0 {
		t.Fatalf("appointments %d skipped %d, want 4/0", len(resp.Appointments), len(resp.Skipped))
	}
	if len(store.rows) != 4 {
		t.Fatalf("store holds %d rows", len(store.rows))
	}
}

func TestCreateSchedule_RecurringBadRule(t *testing.T) {
	h, _ := newTestHandler("")

	body := `{
		"provider_id": "p1",
		"client_id": "c1",
		"product_id": "svc1",
		"start_time": "2026-09-01T09:00:00Z",
		"end_time": "2026-09-01T10:00:00Z",
		"recurrence": {"type": "yearly", "until": "2027-09-01T00:00:00Z"}
	}`
	rec := postSchedules(h, body, map[string]string{"X-Tenant-Id": "t1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func postBulk(h *ScheduleHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/bulk", strings.NewReader(body))
	req.Header.Set("X-Tenant-Id", "t1")
	rec := httptest.NewRecorder()
	h.ScheduleByID(rec, req)
	return rec
}

func TestBulkSchedules(t *testing.T) {
	h, store := newTestHandler("")

	// Wednesday Sep 2 is taken before the batch runs.
	seed := `{
		"provider_id": "p1",
		"client_id": "c9",
		"product_id": "svc1",
		"start_time": "2026-09-02T09:00:00Z",
		"end_time": "2026-09-02T10:00:00Z"
	}`
	if rec := postSchedules(h, seed, map[string]string{"X-Tenant-Id": "t1"}); rec.Code != http.StatusCreated {
		t.Fatalf("seed status %d", rec.Code)
	}

	rec := postBulk(h, `{
		"provider_id": "p1",
		"client_id": "c1",
		"product_id": "svc1",
		"days": ["monday", "wednesday"],
		"start_date": "2026-09-01",
		"end_date": "2026-09-14",
		"start_time": "09:00",
		"end_time": "10:00"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp batchResponse
	if err := jsonDecode(rec.Body.String(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	// Mon 7, Wed 9, Mon 14 book; Wed 2 is occupied.
	if len(resp.Appointments) != 3 {
		t.Fatalf("appointments %d, want 3", len(resp.Appointments))
	}
	if len(resp.Skipped) != 1 || !strings.HasPrefix(resp.Skipped[0]["start_time"], "2026-09-02") {
		t.Fatalf("skipped %v, want the Sep 2 slot", resp.Skipped)
	}
	if len(store.rows) != 4 {
		t.Fatalf("store holds %d rows", len(store.rows))
	}
}

func TestBulkSchedules_BadWeekday(t *testing.T) {
	h, _ := newTestHandler("")
	rec := postBulk(h, `{
		"provider_id": "p1",
		"client_id": "c1",
		"product_id": "svc1",
		"days": ["funday"],
		"start_date": "2026-09-01",
		"start_time": "09:00",
		"end_time": "10:00"
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func jsonDecode(raw string, v any) error {
	return json.Unmarshal([]byte(raw), v)
}
