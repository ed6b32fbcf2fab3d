package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/importer"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
)

type stubLookup struct {
	users    map[string]string
	products map[string]string
}

func (s stubLookup) UserIDByEmail(_ context.Context, _, email string) (string, bool, error) {
	id, ok := s.users[email]
	return id, ok, nil
}

func (s stubLookup) ProductIDByName(_ context.Context, _, name string) (string, bool, error) {
	id, ok := s.products[name]
	return id, ok, nil
}

func newImportTestHandler() (*ScheduleImportHandler, *stubStore) {
	store := newStubStore()
	sched := scheduler.New(store, yesDirectory{}, availability.NewIndex(), slog.Default())
	lookup := stubLookup{
		users:    map[string]string{"ana@x.com": "p1", "bob@x.com": "c1"},
		products: map[string]string{"Haircut": "svc1"},
	}
	return NewScheduleImportHandler(sched, lookup, NewTenantResolver(""), slog.Default()), store
}

func postScheduleCSV(h *ScheduleImportHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/import/csv", strings.NewReader(body))
	req.Header.Set("X-Tenant-Id", "t1")
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	h.ImportCSV(rec, req)
	return rec
}

func TestImportSchedulesCSV(t *testing.T) {
	h, store := newImportTestHandler()

	csv := "provider_email,user_email,product,start_time,end_time\n" +
		"ana@x.com,bob@x.com,Haircut,2026-09-01T09:00:00Z,2026-09-01T10:00:00Z\n" +
		"ana@x.com,bob@x.com,Haircut,2026-09-01T09:30:00Z,2026-09-01T10:30:00Z\n" +
		"ana@x.com,missing@x.com,Haircut,2026-09-01T11:00:00Z,2026-09-01T12:00:00Z\n" +
		"ana@x.com,bob@x.com,Haircut,2026-09-02T10:00:00Z,\n"
	rec := postScheduleCSV(h, csv)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Booked    []appointmentResponse `json:"booked"`
		Conflicts []importConflict      `json:"conflicts"`
		Errors    []importer.RowError   `json:"errors"`
	}
	if err := jsonDecode(rec.Body.String(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Booked) != 2 {
		t.Fatalf("booked %d, want 2: %s", len(resp.Booked), rec.Body.String())
	}
	// The 09:30 row overlaps the 09:00 booking.
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].Row != 3 {
		t.Fatalf("conflicts %+v, want row 3", resp.Conflicts)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Row != 4 {
		t.Fatalf("errors %+v, want row 4", resp.Errors)
	}
	// A row without an end gets a one-hour slot.
	if got := resp.Booked[1].EndTime; got != "2026-09-02T11:00:00Z" {
		t.Fatalf("defaulted end %q", got)
	}
	if len(store.rows) != 2 {
		t.Fatalf("store holds %d rows", len(store.rows))
	}
}

func TestImportSchedulesCSV_PortugueseHeaders(t *testing.T) {
	h, _ := newImportTestHandler()

	csv := "profissional_email,usuario_email,produto,data_inicio,data_fim\n" +
		"ana@x.com,bob@x.com,Haircut,2026-09-01T09:00:00Z,2026-09-01T10:00:00Z\n"
	rec := postScheduleCSV(h, csv)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Booked []appointmentResponse `json:"booked"`
	}
	if err := jsonDecode(rec.Body.String(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Booked) != 1 {
		t.Fatalf("booked %d, want 1", len(resp.Booked))
	}
}

func TestImportSchedulesCSV_NoTenant(t *testing.T) {
	h, _ := newImportTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/schedules/import/csv", strings.NewReader("provider_email\n"))
	rec := httptest.NewRecorder()
	h.ImportCSV(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}
