package jobs

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/model"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/outbox"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
)

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]model.Appointment
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]model.Appointment)}
}

func (f *fakeStore) Create(_ context.Context, appt model.Appointment, _ ...outbox.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[appt.ID] = appt
	return nil
}

func (f *fakeStore) Get(_ context.Context, tenantID, id string) (model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	appt, ok := f.rows[id]
	if !ok || appt.TenantID != tenantID {
		return model.Appointment{}, scheduler.ErrNotFound
	}
	return appt, nil
}

func (f *fakeStore) UpdateStatus(_ context.Context, appt model.Appointment, expect booking.Status, _ ...outbox.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.rows[appt.ID]
	if !ok {
		return scheduler.ErrNotFound
	}
	if cur.Status != expect {
		return booking.ErrInvalidTransition
	}
	f.rows[appt.ID] = appt
	return nil
}

func (f *fakeStore) UpdateInterval(_ context.Context, appt model.Appointment, expect booking.Status, _ ...outbox.Event) error {
	return f.UpdateStatus(context.Background(), appt, expect)
}

func (f *fakeStore) List(_ context.Context, _ scheduler.ListQuery) ([]model.Appointment, error) {
	return nil, nil
}

func (f *fakeStore) ListActiveInRange(_ context.Context, _, _ string, _, _ time.Time) ([]model.Appointment, error) {
	return nil, nil
}

func (f *fakeStore) ListAllActive(_ context.Context) ([]model.Appointment, error) {
	return nil, nil
}

func (f *fakeStore) ListExpiredActive(_ context.Context, cutoff time.Time, limit int) ([]model.Appointment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Appointment
	for _, a := range f.rows {
		if a.Status == booking.StatusActive && !a.Interval.End().After(cutoff) {
			out = append(out, a)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type openDirectory struct{}

func (openDirectory) ProviderExists(context.Context, string, string) (bool, error) { return true, nil }
func (openDirectory) ClientExists(context.Context, string, string) (bool, error)  { return true, nil }
func (openDirectory) ProductExists(context.Context, string, string) (bool, error) { return true, nil }

func TestSweep_CompletesExpiredActive(t *testing.T) {
	store := newFakeStore()
	ix := availability.NewIndex()
	sched := scheduler.New(store, openDirectory{}, ix, slog.Default())

	past, err := interval.New(
		time.Now().UTC().Add(-2*time.Hour),
		time.Now().UTC().Add(-1*time.Hour),
	)
	if err != nil {
		t.Fatalf("interval.New: %v", err)
	}
	future, err := interval.New(
		time.Now().UTC().Add(1*time.Hour),
		time.Now().UTC().Add(2*time.Hour),
	)
	if err != nil {
		t.Fatalf("interval.New: %v", err)
	}

	expired := model.Appointment{
		ID: "a1", TenantID: "t1", ProviderID: "p1",
		Interval: past, Status: booking.StatusActive,
	}
	running := model.Appointment{
		ID: "a2", TenantID: "t1", ProviderID: "p1",
		Interval: future, Status: booking.StatusActive,
	}
	cancelled := model.Appointment{
		ID: "a3", TenantID: "t1", ProviderID: "p1",
		Interval: past, Status: booking.StatusCancelled,
	}
	for _, a := range []model.Appointment{expired, running, cancelled} {
		if err := store.Create(context.Background(), a); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if err := ix.Insert("t1", "p1", past); err != nil {
		t.Fatalf("seed index: %v", err)
	}

	s := NewSweeper(sched, store, slog.Default(), SweeperConfig{})
	if err := s.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	got, err := store.Get(context.Background(), "t1", "a1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != booking.StatusCompleted {
		t.Fatalf("expired appointment status %q, want completed", got.Status)
	}
	if got.CompletedAt == nil {
		t.Fatal("completed_at not set")
	}
	if ix.Overlaps("t1", "p1", past) {
		t.Fatal("completed interval still blocks the index")
	}

	still, _ := store.Get(context.Background(), "t1", "a2")
	if still.Status != booking.StatusActive {
		t.Fatalf("future appointment touched: %q", still.Status)
	}
	untouched, _ := store.Get(context.Background(), "t1", "a3")
	if untouched.Status != booking.StatusCancelled {
		t.Fatalf("cancelled appointment touched: %q", untouched.Status)
	}
}

func TestSweep_GraceDelaysCompletion(t *testing.T) {
	store := newFakeStore()
	sched := scheduler.New(store, openDirectory{}, availability.NewIndex(), slog.Default())

	justEnded, err := interval.New(
		time.Now().UTC().Add(-1*time.Hour),
		time.Now().UTC().Add(-1*time.Minute),
	)
	if err != nil {
		t.Fatalf("interval.New: %v", err)
	}
	if err := store.Create(context.Background(), model.Appointment{
		ID: "a1", TenantID: "t1", ProviderID: "p1",
		Interval: justEnded, Status: booking.StatusActive,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	s := NewSweeper(sched, store, slog.Default(), SweeperConfig{Grace: 15 * time.Minute})
	if err := s.sweep(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := store.Get(context.Background(), "t1", "a1")
	if got.Status != booking.StatusActive {
		t.Fatalf("appointment completed inside grace window: %q", got.Status)
	}
}
