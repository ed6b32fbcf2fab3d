// Package scheduler validates and commits booking requests against the
// availability index and the booking state machine. The persisted
// appointment rows are the source of truth; the index is a derived cache
// kept in sync by the operations below.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/model"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/outbox"
)

var (
	ErrNotFound      = errors.New("appointment not found")
	ErrQuotaExceeded = errors.New("tenant appointment quota exceeded")
	ErrUnknownEntity = errors.New("referenced entity does not exist")
)

// Store is the persistence boundary. Implementations must write the
// appointment mutation and the supplied outbox events in one transaction.
type Store interface {
	Create(ctx context.Context, appt model.Appointment, evts ...outbox.Event) error
	Get(ctx context.Context, tenantID, id string) (model.Appointment, error)
	// UpdateStatus applies appt's status and timestamps only if the row
	// still holds the expect status. A miss reports ErrInvalidTransition.
	UpdateStatus(ctx context.Context, appt model.Appointment, expect booking.Status, evts ...outbox.Event) error
	UpdateInterval(ctx context.Context, appt model.Appointment, expect booking.Status, evts ...outbox.Event) error
	List(ctx context.Context, q ListQuery) ([]model.Appointment, error)
	ListActiveInRange(ctx context.Context, tenantID, providerID string, from, to time.Time) ([]model.Appointment, error)
	ListAllActive(ctx context.Context) ([]model.Appointment, error)
	ListExpiredActive(ctx context.Context, cutoff time.Time, limit int) ([]model.Appointment, error)
}

// Directory resolves provider/client/product references before booking.
type Directory interface {
	ProviderExists(ctx context.Context, tenantID, id string) (bool, error)
	ClientExists(ctx context.Context, tenantID, id string) (bool, error)
	ProductExists(ctx context.Context, tenantID, id string) (bool, error)
}

type ListQuery struct {
	TenantID   string
	ProviderID string
	Status     booking.Status
	From       time.Time
	To         time.Time
	Limit      int
}

type BookSlotRequest struct {
	TenantID   string
	ProviderID string
	ClientID   string
	ProductID  string
	Interval   interval.Interval
	Notes      string
}

type FreeSlotsQuery struct {
	TenantID   string
	ProviderID string
	From       time.Time
	To         time.Time
	Duration   time.Duration
	Step       time.Duration
}

type Scheduler struct {
	store  Store
	dir    Directory
	ix     *availability.Index
	logger *slog.Logger
	cache  SlotCache
	now    func() time.Time
}

func New(store Store, dir Directory, ix *availability.Index, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		store:  store,
		dir:    dir,
		ix:     ix,
		logger: logger,
		now:    time.Now,
	}
}

// WithSlotCache enables caching of free-slot listings.
func (s *Scheduler) WithSlotCache(cache SlotCache) *Scheduler {
	s.cache = cache
	return s
}

// BookSlot commits a new active appointment. The overlap check and the
// insert are serialized per (tenant, provider) by the index lock; the
// database exclusion constraint is the backstop across instances.
func (s *Scheduler) BookSlot(ctx context.Context, req BookSlotRequest) (model.Appointment, error) {
	if req.Interval.IsZero() {
		return model.Appointment{}, interval.ErrInvalidInterval
	}
	if err := s.checkReferences(ctx, req); err != nil {
		return model.Appointment{}, err
	}

	unlock := s.ix.Lock(req.TenantID, req.ProviderID)
	defer unlock()

	if s.ix.Overlaps(req.TenantID, req.ProviderID, req.Interval) {
		return model.Appointment{}, availability.ErrSlotConflict
	}

	appt := model.Appointment{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		ProviderID: req.ProviderID,
		ClientID:   req.ClientID,
		ProductID:  req.ProductID,
		Interval:   req.Interval,
		Status:     booking.StatusActive,
		Notes:      req.Notes,
		CreatedAt:  s.now().UTC(),
	}
	evt, err := appointmentEvent(outbox.TypeAppointmentBooked, appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.store.Create(ctx, appt, evt); err != nil {
		return model.Appointment{}, err
	}
	if err := s.ix.Insert(req.TenantID, req.ProviderID, req.Interval); err != nil {
		// Row committed; the cache disagrees. Should not happen under the
		// key lock, log and carry on with the authoritative row.
		s.logger.Error("index insert after commit failed", "appointment_id", appt.ID, "err", err)
	}
	s.invalidateSlots(ctx, req.TenantID, req.ProviderID)
	return appt, nil
}

// RescheduleSlot moves an appointment to a new interval, all or nothing.
// On conflict the original interval stays in place in both the row and
// the index.
func (s *Scheduler) RescheduleSlot(ctx context.Context, tenantID, id string, newIv interval.Interval) (model.Appointment, error) {
	if newIv.IsZero() {
		return model.Appointment{}, interval.ErrInvalidInterval
	}
	appt, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return model.Appointment{}, err
	}
	if appt.Status.Terminal() {
		return model.Appointment{}, fmt.Errorf("reschedule %s appointment: %w", appt.Status, booking.ErrInvalidTransition)
	}

	unlock := s.ix.Lock(tenantID, appt.ProviderID)
	defer unlock()

	// Only active appointments occupy the index; a pending one moves
	// freely and is conflict-checked at activation.
	if appt.Status == booking.StatusActive &&
		s.ix.OverlapsExcept(tenantID, appt.ProviderID, newIv, appt.Interval) {
		return model.Appointment{}, availability.ErrSlotConflict
	}

	oldIv := appt.Interval
	appt.Interval = newIv
	evt, err := appointmentEvent(outbox.TypeAppointmentRescheduled, appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.store.UpdateInterval(ctx, appt, appt.Status, evt); err != nil {
		return model.Appointment{}, err
	}
	if appt.Status == booking.StatusActive {
		s.ix.Remove(tenantID, appt.ProviderID, oldIv)
		if err := s.ix.Insert(tenantID, appt.ProviderID, newIv); err != nil {
			s.logger.Error("index insert after reschedule failed", "appointment_id", appt.ID, "err", err)
		}
	}
	s.invalidateSlots(ctx, tenantID, appt.ProviderID)
	return appt, nil
}

// CancelSlot transitions to cancelled and frees the interval.
func (s *Scheduler) CancelSlot(ctx context.Context, tenantID, id, reason string) (model.Appointment, error) {
	appt, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return model.Appointment{}, err
	}
	from := appt.Status
	next, err := booking.Transition(from, booking.StatusCancelled)
	if err != nil {
		return model.Appointment{}, err
	}
	now := s.now().UTC()
	appt.Status = next
	appt.CancelReason = reason
	appt.CancelledAt = &now

	evt, err := appointmentEvent(outbox.TypeAppointmentCancelled, appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.store.UpdateStatus(ctx, appt, from, evt); err != nil {
		return model.Appointment{}, err
	}
	if from == booking.StatusActive {
		s.ix.Remove(tenantID, appt.ProviderID, appt.Interval)
	}
	s.invalidateSlots(ctx, tenantID, appt.ProviderID)
	return appt, nil
}

// CompleteSlot transitions active to completed. The interval is removed
// from the index: the wall-clock time has passed, so it frees no real
// capacity, and historical overlap questions read the persisted rows.
func (s *Scheduler) CompleteSlot(ctx context.Context, tenantID, id string) (model.Appointment, error) {
	appt, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return model.Appointment{}, err
	}
	from := appt.Status
	next, err := booking.Transition(from, booking.StatusCompleted)
	if err != nil {
		return model.Appointment{}, err
	}
	now := s.now().UTC()
	appt.Status = next
	appt.CompletedAt = &now

	evt, err := appointmentEvent(outbox.TypeAppointmentCompleted, appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.store.UpdateStatus(ctx, appt, from, evt); err != nil {
		return model.Appointment{}, err
	}
	s.ix.Remove(tenantID, appt.ProviderID, appt.Interval)
	s.invalidateSlots(ctx, tenantID, appt.ProviderID)
	return appt, nil
}

// ActivateSlot promotes a pending appointment to active. Pending rows do
// not occupy the index, so activation runs the full conflict check under
// the key lock before the interval starts blocking availability.
func (s *Scheduler) ActivateSlot(ctx context.Context, tenantID, id string) (model.Appointment, error) {
	appt, err := s.store.Get(ctx, tenantID, id)
	if err != nil {
		return model.Appointment{}, err
	}
	from := appt.Status
	next, err := booking.Transition(from, booking.StatusActive)
	if err != nil {
		return model.Appointment{}, err
	}

	unlock := s.ix.Lock(tenantID, appt.ProviderID)
	defer unlock()

	if s.ix.Overlaps(tenantID, appt.ProviderID, appt.Interval) {
		return model.Appointment{}, availability.ErrSlotConflict
	}

	appt.Status = next
	evt, err := appointmentEvent(outbox.TypeAppointmentBooked, appt)
	if err != nil {
		return model.Appointment{}, err
	}
	if err := s.store.UpdateStatus(ctx, appt, from, evt); err != nil {
		return model.Appointment{}, err
	}
	if err := s.ix.Insert(tenantID, appt.ProviderID, appt.Interval); err != nil {
		s.logger.Error("index insert after activation failed", "appointment_id", appt.ID, "err", err)
	}
	s.invalidateSlots(ctx, tenantID, appt.ProviderID)
	return appt, nil
}

// List returns appointments for the calendar view.
// GetSlot loads one appointment scoped to the tenant.
func (s *Scheduler) GetSlot(ctx context.Context, tenantID, id string) (model.Appointment, error) {
	return s.store.Get(ctx, tenantID, id)
}

func (s *Scheduler) List(ctx context.Context, q ListQuery) ([]model.Appointment, error) {
	return s.store.List(ctx, q)
}

// maxFreeSlotWindow bounds slot enumeration. A years-wide window with a
// one-minute step would walk millions of candidates per request.
const maxFreeSlotWindow = 31 * 24 * time.Hour

// FreeSlots suggests start times inside the window that do not collide
// with active appointments.
func (s *Scheduler) FreeSlots(ctx context.Context, q FreeSlotsQuery) ([]time.Time, error) {
	if q.Duration <= 0 {
		return nil, fmt.Errorf("%w: non-positive duration", interval.ErrInvalidInterval)
	}
	if !q.From.Before(q.To) {
		return nil, interval.ErrInvalidInterval
	}
	if q.To.Sub(q.From) > maxFreeSlotWindow {
		return nil, fmt.Errorf("%w: window exceeds %d days", interval.ErrInvalidInterval,
			int(maxFreeSlotWindow.Hours()/24))
	}
	if q.Step <= 0 {
		q.Step = q.Duration
	}

	if s.cache != nil {
		if slots, ok := s.cache.Get(ctx, q); ok {
			return slots, nil
		}
	}

	appts, err := s.store.ListActiveInRange(ctx, q.TenantID, q.ProviderID, q.From, q.To)
	if err != nil {
		return nil, err
	}
	busy := make([]interval.Interval, 0, len(appts))
	for _, a := range appts {
		busy = append(busy, a.Interval)
	}
	slots := interval.FreeSlots(q.From, q.To, q.Duration, q.Step, busy, s.now())

	if s.cache != nil {
		s.cache.Set(ctx, q, slots)
	}
	return slots, nil
}

// RebuildIndex reloads the availability index from the active rows.
// Called once at startup before the HTTP listener accepts traffic.
func (s *Scheduler) RebuildIndex(ctx context.Context) error {
	appts, err := s.store.ListAllActive(ctx)
	if err != nil {
		return err
	}
	type key struct{ tenant, provider string }
	grouped := make(map[key][]interval.Interval)
	for _, a := range appts {
		k := key{a.TenantID, a.ProviderID}
		grouped[k] = append(grouped[k], a.Interval)
	}
	for k, ivs := range grouped {
		s.ix.Rebuild(k.tenant, k.provider, ivs)
	}
	s.logger.Info("availability index rebuilt", "active_appointments", len(appts), "provider_keys", len(grouped))
	return nil
}

func (s *Scheduler) checkReferences(ctx context.Context, req BookSlotRequest) error {
	checks := []struct {
		name  string
		id    string
		check func(context.Context, string, string) (bool, error)
	}{
		{"provider", req.ProviderID, s.dir.ProviderExists},
		{"client", req.ClientID, s.dir.ClientExists},
		{"product", req.ProductID, s.dir.ProductExists},
	}
	for _, c := range checks {
		ok, err := c.check(ctx, req.TenantID, c.id)
		if err != nil {
			return fmt.Errorf("resolve %s %s: %w", c.name, c.id, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s %s", ErrUnknownEntity, c.name, c.id)
		}
	}
	return nil
}

func (s *Scheduler) invalidateSlots(ctx context.Context, tenantID, providerID string) {
	if s.cache != nil {
		s.cache.Invalidate(ctx, tenantID, providerID)
	}
}
