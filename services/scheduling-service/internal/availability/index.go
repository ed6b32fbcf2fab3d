package availability

import (
	"errors"
	"sort"
	"sync"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
)

var ErrSlotConflict = errors.New("time slot conflicts with an existing booking")

// Index holds, per (tenant, provider), the intervals of all currently active
// appointments ordered by start time. It is a derived cache over the
// appointment store: rows are authoritative, the index exists so booking
// requests can reject conflicts without a round trip.
//
// Every method is safe for concurrent use on its own. Check-then-act
// sequences (overlap query followed by insert) are not atomic by themselves;
// callers serialize them by holding the per-key booking lock (Lock) across
// the whole sequence. Bookings for different providers never contend.
type Index struct {
	mu   sync.RWMutex
	keys map[providerKey]*providerEntry
}

type providerKey struct {
	tenantID   string
	providerID string
}

type providerEntry struct {
	bookMu sync.Mutex // serializes check-then-insert per key
	mu     sync.Mutex // guards slots
	slots  []interval.Interval // sorted by start
}

func NewIndex() *Index {
	return &Index{keys: map[providerKey]*providerEntry{}}
}

func (ix *Index) entry(tenantID, providerID string) *providerEntry {
	key := providerKey{tenantID: tenantID, providerID: providerID}

	ix.mu.RLock()
	e := ix.keys[key]
	ix.mu.RUnlock()
	if e != nil {
		return e
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e = ix.keys[key]; e == nil {
		e = &providerEntry{}
		ix.keys[key] = e
	}
	return e
}

// Lock acquires the booking lock for one (tenant, provider) pair and returns
// the unlock func.
func (ix *Index) Lock(tenantID, providerID string) func() {
	e := ix.entry(tenantID, providerID)
	e.bookMu.Lock()
	return e.bookMu.Unlock
}

// Overlaps reports whether iv overlaps any indexed interval of the provider.
func (ix *Index) Overlaps(tenantID, providerID string, iv interval.Interval) bool {
	return ix.OverlapsExcept(tenantID, providerID, iv, interval.Interval{})
}

// OverlapsExcept is Overlaps with one interval exempted. Reschedule uses it
// so the appointment's own current slot does not count as a conflict.
func (ix *Index) OverlapsExcept(tenantID, providerID string, iv, except interval.Interval) bool {
	e := ix.entry(tenantID, providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.overlapsExceptLocked(iv, except)
}

func (e *providerEntry) overlapsExceptLocked(iv, except interval.Interval) bool {
	// First entry that ends after iv starts; entries are sorted by start, so
	// everything before it ends too early to overlap.
	i := sort.Search(len(e.slots), func(i int) bool {
		return e.slots[i].End().After(iv.Start())
	})
	for ; i < len(e.slots) && e.slots[i].Start().Before(iv.End()); i++ {
		if !except.IsZero() && e.slots[i].Equal(except) {
			continue
		}
		if e.slots[i].Overlaps(iv) {
			return true
		}
	}
	return false
}

// Insert adds iv to the provider's slots. It fails with ErrSlotConflict and
// leaves the index untouched when iv overlaps an existing entry.
func (ix *Index) Insert(tenantID, providerID string, iv interval.Interval) error {
	e := ix.entry(tenantID, providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.overlapsExceptLocked(iv, interval.Interval{}) {
		return ErrSlotConflict
	}
	i := sort.Search(len(e.slots), func(i int) bool {
		return e.slots[i].Start().After(iv.Start())
	})
	e.slots = append(e.slots, interval.Interval{})
	copy(e.slots[i+1:], e.slots[i:])
	e.slots[i] = iv
	return nil
}

// Remove deletes the exact interval. Removing an absent interval is a no-op,
// which keeps cancellation idempotent from the cache's point of view.
func (ix *Index) Remove(tenantID, providerID string, iv interval.Interval) {
	e := ix.entry(tenantID, providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.slots {
		if e.slots[i].Equal(iv) {
			e.slots = append(e.slots[:i], e.slots[i+1:]...)
			return
		}
	}
}

// Rebuild replaces the provider's slots with the given set, dropping any
// cached state. Used at startup and whenever the cache drifts from the store.
func (ix *Index) Rebuild(tenantID, providerID string, ivs []interval.Interval) {
	e := ix.entry(tenantID, providerID)
	slots := make([]interval.Interval, len(ivs))
	copy(slots, ivs)
	sort.Slice(slots, func(i, j int) bool {
		return slots[i].Start().Before(slots[j].Start())
	})
	e.mu.Lock()
	e.slots = slots
	e.mu.Unlock()
}

// Count returns the number of indexed intervals for the provider.
func (ix *Index) Count(tenantID, providerID string) int {
	e := ix.entry(tenantID, providerID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.slots)
}
