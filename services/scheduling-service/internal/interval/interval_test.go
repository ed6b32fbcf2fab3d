package interval

import (
	"errors"
	"testing"
	"time"
)

func mustNew(t *testing.T, start, end time.Time) Interval {
	t.Helper()
	iv, err := New(start, end)
	if err != nil {
		t.Fatalf("New(%s, %s): %v", start, end, err)
	}
	return iv
}

func TestNew_RejectsInvertedAndZeroLength(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	if _, err := New(at, at); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("zero-length interval: expected ErrInvalidInterval, got %v", err)
	}
	if _, err := New(at.Add(time.Hour), at); !errors.Is(err, ErrInvalidInterval) {
		t.Fatalf("inverted interval: expected ErrInvalidInterval, got %v", err)
	}
}

func TestOverlaps_Symmetry(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		a, b Interval
		want bool
	}{
		{
			name: "identical",
			a:    mustNew(t, day.Add(9*time.Hour), day.Add(10*time.Hour)),
			b:    mustNew(t, day.Add(9*time.Hour), day.Add(10*time.Hour)),
			want: true,
		},
		{
			name: "partial overlap",
			a:    mustNew(t, day.Add(9*time.Hour), day.Add(10*time.Hour)),
			b:    mustNew(t, day.Add(9*time.Hour+30*time.Minute), day.Add(10*time.Hour+30*time.Minute)),
			want: true,
		},
		{
			name: "contained",
			a:    mustNew(t, day.Add(9*time.Hour), day.Add(12*time.Hour)),
			b:    mustNew(t, day.Add(10*time.Hour), day.Add(11*time.Hour)),
			want: true,
		},
		{
			name: "adjacent",
			a:    mustNew(t, day.Add(9*time.Hour), day.Add(10*time.Hour)),
			b:    mustNew(t, day.Add(10*time.Hour), day.Add(11*time.Hour)),
			want: false,
		},
		{
			name: "disjoint",
			a:    mustNew(t, day.Add(9*time.Hour), day.Add(10*time.Hour)),
			b:    mustNew(t, day.Add(14*time.Hour), day.Add(15*time.Hour)),
			want: false,
		},
	}

	for _, tc := range cases {
		if got := tc.a.Overlaps(tc.b); got != tc.want {
			t.Errorf("%s: a.Overlaps(b) = %v, want %v", tc.name, got, tc.want)
		}
		if got := tc.b.Overlaps(tc.a); got != tc.want {
			t.Errorf("%s: b.Overlaps(a) = %v, want %v (symmetry)", tc.name, got, tc.want)
		}
	}
}

func TestOverlaps_SelfAndZero(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	iv := mustNew(t, day.Add(9*time.Hour), day.Add(10*time.Hour))

	if !iv.Overlaps(iv) {
		t.Fatal("a valid interval must overlap itself")
	}
	var zero Interval
	if zero.Overlaps(iv) || iv.Overlaps(zero) {
		t.Fatal("the zero interval must overlap nothing")
	}
}

func TestFreeSlots_ExcludesBusyAndRespectsStep(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	windowStart := day.Add(9 * time.Hour)
	windowEnd := day.Add(10 * time.Hour)

	busy := []Interval{
		mustNew(t, day.Add(9*time.Hour+15*time.Minute), day.Add(9*time.Hour+45*time.Minute)),
	}

	slots := FreeSlots(windowStart, windowEnd, 15*time.Minute, 15*time.Minute, busy, day)
	if len(slots) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9 * time.Hour)) {
		t.Fatalf("expected first slot 09:00, got %s", slots[0].Format(time.RFC3339))
	}
	if !slots[1].Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected second slot 09:45, got %s", slots[1].Format(time.RFC3339))
	}
}

func TestFreeSlots_SkipsPastStarts(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	windowStart := day.Add(9 * time.Hour)
	windowEnd := day.Add(10 * time.Hour)

	now := day.Add(9*time.Hour + 31*time.Minute)
	slots := FreeSlots(windowStart, windowEnd, 15*time.Minute, 15*time.Minute, nil, now)
	// 09:00, 09:15 and 09:30 start before now; only 09:45 remains.
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %d", len(slots))
	}
	if !slots[0].Equal(day.Add(9*time.Hour + 45*time.Minute)) {
		t.Fatalf("expected slot 09:45, got %s", slots[0].Format(time.RFC3339))
	}
}

func TestFreeSlots_WindowTooSmall(t *testing.T) {
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	slots := FreeSlots(day.Add(9*time.Hour), day.Add(9*time.Hour+10*time.Minute), 15*time.Minute, 5*time.Minute, nil, day)
	if slots != nil {
		t.Fatalf("expected no slots, got %v", slots)
	}
}
