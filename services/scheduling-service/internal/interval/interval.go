package interval

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidInterval = errors.New("invalid interval: start must be before end")

// Interval is a half-open time range [Start, End). Construct through New so
// the start < end invariant holds for every value in circulation; the zero
// Interval is empty and overlaps nothing.
type Interval struct {
	start time.Time
	end   time.Time
}

func New(start, end time.Time) (Interval, error) {
	if !start.Before(end) {
		return Interval{}, fmt.Errorf("%w: [%s, %s)", ErrInvalidInterval,
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return Interval{start: start.UTC(), end: end.UTC()}, nil
}

func (iv Interval) Start() time.Time { return iv.start }
func (iv Interval) End() time.Time   { return iv.end }

func (iv Interval) Duration() time.Duration { return iv.end.Sub(iv.start) }

func (iv Interval) IsZero() bool { return iv.start.IsZero() && iv.end.IsZero() }

// Overlaps reports whether two half-open ranges share any instant.
// [a,b) and [b,c) are adjacent, not overlapping.
func (iv Interval) Overlaps(other Interval) bool {
	if iv.IsZero() || other.IsZero() {
		return false
	}
	return iv.start.Before(other.end) && other.start.Before(iv.end)
}

func (iv Interval) Equal(other Interval) bool {
	return iv.start.Equal(other.start) && iv.end.Equal(other.end)
}

func (iv Interval) String() string {
	return "[" + iv.start.Format(time.RFC3339) + ", " + iv.end.Format(time.RFC3339) + ")"
}
