package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/model"
)

var ErrInvalidRecurrence = errors.New("invalid recurrence")

type RecurrenceType string

const (
	RecurDaily    RecurrenceType = "daily"
	RecurWeekly   RecurrenceType = "weekly"
	RecurBiweekly RecurrenceType = "biweekly"
	RecurMonthly  RecurrenceType = "monthly"
)

func ParseRecurrenceType(raw string) (RecurrenceType, error) {
	switch RecurrenceType(raw) {
	case RecurDaily, RecurWeekly, RecurBiweekly, RecurMonthly:
		return RecurrenceType(raw), nil
	default:
		return "", fmt.Errorf("%w: type %q", ErrInvalidRecurrence, raw)
	}
}

// RecurrenceRule repeats a slot until (and including) Until. Days, when
// set, restricts occurrences to those weekdays.
type RecurrenceRule struct {
	Type  RecurrenceType
	Days  []time.Weekday
	Until time.Time
}

// BulkBookRequest books the same daily time window on every matching
// weekday in the date range. A zero To defaults to one year after From.
type BulkBookRequest struct {
	TenantID   string
	ProviderID string
	ClientID   string
	ProductID  string
	Days       []time.Weekday
	From       time.Time
	To         time.Time
	DayStart   time.Duration
	DayEnd     time.Duration
	Notes      string
}

// SkippedSlot is one occurrence that could not be booked. The batch
// carries on past it.
type SkippedSlot struct {
	Interval interval.Interval
	Reason   string
}

type BulkResult struct {
	Booked  []model.Appointment
	Skipped []SkippedSlot
}

// maxOccurrences caps expansion so a malformed rule cannot fan out into
// an unbounded batch.
const maxOccurrences = 366

// BookRecurring books every occurrence of the rule, each one passing
// through the same lock-and-check path as a single booking. Occupied
// slots are reported in Skipped, not treated as failures.
func (s *Scheduler) BookRecurring(ctx context.Context, req BookSlotRequest, rule RecurrenceRule) (BulkResult, error) {
	if req.Interval.IsZero() {
		return BulkResult{}, interval.ErrInvalidInterval
	}
	ivs, err := expandRecurrence(req.Interval, rule)
	if err != nil {
		return BulkResult{}, err
	}
	return s.bookEach(ctx, req, ivs)
}

// BookBulk books a fixed time window across the requested weekdays.
func (s *Scheduler) BookBulk(ctx context.Context, req BulkBookRequest) (BulkResult, error) {
	if len(req.Days) == 0 {
		return BulkResult{}, fmt.Errorf("%w: no weekdays", ErrInvalidRecurrence)
	}
	if req.DayStart < 0 || req.DayEnd > 24*time.Hour || req.DayStart >= req.DayEnd {
		return BulkResult{}, fmt.Errorf("%w: bad time window", interval.ErrInvalidInterval)
	}
	from := req.From.UTC().Truncate(24 * time.Hour)
	to := req.To
	if to.IsZero() {
		to = from.AddDate(1, 0, 0)
	}
	to = to.UTC().Truncate(24 * time.Hour)
	if to.Before(from) {
		return BulkResult{}, fmt.Errorf("%w: end before start", ErrInvalidRecurrence)
	}

	var ivs []interval.Interval
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if !weekdayIn(req.Days, day.Weekday()) {
			continue
		}
		iv, err := interval.New(day.Add(req.DayStart), day.Add(req.DayEnd))
		if err != nil {
			return BulkResult{}, err
		}
		ivs = append(ivs, iv)
		if len(ivs) > maxOccurrences {
			return BulkResult{}, fmt.Errorf("%w: over %d occurrences", ErrInvalidRecurrence, maxOccurrences)
		}
	}

	return s.bookEach(ctx, BookSlotRequest{
		TenantID:   req.TenantID,
		ProviderID: req.ProviderID,
		ClientID:   req.ClientID,
		ProductID:  req.ProductID,
		Notes:      req.Notes,
	}, ivs)
}

// bookEach books the occurrences one by one. Conflicts and quota caps
// skip the occurrence; any other failure aborts the batch.
func (s *Scheduler) bookEach(ctx context.Context, base BookSlotRequest, ivs []interval.Interval) (BulkResult, error) {
	var res BulkResult
	for _, iv := range ivs {
		req := base
		req.Interval = iv
		appt, err := s.BookSlot(ctx, req)
		if err != nil {
			if errors.Is(err, availability.ErrSlotConflict) || errors.Is(err, ErrQuotaExceeded) {
				res.Skipped = append(res.Skipped, SkippedSlot{Interval: iv, Reason: err.Error()})
				continue
			}
			return BulkResult{}, err
		}
		res.Booked = append(res.Booked, appt)
	}
	s.logger.Info("batch booking done",
		"tenant_id", base.TenantID,
		"provider_id", base.ProviderID,
		"booked", len(res.Booked),
		"skipped", len(res.Skipped),
	)
	return res, nil
}

// expandRecurrence lists the occurrence intervals of a rule, the first
// one being the seed interval itself when its weekday qualifies.
func expandRecurrence(seed interval.Interval, rule RecurrenceRule) ([]interval.Interval, error) {
	if _, err := ParseRecurrenceType(string(rule.Type)); err != nil {
		return nil, err
	}
	if rule.Until.IsZero() {
		return nil, fmt.Errorf("%w: until is required", ErrInvalidRecurrence)
	}
	until := rule.Until.UTC()
	if !until.After(seed.Start()) {
		return nil, fmt.Errorf("%w: until not after start", ErrInvalidRecurrence)
	}

	duration := seed.Duration()
	var out []interval.Interval
	for cur := seed.Start(); !cur.After(until); {
		if len(rule.Days) > 0 && !weekdayIn(rule.Days, cur.Weekday()) {
			cur = cur.AddDate(0, 0, 1)
			continue
		}
		iv, err := interval.New(cur, cur.Add(duration))
		if err != nil {
			return nil, err
		}
		out = append(out, iv)
		if len(out) > maxOccurrences {
			return nil, fmt.Errorf("%w: over %d occurrences", ErrInvalidRecurrence, maxOccurrences)
		}

		switch rule.Type {
		case RecurDaily:
			cur = cur.AddDate(0, 0, 1)
		case RecurWeekly:
			cur = cur.AddDate(0, 0, 7)
		case RecurBiweekly:
			cur = cur.AddDate(0, 0, 14)
		case RecurMonthly:
			cur = cur.AddDate(0, 1, 0)
		}
	}
	return out, nil
}

func weekdayIn(days []time.Weekday, d time.Weekday) bool {
	for _, day := range days {
		if day == d {
			return true
		}
	}
	return false
}

// ParseWeekday accepts the lowercase English day names used by the
// import templates and the bulk endpoint.
func ParseWeekday(raw string) (time.Weekday, error) {
	switch raw {
	case "sunday":
		return time.Sunday, nil
	case "monday":
		return time.Monday, nil
	case "tuesday":
		return time.Tuesday, nil
	case "wednesday":
		return time.Wednesday, nil
	case "thursday":
		return time.Thursday, nil
	case "friday":
		return time.Friday, nil
	case "saturday":
		return time.Saturday, nil
	default:
		return 0, fmt.Errorf("%w: weekday %q", ErrInvalidRecurrence, raw)
	}
}
