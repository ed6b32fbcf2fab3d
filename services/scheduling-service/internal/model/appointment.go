package model

import (
	"time"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
)

// Appointment is the persisted booking record. The database row is
// authoritative; the in-memory availability index is rebuilt from rows with
// status active.
type Appointment struct {
	ID           string
	TenantID     string
	ProviderID   string
	ClientID     string
	ProductID    string
	Interval     interval.Interval
	Status       booking.Status
	Notes        string
	CancelReason string
	CancelledAt  *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
}
