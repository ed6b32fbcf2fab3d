package scheduler

import (
	"encoding/json"
	"time"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/model"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/outbox"
)

type appointmentPayload struct {
	AppointmentID string     `json:"appointment_id"`
	TenantID      string     `json:"tenant_id"`
	ProviderID    string     `json:"provider_id"`
	ClientID      string     `json:"client_id"`
	ProductID     string     `json:"product_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time"`
	Status        string     `json:"status"`
	CancelReason  string     `json:"cancel_reason,omitempty"`
	CancelledAt   *time.Time `json:"cancelled_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func appointmentEvent(eventType string, appt model.Appointment) (outbox.Event, error) {
	payload, err := json.Marshal(appointmentPayload{
		AppointmentID: appt.ID,
		TenantID:      appt.TenantID,
		ProviderID:    appt.ProviderID,
		ClientID:      appt.ClientID,
		ProductID:     appt.ProductID,
		StartTime:     appt.Interval.Start(),
		EndTime:       appt.Interval.End(),
		Status:        string(appt.Status),
		CancelReason:  appt.CancelReason,
		CancelledAt:   appt.CancelledAt,
		CompletedAt:   appt.CompletedAt,
	})
	if err != nil {
		return outbox.Event{}, err
	}
	return outbox.Event{
		AggregateType: "appointment",
		AggregateID:   appt.ID,
		EventType:     eventType,
		Payload:       payload,
	}, nil
}
