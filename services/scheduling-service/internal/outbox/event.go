package outbox

// Event is the domain event envelope written to the outbox table.
// The Kafka topic name equals EventType (event per topic).
//
// Scheduling emits:
//
//	scheduling.appointment.booked.v1
//	scheduling.appointment.rescheduled.v1
//	scheduling.appointment.cancelled.v1
//	scheduling.appointment.completed.v1
//	scheduling.import.completed.v1
const (
	TypeAppointmentBooked      = "scheduling.appointment.booked.v1"
	TypeAppointmentRescheduled = "scheduling.appointment.rescheduled.v1"
	TypeAppointmentCancelled   = "scheduling.appointment.cancelled.v1"
	TypeAppointmentCompleted   = "scheduling.appointment.completed.v1"
	TypeImportCompleted        = "scheduling.import.completed.v1"
)

type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}
