package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/agendaly/agendaly/services/scheduling-service/internal/availability"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/booking"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/importer"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/interval"
	"github.com/agendaly/agendaly/services/scheduling-service/internal/scheduler"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// engineStatus maps engine errors onto an HTTP status and a safe
// message. Anything not in the taxonomy is a 500 with a generic message.
func engineStatus(err error) (int, string) {
	switch {
	case errors.Is(err, interval.ErrInvalidInterval):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, scheduler.ErrInvalidRecurrence):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, availability.ErrSlotConflict):
		return http.StatusConflict, "time slot unavailable"
	case errors.Is(err, booking.ErrInvalidTransition):
		return http.StatusConflict, err.Error()
	case errors.Is(err, scheduler.ErrNotFound):
		return http.StatusNotFound, "appointment not found"
	case errors.Is(err, scheduler.ErrUnknownEntity):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, scheduler.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "monthly appointment limit reached for this plan"
	case errors.Is(err, importer.ErrDuplicateNotFound):
		return http.StatusNotFound, "duplicate candidate not found"
	case errors.Is(err, importer.ErrUnknownAction), errors.Is(err, importer.ErrUnknownEntityType):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	status, msg := engineStatus(err)
	http.Error(w, msg, status)
}
