package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"gpu-quota-service/internal/ledger"
	"gpu-quota-service/internal/service"
)

type apiError struct {
	Message string `json:"message"`
	// set for insufficient quota
	Available *int64 `json:"available,omitempty"`
	Required  *int64 `json:"required,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, apiError{Message: msg})
}

// writeServiceErr maps a service error onto a status code. Unknown errors are
// reported as 500 without their text.
func writeServiceErr(w http.ResponseWriter, err error) {
	var quotaErr *ledger.InsufficientQuotaError
	switch {
	case errors.As(err, &quotaErr):
		writeJSON(w, http.StatusBadRequest, apiError{
			Message:   err.Error(),
			Available: &quotaErr.Available,
			Required:  &quotaErr.Required,
		})
	case errors.Is(err, service.ErrInvalidResourceCount),
		errors.Is(err, service.ErrUnsafeCommand),
		errors.Is(err, service.ErrInvalidDuration),
		errors.Is(err, service.ErrTooManyActiveJobs),
		errors.Is(err, service.ErrInsufficientQuota),
		errors.Is(err, service.ErrInvalidName),
		errors.Is(err, service.ErrInvalidRole):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeErr(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrNotFound):
		writeErr(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrNameTaken):
		writeErr(w, http.StatusConflict, err.Error())
	default:
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
