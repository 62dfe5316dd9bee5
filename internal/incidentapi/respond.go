package incidentapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/linnemanlabs/warden/internal/incident"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with an encode error once the header is out
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// errorStatus maps registry and orchestrator errors onto HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, incident.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, incident.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// decode reads a JSON body into dst, rejecting unknown fields, and
// validates it. On failure it has already written the response.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return a.decodeBody(w, r, dst, true)
}

// decodeLenient is decode for third-party payloads that carry fields
// warden does not read.
func (a *API) decodeLenient(w http.ResponseWriter, r *http.Request, dst any) bool {
	return a.decodeBody(w, r, dst, false)
}

func (a *API) decodeBody(w http.ResponseWriter, r *http.Request, dst any, strict bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if strict {
		dec.DisallowUnknownFields()
	}
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		writeValidationError(w, err)
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, err error) {
	var details []map[string]string
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			details = append(details, map[string]string{
				"field":   e.Field(),
				"message": validationMessage(e),
			})
		}
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":   "validation error",
		"details": details,
	})
}

func validationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "is required"
	case "max":
		return fmt.Sprintf("must be at most %s characters", e.Param())
	case "oneof":
		return "must be one of: " + e.Param()
	default:
		return "failed " + e.Tag()
	}
}
