package httpx

import (
	"errors"
	"net/http"

	"github.com/casegate/casegate/internal/shared"
)

// ErrMissingActor is returned when a mutating request carries no actor id.
var ErrMissingActor = errors.New("actor id required")

type errorMapping struct {
	target error
	status int
	title  string
	code   string
}

// Ordered so that wrapped conflicts win over the generic invalid-input case.
var errorMappings = []errorMapping{
	{shared.ErrNotFound, http.StatusNotFound, "Not Found", "not_found"},
	{shared.ErrConflict, http.StatusConflict, "Conflict", "concurrent_update"},
	{shared.ErrInvalidInput, http.StatusUnprocessableEntity, "Validation Failed", "invalid_input"},
	{ErrMissingActor, http.StatusUnauthorized, "Unauthorized", "missing_actor"},
}

// RespondError maps the shared error taxonomy to a problem response. Unknown
// errors become a 500 without detail.
func RespondError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if !errors.Is(err, m.target) {
			continue
		}
		if m.status == http.StatusConflict {
			w.Header().Set("Retry-After", "1")
		}
		writeProblem(w, ProblemDetail{Title: m.title, Status: m.status, Code: m.code, Detail: err.Error()})
		return
	}
	writeProblem(w, ProblemDetail{
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
		Code:   "internal",
	})
}
