package api

import (
	"encoding/json"
	"net/http"

	"github.com/monadicus/snops-core/internal/errs"
)

// writeJSON writes v as a JSON body with status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as the structured {kind, message, details} body
// spec.md §7 mandates ("Control-plane API calls fail fast with a
// structured JSON error").
func writeError(w http.ResponseWriter, err error) {
	e := errs.As(err)
	if e == nil {
		e = errs.InternalError("unexpected error", err)
	}
	writeJSON(w, errs.HTTPStatus(e), e)
}

// decodeJSON decodes the request body into v, reporting a Validation
// error on malformed JSON.
func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Wrap(errs.Validation, "malformed JSON body", err)
	}
	return nil
}
