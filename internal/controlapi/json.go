package controlapi

import (
	"encoding/json"
	"net/http"

	"github.com/sandboxd/sandboxd/internal/apierr"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError unwraps err to its safe HTTP status + message per spec.md §7
// and never leaks container ids or stack traces.
func writeError(w http.ResponseWriter, err error) {
	status, msg := apierr.StatusAndMessage(err)
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apierr.New(apierr.InvalidInput, "missing request body")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.Wrap(apierr.InvalidInput, "malformed request body", err)
	}
	return nil
}
