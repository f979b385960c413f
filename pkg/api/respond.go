package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"time"

	margerr "github.com/odvcencio/margin/pkg/errors"
)

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	_ = json.NewEncoder(w).Encode(payload)
}

// respondError sends a structured JSON error response, surfacing the typed
// error code and retryability when the error carries them.
func respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)

	response := struct {
		Error     string `json:"error"`
		Status    int    `json:"status"`
		Code      string `json:"code,omitempty"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable,omitempty"`
		Timestamp string `json:"timestamp"`
	}{
		Status:    status,
		Message:   http.StatusText(status),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	response.Error = response.Message

	var typed *margerr.Error
	if stderrors.As(err, &typed) {
		response.Code = string(typed.Code)
		response.Message = typed.Message
		response.Retryable = typed.IsRetryable()
	} else if err != nil {
		response.Message = err.Error()
	}

	_ = json.NewEncoder(w).Encode(response)
}

// decodeJSON reads a JSON request body into out, capping the body size.
func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	return dec.Decode(out)
}
