package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/whisper/chatsync/internal/apperr"
)

// response is the envelope every endpoint except signup answers with.
type response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

var errRateLimited = apperr.E(apperr.KindTransient, "httpapi: send", "Too many messages. Please slow down.")

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[api] encode response: %v", err)
	}
}

func writeOK(w http.ResponseWriter, message string, data interface{}) {
	writeJSON(w, http.StatusOK, response{Success: true, Message: message, Data: data})
}

// writeError maps err to a status and a body code. Unclassified errors are
// logged and reported generically.
func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)
	if errors.Is(err, errRateLimited) {
		status = http.StatusTooManyRequests
	}

	msg := apperr.UserMessage(err)
	switch kind {
	case apperr.KindUnexpected:
		log.Printf("[api] internal error: %v", err)
		msg = "An unexpected error occurred. Please try again later."
	case apperr.KindAuth:
		msg = "Unauthorized"
	case apperr.KindTransient:
		var e *apperr.Error
		if errors.As(err, &e) && e.Message != "" {
			msg = e.Message
		}
	}
	writeJSON(w, status, response{Success: false, Message: msg, Code: kind.String()})
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.E(apperr.KindValidation, "httpapi: decode", "Invalid request body")
	}
	return nil
}
