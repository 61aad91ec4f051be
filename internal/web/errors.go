package web

// errors.go turns service errors into JSON responses.
//
// The technical error is logged with the request ID; the client gets the
// coded operator message from core.MapError and a status picked from the
// error's identity, not its text.

import (
	"errors"
	"net/http"

	"github.com/JonMunkholm/ledgerclose/internal/core"
	"github.com/JonMunkholm/ledgerclose/internal/logging"
	"github.com/JonMunkholm/ledgerclose/internal/snapshot"
	"github.com/JonMunkholm/ledgerclose/internal/store"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor picks the HTTP status of a service error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, snapshot.ErrClosureNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrClosureBusy),
		errors.Is(err, snapshot.ErrInProgress),
		errors.Is(err, snapshot.ErrNotReady),
		errors.Is(err, store.ErrStaleState):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyUploads):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrInvalidPeriod):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes its operator message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	respondErrorStatus(w, r, err, statusFor(err))
}

func respondErrorStatus(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg := core.MapError(err)

	logger := logging.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		logger.Error("request error", "path", r.URL.Path, "method", r.Method, "status", status, "error", err.Error(), "code", msg.Code)
	} else {
		logger.Warn("request rejected", "path", r.URL.Path, "method", r.Method, "status", status, "error", err.Error(), "code", msg.Code)
	}

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSONStatus(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// badRequest rejects malformed input that never reached the service.
func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	logging.FromContext(r.Context()).Warn("bad request", "path", r.URL.Path, "method", r.Method, "reason", message)
	writeJSONStatus(w, http.StatusBadRequest, ErrorResponse{
		Error:   message,
		Message: message,
		Action:  "Check the request and try again",
		Code:    "HTTP400",
	})
}
