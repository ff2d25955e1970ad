package web

// errors.go turns handler errors into JSON responses. The technical error is
// logged with the request id; the client gets the user message from
// validation.MapError and its support code.

import (
	"context"
	"errors"
	"net/http"

	"github.com/JonMunkholm/taxintake/internal/etl"
	"github.com/JonMunkholm/taxintake/internal/intake"
	"github.com/JonMunkholm/taxintake/internal/lifecycle"
	"github.com/JonMunkholm/taxintake/internal/logging"
	"github.com/JonMunkholm/taxintake/internal/template"
	"github.com/JonMunkholm/taxintake/internal/validation"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor picks the HTTP status for a domain error.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, template.ErrUnknownTemplate):
		return http.StatusNotFound
	case errors.Is(err, intake.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, intake.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, intake.ErrTooManyUploads):
		return http.StatusServiceUnavailable
	case errors.Is(err, etl.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// respondError logs err and writes the mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := validation.MapError(err)

	logging.FromContext(r.Context()).Error("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, status, ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// writeError writes a request error that never reached the domain layer.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	logging.FromContext(r.Context()).Warn("bad request",
		"path", r.URL.Path,
		"status", status,
		"reason", message,
	)
	writeJSON(w, status, ErrorResponse{Error: message, Message: message, Code: code})
}
