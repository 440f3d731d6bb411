package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/c360/exobridge/errors"
)

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, msg)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		writeText(w, http.StatusInternalServerError, "Internal server error.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// decodeBody reads at most maxRequestSize bytes of JSON into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		return errors.WrapInvalid(err, "Server", "decodeBody", "read body")
	}
	if len(body) > maxRequestSize {
		return errors.WrapInvalid(
			fmt.Errorf("%w: body exceeds %d bytes", errors.ErrInvalidData, maxRequestSize),
			"Server", "decodeBody", "read body")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Server", "decodeBody", "decode body")
	}
	return nil
}

// statusFor maps a store or device error to an HTTP status.
func statusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, errors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrPortClosed):
		return http.StatusServiceUnavailable
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// publicError returns a message safe to hand to the panel. Validation
// messages are kept; anything else is reduced to its class.
func publicError(err error) string {
	if err == nil {
		return ""
	}
	if errors.IsInvalid(err) {
		msg := err.Error()
		// Drop the "component.method: action failed:" prefixes
		if i := strings.LastIndex(msg, "failed: "); i >= 0 {
			msg = msg[i+len("failed: "):]
		}
		return msg
	}
	if errors.IsTransient(err) {
		if strings.Contains(err.Error(), "timeout") {
			return "request timeout"
		}
		return "service temporarily unavailable"
	}
	return "internal server error"
}
