// Package errors provides standardized error handling patterns for exobridge components.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, a later attempt may
// succeed), Invalid (bad input, never retried) and Fatal (unrecoverable, stop
// processing). Components use the class to decide between logging and
// continuing, reporting to a caller, or shutting down.
//
// The serial bridge leans heavily on the Invalid class: a malformed telemetry
// frame is classified invalid, logged and dropped while scanning continues.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format:
//
//	"component.method: action failed: cause"
//
// For example:
//
//	if err := port.Write(payload); err != nil {
//	    return errors.WrapTransient(err, "Device", "WriteCommand", "serial write")
//	}
//
// # Sentinel Errors
//
// Packages compare against the shared sentinels with errors.Is:
//
//	if errors.Is(err, errors.ErrPortClosed) {
//	    http.Error(w, "Serial port not initialized.", http.StatusServiceUnavailable)
//	}
//
// The package re-exports Is, As and New so callers do not need a second
// import of the standard errors package.
package errors
