package gateway

import (
	"net/http"

	"github.com/c360/exobridge/command"
	"github.com/c360/exobridge/errors"
)

// Response texts the panel matches on.
const (
	msgPortReady          = "Serial port initialized and ready."
	msgPortAlreadyOpen    = "Serial port already initialized."
	msgPortNotFound       = "No scanner port found."
	msgPortOpenError      = "Error opening serial port."
	msgPortClosed         = "Serial port closed."
	msgPortNotInitialized = "Serial port not initialized."
	msgDeviceNotRunning   = "Serial device not running."
	msgDataSent           = "Data sent to serial port."
	msgSerialError        = "Serial Error"
	msgInvalidCommand     = "Invalid command."
)

func (s *Server) handleInitializeSerial(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Device.Open(r.Context())
	switch {
	case err == nil:
		s.logger.Info("Serial port initialized", "path", info.Path)
		writeText(w, http.StatusOK, msgPortReady)
	case errors.Is(err, errors.ErrPortAlreadyOpen):
		writeText(w, http.StatusOK, msgPortAlreadyOpen)
	case errors.Is(err, errors.ErrPortNotFound):
		s.logger.Warn("No scanner port found")
		writeText(w, http.StatusInternalServerError, msgPortNotFound)
	case errors.Is(err, errors.ErrNotStarted):
		writeText(w, http.StatusServiceUnavailable, msgDeviceNotRunning)
	default:
		s.recordFailure(err)
		s.logger.Error("Error opening serial port", "error", err)
		writeText(w, http.StatusInternalServerError, msgPortOpenError)
	}
}

func (s *Server) handleCloseSerial(w http.ResponseWriter, _ *http.Request) {
	if err := s.deps.Device.Close(); err != nil {
		// The handle is released even when the driver complains
		s.logger.Warn("Serial port close reported an error", "error", err)
	}
	writeText(w, http.StatusOK, msgPortClosed)
}

func (s *Server) handleSerialStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Device.Status())
}

func (s *Server) handleHMIButton(w http.ResponseWriter, r *http.Request) {
	var cmd command.HMI
	if err := decodeBody(r, &cmd); err != nil {
		writeText(w, http.StatusBadRequest, msgInvalidCommand)
		return
	}
	if err := cmd.Validate(); err != nil {
		s.logger.Debug("Rejected HMI command", "error", err)
		writeText(w, http.StatusBadRequest, msgInvalidCommand)
		return
	}

	if err := s.deps.Device.WriteCommand(r.Context(), cmd.Payload()); err != nil {
		if errors.Is(err, errors.ErrPortClosed) {
			writeText(w, http.StatusServiceUnavailable, msgPortNotInitialized)
			return
		}
		s.recordFailure(err)
		s.logger.Error("Serial write failed", "command", cmd.String(), "error", err)
		writeText(w, http.StatusInternalServerError, msgSerialError)
		return
	}

	s.logger.Debug("HMI command sent", "command", cmd.String())
	writeText(w, http.StatusOK, msgDataSent)
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, _ *http.Request) {
	snap := s.deps.Telemetry.Latest()
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "No telemetry received yet."})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"received_at": snap.ReceivedAt,
		"data":        snap,
	})
}
