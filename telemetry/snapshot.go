// Package telemetry decodes frames from the serial scanner into snapshots of
// device state and fans them out to subscribers.
package telemetry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/c360/exobridge/errors"
	"github.com/c360/exobridge/framing"
)

// Snapshot is one decoded telemetry object from the microcontroller.
//
// The firmware owns the schema; nothing is validated beyond "is a JSON
// object". Raw keeps the original bytes so re-broadcast preserves key order.
type Snapshot struct {
	Raw        json.RawMessage
	Fields     map[string]any
	ReceivedAt time.Time
}

// NewSnapshot decodes a frame. Frames that are not a JSON object fail with an
// invalid error wrapping ErrParsingFailed.
func NewSnapshot(frame framing.Frame, at time.Time) (*Snapshot, error) {
	var fields map[string]any
	if err := json.Unmarshal(frame, &fields); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"Relay", "Emit", "decode frame")
	}
	if fields == nil {
		// "null" decodes without error but is not an object
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: frame is not an object", errors.ErrParsingFailed),
			"Relay", "Emit", "decode frame")
	}

	raw := make(json.RawMessage, len(frame))
	copy(raw, frame)
	return &Snapshot{Raw: raw, Fields: fields, ReceivedAt: at}, nil
}

// MarshalJSON emits the original frame bytes.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return s.Raw, nil
}

// Field lookups try the panel's PascalCase key first, then the firmware's own.

func (s *Snapshot) Mode() string           { return s.str("Mode", "mode") }
func (s *Snapshot) AutoState() string      { return s.str("AutoState", "autoState") }
func (s *Snapshot) CurrentLegSide() string { return s.str("CurrentLegSide", "currentLegSide") }
func (s *Snapshot) ErrorCode() string      { return s.str("ErrorCode", "errorcode", "errorCode") }

func (s *Snapshot) ExerciseIdx() (int, bool) { return s.integer("ExerciseIdx", "exerciseIdx") }
func (s *Snapshot) Repetitions() (int, bool) { return s.integer("Repetitions", "repsCount") }

func (s *Snapshot) Positions() []float64 { return s.numbers("Positions", "positions") }
func (s *Snapshot) Torques() []float64   { return s.numbers("Torques", "torques") }

func (s *Snapshot) lookup(keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := s.Fields[k]; ok {
			return v, true
		}
	}
	return nil, false
}

func (s *Snapshot) str(keys ...string) string {
	v, ok := s.lookup(keys...)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func (s *Snapshot) integer(keys ...string) (int, bool) {
	v, ok := s.lookup(keys...)
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	if !ok {
		return 0, false
	}
	return int(f), true
}

func (s *Snapshot) numbers(keys ...string) []float64 {
	v, ok := s.lookup(keys...)
	if !ok {
		return nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(items))
	for _, item := range items {
		if f, ok := item.(float64); ok {
			out = append(out, f)
		}
	}
	return out
}
