// Package command formats HMI commands for the exoskeleton firmware.
//
// The firmware splits a command on ';' between the outer braces, so the wire
// form of mode "Manual", action "Increment", content "DorsiflexionU" is
// {Manual;Increment;DorsiflexionU;}.
package command

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/exobridge/errors"
)

// Modes understood by the firmware.
const (
	ModeManual     = "Manual"
	ModeAutomatic  = "Automatic"
	ModeChangeSide = "ChangeSide"
	ModeHoming     = "Homing"
)

// Actions understood by the firmware.
const (
	ActionIncrement  = "Increment"
	ActionTightening = "Tightening"
	ActionStart      = "Start"
	ActionStop       = "Stop"
	ActionPause      = "Pause"
	ActionResume     = "Resume"
)

// Common contents. The firmware accepts others, such as numeric values.
const (
	ContentDorsiflexionUp   = "DorsiflexionU"
	ContentDorsiflexionDown = "DorsiflexionD"
	ContentExtensionUp      = "ExtensionU"
	ContentExtensionDown    = "ExtensionD"
	ContentEversionUp       = "EversionU"
	ContentEversionDown     = "EversionD"
	ContentForward          = "Forward"
	ContentBackward         = "Backward"
	ContentLeft             = "Left"
	ContentRight            = "Right"
)

// reserved bytes would break the firmware's field splitter
const reserved = ";{}"

// HMI is a button press from the control panel.
type HMI struct {
	Mode    string `json:"mode"`
	Action  string `json:"action"`
	Content string `json:"content"`
}

// Validate requires a mode and rejects reserved bytes in any field. Action
// and content may be empty: the ChangeSide buttons send only a mode, which
// goes out as {ChangeSide;;;}.
func (c HMI) Validate() error {
	if c.Mode == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: mode is required", errors.ErrInvalidData),
			"Command", "Validate", "check fields")
	}
	for _, f := range []struct{ name, value string }{
		{"mode", c.Mode},
		{"action", c.Action},
		{"content", c.Content},
	} {
		if strings.ContainsAny(f.value, reserved) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s must not contain any of %q", errors.ErrInvalidData, f.name, reserved),
				"Command", "Validate", "check fields")
		}
	}
	return nil
}

// Payload returns the wire form without validating.
func (c HMI) Payload() []byte {
	return []byte(Format(c.Mode, c.Action, c.Content))
}

// String implements fmt.Stringer.
func (c HMI) String() string {
	return Format(c.Mode, c.Action, c.Content)
}

// Format builds the literal {mode;action;content;} command.
func Format(mode, action, content string) string {
	var b strings.Builder
	b.Grow(len(mode) + len(action) + len(content) + 5)
	b.WriteByte('{')
	b.WriteString(mode)
	b.WriteByte(';')
	b.WriteString(action)
	b.WriteByte(';')
	b.WriteString(content)
	b.WriteString(";}")
	return b.String()
}

// DecodePlanPayload turns a planData event payload into the bytes written to
// the port. A JSON string is unquoted; any other JSON value is forwarded as
// its raw text.
func DecodePlanPayload(raw json.RawMessage) ([]byte, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: empty plan payload", errors.ErrInvalidData),
			"Command", "DecodePlanPayload", "read payload")
	}

	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal([]byte(trimmed), &s); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %v", errors.ErrInvalidData, err),
				"Command", "DecodePlanPayload", "unquote payload")
		}
		if s == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: empty plan payload", errors.ErrInvalidData),
				"Command", "DecodePlanPayload", "read payload")
		}
		return []byte(s), nil
	}

	if !json.Valid([]byte(trimmed)) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: payload is not valid JSON", errors.ErrInvalidData),
			"Command", "DecodePlanPayload", "read payload")
	}
	return []byte(trimmed), nil
}
