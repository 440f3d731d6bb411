package command

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/exobridge/errors"
)

func TestFormat(t *testing.T) {
	assert.Equal(t, "{Manual;Increment;DorsiflexionU;}",
		Format(ModeManual, ActionIncrement, ContentDorsiflexionUp))

	cmd := HMI{Mode: ModeHoming, Action: ActionStart, Content: "0"}
	assert.Equal(t, "{Homing;Start;0;}", cmd.String())
	assert.Equal(t, []byte("{Homing;Start;0;}"), cmd.Payload())

	assert.Equal(t, "{ChangeSide;;;}", HMI{Mode: ModeChangeSide}.String())
}

func TestHMI_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cmd     HMI
		wantErr bool
	}{
		{"valid", HMI{"Manual", "Increment", "DorsiflexionU"}, false},
		{"numeric content", HMI{"Automatic", "Tightening", "12"}, false},
		{"missing mode", HMI{"", "Increment", "DorsiflexionU"}, true},
		{"mode only", HMI{"ChangeSide", "", ""}, false},
		{"missing content", HMI{"Manual", "Increment", ""}, false},
		{"missing mode with fields", HMI{"", "", "Left"}, true},
		{"semicolon", HMI{"Manual;Stop", "Increment", "x"}, true},
		{"open brace", HMI{"Manual", "{", "x"}, true},
		{"close brace", HMI{"Manual", "Increment", "x}"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cmd.Validate()
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.ErrorIs(t, err, errors.ErrInvalidData)
		})
	}
}

func TestDecodePlanPayload(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"string unquoted", `"{Automatic;Start;3;}"`, "{Automatic;Start;3;}", false},
		{"escaped string", `"line\n"`, "line\n", false},
		{"object forwarded raw", `{"exercises":[1,2]}`, `{"exercises":[1,2]}`, false},
		{"array forwarded raw", ` [1, 2] `, `[1, 2]`, false},
		{"number", `42`, `42`, false},
		{"null", `null`, "", true},
		{"empty", ``, "", true},
		{"empty string", `""`, "", true},
		{"broken", `{"a":`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodePlanPayload(json.RawMessage(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}
