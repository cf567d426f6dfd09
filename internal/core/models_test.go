package core

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemperatureLimits_Validate(t *testing.T) {
	tests := []struct {
		name    string
		limits  TemperatureLimits
		wantErr error
	}{
		{
			name:    "valid limits",
			limits:  TemperatureLimits{Min: 40, Max: 80},
			wantErr: nil,
		},
		{
			name:    "min equals max",
			limits:  TemperatureLimits{Min: 55, Max: 55},
			wantErr: nil,
		},
		{
			name:    "min below device floor",
			limits:  TemperatureLimits{Min: 35, Max: 80},
			wantErr: ErrLimitBelowFloor,
		},
		{
			name:    "max below min",
			limits:  TemperatureLimits{Min: 60, Max: 50},
			wantErr: ErrLimitInverted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestTemperatureLimits_Clamp(t *testing.T) {
	limits := TemperatureLimits{Min: 40, Max: 75}

	tests := []struct {
		in          float64
		want        float64
		wantChanged bool
	}{
		{in: 55, want: 55, wantChanged: false},
		{in: 40, want: 40, wantChanged: false},
		{in: 75, want: 75, wantChanged: false},
		{in: 12, want: 40, wantChanged: true},
		{in: 90.5, want: 75, wantChanged: true},
		{in: math.Inf(1), want: 75, wantChanged: true},
	}

	for _, tt := range tests {
		got, changed := limits.Clamp(tt.in)
		assert.Equal(t, tt.want, got, "clamp(%v)", tt.in)
		assert.Equal(t, tt.wantChanged, changed, "clamp(%v) changed", tt.in)
	}
}

func TestDeviceState_Value(t *testing.T) {
	state := DeviceState{
		Power:         true,
		Mode:          ModeTimer,
		Eco:           true,
		CurrentTemp:   48.5,
		TargetTemp:    55,
		HeatingActive: true,
	}

	for _, f := range Fields {
		_, err := state.Value(f)
		assert.NoError(t, err, "field %s", f)
	}

	v, err := state.Value(FieldTargetTemp)
	require.NoError(t, err)
	assert.Equal(t, 55.0, v)

	_, err = state.Value("pressure")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDeviceState_TargetMode(t *testing.T) {
	assert.Equal(t, TargetOff, DeviceState{Power: false, Eco: true, Mode: ModeTimer}.TargetMode())
	assert.Equal(t, TargetAuto, DeviceState{Power: true, Eco: true, Mode: ModeTimer}.TargetMode())
	assert.Equal(t, TargetHeat, DeviceState{Power: true, Eco: false, Mode: ModeManual}.TargetMode())
	assert.Equal(t, TargetHeat, DeviceState{Power: true, Eco: true, Mode: ModeManual}.TargetMode())
}

func TestParseTargetMode(t *testing.T) {
	m, err := ParseTargetMode("AUTO")
	require.NoError(t, err)
	assert.Equal(t, TargetAuto, m)

	_, err = ParseTargetMode("auto")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestToken_Valid(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.True(t, Token{Value: "abc", ExpiresAt: now.Add(time.Minute)}.Valid(now))
	assert.False(t, Token{Value: "abc", ExpiresAt: now}.Valid(now))
	assert.False(t, Token{Value: "", ExpiresAt: now.Add(time.Hour)}.Valid(now))
}

func TestCommandError(t *testing.T) {
	stepErr := errors.New("boom")
	err := error(&CommandError{Target: TargetAuto, Index: 1, Step: "switchEco(true)", Err: stepErr})

	assert.ErrorIs(t, err, ErrPartialCommand)
	assert.ErrorIs(t, err, stepErr)
	assert.Contains(t, err.Error(), "step 1")
	assert.Contains(t, err.Error(), "switchEco(true)")

	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, 1, cmdErr.Index)
}
