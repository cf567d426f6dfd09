package core

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// DeviceFloorTemperature is the lowest target temperature the heater accepts
const DeviceFloorTemperature = 40.0

// Mode is the operating mode reported by the heater
type Mode string

const (
	ModeManual Mode = "manual"
	ModeTimer  Mode = "timer"
)

// Valid reports whether m is a known operating mode
func (m Mode) Valid() bool {
	return m == ModeManual || m == ModeTimer
}

// TargetMode is a logical heater state requested by a host
type TargetMode string

const (
	TargetOff  TargetMode = "OFF"
	TargetHeat TargetMode = "HEAT"
	TargetAuto TargetMode = "AUTO"
)

// ParseTargetMode parses a target mode name (case-sensitive, upper case)
func ParseTargetMode(s string) (TargetMode, error) {
	switch TargetMode(s) {
	case TargetOff, TargetHeat, TargetAuto:
		return TargetMode(s), nil
	}
	return "", fmt.Errorf("%w: unknown target mode %q", ErrValidation, s)
}

// Field names one attribute of DeviceState
type Field string

const (
	FieldPower         Field = "power"
	FieldMode          Field = "mode"
	FieldEco           Field = "eco"
	FieldCurrentTemp   Field = "currentTemp"
	FieldTargetTemp    Field = "targetTemp"
	FieldHeatingActive Field = "heatingActive"
)

// Fields lists every DeviceState field
var Fields = []Field{
	FieldPower,
	FieldMode,
	FieldEco,
	FieldCurrentTemp,
	FieldTargetTemp,
	FieldHeatingActive,
}

// DeviceState is the last-known state of the water heater
type DeviceState struct {
	Power         bool    `json:"power"`
	Mode          Mode    `json:"mode"`
	Eco           bool    `json:"eco"`
	CurrentTemp   float64 `json:"currentTemp"`
	TargetTemp    float64 `json:"targetTemp"`
	HeatingActive bool    `json:"heatingActive"`
}

// DefaultDeviceState returns the state used before the first successful fetch
func DefaultDeviceState(limits TemperatureLimits) DeviceState {
	return DeviceState{
		Mode:        ModeManual,
		CurrentTemp: limits.Min,
		TargetTemp:  limits.Min,
	}
}

// Value returns the value of a single field
func (s DeviceState) Value(f Field) (any, error) {
	switch f {
	case FieldPower:
		return s.Power, nil
	case FieldMode:
		return s.Mode, nil
	case FieldEco:
		return s.Eco, nil
	case FieldCurrentTemp:
		return s.CurrentTemp, nil
	case FieldTargetTemp:
		return s.TargetTemp, nil
	case FieldHeatingActive:
		return s.HeatingActive, nil
	}
	return nil, fmt.Errorf("%w: unknown field %q", ErrValidation, f)
}

// TargetMode derives the logical heater state from the device state
func (s DeviceState) TargetMode() TargetMode {
	switch {
	case !s.Power:
		return TargetOff
	case s.Eco && s.Mode == ModeTimer:
		return TargetAuto
	default:
		return TargetHeat
	}
}

// TemperatureLimits bounds the target temperature
type TemperatureLimits struct {
	Min float64
	Max float64
}

var (
	ErrLimitBelowFloor = errors.New("minimum temperature is below the device floor")
	ErrLimitInverted   = errors.New("maximum temperature is below minimum temperature")
)

// Validate checks min >= device floor and max >= min
func (l TemperatureLimits) Validate() error {
	if l.Min < DeviceFloorTemperature {
		return fmt.Errorf("%w: %.1f < %.1f", ErrLimitBelowFloor, l.Min, DeviceFloorTemperature)
	}
	if l.Max < l.Min {
		return fmt.Errorf("%w: %.1f < %.1f", ErrLimitInverted, l.Max, l.Min)
	}
	return nil
}

// Clamp bounds v to [Min, Max]. The second return value is true if v was changed.
func (l TemperatureLimits) Clamp(v float64) (float64, bool) {
	clamped := math.Max(l.Min, math.Min(l.Max, v))
	return clamped, clamped != v
}

// Token is an authentication token for the remote API
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Valid reports whether the token is usable at now
func (t Token) Valid(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}
