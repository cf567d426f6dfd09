package host

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"heatersync/internal/core"
	"heatersync/internal/sequencer"
)

// Attribute is a named value a smart-home host reads or writes
type Attribute string

const (
	AttrActive             Attribute = "Active"
	AttrCurrentTemperature Attribute = "CurrentTemperature"
	AttrTargetTemperature  Attribute = "TargetTemperature"
	AttrTargetHeaterState  Attribute = "TargetHeaterState"
	AttrEcoMode            Attribute = "EcoMode"
	AttrHeatingActive      Attribute = "HeatingActive"
)

// Attributes lists every exposed attribute
var Attributes = []Attribute{
	AttrActive,
	AttrCurrentTemperature,
	AttrTargetTemperature,
	AttrTargetHeaterState,
	AttrEcoMode,
	AttrHeatingActive,
}

// ParseAttribute looks up an attribute by name
func ParseAttribute(s string) (Attribute, error) {
	for _, a := range Attributes {
		if string(a) == s {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: unknown attribute %q", core.ErrValidation, s)
}

// Writable reports whether hosts may set the attribute
func (a Attribute) Writable() bool {
	switch a {
	case AttrActive, AttrTargetTemperature, AttrTargetHeaterState, AttrEcoMode:
		return true
	}
	return false
}

// Fields returns the device state fields a reads from
func (a Attribute) Fields() []core.Field {
	switch a {
	case AttrActive:
		return []core.Field{core.FieldPower}
	case AttrCurrentTemperature:
		return []core.Field{core.FieldCurrentTemp}
	case AttrTargetTemperature:
		return []core.Field{core.FieldTargetTemp}
	case AttrTargetHeaterState:
		return []core.Field{core.FieldPower, core.FieldEco, core.FieldMode}
	case AttrEcoMode:
		return []core.Field{core.FieldEco}
	case AttrHeatingActive:
		return []core.Field{core.FieldHeatingActive}
	}
	return nil
}

// AttributeValue returns the value of a from state
func AttributeValue(state core.DeviceState, a Attribute) (any, error) {
	switch a {
	case AttrActive:
		return state.Power, nil
	case AttrCurrentTemperature:
		return state.CurrentTemp, nil
	case AttrTargetTemperature:
		return state.TargetTemp, nil
	case AttrTargetHeaterState:
		return string(state.TargetMode()), nil
	case AttrEcoMode:
		return state.Eco, nil
	case AttrHeatingActive:
		return state.HeatingActive, nil
	}
	return nil, fmt.Errorf("%w: unknown attribute %q", core.ErrValidation, a)
}

// Synchronizer is the get/set contract the accessory calls into
type Synchronizer interface {
	Get(ctx context.Context, field core.Field) (any, error)
	StateOf(ctx context.Context, fields ...core.Field) (core.DeviceState, error)
	SetTargetTemperature(ctx context.Context, v float64) (float64, error)
	SetPower(ctx context.Context, on bool) error
	SetEco(ctx context.Context, on bool) error
	SetTargetMode(ctx context.Context, mode core.TargetMode) (sequencer.Result, error)
}

// Accessory exposes the heater as named attributes
type Accessory struct {
	synchronizer Synchronizer
	logger       *slog.Logger
}

// NewAccessory creates a new accessory
func NewAccessory(synchronizer Synchronizer, logger *slog.Logger) *Accessory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Accessory{
		synchronizer: synchronizer,
		logger:       logger.With("component", "accessory"),
	}
}

// OnGet returns the best-known value of attr. Only a stale entry or an
// invalidated backing field triggers a refresh. A refresh error is returned
// alongside the last-known value.
func (a *Accessory) OnGet(ctx context.Context, attr Attribute) (any, error) {
	fields := attr.Fields()
	if fields == nil {
		return nil, fmt.Errorf("%w: unknown attribute %q", core.ErrValidation, attr)
	}

	var v any
	var err error
	if len(fields) == 1 {
		v, err = a.synchronizer.Get(ctx, fields[0])
		if v == nil {
			return nil, err
		}
	} else {
		var state core.DeviceState
		state, err = a.synchronizer.StateOf(ctx, fields...)
		v, _ = AttributeValue(state, attr)
	}
	if err != nil {
		a.logger.Warn("Serving last-known value", "attribute", attr, "error", err)
	}
	return v, err
}

// OnSet writes attr and returns the value that was applied
func (a *Accessory) OnSet(ctx context.Context, attr Attribute, value any) (any, error) {
	if !attr.Writable() {
		return nil, fmt.Errorf("%w: attribute %q is read-only", core.ErrValidation, attr)
	}

	logger := a.logger.With("attribute", attr)
	applied, err := a.set(ctx, attr, value)
	if err != nil {
		logger.Error("Set failed", "value", value, "error", err)
		return nil, err
	}
	logger.Info("Set applied", "value", applied)
	return applied, nil
}

func (a *Accessory) set(ctx context.Context, attr Attribute, value any) (any, error) {
	switch attr {
	case AttrActive:
		on, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return on, a.synchronizer.SetPower(ctx, on)

	case AttrEcoMode:
		on, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return on, a.synchronizer.SetEco(ctx, on)

	case AttrTargetTemperature:
		v, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return a.synchronizer.SetTargetTemperature(ctx, v)

	case AttrTargetHeaterState:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("%w: target heater state must be a string, got %T", core.ErrValidation, value)
		}
		mode, err := core.ParseTargetMode(strings.ToUpper(strings.TrimSpace(s)))
		if err != nil {
			return nil, err
		}
		if _, err := a.synchronizer.SetTargetMode(ctx, mode); err != nil {
			return nil, err
		}
		return string(mode), nil
	}
	return nil, fmt.Errorf("%w: unknown attribute %q", core.ErrValidation, attr)
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case int:
		return v != 0, nil
	case float64:
		return v != 0, nil
	case string:
		switch strings.ToUpper(strings.TrimSpace(v)) {
		case "1", "TRUE", "ON":
			return true, nil
		case "0", "FALSE", "OFF":
			return false, nil
		}
	}
	return false, fmt.Errorf("%w: cannot use %v as a boolean", core.ErrValidation, value)
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f, nil
		}
	}
	return 0, fmt.Errorf("%w: cannot use %v as a temperature", core.ErrValidation, value)
}
