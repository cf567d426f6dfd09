package executor

import (
	"context"

	"heatersync/internal/core"
)

// Device is the set of primitive operations on one water heater
type Device interface {
	FetchState(ctx context.Context) (core.DeviceState, error)
	SetTemperature(ctx context.Context, oldTemp, newTemp float64, eco bool) error
	SwitchPower(ctx context.Context, on bool) error
	SwitchEco(ctx context.Context, on bool) error
	SetMode(ctx context.Context, mode core.Mode) error
}

// API is the token-per-call remote client the gateway drives
type API interface {
	GetDeviceState(ctx context.Context, token, plantID string) (core.DeviceState, error)
	SetTemperature(ctx context.Context, token, plantID string, oldTemp, newTemp float64, eco bool) error
	SwitchPower(ctx context.Context, token, plantID string, on bool) error
	SwitchEco(ctx context.Context, token, plantID string, on bool) error
	SetMode(ctx context.Context, token, plantID string, mode core.Mode) error
}

// Gateway binds the remote client and plant id to an executor so every
// primitive operation goes through the same retry policy
type Gateway struct {
	exec    *Executor
	api     API
	plantID string
}

// NewGateway creates a new gateway for one plant
func NewGateway(exec *Executor, api API, plantID string) *Gateway {
	return &Gateway{exec: exec, api: api, plantID: plantID}
}

// PlantID returns the plant the gateway controls
func (g *Gateway) PlantID() string {
	return g.plantID
}

// FetchState reads the full device state
func (g *Gateway) FetchState(ctx context.Context) (core.DeviceState, error) {
	var state core.DeviceState
	err := g.exec.Execute(ctx, "getDeviceState", func(ctx context.Context, token string) error {
		s, err := g.api.GetDeviceState(ctx, token, g.plantID)
		if err != nil {
			return err
		}
		state = s
		return nil
	})
	return state, err
}

// SetTemperature changes the target temperature
func (g *Gateway) SetTemperature(ctx context.Context, oldTemp, newTemp float64, eco bool) error {
	return g.exec.Execute(ctx, "setTemperature", func(ctx context.Context, token string) error {
		return g.api.SetTemperature(ctx, token, g.plantID, oldTemp, newTemp, eco)
	})
}

// SwitchPower turns the heater on or off
func (g *Gateway) SwitchPower(ctx context.Context, on bool) error {
	return g.exec.Execute(ctx, "switchPower", func(ctx context.Context, token string) error {
		return g.api.SwitchPower(ctx, token, g.plantID, on)
	})
}

// SwitchEco turns eco mode on or off
func (g *Gateway) SwitchEco(ctx context.Context, on bool) error {
	return g.exec.Execute(ctx, "switchEco", func(ctx context.Context, token string) error {
		return g.api.SwitchEco(ctx, token, g.plantID, on)
	})
}

// SetMode changes the operating mode
func (g *Gateway) SetMode(ctx context.Context, mode core.Mode) error {
	return g.exec.Execute(ctx, "setMode", func(ctx context.Context, token string) error {
		return g.api.SetMode(ctx, token, g.plantID, mode)
	})
}

// Ensure Gateway implements Device
var _ Device = (*Gateway)(nil)
