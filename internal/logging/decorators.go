package logging

import (
	"context"
	"log/slog"
	"time"

	"heatersync/internal/core"
	"heatersync/internal/executor"
)

// GatewayLogger wraps a device gateway and logs all method calls
type GatewayLogger struct {
	device executor.Device
	logger *slog.Logger
}

// NewGatewayLogger creates a new logging decorator for a device gateway
func NewGatewayLogger(device executor.Device, logger *slog.Logger) executor.Device {
	return &GatewayLogger{
		device: device,
		logger: logger.With("interface", "DeviceGateway"),
	}
}

// observe logs the outcome of one call made since start
func (l *GatewayLogger) observe(op string, start time.Time, err error, args ...any) {
	args = append(args, "duration", time.Since(start))
	if err != nil {
		l.logger.Error(op+" failed", append(args, "error", err)...)
		return
	}
	l.logger.Debug(op+" completed", args...)
}

func (l *GatewayLogger) FetchState(ctx context.Context) (core.DeviceState, error) {
	start := time.Now()
	state, err := l.device.FetchState(ctx)
	l.observe("FetchState", start, err,
		"power", state.Power,
		"mode", state.Mode,
		"target_temp", state.TargetTemp)
	return state, err
}

func (l *GatewayLogger) SetTemperature(ctx context.Context, oldTemp, newTemp float64, eco bool) error {
	start := time.Now()
	l.logger.Info("SetTemperature called",
		"old_temp", oldTemp,
		"new_temp", newTemp,
		"eco", eco)

	err := l.device.SetTemperature(ctx, oldTemp, newTemp, eco)
	l.observe("SetTemperature", start, err, "new_temp", newTemp)
	return err
}

func (l *GatewayLogger) SwitchPower(ctx context.Context, on bool) error {
	start := time.Now()
	l.logger.Info("SwitchPower called", "on", on)

	err := l.device.SwitchPower(ctx, on)
	l.observe("SwitchPower", start, err, "on", on)
	return err
}

func (l *GatewayLogger) SwitchEco(ctx context.Context, on bool) error {
	start := time.Now()
	l.logger.Info("SwitchEco called", "on", on)

	err := l.device.SwitchEco(ctx, on)
	l.observe("SwitchEco", start, err, "on", on)
	return err
}

func (l *GatewayLogger) SetMode(ctx context.Context, mode core.Mode) error {
	start := time.Now()
	l.logger.Info("SetMode called", "mode", mode)

	err := l.device.SetMode(ctx, mode)
	l.observe("SetMode", start, err, "mode", mode)
	return err
}
