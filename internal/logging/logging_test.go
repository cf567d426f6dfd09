package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"heatersync/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONWithDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "info", Format: "json"}, "1.2.3", &buf)

	logger.Debug("hidden")
	logger.Info("visible", "component", "test")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var record map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "visible", record["msg"])
	assert.Equal(t, "heatersync", record["service"])
	assert.Equal(t, "1.2.3", record["version"])
	assert.Equal(t, "test", record["component"])
}

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Format: "text"}, "dev", &buf)

	logger.Debug("hello")
	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "service=heatersync")
}

type stubDevice struct {
	err error
}

func (s *stubDevice) FetchState(ctx context.Context) (core.DeviceState, error) {
	return core.DeviceState{Power: true, Mode: core.ModeManual, TargetTemp: 50}, s.err
}

func (s *stubDevice) SetTemperature(ctx context.Context, oldTemp, newTemp float64, eco bool) error {
	return s.err
}

func (s *stubDevice) SwitchPower(ctx context.Context, on bool) error { return s.err }
func (s *stubDevice) SwitchEco(ctx context.Context, on bool) error   { return s.err }

func (s *stubDevice) SetMode(ctx context.Context, mode core.Mode) error { return s.err }

func TestGatewayLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: "debug", Format: "json"}, "dev", &buf)

	device := NewGatewayLogger(&stubDevice{}, logger)
	state, err := device.FetchState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 50.0, state.TargetTemp)
	assert.Contains(t, buf.String(), "FetchState completed")
	assert.Contains(t, buf.String(), `"interface":"DeviceGateway"`)

	buf.Reset()
	failing := NewGatewayLogger(&stubDevice{err: errors.New("boom")}, logger)
	err = failing.SwitchEco(context.Background(), true)
	assert.EqualError(t, err, "boom")
	assert.Contains(t, buf.String(), "SwitchEco called")
	assert.Contains(t, buf.String(), "SwitchEco failed")
	assert.Contains(t, buf.String(), `"error":"boom"`)
}
