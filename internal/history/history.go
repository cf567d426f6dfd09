package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"heatersync/internal/clock"
	"heatersync/internal/core"
)

const (
	// Measurement is the InfluxDB measurement state points are written to
	Measurement = "water_heater"

	defaultConnectTimeout = 10 * time.Second
	defaultBatchSize      = 50
	defaultFlushInterval  = 10 * time.Second
)

var (
	ErrDisabled         = errors.New("history: disabled in configuration")
	ErrConnectionFailed = errors.New("history: connection failed")
)

// Config selects the InfluxDB bucket state history is written to
type Config struct {
	Enabled       bool
	URL           string
	Token         string
	Org           string
	Bucket        string
	BatchSize     int
	FlushInterval time.Duration
}

// Recorder writes every device state change as one InfluxDB point. Writes
// are batched and never block the caller.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	plantID  string
	clock    clock.Clock
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Connect pings the server and prepares a batching writer
func Connect(ctx context.Context, cfg Config, plantID string, clk clock.Clock, logger *slog.Logger) (*Recorder, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushInterval := cfg.FlushInterval
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	client := influxdb2.NewClientWithOptions(
		cfg.URL,
		cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(uint(batchSize)).
			SetFlushInterval(uint(flushInterval.Milliseconds())),
	)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectTimeout)
	defer cancel()

	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: ping failed: %w", ErrConnectionFailed, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrConnectionFailed)
	}

	r := &Recorder{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		plantID:  plantID,
		clock:    clk,
		logger:   logger.With("component", "history"),
	}
	go r.handleWriteErrors(r.writeAPI.Errors())

	r.logger.Info("Connected to InfluxDB", "url", cfg.URL, "bucket", cfg.Bucket)
	return r, nil
}

func (r *Recorder) handleWriteErrors(errorsCh <-chan error) {
	for err := range errorsCh {
		r.logger.Warn("State history write failed", "error", err)
	}
}

// Record queues one point for state. It matches the synchronizer's state
// change callback. After Close it drops the point.
func (r *Recorder) Record(state core.DeviceState) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.logger.Debug("Dropping state point, recorder closed")
		return
	}
	r.writeAPI.WritePoint(NewPoint(r.plantID, state, r.clock.Now()))
}

// NewPoint builds the point written for state
func NewPoint(plantID string, state core.DeviceState, at time.Time) *write.Point {
	return write.NewPoint(
		Measurement,
		map[string]string{
			"plant_id": plantID,
		},
		map[string]interface{}{
			"power":          state.Power,
			"eco":            state.Eco,
			"mode":           string(state.Mode),
			"target_mode":    string(state.TargetMode()),
			"current_temp":   state.CurrentTemp,
			"target_temp":    state.TargetTemp,
			"heating_active": state.HeatingActive,
		},
		at,
	)
}

// Flush blocks until queued points are written
func (r *Recorder) Flush() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	r.writeAPI.Flush()
}

// Close flushes pending points and closes the client. It is safe to call
// more than once.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.writeAPI.Flush()
	r.client.Close()
}
