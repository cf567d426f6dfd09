package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"heatersync/config"
	"heatersync/internal/api"
	"heatersync/internal/auth"
	"heatersync/internal/clock"
	"heatersync/internal/executor"
	"heatersync/internal/history"
	"heatersync/internal/host"
	"heatersync/internal/logging"
	"heatersync/internal/remote"
	"heatersync/internal/storage/sqlite"
	"heatersync/internal/synchronizer"
)

const (
	shutdownTimeout   = 10 * time.Second
	defaultConfigPath = "config.yaml"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file (.yaml or .json)")
	useEnv := flag.Bool("env", false, "Load configuration from environment variables")
	flag.Parse()

	var cfg *config.Config
	var err error

	if *useEnv {
		cfg, err = config.LoadFromEnv()
	} else {
		cfg, err = config.Load(*configPath)
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}, version)
	slog.SetDefault(logger)

	logger.Info("initializing database", "path", cfg.Database.Path)
	db, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	clk := clock.RealClock{}

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.RequestTimeout.Std(), logger)
	tokens := auth.NewManager(client, remote.Credentials{
		Username: cfg.Remote.Username,
		Password: cfg.Remote.Password,
	}, logger,
		auth.WithStore(db),
		auth.WithClock(clk),
		auth.WithLifetime(cfg.Remote.TokenLifetime.Std()),
	)

	exec := executor.New(tokens, executor.Policy{
		MaxAttempts:    cfg.Remote.MaxAttempts,
		Backoff:        cfg.Remote.Backoff.Std(),
		Multiplier:     cfg.Remote.BackoffMultiplier,
		MaxBackoff:     cfg.Remote.MaxBackoff.Std(),
		RequestTimeout: cfg.Remote.RequestTimeout.Std(),
	}, clk, logger)
	device := logging.NewGatewayLogger(executor.NewGateway(exec, client, cfg.Remote.PlantID), logger)

	syncer, err := synchronizer.New(device, synchronizer.Config{
		Limits:        cfg.Heater.Limits(),
		TTL:           cfg.Heater.CacheTTL.Std(),
		RefreshPeriod: cfg.Heater.RefreshPeriod.Std(),
		DebounceQuiet: cfg.Heater.DebounceQuiet.Std(),
	}, clk, logger, synchronizer.WithSnapshotStore(db))
	if err != nil {
		return fmt.Errorf("failed to initialize synchronizer: %w", err)
	}

	if cfg.InfluxDB.Enabled {
		recorder, err := history.Connect(context.Background(), history.Config{
			Enabled:       true,
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval.Std(),
		}, cfg.Remote.PlantID, clk, logger)
		if err != nil {
			// History is optional; the heater stays controllable without it
			logger.Warn("state history disabled", "error", err)
		} else {
			defer recorder.Close()
			syncer.OnStateChange(recorder.Record)
		}
	}

	if cfg.MQTT.Enabled {
		bridge, mqttClient := startMQTT(cfg, syncer, logger)
		defer func() {
			bridge.Close()
			mqttClient.Disconnect(250)
		}()
	}

	// Deferred after the recorder and the bridge so it runs before them: once
	// Close returns no state change reaches a listener being torn down.
	defer syncer.Close()
	syncer.Start()

	router := api.NewRouter(api.RouterConfig{
		Synchronizer: syncer,
		Tokens:       tokens,
		APIKey:       cfg.Security.APIKey,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		serverErrors <- server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("starting graceful shutdown", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		logger.Info("graceful shutdown complete")
	}

	return nil
}

// startMQTT connects to the broker and exposes the heater as a Home Assistant
// water heater. Discovery and subscriptions are re-sent on every reconnect.
func startMQTT(cfg *config.Config, syncer *synchronizer.Synchronizer, logger *slog.Logger) (*host.MQTTBridge, mqtt.Client) {
	opts := host.NewClientOptions(cfg.MQTT.Broker, cfg.MQTT.ClientID, cfg.MQTT.Username, cfg.MQTT.Password)

	var bridge *host.MQTTBridge
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("connected to MQTT broker", "broker", cfg.MQTT.Broker)
		if err := bridge.Register(); err != nil {
			logger.Error("failed to register with Home Assistant", "error", err)
			return
		}
		bridge.Notify(syncer.Snapshot().State)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("lost connection to MQTT broker", "error", err)
	})

	client := mqtt.NewClient(opts)
	bridge = host.NewMQTTBridge(client, host.NewAccessory(syncer, logger), host.BridgeConfig{
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
		UniqueID:        cfg.Remote.PlantID,
		Name:            cfg.Heater.Name,
		Limits:          cfg.Heater.Limits(),
	}, logger)
	bridge.Start()
	syncer.OnStateChange(bridge.Notify)

	// ConnectRetry keeps trying in the background; the token only reports the first attempt
	token := client.Connect()
	go func() {
		if token.Wait() && token.Error() != nil {
			logger.Warn("MQTT connect failed", "error", token.Error())
		}
	}()

	return bridge, client
}
