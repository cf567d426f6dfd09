package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"heatersync/config"
	"heatersync/internal/auth"
	"heatersync/internal/clock"
	"heatersync/internal/core"
	"heatersync/internal/executor"
	"heatersync/internal/logging"
	"heatersync/internal/remote"
	"heatersync/internal/synchronizer"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	action := flag.String("action", "state", "Action to perform: state, mode, temperature")
	mode := flag.String("mode", "", "Target mode for -action mode: OFF, HEAT, AUTO")
	temperature := flag.Float64("temperature", 0, "Target temperature for -action temperature")
	verbose := flag.Bool("v", false, "Log every remote call")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(logging.Config{Level: level, Format: "text"}, "heaterctl", os.Stderr)

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.Remote.RequestTimeout.Std(), logger)
	tokens := auth.NewManager(client, remote.Credentials{
		Username: cfg.Remote.Username,
		Password: cfg.Remote.Password,
	}, logger, auth.WithLifetime(cfg.Remote.TokenLifetime.Std()))
	exec := executor.New(tokens, executor.Policy{
		MaxAttempts:    cfg.Remote.MaxAttempts,
		Backoff:        cfg.Remote.Backoff.Std(),
		Multiplier:     cfg.Remote.BackoffMultiplier,
		MaxBackoff:     cfg.Remote.MaxBackoff.Std(),
		RequestTimeout: cfg.Remote.RequestTimeout.Std(),
	}, clock.RealClock{}, logger)
	device := logging.NewGatewayLogger(executor.NewGateway(exec, client, cfg.Remote.PlantID), logger)

	syncer, err := synchronizer.New(device, synchronizer.Config{
		Limits: cfg.Heater.Limits(),
		TTL:    cfg.Heater.CacheTTL.Std(),
		// the command exits before any confirming read would fire
		DebounceQuiet: time.Hour,
	}, clock.RealClock{}, logger)
	if err != nil {
		log.Fatalf("Failed to create synchronizer: %v", err)
	}
	defer syncer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()

	fmt.Printf("Probing heater %s at %s\n", cfg.Remote.PlantID, cfg.Remote.BaseURL)
	fmt.Printf("Action: %s\n\n", *action)

	switch *action {
	case "state":
		state, err := syncer.State(ctx)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		printState(state)

	case "mode":
		target, err := core.ParseTargetMode(*mode)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		result, err := syncer.SetTargetMode(ctx, target)
		for _, step := range result.Steps[:result.Completed] {
			fmt.Printf("  done: %s\n", step)
		}
		var cmdErr *core.CommandError
		if errors.As(err, &cmdErr) {
			log.Fatalf("Error: stopped at step %d (%s): %v", cmdErr.Index, cmdErr.Step, cmdErr.Err)
		}
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		if result.RefreshErr != nil {
			fmt.Printf("Warning: could not confirm new state: %v\n", result.RefreshErr)
		}
		printState(result.State)

	case "temperature":
		applied, err := syncer.SetTargetTemperature(ctx, *temperature)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}
		if applied != *temperature {
			fmt.Printf("Requested %.1f was clamped to %.1f\n", *temperature, applied)
		}
		fmt.Printf("Target temperature set to %.1f\n", applied)

	default:
		log.Fatalf("Unknown action: %s. Use: state, mode, or temperature", *action)
	}

	status := tokens.Status()
	fmt.Printf("\nLogins performed: %d\n", status.Logins)
}

func printState(state core.DeviceState) {
	fmt.Printf("Power:          %t\n", state.Power)
	fmt.Printf("Mode:           %s\n", state.Mode)
	fmt.Printf("Eco:            %t\n", state.Eco)
	fmt.Printf("Current temp:   %.1f\n", state.CurrentTemp)
	fmt.Printf("Target temp:    %.1f\n", state.TargetTemp)
	fmt.Printf("Heating active: %t\n", state.HeatingActive)
	fmt.Printf("Target mode:    %s\n", state.TargetMode())
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil && !errors.Is(err, config.ErrConfigFileNotFound) {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err != nil {
		fmt.Printf("Config file not found at %s, trying environment variables...\n", path)
		cfg, err = config.LoadFromEnv()
		if err != nil {
			return nil, fmt.Errorf("failed to load config from environment: %w", err)
		}
	}

	return cfg, nil
}
