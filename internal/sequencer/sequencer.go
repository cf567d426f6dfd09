package sequencer

import (
	"context"
	"fmt"
	"log/slog"

	"heatersync/internal/core"
	"heatersync/internal/idgen"
)

// Op is a primitive remote operation used in composite commands
type Op string

const (
	OpSwitchPower Op = "switchPower"
	OpSwitchEco   Op = "switchEco"
	OpSetMode     Op = "setMode"
)

// Step is one primitive operation with its argument
type Step struct {
	Op   Op
	On   bool
	Mode core.Mode
}

func (s Step) String() string {
	if s.Op == OpSetMode {
		return fmt.Sprintf("%s(%s)", s.Op, s.Mode)
	}
	return fmt.Sprintf("%s(%t)", s.Op, s.On)
}

// Field returns the state field the step changes
func (s Step) Field() core.Field {
	switch s.Op {
	case OpSwitchPower:
		return core.FieldPower
	case OpSwitchEco:
		return core.FieldEco
	default:
		return core.FieldMode
	}
}

func switchPower(on bool) Step { return Step{Op: OpSwitchPower, On: on} }
func switchEco(on bool) Step   { return Step{Op: OpSwitchEco, On: on} }
func setMode(m core.Mode) Step { return Step{Op: OpSetMode, Mode: m} }

// Plan returns the ordered steps that move current to target. It returns nil
// for an unknown target.
func Plan(target core.TargetMode, current core.DeviceState) []Step {
	switch target {
	case core.TargetOff:
		return []Step{switchPower(false), switchEco(false)}
	case core.TargetHeat:
		steps := []Step{switchEco(false), setMode(core.ModeManual)}
		if !current.Power {
			steps = append(steps, switchPower(true))
		}
		return steps
	case core.TargetAuto:
		var steps []Step
		if !current.Power {
			steps = append(steps, switchPower(true))
		}
		return append(steps, switchEco(true), setMode(core.ModeTimer))
	}
	return nil
}

// Device is the subset of primitive operations composite commands use
type Device interface {
	SwitchPower(ctx context.Context, on bool) error
	SwitchEco(ctx context.Context, on bool) error
	SetMode(ctx context.Context, mode core.Mode) error
}

// Refresher re-reads the authoritative state after a command
type Refresher interface {
	Refresh(ctx context.Context) (core.DeviceState, error)
	Invalidate(field core.Field)
}

// Result describes one executed composite command
type Result struct {
	ID        string
	Target    core.TargetMode
	Steps     []Step
	Completed int
	// State is the state read back after the command, or the last-known
	// state if that read failed
	State      core.DeviceState
	RefreshErr error
}

// Sequencer turns a target mode into ordered primitive operations
type Sequencer struct {
	device Device
	cache  Refresher
	logger *slog.Logger
}

// New creates a new sequencer
func New(device Device, cache Refresher, logger *slog.Logger) *Sequencer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sequencer{
		device: device,
		cache:  cache,
		logger: logger.With("component", "command-sequencer"),
	}
}

// Apply runs the plan for target in order and stops at the first failing
// step, returning a *core.CommandError. Applied steps are not rolled back.
// The state is refreshed afterwards whether or not every step succeeded.
func (s *Sequencer) Apply(ctx context.Context, target core.TargetMode, current core.DeviceState) (Result, error) {
	steps := Plan(target, current)
	if steps == nil {
		return Result{}, fmt.Errorf("%w: unknown target mode %q", core.ErrValidation, target)
	}

	res := Result{ID: idgen.NewCommand(), Target: target, Steps: steps}
	logger := s.logger.With("command_id", res.ID, "target", target)
	logger.Info("Applying composite command", "steps", len(steps))

	var cmdErr error
	for i, step := range steps {
		if err := s.run(ctx, step); err != nil {
			cmdErr = &core.CommandError{Target: target, Index: i, Step: step.String(), Err: err}
			logger.Warn("Composite command aborted", "step_index", i, "step", step.String(), "error", err)
			break
		}
		res.Completed++
	}

	state, err := s.cache.Refresh(ctx)
	res.State = state
	if err != nil {
		res.RefreshErr = err
		logger.Warn("Post-command refresh failed, invalidating touched fields", "error", err)
		for _, step := range steps {
			s.cache.Invalidate(step.Field())
		}
	}

	if cmdErr == nil {
		logger.Info("Composite command applied")
	}
	return res, cmdErr
}

func (s *Sequencer) run(ctx context.Context, step Step) error {
	switch step.Op {
	case OpSwitchPower:
		return s.device.SwitchPower(ctx, step.On)
	case OpSwitchEco:
		return s.device.SwitchEco(ctx, step.On)
	case OpSetMode:
		return s.device.SetMode(ctx, step.Mode)
	}
	return fmt.Errorf("unknown operation %q", step.Op)
}
