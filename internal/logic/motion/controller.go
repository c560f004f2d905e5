package motion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/hw/stepper"
	"github.com/cjeanneret/PanTrack/internal/logic/policy"
)

// Axis is the stepper surface needed to run a burst. *stepper.Stepper implements it.
type Axis interface {
	SetDirection(clockwise bool) error
	Enable() error
	Disable() error
	Pulse(width time.Duration) error
}

// BurstConfig holds the timings of a one-shot move.
type BurstConfig struct {
	PulseWidth  time.Duration // STEP high time, and low time
	SetupDelay  time.Duration // wait after DIR before the first pulse
	IdleDisable time.Duration // wait after the last pulse before releasing ENABLE
}

// Controller executes one-shot moves on the tracking axis.
// It's an intermediate layer between the move policies (replay) and the
// low-level stepper lines.
type Controller struct {
	axis Axis
	cfg  BurstConfig
}

func NewController(axis Axis, cfg BurstConfig) *Controller {
	return &Controller{
		axis: axis,
		cfg:  cfg,
	}
}

// Execute runs a burst: enable, direction, setup delay, cmd.Steps pulses,
// idle delay, disable. Zero steps is a no-op and leaves the driver disabled.
// ENABLE is released on every return path, including cancellation of ctx.
func (c *Controller) Execute(ctx context.Context, cmd policy.MoveCommand) (err error) {
	if cmd.Steps <= 0 {
		return nil
	}
	debug.Move(cmd.Steps, cmd.Direction.String())

	if err := c.axis.Enable(); err != nil {
		return fmt.Errorf("burst enable: %w", err)
	}
	defer func() {
		if derr := c.axis.Disable(); derr != nil {
			err = multierr.Append(err, fmt.Errorf("burst disable: %w", derr))
		}
	}()

	if err := c.axis.SetDirection(cmd.Direction == policy.Clockwise); err != nil {
		return fmt.Errorf("burst direction: %w", err)
	}
	stepper.Wait(c.cfg.SetupDelay)

	for i := 0; i < cmd.Steps; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.axis.Pulse(c.cfg.PulseWidth); err != nil {
			return fmt.Errorf("burst step %d/%d: %w", i+1, cmd.Steps, err)
		}
	}

	if c.cfg.IdleDisable > 0 {
		t := time.NewTimer(c.cfg.IdleDisable)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// MoveSteps runs a burst for a signed step count (positive = clockwise).
func (c *Controller) MoveSteps(ctx context.Context, steps int) error {
	cmd := policy.MoveCommand{Direction: policy.Clockwise, Steps: steps}
	if steps < 0 {
		cmd = policy.MoveCommand{Direction: policy.CounterClockwise, Steps: -steps}
	}
	return c.Execute(ctx, cmd)
}
