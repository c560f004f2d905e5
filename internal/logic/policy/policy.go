// Package policy maps a signed tracking error in pixels to motor commands.
//
// RatePolicy drives the continuous generator: it returns a step frequency.
// MovePolicy is one-shot: it returns a number of steps to execute as a burst.
// All policies are pure and safe to share.
package policy

import (
	"fmt"
	"math"

	"github.com/cjeanneret/PanTrack/internal/config"
	"github.com/cjeanneret/PanTrack/internal/logic/geometry"
)

// Direction is the shaft rotation sense. A positive error means Clockwise.
type Direction int

const (
	Clockwise Direction = iota
	CounterClockwise
)

func (d Direction) String() string {
	if d == Clockwise {
		return "clockwise"
	}
	return "counter-clockwise"
}

// DirectionOf returns the direction that corrects a signed error.
func DirectionOf(errorPx float64) Direction {
	if errorPx > 0 {
		return Clockwise
	}
	return CounterClockwise
}

// RateCommand is a continuous step-rate target.
type RateCommand struct {
	Direction   Direction
	FrequencyHz float64 // >= 0; 0 means no motion
}

// Idle reports whether the command requests no motion.
func (c RateCommand) Idle() bool {
	return c.FrequencyHz <= 0
}

// MoveCommand is a one-shot move of whole steps.
type MoveCommand struct {
	Direction Direction
	Steps     int // >= 0
}

// RatePolicy maps an error to a step rate.
type RatePolicy interface {
	Rate(errorPx float64) RateCommand
}

// MovePolicy maps an error to a one-shot move.
type MovePolicy interface {
	Move(errorPx float64) MoveCommand
	Name() string
}

// Policy names accepted in burst.policy.
const (
	NameLinear = "linear"
	NameAngle  = "angle"
)

// Deadband is the continuous-rate policy: no motion inside the deadband,
// otherwise a proportional rate floored at MinFrequencyHz.
type Deadband struct {
	DeadbandPx     float64
	KpStepsPerPx   float64
	MinFrequencyHz float64
	MaxFrequencyHz float64 // 0 = unlimited
}

// NewDeadband creates the continuous-rate policy from the control section.
func NewDeadband(cfg config.ControlConfig) *Deadband {
	return &Deadband{
		DeadbandPx:     cfg.DeadbandPx,
		KpStepsPerPx:   cfg.KpStepsPerPx,
		MinFrequencyHz: cfg.MinFrequencyHz,
		MaxFrequencyHz: cfg.MaxFrequencyHz,
	}
}

// Rate implements RatePolicy. An error exactly on the boundary is inside the deadband.
func (d *Deadband) Rate(errorPx float64) RateCommand {
	mag := math.Abs(errorPx)
	if math.IsNaN(mag) || mag <= d.DeadbandPx {
		return RateCommand{Direction: DirectionOf(errorPx)}
	}
	f := math.Max(mag*d.KpStepsPerPx, d.MinFrequencyHz)
	if d.MaxFrequencyHz > 0 && f > d.MaxFrequencyHz {
		f = d.MaxFrequencyHz
	}
	return RateCommand{Direction: DirectionOf(errorPx), FrequencyHz: f}
}

// CappedLinear converts an error to round(|e|*Kp) steps, capped at MaxSteps.
type CappedLinear struct {
	KpStepsPerPx float64
	MaxSteps     int
}

// Name implements MovePolicy.
func (CappedLinear) Name() string { return NameLinear }

// Move implements MovePolicy.
func (p CappedLinear) Move(errorPx float64) MoveCommand {
	steps := int(math.Round(math.Abs(errorPx) * p.KpStepsPerPx))
	if steps > p.MaxSteps {
		steps = p.MaxSteps
	}
	if steps < 0 {
		steps = 0
	}
	return MoveCommand{Direction: DirectionOf(errorPx), Steps: steps}
}

// Angle converts a pixel offset to the shaft angle that re-centers the target,
// then to the nearest whole number of steps.
type Angle struct {
	FocalLengthPx  float64
	DegreesPerStep float64
}

// Name implements MovePolicy.
func (Angle) Name() string { return NameAngle }

// Move implements MovePolicy.
func (p Angle) Move(errorPx float64) MoveCommand {
	theta := math.Atan(errorPx/p.FocalLengthPx) * 180.0 / math.Pi
	steps := int(math.Round(math.Abs(theta) / p.DegreesPerStep))
	return MoveCommand{Direction: DirectionOf(errorPx), Steps: steps}
}

// NewMovePolicy builds the one-shot policy named by burst.policy.
func NewMovePolicy(cfg *config.Config) (MovePolicy, error) {
	switch cfg.Burst.Policy {
	case NameLinear, "":
		return CappedLinear{
			KpStepsPerPx: cfg.Burst.KpStepsPerPx,
			MaxSteps:     cfg.Burst.MaxSteps,
		}, nil
	case NameAngle:
		fov, err := geometry.NewFOVCalculator(cfg)
		if err != nil {
			return nil, fmt.Errorf("angle policy: %w", err)
		}
		dps := geometry.NewStepsCalculator(cfg.Stepper).DegreesPerStep()
		if dps <= 0 {
			return nil, fmt.Errorf("angle policy: stepper steps_per_rev and microstepping must be > 0")
		}
		return Angle{FocalLengthPx: fov.FocalPx(), DegreesPerStep: dps}, nil
	default:
		return nil, fmt.Errorf("unknown burst policy %q (want %q or %q)", cfg.Burst.Policy, NameLinear, NameAngle)
	}
}
