package tracking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/logic/policy"
)

// ErrActuatorFault wraps any failure of the line driver. It is fatal.
var ErrActuatorFault = errors.New("actuator fault")

// Actuator is the part of the stepper the generator drives.
type Actuator interface {
	SetDirection(clockwise bool) error
	Enable() error
	Disable() error
	Pulse(width time.Duration) error
}

// GeneratorConfig tunes the motion loop.
type GeneratorConfig struct {
	Period     time.Duration // loop period
	PulseWidth time.Duration // STEP high time, and low time
	EnableHold time.Duration // ENABLE release delay after the last demand
}

// Status is a snapshot of the generator, safe to read from any goroutine.
type Status struct {
	ErrorPx          float64   `json:"error_px"`
	RateHz           float64   `json:"rate_hz"`
	Direction        string    `json:"direction"`
	Enabled          bool      `json:"enabled"`
	Pulses           uint64    `json:"pulses"`
	Iterations       uint64    `json:"iterations"`
	HasSample        bool      `json:"has_sample"`
	SampleAt         time.Time `json:"sample_at"`
	SampleAgeSeconds float64   `json:"sample_age_seconds"`
}

// Generator reads the latest error from a Cell each period, converts it to a
// step rate and emits pulses through a phase accumulator.
// Step and Run must be called from a single goroutine; Status from any.
type Generator struct {
	cell   *Cell
	policy policy.RatePolicy
	out    Actuator
	cfg    GeneratorConfig
	clock  clock.Clock

	phase PhaseAccumulator
	hold  EnableHold
	last  time.Time

	// status, published for other goroutines
	errorPx    atomic.Float64
	rateHz     atomic.Float64
	clockwise  atomic.Bool
	enabled    atomic.Bool
	pulses     atomic.Uint64
	iterations atomic.Uint64
	sampleAt   atomic.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(g *Generator) { g.clock = c }
}

// NewGenerator creates the motion loop. out must start with ENABLE deasserted.
func NewGenerator(cell *Cell, rp policy.RatePolicy, out Actuator, cfg GeneratorConfig, opts ...Option) *Generator {
	if cfg.Period <= 0 {
		cfg.Period = 500 * time.Microsecond
	}
	g := &Generator{
		cell:   cell,
		policy: rp,
		out:    out,
		cfg:    cfg,
		clock:  clock.New(),
		hold:   EnableHold{Hold: cfg.EnableHold},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func fault(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrActuatorFault, op, err)
}

// Step runs one loop iteration at time now.
func (g *Generator) Step(now time.Time) error {
	dt := g.cfg.Period
	if !g.last.IsZero() {
		dt = now.Sub(g.last)
	}
	g.last = now
	g.iterations.Inc()

	sample := g.cell.Read()
	g.errorPx.Store(sample.Value)
	g.sampleAt.Store(sample.ReceivedAt)

	cmd := g.policy.Rate(sample.Value)
	if cmd.Idle() {
		g.phase.Discharge()
		g.rateHz.Store(0)
		if g.hold.Idle(now) {
			if err := g.out.Disable(); err != nil {
				return fault("disable", err)
			}
			g.enabled.Store(false)
			debug.Verbose("Generator: driver released (hold elapsed)")
		}
		return nil
	}

	cw := cmd.Direction == policy.Clockwise
	if err := g.out.SetDirection(cw); err != nil {
		return fault("direction", err)
	}
	g.clockwise.Store(cw)
	if g.hold.Demand(now) {
		if err := g.out.Enable(); err != nil {
			return fault("enable", err)
		}
		g.enabled.Store(true)
		debug.Verbose("Generator: driver enabled (error %.2f px, %.1f Hz)", sample.Value, cmd.FrequencyHz)
	}
	g.rateHz.Store(cmd.FrequencyHz)

	if g.phase.Advance(cmd.FrequencyHz, dt) {
		if err := g.out.Pulse(g.cfg.PulseWidth); err != nil {
			return fault("step", err)
		}
		g.pulses.Inc()
	}
	return nil
}

// Run paces Step at the configured period until ctx is done or the actuator
// fails. ENABLE is deasserted on every return path. Cancellation returns nil.
func (g *Generator) Run(ctx context.Context) (err error) {
	debug.Info("Generator: running (period %v, pulse %v, hold %v)", g.cfg.Period, g.cfg.PulseWidth, g.cfg.EnableHold)
	defer func() {
		if derr := g.out.Disable(); derr != nil {
			err = multierr.Append(err, fault("release", derr))
		}
		g.hold.Reset()
		g.enabled.Store(false)
		g.rateHz.Store(0)
		debug.Info("Generator: stopped, driver released")
	}()

	next := g.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := g.Step(g.clock.Now()); err != nil {
			debug.Error(err)
			return err
		}

		next = next.Add(g.cfg.Period)
		now := g.clock.Now()
		if d := next.Sub(now); d > 0 {
			g.clock.Sleep(d)
		} else {
			// Overran: restart pacing from now instead of bursting to catch up.
			next = now
		}
	}
}

// Status returns a snapshot of the loop state.
func (g *Generator) Status() Status {
	at := g.sampleAt.Load()
	st := Status{
		ErrorPx:    g.errorPx.Load(),
		RateHz:     g.rateHz.Load(),
		Direction:  policy.CounterClockwise.String(),
		Enabled:    g.enabled.Load(),
		Pulses:     g.pulses.Load(),
		Iterations: g.iterations.Load(),
		HasSample:  !at.IsZero(),
		SampleAt:   at,
	}
	if g.clockwise.Load() {
		st.Direction = policy.Clockwise.String()
	}
	if st.HasSample {
		st.SampleAgeSeconds = g.clock.Since(at).Seconds()
	}
	return st
}
