package stepper

import (
	"fmt"
	"time"

	"github.com/cjeanneret/PanTrack/internal/debug"
	"github.com/cjeanneret/PanTrack/internal/hw/gpio"
	"go.uber.org/multierr"
)

// Waits shorter than this are spun on the monotonic clock instead of handed
// to the scheduler, whose wakeup latency is far coarser than a STEP pulse.
const spinThreshold = 200 * time.Microsecond

// Config holds the hardware configuration for a stepper motor.
type Config struct {
	StepPin       int
	DirPin        int
	EnablePin     int // driver ENABLE pin (BCM). 0 = not used. Active LOW (LOW=enabled).
	StepsPerRev   int
	Microstepping int
	InvertDir     bool          // DIR HIGH means counter-clockwise instead of clockwise
	StepDelay     time.Duration // delay per half-cycle of STEP pulse in MoveSteps. Total step = 2*StepDelay.
}

// Stepper drives the three logical lines of a STEP/DIR driver (A4988, DRV8825, ...).
// It is not safe for concurrent use; exactly one goroutine owns it.
type Stepper struct {
	gpio  gpio.Driver
	cfg   Config
	delay time.Duration // delay between STEP pulse half-cycles

	enabled bool
	dirSet  bool
	cw      bool
}

// NewStepper configures the pins and leaves the driver disabled with STEP low.
// cfg.StepDelay: if 0, defaults to 1ms.
func NewStepper(g gpio.Driver, cfg Config) (*Stepper, error) {
	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 1 * time.Millisecond
	}

	s := &Stepper{
		gpio:  g,
		cfg:   cfg,
		delay: delay,
	}

	if err := g.SetupPin(cfg.StepPin, gpio.Output); err != nil {
		return nil, s.lineErr("STEP", cfg.StepPin, err)
	}
	if err := g.SetupPin(cfg.DirPin, gpio.Output); err != nil {
		return nil, s.lineErr("DIR", cfg.DirPin, err)
	}
	if err := g.WritePin(cfg.StepPin, gpio.Low); err != nil {
		return nil, s.lineErr("STEP", cfg.StepPin, err)
	}

	// ENABLE is active LOW: HIGH = disabled. Start released.
	if cfg.EnablePin > 0 {
		if err := g.SetupPin(cfg.EnablePin, gpio.Output); err != nil {
			return nil, s.lineErr("ENABLE", cfg.EnablePin, err)
		}
		if err := g.WritePin(cfg.EnablePin, gpio.High); err != nil {
			return nil, s.lineErr("ENABLE", cfg.EnablePin, err)
		}
	}

	return s, nil
}

func (s *Stepper) lineErr(line string, pin int, err error) error {
	return fmt.Errorf("%s line (pin %d): %w", line, pin, err)
}

// SetDirection drives DIR for the requested rotation. Writes are skipped when
// the line already holds the requested level.
func (s *Stepper) SetDirection(clockwise bool) error {
	if s.dirSet && s.cw == clockwise {
		return nil
	}
	level := gpio.Level(clockwise != s.cfg.InvertDir)
	if err := s.gpio.WritePin(s.cfg.DirPin, level); err != nil {
		return s.lineErr("DIR", s.cfg.DirPin, err)
	}
	s.dirSet = true
	s.cw = clockwise
	return nil
}

// Clockwise returns the last direction written to DIR.
func (s *Stepper) Clockwise() bool {
	return s.cw
}

// Pulse emits one STEP pulse: HIGH for width, then LOW for width.
func (s *Stepper) Pulse(width time.Duration) error {
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.High); err != nil {
		return s.lineErr("STEP", s.cfg.StepPin, err)
	}
	Wait(width)
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		return s.lineErr("STEP", s.cfg.StepPin, err)
	}
	Wait(width)
	return nil
}

// MoveSteps moves the motor by a number of steps (positive = clockwise).
func (s *Stepper) MoveSteps(steps int) error {
	if steps == 0 {
		return nil
	}

	clockwise := steps > 0
	direction := "clockwise"
	if !clockwise {
		direction = "counter-clockwise"
		steps = -steps
	}

	debug.Printf("Stepper: moving %d steps (%s) on pin %d", steps, direction, s.cfg.StepPin)

	if err := s.SetDirection(clockwise); err != nil {
		return err
	}

	for i := 0; i < steps; i++ {
		if err := s.Pulse(s.delay); err != nil {
			return err
		}
	}
	return nil
}

// Enable turns on the motor driver (ENABLE=LOW). Motors hold position.
func (s *Stepper) Enable() error {
	if s.cfg.EnablePin <= 0 {
		s.enabled = true
		return nil
	}
	if err := s.gpio.WritePin(s.cfg.EnablePin, gpio.Low); err != nil {
		return s.lineErr("ENABLE", s.cfg.EnablePin, err)
	}
	s.enabled = true
	return nil
}

// Disable turns off the motor driver (ENABLE=HIGH). Motors freewheel, no holding torque.
func (s *Stepper) Disable() error {
	if s.cfg.EnablePin <= 0 {
		s.enabled = false
		return nil
	}
	if err := s.gpio.WritePin(s.cfg.EnablePin, gpio.High); err != nil {
		return s.lineErr("ENABLE", s.cfg.EnablePin, err)
	}
	s.enabled = false
	return nil
}

// Enabled reports whether ENABLE is currently asserted.
func (s *Stepper) Enabled() bool {
	return s.enabled
}

// Release puts the driver in its safe state: ENABLE deasserted, STEP low.
// Both writes are attempted even if the first fails.
func (s *Stepper) Release() error {
	errEnable := s.Disable()
	var errStep error
	if err := s.gpio.WritePin(s.cfg.StepPin, gpio.Low); err != nil {
		errStep = s.lineErr("STEP", s.cfg.StepPin, err)
	}
	return multierr.Combine(errEnable, errStep)
}

// Wait blocks for d. Short waits are spun on the monotonic clock.
func Wait(d time.Duration) {
	if d <= 0 {
		return
	}
	if d >= spinThreshold {
		time.Sleep(d)
		return
	}
	start := time.Now()
	for time.Since(start) < d {
	}
}
