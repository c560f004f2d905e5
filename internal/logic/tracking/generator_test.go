package tracking

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/cjeanneret/PanTrack/internal/config"
	"github.com/cjeanneret/PanTrack/internal/hw/gpio"
	"github.com/cjeanneret/PanTrack/internal/hw/stepper"
	"github.com/cjeanneret/PanTrack/internal/logic/policy"
)

// recordingActuator records actuator calls for verification.
type recordingActuator struct {
	mu        sync.Mutex
	events    []string
	enabled   bool
	clockwise bool
	pulses    int
	failPulse error
}

func (a *recordingActuator) record(ev string) {
	a.events = append(a.events, ev)
}

func (a *recordingActuator) SetDirection(cw bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cw {
		a.record("dir:cw")
	} else {
		a.record("dir:ccw")
	}
	a.clockwise = cw
	return nil
}

func (a *recordingActuator) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("enable")
	a.enabled = true
	return nil
}

func (a *recordingActuator) Disable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record("disable")
	a.enabled = false
	return nil
}

func (a *recordingActuator) Pulse(width time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failPulse != nil {
		return a.failPulse
	}
	a.record("pulse")
	a.pulses++
	return nil
}

func (a *recordingActuator) snapshot() (events []string, enabled bool, pulses int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...), a.enabled, a.pulses
}

func (a *recordingActuator) count(ev string) int {
	events, _, _ := a.snapshot()
	n := 0
	for _, e := range events {
		if e == ev {
			n++
		}
	}
	return n
}

const tick = 500 * time.Microsecond

// 2.5 Hz/px, floored at 5 Hz, deadband 3 px.
func testPolicy() *policy.Deadband {
	return &policy.Deadband{DeadbandPx: 3, KpStepsPerPx: 2.5, MinFrequencyHz: 5}
}

func newTestGenerator(act Actuator, opts ...Option) (*Generator, *Cell) {
	cell := NewCell()
	g := NewGenerator(cell, testPolicy(), act, GeneratorConfig{
		Period:     tick,
		PulseWidth: time.Microsecond,
		EnableHold: 200 * time.Millisecond,
	}, opts...)
	return g, cell
}

func TestGenerator_PulseCountFollowsRate(t *testing.T) {
	act := &recordingActuator{}
	g, cell := newTestGenerator(act)
	t0 := time.Unix(1700000000, 0)
	cell.Publish(ErrorSample{Value: 100, ReceivedAt: t0}) // 250 Hz, 0.125 period per tick

	for i := 0; i < 100; i++ {
		if err := g.Step(t0.Add(time.Duration(i) * tick)); err != nil {
			t.Fatal(err)
		}
	}
	events, enabled, pulses := act.snapshot()
	if pulses != 12 {
		t.Errorf("pulses = %d, want 12 (floor of 100 * 0.125)", pulses)
	}
	if !enabled {
		t.Error("driver should be enabled while moving")
	}
	if events[0] != "dir:cw" || events[1] != "enable" {
		t.Errorf("first events = %v, want dir:cw then enable", events[:2])
	}
	if n := act.count("enable"); n != 1 {
		t.Errorf("enable written %d times, want once", n)
	}
	if st := g.Status(); st.Pulses != 12 || st.RateHz != 250 || st.Direction != "clockwise" || !st.Enabled {
		t.Errorf("Status() = %+v", st)
	}
}

func TestGenerator_DeadbandDischargesPhase(t *testing.T) {
	act := &recordingActuator{}
	g, cell := newTestGenerator(act)
	t0 := time.Unix(1700000000, 0)

	cell.Publish(ErrorSample{Value: -100, ReceivedAt: t0})
	for i := 0; i < 5; i++ {
		if err := g.Step(t0.Add(time.Duration(i) * tick)); err != nil {
			t.Fatal(err)
		}
	}
	if g.phase.Phase() == 0 {
		t.Fatal("expected a partial phase before entering the deadband")
	}

	cell.Publish(ErrorSample{Value: 3, ReceivedAt: t0}) // on the boundary
	if err := g.Step(t0.Add(5 * tick)); err != nil {
		t.Fatal(err)
	}
	if g.phase.Phase() != 0 {
		t.Errorf("phase = %v, want discharged within one iteration", g.phase.Phase())
	}
	if st := g.Status(); st.RateHz != 0 {
		t.Errorf("RateHz = %v, want 0 inside the deadband", st.RateHz)
	}
	if n := act.count("disable"); n != 0 {
		t.Errorf("driver disabled %d times inside the hold window", n)
	}
	if act.clockwise {
		t.Error("direction should be counter-clockwise for a negative error")
	}
}

func TestGenerator_EnableHoldHysteresis(t *testing.T) {
	act := &recordingActuator{}
	g, cell := newTestGenerator(act)
	t0 := time.Unix(1700000000, 0)

	cell.Publish(ErrorSample{Value: 50, ReceivedAt: t0})
	if err := g.Step(t0); err != nil {
		t.Fatal(err)
	}

	// Brief zero crossing: back to motion before the hold elapses.
	cell.Publish(ErrorSample{Value: 0, ReceivedAt: t0})
	for _, at := range []time.Duration{10, 100, 199} {
		if err := g.Step(t0.Add(at * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
	}
	cell.Publish(ErrorSample{Value: -50, ReceivedAt: t0})
	if err := g.Step(t0.Add(199*time.Millisecond + tick)); err != nil {
		t.Fatal(err)
	}
	if n := act.count("disable"); n != 0 {
		t.Fatalf("disable during a brief zero crossing (%d)", n)
	}
	if n := act.count("enable"); n != 1 {
		t.Fatalf("enable written %d times, want once", n)
	}

	// Long idle: released once the hold after the last demand has passed.
	last := t0.Add(199*time.Millisecond + tick)
	cell.Publish(ErrorSample{Value: 1, ReceivedAt: t0})
	if err := g.Step(last.Add(199 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if n := act.count("disable"); n != 0 {
		t.Fatalf("released %v after the last demand, before the hold elapsed", 199*time.Millisecond)
	}
	if err := g.Step(last.Add(200 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if err := g.Step(last.Add(300 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if n := act.count("disable"); n != 1 {
		t.Errorf("disable written %d times, want once", n)
	}
	if g.Status().Enabled {
		t.Error("Status().Enabled should be false after release")
	}
}

func TestGenerator_StatusSampleAge(t *testing.T) {
	mock := clock.NewMock()
	act := &recordingActuator{}
	g, cell := newTestGenerator(act, WithClock(mock))

	if st := g.Status(); st.HasSample || st.SampleAgeSeconds != 0 {
		t.Errorf("Status() before any sample = %+v", st)
	}

	cell.Publish(ErrorSample{Value: 42, ReceivedAt: mock.Now()})
	if err := g.Step(mock.Now()); err != nil {
		t.Fatal(err)
	}
	mock.Add(3 * time.Second)

	st := g.Status()
	if !st.HasSample || st.ErrorPx != 42 {
		t.Errorf("Status() = %+v", st)
	}
	if math.Abs(st.SampleAgeSeconds-3) > 1e-9 {
		t.Errorf("SampleAgeSeconds = %v, want 3", st.SampleAgeSeconds)
	}
}

func TestGenerator_ActuatorFaultIsFatal(t *testing.T) {
	errLine := errors.New("line fault")
	act := &recordingActuator{failPulse: errLine}
	g, cell := newTestGenerator(act)
	cell.Publish(ErrorSample{Value: 400, ReceivedAt: time.Now()}) // 1 kHz, a pulse every other tick

	errc := make(chan error, 1)
	go func() { errc <- g.Run(context.Background()) }()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrActuatorFault) || !errors.Is(err, errLine) {
			t.Errorf("Run() = %v, want actuator fault wrapping the line error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on actuator fault")
	}
	events, enabled, _ := act.snapshot()
	if enabled || events[len(events)-1] != "disable" {
		t.Errorf("driver should be disabled after a fault, events %v", events)
	}
}

func TestGenerator_ShutdownReleasesDriver(t *testing.T) {
	drv := gpio.NewMockDriver()
	cfg := config.Default()
	st, err := stepper.NewStepper(drv, stepper.Config{
		StepPin:   cfg.Stepper.StepPin,
		DirPin:    cfg.Stepper.DirPin,
		EnablePin: cfg.Stepper.EnablePin,
	})
	if err != nil {
		t.Fatal(err)
	}
	cell := NewCell()
	g := NewGenerator(cell, testPolicy(), st, GeneratorConfig{
		Period:     tick,
		PulseWidth: 100 * time.Microsecond,
		EnableHold: time.Hour,
	})
	cell.Publish(ErrorSample{Value: 1000, ReceivedAt: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- g.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for g.Status().Pulses < 5 {
		if time.Now().After(deadline) {
			t.Fatal("generator produced no pulses")
		}
		time.Sleep(time.Millisecond)
	}
	if lvl, _ := drv.Level(cfg.Stepper.EnablePin); lvl != gpio.Low {
		t.Fatalf("ENABLE = %v while moving, want LOW", lvl)
	}
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if lvl, _ := drv.Level(cfg.Stepper.EnablePin); lvl != gpio.High {
		t.Errorf("ENABLE = %v after shutdown, want HIGH (deasserted)", lvl)
	}
	if g.Status().Enabled {
		t.Error("Status().Enabled should be false after shutdown")
	}
}
