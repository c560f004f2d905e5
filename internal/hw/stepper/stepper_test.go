package stepper

import (
	"errors"
	"testing"
	"time"

	"github.com/cjeanneret/PanTrack/internal/hw/gpio"
)

// recordingDriver records GPIO calls for verification.
type recordingDriver struct {
	calls   []gpioCall
	failPin int // WritePin on this pin fails when non-zero
}

type gpioCall struct {
	op    string // "setup", "write"
	pin   int
	level gpio.Level
}

var errLine = errors.New("line fault")

func (d *recordingDriver) SetupPin(pin int, mode gpio.PinMode) error {
	d.calls = append(d.calls, gpioCall{op: "setup", pin: pin})
	return nil
}

func (d *recordingDriver) WritePin(pin int, level gpio.Level) error {
	d.calls = append(d.calls, gpioCall{op: "write", pin: pin, level: level})
	if d.failPin != 0 && pin == d.failPin {
		return errLine
	}
	return nil
}

func (d *recordingDriver) ReadPin(pin int) (gpio.Level, error) {
	return gpio.Low, nil
}

func (d *recordingDriver) Close() error {
	return nil
}

func (d *recordingDriver) writeCalls() []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" {
			result = append(result, c)
		}
	}
	return result
}

func (d *recordingDriver) writeCallsForPin(pin int) []gpioCall {
	var result []gpioCall
	for _, c := range d.calls {
		if c.op == "write" && c.pin == pin {
			result = append(result, c)
		}
	}
	return result
}

func testConfig() Config {
	return Config{
		StepPin:       21,
		DirPin:        20,
		EnablePin:     16,
		StepsPerRev:   200,
		Microstepping: 1,
		StepDelay:     1 * time.Microsecond,
	}
}

func newTestStepper(t *testing.T, drv *recordingDriver, cfg Config) *Stepper {
	t.Helper()
	s, err := NewStepper(drv, cfg)
	if err != nil {
		t.Fatalf("NewStepper: %v", err)
	}
	drv.calls = nil // reset after init
	return s
}

func TestStepper_InitLeavesDriverDisabled(t *testing.T) {
	drv := &recordingDriver{}
	s, err := NewStepper(drv, testConfig())
	if err != nil {
		t.Fatalf("NewStepper: %v", err)
	}
	enable := drv.writeCallsForPin(16)
	if len(enable) != 1 || enable[0].level != gpio.High {
		t.Errorf("ENABLE should be written HIGH (disabled) once at init, got %v", enable)
	}
	step := drv.writeCallsForPin(21)
	if len(step) != 1 || step[0].level != gpio.Low {
		t.Errorf("STEP should start LOW, got %v", step)
	}
	if s.Enabled() {
		t.Error("Enabled() should be false after init")
	}
}

func TestStepper_MoveStepsClockwise(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := newTestStepper(t, drv, cfg)

	if err := s.MoveSteps(10); err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}

	// First call should set direction HIGH (clockwise)
	writes := drv.writeCalls()
	if len(writes) == 0 {
		t.Fatal("expected GPIO write calls")
	}
	if writes[0].pin != cfg.DirPin || writes[0].level != gpio.High {
		t.Errorf("first write should set dir pin HIGH, got pin=%d level=%v", writes[0].pin, writes[0].level)
	}

	stepPulses := 0
	for _, c := range writes {
		if c.pin == cfg.StepPin && c.level == gpio.High {
			stepPulses++
		}
	}
	if stepPulses != 10 {
		t.Errorf("expected 10 step pulses, got %d", stepPulses)
	}
}

func TestStepper_MoveStepsCounterClockwise(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := newTestStepper(t, drv, cfg)

	if err := s.MoveSteps(-5); err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}

	writes := drv.writeCalls()
	if writes[0].pin != cfg.DirPin || writes[0].level != gpio.Low {
		t.Errorf("first write should set dir pin LOW, got pin=%d level=%v", writes[0].pin, writes[0].level)
	}
	if got := len(drv.writeCallsForPin(cfg.StepPin)); got != 10 {
		t.Errorf("expected 5 HIGH/LOW pairs on step pin, got %d writes", got)
	}
	if s.Clockwise() {
		t.Error("Clockwise() should be false after a negative move")
	}
}

func TestStepper_InvertDir(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.InvertDir = true
	s := newTestStepper(t, drv, cfg)

	if err := s.SetDirection(true); err != nil {
		t.Fatal(err)
	}
	dir := drv.writeCallsForPin(cfg.DirPin)
	if len(dir) != 1 || dir[0].level != gpio.Low {
		t.Errorf("inverted clockwise should write DIR LOW, got %v", dir)
	}
}

func TestStepper_SetDirectionSkipsRedundantWrites(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := newTestStepper(t, drv, cfg)

	for i := 0; i < 5; i++ {
		if err := s.SetDirection(true); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.SetDirection(false); err != nil {
		t.Fatal(err)
	}
	if got := len(drv.writeCallsForPin(cfg.DirPin)); got != 2 {
		t.Errorf("expected 2 DIR writes (one per change), got %d", got)
	}
}

func TestStepper_MoveStepsZero(t *testing.T) {
	drv := &recordingDriver{}
	s := newTestStepper(t, drv, testConfig())

	if err := s.MoveSteps(0); err != nil {
		t.Fatalf("MoveSteps: %v", err)
	}
	if len(drv.calls) != 0 {
		t.Errorf("zero steps should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestStepper_EnableDisable(t *testing.T) {
	drv := &recordingDriver{}
	s := newTestStepper(t, drv, testConfig())

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	enableCalls := drv.writeCallsForPin(16)
	if len(enableCalls) != 1 || enableCalls[0].level != gpio.Low {
		t.Errorf("Enable should write LOW to enable pin, got %v", enableCalls)
	}
	if !s.Enabled() {
		t.Error("Enabled() should be true")
	}

	drv.calls = nil
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	disableCalls := drv.writeCallsForPin(16)
	if len(disableCalls) != 1 || disableCalls[0].level != gpio.High {
		t.Errorf("Disable should write HIGH to enable pin, got %v", disableCalls)
	}
}

func TestStepper_EnableDisable_NoEnablePin(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.EnablePin = 0
	s := newTestStepper(t, drv, cfg)

	if err := s.Enable(); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !s.Enabled() {
		t.Error("Enabled() tracks the logical state even without a pin")
	}
	if err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if len(drv.calls) != 0 {
		t.Errorf("with EnablePin=0, Enable/Disable should produce no GPIO calls, got %d", len(drv.calls))
	}
}

func TestStepper_DefaultStepDelay(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	cfg.StepDelay = 0
	s, err := NewStepper(drv, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if s.delay != 1*time.Millisecond {
		t.Errorf("default delay = %v, want 1ms", s.delay)
	}
}

func TestStepper_PulsePattern(t *testing.T) {
	drv := &recordingDriver{}
	s := newTestStepper(t, drv, testConfig())

	if err := s.Pulse(time.Microsecond); err != nil {
		t.Fatal(err)
	}

	stepCalls := drv.writeCallsForPin(21)
	if len(stepCalls) != 2 {
		t.Fatalf("single pulse should produce 2 writes on step pin, got %d", len(stepCalls))
	}
	if stepCalls[0].level != gpio.High {
		t.Error("first write should be HIGH")
	}
	if stepCalls[1].level != gpio.Low {
		t.Error("second write should be LOW")
	}
}

func TestStepper_PulseFaultIsReported(t *testing.T) {
	drv := &recordingDriver{}
	s := newTestStepper(t, drv, testConfig())
	drv.failPin = 21

	err := s.Pulse(time.Microsecond)
	if !errors.Is(err, errLine) {
		t.Errorf("Pulse error = %v, want wrapped line fault", err)
	}
}

func TestStepper_ReleaseAttemptsBothLines(t *testing.T) {
	drv := &recordingDriver{}
	cfg := testConfig()
	s := newTestStepper(t, drv, cfg)
	if err := s.Enable(); err != nil {
		t.Fatal(err)
	}
	drv.calls = nil
	drv.failPin = cfg.EnablePin

	err := s.Release()
	if !errors.Is(err, errLine) {
		t.Errorf("Release error = %v, want line fault", err)
	}
	if got := drv.writeCallsForPin(cfg.StepPin); len(got) != 1 || got[0].level != gpio.Low {
		t.Errorf("STEP should still be driven LOW after ENABLE failure, got %v", got)
	}
}

func TestWait(t *testing.T) {
	cases := []time.Duration{0, 50 * time.Microsecond, time.Millisecond}
	for _, d := range cases {
		start := time.Now()
		Wait(d)
		if el := time.Since(start); el < d {
			t.Errorf("Wait(%v) returned after %v", d, el)
		}
	}
}

func TestNewStepper_SetupFault(t *testing.T) {
	drv := &recordingDriver{failPin: 16}
	if _, err := NewStepper(drv, testConfig()); !errors.Is(err, errLine) {
		t.Errorf("NewStepper error = %v, want line fault", err)
	}
}
