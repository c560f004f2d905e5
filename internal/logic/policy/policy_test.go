package policy

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/cjeanneret/PanTrack/internal/config"
)

func testDeadband() *Deadband {
	return NewDeadband(config.ControlConfig{
		DeadbandPx:     3,
		KpStepsPerPx:   2,
		MinFrequencyHz: 5,
	})
}

func TestDeadband_InsideIsIdle(t *testing.T) {
	p := testDeadband()
	for _, e := range []float64{0, 1, -1, 2.999, 3, -3} {
		cmd := p.Rate(e)
		if cmd.FrequencyHz != 0 || !cmd.Idle() {
			t.Errorf("Rate(%v) = %+v, want idle", e, cmd)
		}
	}
}

func TestDeadband_OutsideMoves(t *testing.T) {
	p := testDeadband()
	cases := []struct {
		name string
		e    float64
		want RateCommand
	}{
		{"just_outside", 3.01, RateCommand{Clockwise, 6.02}},
		{"proportional", 3.5, RateCommand{Clockwise, 7}},
		{"negative", -50, RateCommand{CounterClockwise, 100}},
		{"large", 400, RateCommand{Clockwise, 800}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := p.Rate(tc.e)
			if diff := cmp.Diff(tc.want, got, cmp.Comparer(func(a, b float64) bool {
				return math.Abs(a-b) < 1e-9
			})); diff != "" {
				t.Errorf("Rate(%v) mismatch (-want +got):\n%s", tc.e, diff)
			}
		})
	}
}

func TestDeadband_MinimumFrequencyFloor(t *testing.T) {
	p := NewDeadband(config.ControlConfig{
		DeadbandPx:     3,
		KpStepsPerPx:   0.01,
		MinFrequencyHz: 5,
	})
	for _, e := range []float64{3.1, -3.1, 10, -100, 499} {
		cmd := p.Rate(e)
		if cmd.FrequencyHz < 5 {
			t.Errorf("Rate(%v).FrequencyHz = %v, want >= 5", e, cmd.FrequencyHz)
		}
		if cmd.Direction != DirectionOf(e) {
			t.Errorf("Rate(%v).Direction = %v, want %v", e, cmd.Direction, DirectionOf(e))
		}
	}
}

func TestDeadband_MaxFrequencyClamp(t *testing.T) {
	p := testDeadband()
	p.MaxFrequencyHz = 300
	if got := p.Rate(1000).FrequencyHz; got != 300 {
		t.Errorf("clamped rate = %v, want 300", got)
	}
	if got := p.Rate(100).FrequencyHz; got != 200 {
		t.Errorf("unclamped rate = %v, want 200", got)
	}
}

func TestDeadband_NaNIsIdle(t *testing.T) {
	if cmd := testDeadband().Rate(math.NaN()); !cmd.Idle() {
		t.Errorf("Rate(NaN) = %+v, want idle", cmd)
	}
}

func TestCappedLinear(t *testing.T) {
	p := CappedLinear{KpStepsPerPx: 0.2, MaxSteps: 50}
	cases := []struct {
		name string
		e    float64
		want MoveCommand
	}{
		{"capped", 1000, MoveCommand{Clockwise, 50}},
		{"negative", -10, MoveCommand{CounterClockwise, 2}},
		{"zero", 0, MoveCommand{CounterClockwise, 0}},
		{"rounds_down", 7, MoveCommand{Clockwise, 1}},
		{"rounds_half_away", 12.5, MoveCommand{Clockwise, 3}},
		{"exactly_cap", 250, MoveCommand{Clockwise, 50}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, p.Move(tc.e)); diff != "" {
				t.Errorf("Move(%v) mismatch (-want +got):\n%s", tc.e, diff)
			}
		})
	}
}

func TestAngle(t *testing.T) {
	p := Angle{FocalLengthPx: 4278.55, DegreesPerStep: 1.8}
	cases := []struct {
		name string
		e    float64
		want MoveCommand
	}{
		{"100px", 100, MoveCommand{Clockwise, 1}},
		{"minus_100px", -100, MoveCommand{CounterClockwise, 1}},
		{"zero", 0, MoveCommand{CounterClockwise, 0}},
		{"small", 20, MoveCommand{Clockwise, 0}},
		{"quarter_frame", 1000, MoveCommand{Clockwise, 7}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.want, p.Move(tc.e)); diff != "" {
				t.Errorf("Move(%v) mismatch (-want +got):\n%s", tc.e, diff)
			}
		})
	}
}

func TestNewMovePolicy(t *testing.T) {
	cfg := config.Default()

	p, err := NewMovePolicy(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(MovePolicy(CappedLinear{KpStepsPerPx: 0.2, MaxSteps: 50}), p); diff != "" {
		t.Errorf("default policy mismatch (-want +got):\n%s", diff)
	}

	cfg.Burst.Policy = NameAngle
	cfg.Lens.FocalLengthPx = 4278.55
	p, err = NewMovePolicy(cfg)
	if err != nil {
		t.Fatal(err)
	}
	a, ok := p.(Angle)
	if !ok {
		t.Fatalf("policy = %T, want Angle", p)
	}
	if math.Abs(a.DegreesPerStep-1.8) > 1e-9 {
		t.Errorf("DegreesPerStep = %v, want 1.8", a.DegreesPerStep)
	}
	if p.Name() != NameAngle {
		t.Errorf("Name() = %q", p.Name())
	}
}

func TestNewMovePolicy_Errors(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"unknown", func(c *config.Config) { c.Burst.Policy = "pid" }},
		{"angle_without_lens", func(c *config.Config) {
			c.Burst.Policy = NameAngle
			c.Lens = config.LensConfig{}
		}},
		{"angle_without_stepper", func(c *config.Config) {
			c.Burst.Policy = NameAngle
			c.Lens.FocalLengthPx = 4278.55
			c.Stepper.StepsPerRev = 0
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if _, err := NewMovePolicy(cfg); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestDirectionString(t *testing.T) {
	if Clockwise.String() != "clockwise" || CounterClockwise.String() != "counter-clockwise" {
		t.Errorf("unexpected strings %q %q", Clockwise, CounterClockwise)
	}
}
