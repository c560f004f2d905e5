package geometry

import (
	"math"

	"github.com/cjeanneret/PanTrack/internal/config"
)

// StepsCalculator converts angles to motor step counts.
type StepsCalculator struct {
	stepsPerDegree float64
}

// NewStepsCalculator creates a step calculator from the stepper configuration.
func NewStepsCalculator(cfg config.StepperConfig) *StepsCalculator {
	microstepsPerRev := float64(cfg.StepsPerRev * cfg.Microstepping)
	return &StepsCalculator{stepsPerDegree: microstepsPerRev / 360.0}
}

// DegreesPerStep returns the shaft rotation produced by one STEP pulse.
func (s *StepsCalculator) DegreesPerStep() float64 {
	if s.stepsPerDegree == 0 {
		return 0
	}
	return 1.0 / s.stepsPerDegree
}

// StepsFromAngle converts an angle (in degrees) to the nearest whole number of
// steps. The sign follows the angle.
func (s *StepsCalculator) StepsFromAngle(angleDegrees float64) int {
	return int(math.Round(angleDegrees * s.stepsPerDegree))
}
