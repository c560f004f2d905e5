package geometry

import (
	"fmt"
	"math"

	"github.com/cjeanneret/PanTrack/internal/config"
)

// FOVCalculator converts image-plane offsets of the tracking camera into angles.
type FOVCalculator struct {
	focalMm    float64
	sensorMm   float64
	resPx      int
	focalPx    float64
	overridden bool
}

// NewFOVCalculator creates a calculator from the lens, sensor and resolution
// sections. lens.focal_length_px, when set, is used as is; otherwise sensor
// width and horizontal resolution are required to derive it.
func NewFOVCalculator(cfg *config.Config) (*FOVCalculator, error) {
	f := &FOVCalculator{focalMm: cfg.Lens.FocalLengthMm}
	if cfg.Sensor != nil {
		f.sensorMm = cfg.Sensor.WidthMm
	}
	if cfg.Resolution != nil {
		f.resPx = cfg.Resolution.WidthPx
	}

	if cfg.Lens.FocalLengthPx > 0 {
		f.focalPx = cfg.Lens.FocalLengthPx
		f.overridden = true
		return f, nil
	}
	if f.focalMm <= 0 {
		return nil, fmt.Errorf("lens.focal_length_mm must be > 0 (got %v)", f.focalMm)
	}
	if f.sensorMm <= 0 {
		return nil, fmt.Errorf("sensor.width_mm is required to derive the focal length in pixels")
	}
	if f.resPx <= 0 {
		return nil, fmt.Errorf("resolution.width_px is required to derive the focal length in pixels")
	}
	f.focalPx = FocalLengthPx(f.focalMm, f.resPx, f.sensorMm)
	return f, nil
}

// FocalLengthPx expresses a focal length in pixels of the image.
// Formula: f_px = f_mm × resolution_px / sensor_mm
func FocalLengthPx(focalMm float64, resPx int, sensorMm float64) float64 {
	return focalMm * float64(resPx) / sensorMm
}

// FocalPx returns the focal length in pixels used by OffsetAngle.
func (f *FOVCalculator) FocalPx() float64 {
	return f.focalPx
}

// HorizontalFOV calculates the horizontal field of view in degrees.
// Formula: FOV = 2 × arctan(sensor_width / (2 × focal_length))
// With only a pixel focal length, the image width in pixels stands in for the sensor.
func (f *FOVCalculator) HorizontalFOV() float64 {
	if f.sensorMm > 0 && f.focalMm > 0 && !f.overridden {
		return 2.0 * math.Atan(f.sensorMm/(2.0*f.focalMm)) * 180.0 / math.Pi
	}
	if f.resPx <= 0 {
		return 0
	}
	return 2.0 * math.Atan(float64(f.resPx)/(2.0*f.focalPx)) * 180.0 / math.Pi
}

// OffsetAngle converts a horizontal pixel offset from the image center into
// degrees of rotation. The sign follows the offset.
// Formula: theta = arctan(offset_px / f_px)
func (f *FOVCalculator) OffsetAngle(offsetPx float64) float64 {
	return math.Atan(offsetPx/f.focalPx) * 180.0 / math.Pi
}
