package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a configuration file.
const MaxConfigFileBytes = 1 << 20

// ErrMissingHost is returned when live TCP tracking has no server to connect to.
var ErrMissingHost = errors.New("link.host is required")

// StepperConfig holds the wiring of the tracking axis stepper driver.
type StepperConfig struct {
	StepPin       int  `yaml:"step_pin"`
	DirPin        int  `yaml:"dir_pin"`
	EnablePin     int  `yaml:"enable_pin"` // driver ENABLE pin (BCM). 0 = not used. Active LOW.
	StepsPerRev   int  `yaml:"steps_per_rev"`
	Microstepping int  `yaml:"microstepping"`
	InvertDir     bool `yaml:"invert_dir"` // swap which DIR level means clockwise
}

// LinkConfig describes where tracking errors come from.
type LinkConfig struct {
	Transport        string `yaml:"transport"` // "tcp" or "mqtt"
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	ReconnectDelayMs int    `yaml:"reconnect_delay_ms"`
	ConnectTimeoutMs int    `yaml:"connect_timeout_ms"`
	ReadTimeoutMs    int    `yaml:"read_timeout_ms"`
	MaxRecordBytes   int    `yaml:"max_record_bytes"`
	MQTTBroker       string `yaml:"mqtt_broker"` // e.g. "tcp://10.0.0.2:1883"
	MQTTTopic        string `yaml:"mqtt_topic"`
}

// ControlConfig tunes the continuous-rate motion generator.
type ControlConfig struct {
	DeadbandPx     float64 `yaml:"deadband_px"`
	KpStepsPerPx   float64 `yaml:"kp_steps_per_px"`  // step rate per pixel of error (Hz/px)
	MinFrequencyHz float64 `yaml:"min_frequency_hz"` // rate floor outside the deadband
	MaxFrequencyHz float64 `yaml:"max_frequency_hz"` // 0 = unlimited
	TickUs         int     `yaml:"tick_us"`          // loop period
	PulseWidthUs   int     `yaml:"pulse_width_us"`   // STEP high (and low) time
	EnableHoldMs   int     `yaml:"enable_hold_ms"`
}

// BurstConfig tunes the one-shot move policies used by replay.
type BurstConfig struct {
	Policy        string  `yaml:"policy"` // "linear" or "angle"
	KpStepsPerPx  float64 `yaml:"kp_steps_per_px"`
	MaxSteps      int     `yaml:"max_steps"`
	PulseMs       int     `yaml:"pulse_ms"`
	SetupDelayUs  int     `yaml:"setup_delay_us"` // wait after DIR change
	IdleDisableMs int     `yaml:"idle_disable_ms"`
}

// LensConfig describes the tracking camera lens.
type LensConfig struct {
	Name          string  `yaml:"name"`
	FocalLengthMm float64 `yaml:"focal_length_mm"`
	FocalLengthPx float64 `yaml:"focal_length_px"` // overrides the mm/sensor/resolution derivation
}

// SensorConfig is optional: physical sensor size in mm.
type SensorConfig struct {
	WidthMm  float64 `yaml:"width_mm"`
	HeightMm float64 `yaml:"height_mm"`
}

// ResolutionConfig is optional: image resolution in pixels.
type ResolutionConfig struct {
	WidthPx  int `yaml:"width_px"`
	HeightPx int `yaml:"height_px"`
}

// ReplayConfig describes the offline error source.
type ReplayConfig struct {
	File         string `yaml:"file"`
	FrameDelayMs int    `yaml:"frame_delay_ms"`
}

// DefaultsConfig contains generic process parameters.
type DefaultsConfig struct {
	DebugLevel  int    `yaml:"debug_level"`  // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO    bool   `yaml:"mock_gpio"`    // use mock GPIO (true=dev/test), overrides gpio_backend
	GPIOBackend string `yaml:"gpio_backend"` // "rpio", "periph", "cdev" or "mock"
	GPIOChip    string `yaml:"gpio_chip"`    // character device for the cdev backend
	LogFile     string `yaml:"log_file"`
}

// WebConfig enables the status server.
type WebConfig struct {
	Port int `yaml:"port"` // 0 = disabled
}

// Config aggregates all application configuration.
type Config struct {
	Stepper    StepperConfig     `yaml:"stepper"`
	Link       LinkConfig        `yaml:"link"`
	Control    ControlConfig     `yaml:"control"`
	Burst      BurstConfig       `yaml:"burst"`
	Lens       LensConfig        `yaml:"lens"`
	Sensor     *SensorConfig     `yaml:"sensor,omitempty"`     // optional
	Resolution *ResolutionConfig `yaml:"resolution,omitempty"` // optional
	Replay     ReplayConfig      `yaml:"replay"`
	Defaults   DefaultsConfig    `yaml:"defaults"`
	Web        WebConfig         `yaml:"web"`
}

// Load reads a YAML file and returns the configuration with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	// Keys absent from the file keep their defaults; explicit values win, zero included.
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default filled in and no link host.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Stepper.StepPin == 0 {
		c.Stepper.StepPin = 21
	}
	if c.Stepper.DirPin == 0 {
		c.Stepper.DirPin = 20
	}
	if c.Stepper.EnablePin == 0 {
		c.Stepper.EnablePin = 16
	}
	if c.Stepper.StepsPerRev <= 0 {
		c.Stepper.StepsPerRev = 200
	}
	if c.Stepper.Microstepping <= 0 {
		c.Stepper.Microstepping = 1
	}

	if c.Link.Transport == "" {
		c.Link.Transport = "tcp"
	}
	if c.Link.Port == 0 {
		c.Link.Port = 5005
	}
	if c.Link.ReconnectDelayMs <= 0 {
		c.Link.ReconnectDelayMs = 2000
	}
	if c.Link.ConnectTimeoutMs <= 0 {
		c.Link.ConnectTimeoutMs = 10000
	}
	if c.Link.ReadTimeoutMs <= 0 {
		c.Link.ReadTimeoutMs = 30000
	}
	if c.Link.MaxRecordBytes <= 0 {
		c.Link.MaxRecordBytes = 64 * 1024
	}
	if c.Link.MQTTTopic == "" {
		c.Link.MQTTTopic = "tracking/error"
	}

	if c.Control.DeadbandPx == 0 {
		c.Control.DeadbandPx = 3
	}
	if c.Control.KpStepsPerPx <= 0 {
		c.Control.KpStepsPerPx = 2
	}
	if c.Control.MinFrequencyHz <= 0 {
		c.Control.MinFrequencyHz = 5
	}
	if c.Control.TickUs <= 0 {
		c.Control.TickUs = 500
	}
	if c.Control.PulseWidthUs <= 0 {
		c.Control.PulseWidthUs = 5
	}
	if c.Control.EnableHoldMs <= 0 {
		c.Control.EnableHoldMs = 200
	}

	if c.Burst.Policy == "" {
		c.Burst.Policy = "linear"
	}
	if c.Burst.KpStepsPerPx <= 0 {
		c.Burst.KpStepsPerPx = 0.2
	}
	if c.Burst.MaxSteps <= 0 {
		c.Burst.MaxSteps = 50
	}
	if c.Burst.PulseMs <= 0 {
		c.Burst.PulseMs = 1
	}
	if c.Burst.SetupDelayUs <= 0 {
		c.Burst.SetupDelayUs = 500
	}
	if c.Burst.IdleDisableMs <= 0 {
		c.Burst.IdleDisableMs = 200
	}

	if c.Replay.FrameDelayMs <= 0 {
		c.Replay.FrameDelayMs = 50
	}

	if c.Defaults.GPIOBackend == "" {
		c.Defaults.GPIOBackend = "rpio"
	}
	if c.Defaults.GPIOChip == "" {
		c.Defaults.GPIOChip = "/dev/gpiochip0"
	}
}

// Validate checks value ranges that do not depend on the run mode.
func (c *Config) Validate() error {
	if c.Link.Port <= 0 || c.Link.Port > 65535 {
		return fmt.Errorf("link.port must be 1-65535, got %d", c.Link.Port)
	}
	switch c.Link.Transport {
	case "tcp", "mqtt":
	default:
		return fmt.Errorf("link.transport must be tcp or mqtt, got %q", c.Link.Transport)
	}
	if c.Stepper.StepPin <= 0 || c.Stepper.DirPin <= 0 || c.Stepper.EnablePin < 0 {
		return fmt.Errorf("stepper pins must be positive (step=%d dir=%d enable=%d)",
			c.Stepper.StepPin, c.Stepper.DirPin, c.Stepper.EnablePin)
	}
	if c.Stepper.StepsPerRev <= 0 || c.Stepper.Microstepping <= 0 {
		return fmt.Errorf("stepper.steps_per_rev and stepper.microstepping must be > 0")
	}
	if c.Link.ReconnectDelayMs <= 0 || c.Link.ConnectTimeoutMs <= 0 || c.Link.ReadTimeoutMs <= 0 {
		return fmt.Errorf("link reconnect, connect and read timeouts must be > 0")
	}
	if c.Link.MaxRecordBytes <= 0 {
		return fmt.Errorf("link.max_record_bytes must be > 0, got %d", c.Link.MaxRecordBytes)
	}
	if c.Control.KpStepsPerPx <= 0 {
		return fmt.Errorf("control.kp_steps_per_px must be > 0, got %v", c.Control.KpStepsPerPx)
	}
	if c.Control.MinFrequencyHz <= 0 {
		return fmt.Errorf("control.min_frequency_hz must be > 0, got %v", c.Control.MinFrequencyHz)
	}
	if c.Control.TickUs <= 0 || c.Control.PulseWidthUs <= 0 || c.Control.EnableHoldMs < 0 {
		return fmt.Errorf("control timings must be positive")
	}
	if c.Burst.KpStepsPerPx <= 0 || c.Burst.MaxSteps <= 0 || c.Burst.PulseMs <= 0 {
		return fmt.Errorf("burst.kp_steps_per_px, max_steps and pulse_ms must be > 0")
	}
	if c.Control.DeadbandPx < 0 || math.IsNaN(c.Control.DeadbandPx) {
		return fmt.Errorf("control.deadband_px must be >= 0, got %v", c.Control.DeadbandPx)
	}
	if c.Control.MaxFrequencyHz < 0 {
		return fmt.Errorf("control.max_frequency_hz must be >= 0, got %v", c.Control.MaxFrequencyHz)
	}
	if c.Control.MaxFrequencyHz > 0 && c.Control.MaxFrequencyHz < c.Control.MinFrequencyHz {
		return fmt.Errorf("control.max_frequency_hz (%v) is below min_frequency_hz (%v)",
			c.Control.MaxFrequencyHz, c.Control.MinFrequencyHz)
	}
	// A full pulse (high + low) must fit in one loop period.
	if 2*c.Control.PulseWidthUs >= c.Control.TickUs {
		return fmt.Errorf("control.pulse_width_us (%d) must be less than half of tick_us (%d)",
			c.Control.PulseWidthUs, c.Control.TickUs)
	}
	switch c.Burst.Policy {
	case "linear", "angle":
	default:
		return fmt.Errorf("burst.policy must be linear or angle, got %q", c.Burst.Policy)
	}
	switch c.Defaults.GPIOBackend {
	case "rpio", "periph", "cdev", "mock":
	default:
		return fmt.Errorf("defaults.gpio_backend must be rpio, periph, cdev or mock, got %q", c.Defaults.GPIOBackend)
	}
	if c.Defaults.DebugLevel < 0 || c.Defaults.DebugLevel > 4 {
		return fmt.Errorf("defaults.debug_level must be between 0 and 4, got %d", c.Defaults.DebugLevel)
	}
	return nil
}

// ValidateLive checks the settings required by live tracking.
func (c *Config) ValidateLive() error {
	switch c.Link.Transport {
	case "mqtt":
		if c.Link.MQTTBroker == "" {
			return errors.New("link.mqtt_broker is required for the mqtt transport")
		}
	default:
		if c.Link.Host == "" {
			return ErrMissingHost
		}
	}
	return nil
}

// Address returns host:port of the telemetry server.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Link.Host, c.Link.Port)
}

// ReconnectDelay returns the fixed backoff between connection attempts.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.Link.ReconnectDelayMs) * time.Millisecond
}

// ConnectTimeout returns the bound on a single connection attempt.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Link.ConnectTimeoutMs) * time.Millisecond
}

// ReadTimeout returns how long a connected link may stay silent.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Link.ReadTimeoutMs) * time.Millisecond
}

// TickPeriod returns the motion generator loop period.
func (c *Config) TickPeriod() time.Duration {
	return time.Duration(c.Control.TickUs) * time.Microsecond
}

// PulseWidth returns the continuous-mode STEP half-cycle.
func (c *Config) PulseWidth() time.Duration {
	return time.Duration(c.Control.PulseWidthUs) * time.Microsecond
}

// EnableHold returns how long ENABLE stays asserted after the last step demand.
func (c *Config) EnableHold() time.Duration {
	return time.Duration(c.Control.EnableHoldMs) * time.Millisecond
}

// BurstPulse returns the one-shot STEP half-cycle.
func (c *Config) BurstPulse() time.Duration {
	return time.Duration(c.Burst.PulseMs) * time.Millisecond
}

// SetupDelay returns the wait after changing DIR.
func (c *Config) SetupDelay() time.Duration {
	return time.Duration(c.Burst.SetupDelayUs) * time.Microsecond
}

// IdleDisable returns the wait after a burst before ENABLE is released.
func (c *Config) IdleDisable() time.Duration {
	return time.Duration(c.Burst.IdleDisableMs) * time.Millisecond
}

// FrameDelay returns the pause between replayed frames.
func (c *Config) FrameDelay() time.Duration {
	return time.Duration(c.Replay.FrameDelayMs) * time.Millisecond
}

// GPIOBackend returns the effective GPIO backend name.
func (c *Config) GPIOBackend() string {
	if c.Defaults.MockGPIO {
		return "mock"
	}
	return c.Defaults.GPIOBackend
}
