package gpio

import (
	"fmt"

	"github.com/cjeanneret/PanTrack/internal/debug"
	cdev "github.com/mkch/gpio"
	"go.uber.org/multierr"
)

const cdevConsumer = "pantrack"

// CdevDriver uses the Linux GPIO character device (/dev/gpiochipN).
// Pin numbers are line offsets on that chip.
type CdevDriver struct {
	chip  *cdev.Chip
	lines map[int]*cdev.Line
	modes map[int]PinMode
}

// NewCdevDriver opens the given GPIO chip device.
func NewCdevDriver(chipPath string) (*CdevDriver, error) {
	debug.Info("Initializing real GPIO driver (cdev %s)", chipPath)
	chip, err := cdev.OpenChip(chipPath)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chipPath, err)
	}
	return &CdevDriver{
		chip:  chip,
		lines: make(map[int]*cdev.Line),
		modes: make(map[int]PinMode),
	}, nil
}

func (d *CdevDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	if l, ok := d.lines[pin]; ok {
		if d.modes[pin] == mode {
			return nil
		}
		// A line's direction is fixed at request time; release and request again.
		if err := l.Close(); err != nil {
			return err
		}
		delete(d.lines, pin)
	}

	var (
		line *cdev.Line
		err  error
	)
	switch mode {
	case Input:
		line, err = d.chip.OpenLine(uint32(pin), 0, cdev.Input, cdevConsumer)
	case Output:
		line, err = d.chip.OpenLine(uint32(pin), 0, cdev.Output, cdevConsumer)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
	if err != nil {
		return fmt.Errorf("request line %d: %w", pin, err)
	}
	d.lines[pin] = line
	d.modes[pin] = mode
	return nil
}

func (d *CdevDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	if d.modes[pin] != Output || d.lines[pin] == nil {
		if err := d.SetupPin(pin, Output); err != nil {
			return err
		}
	}
	var v byte
	if level == High {
		v = 1
	}
	return d.lines[pin].SetValue(v)
}

func (d *CdevDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	if d.lines[pin] == nil {
		if err := d.SetupPin(pin, Input); err != nil {
			return Low, err
		}
	}
	v, err := d.lines[pin].Value()
	if err != nil {
		return Low, err
	}
	return v != 0, nil
}

// Close releases every requested line and the chip.
func (d *CdevDriver) Close() error {
	debug.Trace("GPIO Close (cdev, %d lines)", len(d.lines))
	var err error
	for pin, l := range d.lines {
		err = multierr.Append(err, l.Close())
		delete(d.lines, pin)
	}
	return multierr.Append(err, d.chip.Close())
}
