package gpio

import (
	"fmt"

	"github.com/cjeanneret/PanTrack/internal/debug"
	pgpio "periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// PeriphDriver drives pins through periph.io, which covers most single-board
// computers besides the Raspberry Pi (Odroid, BeagleBone, Jetson, ...).
// Pin numbers are resolved by name as "GPIO<n>".
type PeriphDriver struct {
	pins map[int]pgpio.PinIO
}

// NewPeriphDriver initializes the periph.io host drivers.
func NewPeriphDriver() (*PeriphDriver, error) {
	debug.Info("Initializing real GPIO driver (periph.io)")
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	return &PeriphDriver{pins: make(map[int]pgpio.PinIO)}, nil
}

func (d *PeriphDriver) lookup(pin int) (pgpio.PinIO, error) {
	if p, ok := d.pins[pin]; ok {
		return p, nil
	}
	name := fmt.Sprintf("GPIO%d", pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("no periph pin named %q", name)
	}
	d.pins[pin] = p
	return p, nil
}

func (d *PeriphDriver) SetupPin(pin int, mode PinMode) error {
	debug.GPIO("SetupPin", pin, mode)
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	switch mode {
	case Input:
		return p.In(pgpio.PullNoChange, pgpio.NoEdge)
	case Output:
		return p.Out(pgpio.Low)
	default:
		return fmt.Errorf("unknown pin mode: %d", mode)
	}
}

func (d *PeriphDriver) WritePin(pin int, level Level) error {
	debug.GPIO("WritePin", pin, level)
	p, err := d.lookup(pin)
	if err != nil {
		return err
	}
	l := pgpio.Low
	if level == High {
		l = pgpio.High
	}
	return p.Out(l)
}

func (d *PeriphDriver) ReadPin(pin int) (Level, error) {
	debug.GPIO("ReadPin", pin, nil)
	p, err := d.lookup(pin)
	if err != nil {
		return Low, err
	}
	return p.Read() == pgpio.High, nil
}

// Close forgets the pin handles; periph has no global teardown and pins keep
// their last output level.
func (d *PeriphDriver) Close() error {
	debug.Trace("GPIO Close (periph)")
	d.pins = make(map[int]pgpio.PinIO)
	return nil
}
