// Package ms4525 drives the TE MS4525DO differential pressure sensor, the
// usual digital pitot sensor, over I2C.
//
// Only the type A output (10%..90% of full scale) is supported.
package ms4525

import (
	"errors"
	"fmt"

	"airdata-ng/internal/i2c"
)

const (
	addrDefault = 0x28

	countsFull = 16383.0
	psiToPa    = 6894.757293168

	statusNormal  = 0
	statusCommand = 1
	statusStale   = 2
	statusFault   = 3
)

var (
	// ErrStale means no new conversion completed since the last read.
	ErrStale = errors.New("ms4525: stale data")
	// ErrFault is a sensor diagnostic fault (bridge open/short).
	ErrFault = errors.New("ms4525: sensor fault")
)

type rawIO interface {
	Read(p []byte) error
	Quick() error
}

// Sample is one reading. DifferentialPa is positive when the pitot port sees
// the higher pressure.
type Sample struct {
	DifferentialPa float64
	TempC          float64
}

type Device struct {
	dev      rawIO
	rangePSI float64
	offsetPa float64
}

func DefaultAddress() uint16 { return addrDefault }

// New opens the sensor with a +/-rangePSI full scale (1 for the common 001PD).
func New(dev *i2c.Dev, rangePSI float64) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("ms4525: dev is nil")
	}
	return newWithIO(dev, rangePSI)
}

func newWithIO(dev rawIO, rangePSI float64) (*Device, error) {
	if dev == nil {
		return nil, fmt.Errorf("ms4525: dev is nil")
	}
	if rangePSI <= 0 {
		return nil, fmt.Errorf("ms4525: range must be > 0 psi")
	}
	d := &Device{dev: dev, rangePSI: rangePSI}
	// The first measurement request doubles as presence detection.
	if err := d.dev.Quick(); err != nil {
		return nil, fmt.Errorf("ms4525: probe failed: %w", err)
	}
	return d, nil
}

// SetOffset sets a zero offset (Pa) subtracted from every reading.
func (d *Device) SetOffset(pa float64) { d.offsetPa = pa }

// Read returns the result of the previous conversion and requests the next.
func (d *Device) Read() (Sample, error) {
	var buf [4]byte
	if err := d.dev.Read(buf[:]); err != nil {
		return Sample{}, fmt.Errorf("ms4525: read failed: %w", err)
	}
	// Request the next conversion regardless of this reading's status.
	reqErr := d.dev.Quick()

	s, err := d.decode(buf)
	if err != nil {
		return Sample{}, err
	}
	if reqErr != nil {
		return s, fmt.Errorf("ms4525: measurement request failed: %w", reqErr)
	}
	return s, nil
}

func (d *Device) decode(buf [4]byte) (Sample, error) {
	switch buf[0] >> 6 {
	case statusNormal:
	case statusStale:
		return Sample{}, ErrStale
	case statusFault:
		return Sample{}, ErrFault
	case statusCommand:
		return Sample{}, fmt.Errorf("ms4525: device in command mode")
	}

	rawP := int(buf[0]&0x3F)<<8 | int(buf[1])
	rawT := int(buf[2])<<3 | int(buf[3])>>5

	pMin := -d.rangePSI
	pMax := d.rangePSI
	psi := (float64(rawP)-0.1*countsFull)*(pMax-pMin)/(0.8*countsFull) + pMin
	tempC := float64(rawT)*200.0/2047.0 - 50.0

	return Sample{
		DifferentialPa: psi*psiToPa - d.offsetPa,
		TempC:          tempC,
	}, nil
}
