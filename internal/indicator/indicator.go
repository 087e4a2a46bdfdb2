// Package indicator drives the status LED. The controller keeps it lit
// while the camera is in use (recording or streaming).
package indicator

import (
	"sync"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

var log = logging.L("indicator")

// Driver abstracts the PWM pins behind the LED.
type Driver interface {
	SetColor(r, g, b uint8) error
	Off() error
}

// NopDriver satisfies Driver without hardware attached.
type NopDriver struct{}

func (NopDriver) SetColor(r, g, b uint8) error { return nil }
func (NopDriver) Off() error                   { return nil }

// RGB remembers the configured color across on/off cycles so a
// change_settings color update survives the next recording.
type RGB struct {
	mu     sync.Mutex
	driver Driver
	r      uint8
	g      uint8
	b      uint8
	on     bool
}

func NewRGB(driver Driver, r, g, b uint8) *RGB {
	return &RGB{driver: driver, r: r, g: g, b: b}
}

// On lights the LED with the stored color.
func (x *RGB) On() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.driver.SetColor(x.r, x.g, x.b); err != nil {
		return err
	}
	x.on = true
	return nil
}

// Off turns the LED off. The stored color is kept.
func (x *RGB) Off() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if err := x.driver.Off(); err != nil {
		return err
	}
	x.on = false
	return nil
}

// SetColor stores the new color and, if the LED is lit, applies it
// immediately.
func (x *RGB) SetColor(r, g, b uint8) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.r, x.g, x.b = r, g, b
	log.Debug("color changed", "r", r, "g", g, "b", b)
	if !x.on {
		return nil
	}
	return x.driver.SetColor(r, g, b)
}

// Color returns the stored color.
func (x *RGB) Color() (r, g, b uint8) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.r, x.g, x.b
}

// IsOn reports whether the LED is currently lit.
func (x *RGB) IsOn() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.on
}
