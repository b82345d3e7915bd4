// Package gpio abstracts the few GPIO operations remotecam needs so the
// busy indicator can run on a Raspberry Pi or be mocked on a PC.
package gpio

import (
	"github.com/matst80/remotecam/internal/obs"
)

// Level represents the logical state of a GPIO pin.
type Level bool

const (
	Low  Level = false
	High Level = true
)

// PinMode indicates whether a GPIO is input or output.
type PinMode int

const (
	Input PinMode = iota
	Output
)

// Driver defines the abstract interface for controlling GPIOs.
type Driver interface {
	SetupPin(pin int, mode PinMode) error
	WritePin(pin int, level Level) error
	ReadPin(pin int) (Level, error)
	Close() error
}

// MockDriver logs pin operations at debug level.
type MockDriver struct{}

// NewDriver returns a MockDriver if mock is true, otherwise the go-rpio
// driver.
func NewDriver(mock bool) (Driver, error) {
	if mock {
		obs.Info("gpio.driver", obs.Fields{"type": "mock"})
		return &MockDriver{}, nil
	}
	return NewRPiDriver()
}

func (m *MockDriver) SetupPin(pin int, mode PinMode) error {
	obs.Debug("gpio.setup", obs.Fields{"pin": pin, "mode": int(mode), "mock": true})
	return nil
}

func (m *MockDriver) WritePin(pin int, level Level) error {
	obs.Debug("gpio.write", obs.Fields{"pin": pin, "high": bool(level), "mock": true})
	return nil
}

func (m *MockDriver) ReadPin(pin int) (Level, error) {
	return Low, nil
}

func (m *MockDriver) Close() error { return nil }
