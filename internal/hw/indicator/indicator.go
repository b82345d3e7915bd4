// Package indicator lights a GPIO LED while a capture is in flight.
package indicator

import (
	"sync"

	"github.com/matst80/remotecam/internal/capture"
	"github.com/matst80/remotecam/internal/hw/gpio"
	"github.com/matst80/remotecam/internal/obs"
)

type LED struct {
	drv gpio.Driver
	pin int

	mu sync.Mutex
	on bool
}

// New configures pin as an output and switches it off.
func New(drv gpio.Driver, pin int) (*LED, error) {
	if err := drv.SetupPin(pin, gpio.Output); err != nil {
		return nil, err
	}
	l := &LED{drv: drv, pin: pin}
	if err := drv.WritePin(pin, gpio.Low); err != nil {
		return nil, err
	}
	return l, nil
}

// OnState is a capture.Config.OnState hook: the LED is lit in every state
// but Idle. Repeated states do not rewrite the pin.
func (l *LED) OnState(s capture.State) {
	want := s != capture.Idle
	l.mu.Lock()
	defer l.mu.Unlock()
	if want == l.on {
		return
	}
	if err := l.drv.WritePin(l.pin, gpio.Level(want)); err != nil {
		obs.Error("indicator.write", obs.Fields{"pin": l.pin, "err": err})
		return
	}
	l.on = want
}

// Close switches the LED off and closes the driver.
func (l *LED) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.drv.WritePin(l.pin, gpio.Low)
	l.on = false
	return l.drv.Close()
}
