package main

import (
	"fmt"

	"github.com/matst80/remotecam/internal/config"
	"github.com/matst80/remotecam/internal/device"
	"github.com/matst80/remotecam/internal/device/sim"
	"github.com/matst80/remotecam/internal/device/vc0706"
)

func newCamera(c config.CameraConfig) (device.Camera, error) {
	switch c.Type {
	case "sim":
		return sim.New(sim.Config{
			StillWidth:  c.StillWidth,
			StillHeight: c.StillHeight,
			FailFocus:   c.FailFocus,
		}), nil
	case "vc0706":
		return vc0706.New(vc0706.Config{
			PortName:   c.SerialPort,
			BaudRate:   c.BaudRate,
			Resolution: c.Resolution,
		}), nil
	case "none":
		return noCamera{}, nil
	default:
		return nil, fmt.Errorf("unknown camera type %q", c.Type)
	}
}

func cameraParams(c config.CameraConfig) device.Params {
	return device.Params{
		FocusMode:        c.FocusMode,
		FlashMode:        c.FlashMode,
		JPEGQuality:      c.JPEGQuality,
		Rotation:         c.Rotation,
		PreviewWidth:     c.PreviewWidth,
		PreviewHeight:    c.PreviewHeight,
		PreviewFrameRate: c.PreviewFPS,
	}
}

// noCamera never opens; the server then only answers handshakes.
type noCamera struct{}

func (noCamera) Open() error                                  { return device.ErrUnavailable }
func (noCamera) Configure(device.Params) error                { return device.ErrNotOpen }
func (noCamera) StartPreview() error                          { return device.ErrNotOpen }
func (noCamera) StopPreview() error                           { return nil }
func (noCamera) AutoFocus(done func(bool))                    { go done(false) }
func (noCamera) Capture(done func([]byte, error))             { go done(nil, device.ErrNotOpen) }
func (noCamera) SetPreviewCallback(func(device.PreviewFrame)) {}
func (noCamera) Release() error                               { return device.ErrNotOpen }
