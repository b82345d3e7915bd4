// Package device defines the capture hardware the coordinator drives.
//
// Implementations call the callbacks they are given from goroutines they
// own. A callback may run concurrently with any other method, so callers
// must not assume anything about the calling goroutine.
package device

import "errors"

var (
	// ErrUnavailable is returned by Open when the camera cannot be acquired.
	ErrUnavailable = errors.New("device: camera unavailable")
	// ErrPreviewUnsupported is returned by StartPreview on devices without a
	// preview stream.
	ErrPreviewUnsupported = errors.New("device: preview not supported")
	// ErrNotOpen is returned by operations on a released device.
	ErrNotOpen = errors.New("device: not open")
)

// Params are applied by Configure before preview starts.
type Params struct {
	FocusMode   string // "auto", "fixed", "infinity"
	FlashMode   string // "on", "off", "auto"
	JPEGQuality int    // 1-100
	Rotation    int    // degrees, multiple of 90

	// Preview variant only. Zero means device default.
	PreviewWidth     int
	PreviewHeight    int
	PreviewFrameRate int
}

// PreviewFrame is one raw frame from the preview stream.
type PreviewFrame struct {
	Data   []byte
	Width  int
	Height int
}

// Camera is the capture device. AutoFocus and Capture return immediately and
// report completion through their callback exactly once.
type Camera interface {
	Open() error
	Configure(p Params) error
	StartPreview() error
	StopPreview() error
	AutoFocus(done func(ok bool))
	// Capture reports the JPEG bytes of a still image, or an error.
	Capture(done func(jpeg []byte, err error))
	// SetPreviewCallback installs fn for every preview frame; nil removes it.
	SetPreviewCallback(fn func(PreviewFrame))
	Release() error
}
