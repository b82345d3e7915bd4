// Package sim is a software camera for development hosts without hardware.
// Preview frames are a moving NV21 gradient; stills are JPEG-encoded
// gradients at the configured still size.
package sim

import (
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/matst80/remotecam/internal/device"
	"github.com/matst80/remotecam/internal/frame"
	"github.com/matst80/remotecam/internal/obs"
)

// Config tunes the simulated camera.
type Config struct {
	StillWidth   int
	StillHeight  int
	FocusDelay   time.Duration
	CaptureDelay time.Duration
	FailFocus    bool
	// FailOpen makes Open return device.ErrUnavailable.
	FailOpen bool
}

// Camera implements device.Camera without hardware.
type Camera struct {
	cfg Config

	mu        sync.Mutex
	open      bool
	params    device.Params
	previewFn func(device.PreviewFrame)
	stop      chan struct{}
	wg        sync.WaitGroup
	tick      int
}

var _ device.Camera = (*Camera)(nil)

func New(cfg Config) *Camera {
	if cfg.StillWidth <= 0 {
		cfg.StillWidth = 640
	}
	if cfg.StillHeight <= 0 {
		cfg.StillHeight = 480
	}
	return &Camera{cfg: cfg, params: device.Params{JPEGQuality: 85, PreviewWidth: 320, PreviewHeight: 240, PreviewFrameRate: 10}}
}

// SetFailFocus switches autofocus results at runtime.
func (c *Camera) SetFailFocus(v bool) {
	c.mu.Lock()
	c.cfg.FailFocus = v
	c.mu.Unlock()
}

func (c *Camera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.FailOpen {
		return device.ErrUnavailable
	}
	c.open = true
	obs.Info("sim.open", obs.Fields{"still": fmt.Sprintf("%dx%d", c.cfg.StillWidth, c.cfg.StillHeight)})
	return nil
}

func (c *Camera) Configure(p device.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return device.ErrNotOpen
	}
	if p.PreviewWidth <= 0 {
		p.PreviewWidth = 320
	}
	if p.PreviewHeight <= 0 {
		p.PreviewHeight = 240
	}
	if p.PreviewFrameRate <= 0 {
		p.PreviewFrameRate = 10
	}
	c.params = p
	return nil
}

func (c *Camera) StartPreview() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return device.ErrNotOpen
	}
	if c.stop != nil {
		return nil
	}
	c.stop = make(chan struct{})
	interval := time.Second / time.Duration(c.params.PreviewFrameRate)
	c.wg.Add(1)
	go c.previewLoop(c.stop, interval, c.params.PreviewWidth, c.params.PreviewHeight)
	return nil
}

func (c *Camera) StopPreview() error {
	c.mu.Lock()
	stop := c.stop
	c.stop = nil
	c.mu.Unlock()
	if stop != nil {
		close(stop)
		c.wg.Wait()
	}
	return nil
}

func (c *Camera) previewLoop(stop <-chan struct{}, interval time.Duration, w, h int) {
	defer c.wg.Done()
	defer obs.Recover("sim.preview")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			c.mu.Lock()
			fn := c.previewFn
			c.tick++
			phase := c.tick
			c.mu.Unlock()
			if fn != nil {
				fn(device.PreviewFrame{Data: gradient(w, h, phase), Width: w, Height: h})
			}
		}
	}
}

func (c *Camera) AutoFocus(done func(ok bool)) {
	c.mu.Lock()
	open, fail, delay := c.open, c.cfg.FailFocus, c.cfg.FocusDelay
	c.mu.Unlock()
	go func() {
		time.Sleep(delay)
		done(open && !fail)
	}()
}

func (c *Camera) Capture(done func(jpeg []byte, err error)) {
	c.mu.Lock()
	open := c.open
	w, h := c.cfg.StillWidth, c.cfg.StillHeight
	quality := c.params.JPEGQuality
	c.tick++
	phase := c.tick
	delay := c.cfg.CaptureDelay
	c.mu.Unlock()
	go func() {
		time.Sleep(delay)
		if !open {
			done(nil, device.ErrNotOpen)
			return
		}
		out, err := frame.YUVEncoder{}.Encode(gradient(w, h, phase), frame.NV21, w, h, image.Rect(0, 0, w, h), quality)
		done(out, err)
	}()
}

func (c *Camera) SetPreviewCallback(fn func(device.PreviewFrame)) {
	c.mu.Lock()
	c.previewFn = fn
	c.mu.Unlock()
}

func (c *Camera) Release() error {
	_ = c.StopPreview()
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return device.ErrNotOpen
	}
	c.open = false
	c.previewFn = nil
	obs.Info("sim.release", nil)
	return nil
}

// gradient renders a diagonal luma ramp shifted by phase with neutral chroma.
func gradient(w, h, phase int) []byte {
	raw := make([]byte, frame.FrameSize(w, h))
	for y := 0; y < h; y++ {
		row := raw[y*w : (y+1)*w]
		for x := range row {
			row[x] = byte(x + y + phase*4)
		}
	}
	for i := w * h; i < len(raw); i++ {
		raw[i] = 128
	}
	return raw
}
