package sim

import (
	"bytes"
	"errors"
	"image/jpeg"
	"testing"
	"time"

	"github.com/matst80/remotecam/internal/device"
)

func TestCaptureReturnsJPEG(t *testing.T) {
	cam := New(Config{StillWidth: 64, StillHeight: 48})
	if err := cam.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer cam.Release()

	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	cam.Capture(func(b []byte, err error) { ch <- result{b, err} })
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("capture: %v", r.err)
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(r.data))
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if cfg.Width != 64 || cfg.Height != 48 {
			t.Errorf("size %dx%d, want 64x48", cfg.Width, cfg.Height)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capture callback never fired")
	}
}

func TestAutoFocusFailure(t *testing.T) {
	cam := New(Config{})
	_ = cam.Open()
	defer cam.Release()

	ch := make(chan bool, 2)
	cam.AutoFocus(func(ok bool) { ch <- ok })
	if ok := <-ch; !ok {
		t.Error("expected focus success by default")
	}
	cam.SetFailFocus(true)
	cam.AutoFocus(func(ok bool) { ch <- ok })
	if ok := <-ch; ok {
		t.Error("expected focus failure after SetFailFocus(true)")
	}
}

func TestPreviewFramesDelivered(t *testing.T) {
	cam := New(Config{})
	_ = cam.Open()
	if err := cam.Configure(device.Params{PreviewWidth: 32, PreviewHeight: 24, PreviewFrameRate: 100}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	frames := make(chan device.PreviewFrame, 8)
	cam.SetPreviewCallback(func(f device.PreviewFrame) {
		select {
		case frames <- f:
		default:
		}
	})
	if err := cam.StartPreview(); err != nil {
		t.Fatalf("StartPreview: %v", err)
	}
	select {
	case f := <-frames:
		if f.Width != 32 || f.Height != 24 || len(f.Data) != 32*24+2*16*12 {
			t.Errorf("unexpected frame %dx%d len=%d", f.Width, f.Height, len(f.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no preview frame")
	}
	if err := cam.Release(); err != nil {
		t.Errorf("Release: %v", err)
	}
	if err := cam.Release(); !errors.Is(err, device.ErrNotOpen) {
		t.Errorf("second Release = %v, want ErrNotOpen", err)
	}
}

func TestFailOpen(t *testing.T) {
	cam := New(Config{FailOpen: true})
	if err := cam.Open(); !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("Open = %v, want ErrUnavailable", err)
	}
}
