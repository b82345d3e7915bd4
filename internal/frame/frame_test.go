package frame

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"testing"
)

func grayFrame(w, h int, y, u, v byte) []byte {
	raw := make([]byte, FrameSize(w, h))
	for i := 0; i < w*h; i++ {
		raw[i] = y
	}
	for i := w * h; i < len(raw); i += 2 {
		raw[i] = v
		raw[i+1] = u
	}
	return raw
}

func TestYUVEncoderProducesDecodableJPEG(t *testing.T) {
	raw := grayFrame(320, 240, 128, 128, 128)

	out, err := YUVEncoder{}.Encode(raw, NV21, 320, 240, image.Rect(0, 0, 320, 240), 85)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !bytes.HasPrefix(out, []byte{0xFF, 0xD8}) {
		t.Fatalf("missing JPEG SOI marker: % x", out[:4])
	}
	img, err := jpeg.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 320 || b.Dy() != 240 {
		t.Errorf("decoded size %v, want 320x240", b)
	}
}

func TestYUVEncoderCrop(t *testing.T) {
	raw := grayFrame(64, 48, 200, 100, 150)
	out, err := YUVEncoder{}.Encode(raw, NV12, 64, 48, image.Rect(16, 8, 48, 40), 90)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.Width != 32 || cfg.Height != 32 {
		t.Errorf("cropped size %dx%d, want 32x32", cfg.Width, cfg.Height)
	}
}

func TestYUVEncoderRejectsShortFrame(t *testing.T) {
	_, err := YUVEncoder{}.Encode(make([]byte, 100), NV21, 320, 240, image.Rectangle{}, 85)
	if !errors.Is(err, ErrShortFrame) {
		t.Errorf("expected ErrShortFrame, got %v", err)
	}
}

func TestYUVEncoderRejectsCropOutsideFrame(t *testing.T) {
	raw := grayFrame(16, 16, 0, 0, 0)
	if _, err := (YUVEncoder{}).Encode(raw, NV21, 16, 16, image.Rect(100, 100, 200, 200), 85); err == nil {
		t.Error("expected error for crop outside frame")
	}
}

func TestFrameSizeOddDimensions(t *testing.T) {
	if got := FrameSize(3, 3); got != 9+2*2*2 {
		t.Errorf("FrameSize(3,3) = %d, want 17", got)
	}
}

func TestCacheStoreLoad(t *testing.T) {
	var hooked [][]byte
	c := NewCache(func(b []byte) { hooked = append(hooked, b) })

	if c.Load() != nil {
		t.Error("new cache should be empty")
	}
	c.Store(nil)
	if c.Updates() != 0 || len(hooked) != 0 {
		t.Error("empty store must be ignored")
	}
	c.Store([]byte{1, 2, 3})
	c.Store([]byte{4, 5})
	if got := c.Load(); !bytes.Equal(got, []byte{4, 5}) {
		t.Errorf("Load = %v, want [4 5]", got)
	}
	if c.Updates() != 2 {
		t.Errorf("Updates = %d, want 2", c.Updates())
	}
	if len(hooked) != 2 {
		t.Errorf("hook called %d times, want 2", len(hooked))
	}
}
