// Package frame converts raw preview frames to JPEG and caches the latest one.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
)

// Format identifies the pixel layout of a raw preview frame.
type Format int

const (
	// NV21 is a full-resolution Y plane followed by an interleaved V/U plane
	// subsampled 2x2 (the default Android preview format).
	NV21 Format = iota
	// NV12 is the same layout with U before V.
	NV12
)

func (f Format) String() string {
	switch f {
	case NV21:
		return "nv21"
	case NV12:
		return "nv12"
	default:
		return "unknown"
	}
}

var ErrShortFrame = errors.New("frame: buffer too short for format")

// Encoder turns a raw frame into JPEG bytes. rect selects the region of the
// frame (in frame coordinates) to encode.
type Encoder interface {
	Encode(raw []byte, format Format, width, height int, rect image.Rectangle, quality int) ([]byte, error)
}

// YUVEncoder encodes semi-planar 4:2:0 frames with image/jpeg.
type YUVEncoder struct{}

var _ Encoder = YUVEncoder{}

// FrameSize returns the byte length of a semi-planar 4:2:0 frame.
func FrameSize(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + 2*cw*ch
}

func (YUVEncoder) Encode(raw []byte, format Format, width, height int, rect image.Rectangle, quality int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("frame: invalid size %dx%d", width, height)
	}
	if len(raw) < FrameSize(width, height) {
		return nil, fmt.Errorf("%w: %s %dx%d needs %d bytes, got %d", ErrShortFrame, format, width, height, FrameSize(width, height), len(raw))
	}
	var vFirst bool
	switch format {
	case NV21:
		vFirst = true
	case NV12:
	default:
		return nil, fmt.Errorf("frame: unsupported format %d", int(format))
	}

	full := image.Rect(0, 0, width, height)
	if rect.Empty() {
		rect = full
	}
	rect = rect.Intersect(full)
	if rect.Empty() {
		return nil, fmt.Errorf("frame: crop %v outside %dx%d", rect, width, height)
	}

	img := image.NewYCbCr(full, image.YCbCrSubsampleRatio420)
	copy(img.Y, raw[:width*height])
	cw, ch := (width+1)/2, (height+1)/2
	uv := raw[width*height:]
	for y := 0; y < ch; y++ {
		for x := 0; x < cw; x++ {
			i := 2 * (y*cw + x)
			first, second := uv[i], uv[i+1]
			o := y*img.CStride + x
			if vFirst {
				img.Cr[o], img.Cb[o] = first, second
			} else {
				img.Cb[o], img.Cr[o] = first, second
			}
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.SubImage(rect), &jpeg.Options{Quality: clampQuality(quality)}); err != nil {
		return nil, fmt.Errorf("frame: jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func clampQuality(q int) int {
	switch {
	case q <= 0:
		return jpeg.DefaultQuality
	case q > 100:
		return 100
	default:
		return q
	}
}
