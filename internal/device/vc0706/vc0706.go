// Package vc0706 drives VC0706-based TTL serial JPEG camera modules.
//
// Frames on the wire are 0x56 <serial> <cmd> <len> <args...> from host and
// 0x76 <serial> <cmd> <status> <len> <data...> from the camera. The module
// has no autofocus and no preview stream, so AutoFocus always succeeds and
// StartPreview reports device.ErrPreviewUnsupported.
package vc0706

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/matst80/remotecam/internal/device"
	"github.com/matst80/remotecam/internal/obs"
	"go.bug.st/serial"
)

const (
	DefaultBaudRate = 38400
	defaultTimeout  = 2 * time.Second
	defaultChunk    = 1024

	cmdGetVersion = 0x11
	cmdWriteData  = 0x31
	cmdReadFBuf   = 0x32
	cmdGetFBufLen = 0x34
	cmdFBufCtrl   = 0x36

	fbufStopCurrent = 0x00
	fbufResume      = 0x03
)

var (
	ErrTimeout  = errors.New("vc0706: read timeout")
	ErrResponse = errors.New("vc0706: unexpected response")
)

// Port is the serial line. serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
}

// Config describes how to reach the module.
type Config struct {
	// PortName is the serial device path (e.g. "/dev/ttyUSB0").
	PortName string
	// BaudRate defaults to 38400, the module's power-on rate.
	BaudRate int
	// Serial is the camera serial number byte, normally 0.
	Serial byte
	// Resolution is "640x480", "320x240" or "160x120". Empty keeps the
	// module setting.
	Resolution string
	Timeout    time.Duration
	// ChunkSize is the number of image bytes requested per READ_FBUF.
	ChunkSize int
	// Open overrides how the port is opened. Tests use it.
	Open func(name string, baud int, timeout time.Duration) (Port, error)
}

// Camera implements device.Camera for a VC0706 module.
type Camera struct {
	cfg Config

	mu     sync.Mutex // serialises port I/O
	port   Port
	params device.Params
}

var _ device.Camera = (*Camera)(nil)

func New(cfg Config) *Camera {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunk
	}
	if cfg.Open == nil {
		cfg.Open = openSerial
	}
	return &Camera{cfg: cfg}
}

func openSerial(name string, baud int, timeout time.Duration) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	if err := p.SetReadTimeout(timeout / 4); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (c *Camera) Open() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port != nil {
		return nil
	}
	if c.cfg.PortName == "" {
		return fmt.Errorf("%w: no serial port configured", device.ErrUnavailable)
	}
	p, err := c.cfg.Open(c.cfg.PortName, c.cfg.BaudRate, c.cfg.Timeout)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", device.ErrUnavailable, c.cfg.PortName, err)
	}
	c.port = p
	version, err := c.exchange(cmdGetVersion, nil)
	if err != nil {
		_ = p.Close()
		c.port = nil
		return fmt.Errorf("%w: get version: %v", device.ErrUnavailable, err)
	}
	obs.Info("vc0706.open", obs.Fields{"port": c.cfg.PortName, "baud": c.cfg.BaudRate, "version": string(version)})
	return nil
}

func (c *Camera) Configure(p device.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return device.ErrNotOpen
	}
	c.params = p
	if _, err := c.exchange(cmdWriteData, []byte{0x01, 0x01, 0x12, 0x04, compressionRatio(p.JPEGQuality)}); err != nil {
		return fmt.Errorf("vc0706: set compression: %w", err)
	}
	if c.cfg.Resolution != "" {
		code, err := resolutionCode(c.cfg.Resolution)
		if err != nil {
			return err
		}
		if _, err := c.exchange(cmdWriteData, []byte{0x04, 0x01, 0x00, 0x19, code}); err != nil {
			return fmt.Errorf("vc0706: set resolution: %w", err)
		}
	}
	if p.FocusMode != "" && p.FocusMode != "fixed" {
		obs.Debug("vc0706.focus_mode_ignored", obs.Fields{"mode": p.FocusMode})
	}
	return nil
}

func (c *Camera) StartPreview() error { return device.ErrPreviewUnsupported }
func (c *Camera) StopPreview() error  { return nil }

func (c *Camera) SetPreviewCallback(func(device.PreviewFrame)) {}

// AutoFocus succeeds as long as the port is open; the lens is fixed focus.
func (c *Camera) AutoFocus(done func(ok bool)) {
	c.mu.Lock()
	open := c.port != nil
	c.mu.Unlock()
	go done(open)
}

func (c *Camera) Capture(done func(jpeg []byte, err error)) {
	go func() {
		defer obs.Recover("vc0706.capture")
		img, err := c.grab()
		done(img, err)
	}()
}

func (c *Camera) grab() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil, device.ErrNotOpen
	}
	if _, err := c.exchange(cmdFBufCtrl, []byte{fbufStopCurrent}); err != nil {
		return nil, fmt.Errorf("vc0706: freeze frame: %w", err)
	}
	// The frame buffer stays frozen until resumed, whatever happens below.
	defer func() {
		if _, err := c.exchange(cmdFBufCtrl, []byte{fbufResume}); err != nil {
			obs.Error("vc0706.resume", obs.Fields{"err": err})
		}
	}()

	lenData, err := c.exchange(cmdGetFBufLen, []byte{0x00})
	if err != nil {
		return nil, fmt.Errorf("vc0706: frame length: %w", err)
	}
	if len(lenData) != 4 {
		return nil, fmt.Errorf("%w: frame length payload %d bytes", ErrResponse, len(lenData))
	}
	total := int(binary.BigEndian.Uint32(lenData))
	if total == 0 {
		return nil, fmt.Errorf("%w: empty frame buffer", ErrResponse)
	}

	img := make([]byte, 0, total)
	for addr := 0; addr < total; addr += c.cfg.ChunkSize {
		n := min(c.cfg.ChunkSize, total-addr)
		chunk, err := c.readChunk(addr, n)
		if err != nil {
			return nil, fmt.Errorf("vc0706: read frame at %d: %w", addr, err)
		}
		img = append(img, chunk...)
	}
	return img, nil
}

// readChunk issues READ_FBUF. The camera answers with an ack frame, the raw
// image bytes and a second ack frame.
func (c *Camera) readChunk(addr, n int) ([]byte, error) {
	args := make([]byte, 12)
	args[0] = 0x00 // current frame
	args[1] = 0x0A // MCU mode
	binary.BigEndian.PutUint32(args[2:6], uint32(addr))
	binary.BigEndian.PutUint32(args[6:10], uint32(n))
	binary.BigEndian.PutUint16(args[10:12], 0x000A) // delay, 0.01ms units
	if err := c.send(cmdReadFBuf, args); err != nil {
		return nil, err
	}
	if _, err := c.readReply(cmdReadFBuf); err != nil {
		return nil, err
	}
	data := make([]byte, n)
	if err := c.readFull(data); err != nil {
		return nil, err
	}
	if _, err := c.readReply(cmdReadFBuf); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Camera) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return device.ErrNotOpen
	}
	err := c.port.Close()
	c.port = nil
	return err
}

func (c *Camera) exchange(cmd byte, args []byte) ([]byte, error) {
	if err := c.send(cmd, args); err != nil {
		return nil, err
	}
	return c.readReply(cmd)
}

func (c *Camera) send(cmd byte, args []byte) error {
	frame := append([]byte{0x56, c.cfg.Serial, cmd, byte(len(args))}, args...)
	_, err := c.port.Write(frame)
	return err
}

func (c *Camera) readReply(cmd byte) ([]byte, error) {
	head := make([]byte, 5)
	if err := c.readFull(head); err != nil {
		return nil, err
	}
	if head[0] != 0x76 || head[1] != c.cfg.Serial || head[2] != cmd {
		return nil, fmt.Errorf("%w: header % x for cmd 0x%02x", ErrResponse, head, cmd)
	}
	if head[3] != 0x00 {
		return nil, fmt.Errorf("%w: status 0x%02x for cmd 0x%02x", ErrResponse, head[3], cmd)
	}
	data := make([]byte, head[4])
	if err := c.readFull(data); err != nil {
		return nil, err
	}
	return data, nil
}

// readFull reads len(buf) bytes. serial.Port returns (0, nil) when its read
// timeout elapses, so progress is checked against the configured deadline.
func (c *Camera) readFull(buf []byte) error {
	deadline := time.Now().Add(c.cfg.Timeout)
	for n := 0; n < len(buf); {
		m, err := c.port.Read(buf[n:])
		n += m
		if err != nil {
			return err
		}
		if m == 0 && time.Now().After(deadline) {
			return ErrTimeout
		}
	}
	return nil
}

// compressionRatio maps JPEG quality (1-100, higher is better) onto the
// module's compression byte (0x00-0xFF, higher is smaller).
func compressionRatio(quality int) byte {
	if quality <= 0 {
		return 0x36
	}
	quality = min(quality, 100)
	return byte((100 - quality) * 255 / 100)
}

func resolutionCode(res string) (byte, error) {
	switch res {
	case "640x480":
		return 0x00, nil
	case "320x240":
		return 0x11, nil
	case "160x120":
		return 0x22, nil
	default:
		return 0, fmt.Errorf("vc0706: unsupported resolution %q", res)
	}
}
