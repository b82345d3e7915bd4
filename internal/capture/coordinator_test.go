package capture

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/remotecam/internal/device"
	"github.com/matst80/remotecam/internal/frame"
	"github.com/matst80/remotecam/internal/proto"
	"github.com/matst80/remotecam/internal/registry"
)

// fakeCamera records calls and keeps callbacks until the test fires them.
type fakeCamera struct {
	mu        sync.Mutex
	openErr   error
	opened    int
	released  int
	focusCBs  []func(bool)
	captureCB []func([]byte, error)
	previewFn func(device.PreviewFrame)
}

func (f *fakeCamera) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened++
	return nil
}
func (f *fakeCamera) Configure(device.Params) error { return nil }
func (f *fakeCamera) StartPreview() error           { return nil }
func (f *fakeCamera) StopPreview() error            { return nil }
func (f *fakeCamera) AutoFocus(done func(bool)) {
	f.mu.Lock()
	f.focusCBs = append(f.focusCBs, done)
	f.mu.Unlock()
}
func (f *fakeCamera) Capture(done func([]byte, error)) {
	f.mu.Lock()
	f.captureCB = append(f.captureCB, done)
	f.mu.Unlock()
}
func (f *fakeCamera) SetPreviewCallback(fn func(device.PreviewFrame)) {
	f.mu.Lock()
	f.previewFn = fn
	f.mu.Unlock()
}
func (f *fakeCamera) Release() error {
	f.mu.Lock()
	f.released++
	f.mu.Unlock()
	return nil
}

func (f *fakeCamera) focusCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.focusCBs)
}

func (f *fakeCamera) completeFocus(t *testing.T, ok bool) {
	t.Helper()
	f.mu.Lock()
	if len(f.focusCBs) == 0 {
		f.mu.Unlock()
		t.Fatal("no pending autofocus")
	}
	cb := f.focusCBs[len(f.focusCBs)-1]
	f.mu.Unlock()
	go cb(ok)
}

func (f *fakeCamera) completeCapture(t *testing.T, data []byte, err error) {
	t.Helper()
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.captureCB) > 0
	})
	f.mu.Lock()
	cb := f.captureCB[len(f.captureCB)-1]
	f.mu.Unlock()
	go cb(data, err)
}

func (f *fakeCamera) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

// recordingConn collects delivered bytes. If gate is non-nil, Write blocks
// until it is closed.
type recordingConn struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	closed   bool
	writeErr error
	gate     chan struct{}
	entered  chan struct{}
}

func (r *recordingConn) Write(p []byte) (int, error) {
	if r.entered != nil {
		close(r.entered)
	}
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.writeErr != nil {
		return 0, r.writeErr
	}
	return r.buf.Write(p)
}

func (r *recordingConn) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *recordingConn) RemoteAddr() net.Addr { return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4242} }

func (r *recordingConn) snapshot() ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.buf.Bytes()...), r.closed
}

type harness struct {
	cam    *fakeCamera
	reg    *registry.Registry
	coord  *Coordinator
	cancel context.CancelFunc

	mu     sync.Mutex
	events []proto.CaptureEvent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{cam: &fakeCamera{}, reg: registry.New(nil)}
	h.coord = New(Config{
		Camera:   h.cam,
		Registry: h.reg,
		Params:   device.Params{JPEGQuality: 85},
		Frames:   frame.NewCache(nil),
		OnEvent: func(ev proto.CaptureEvent) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.coord.Done()
	})
	if err := h.coord.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return h
}

func (h *harness) lastEvent(t *testing.T) proto.CaptureEvent {
	t.Helper()
	var ev proto.CaptureEvent
	waitFor(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		if len(h.events) == 0 {
			return false
		}
		ev = h.events[len(h.events)-1]
		return true
	})
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 2s")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	waitFor(t, func() bool { return c.State() == want })
}

func TestConcurrentTriggersAdmitOne(t *testing.T) {
	h := newHarness(t)

	const callers = 25
	var wg sync.WaitGroup
	results := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- h.coord.TriggerCapture()
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var accepted, busy int
	for err := range results {
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, ErrBusy):
			busy++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if accepted != 1 || busy != callers-1 {
		t.Errorf("accepted=%d busy=%d, want 1 and %d", accepted, busy, callers-1)
	}
	if n := h.cam.focusCalls(); n != 1 {
		t.Errorf("autofocus called %d times, want 1", n)
	}
}

func TestSuccessfulCycleDeliversToAllWaiting(t *testing.T) {
	h := newHarness(t)
	a, b := &recordingConn{}, &recordingConn{}
	h.reg.Add(a)
	h.reg.Add(b)

	payload := bytes.Repeat([]byte{0xAB}, 12345)
	if err := h.coord.TriggerCapture(); err != nil {
		t.Fatalf("TriggerCapture: %v", err)
	}
	if h.coord.State() != Focusing {
		t.Errorf("state = %v, want focusing", h.coord.State())
	}
	h.cam.completeFocus(t, true)
	waitState(t, h.coord, Capturing)
	h.cam.completeCapture(t, payload, nil)

	ev := h.lastEvent(t)
	if ev.Status != proto.StatusDelivered || ev.Clients != 2 || ev.Bytes != len(payload) || ev.Failed != 0 {
		t.Errorf("unexpected event %+v", ev)
	}
	waitState(t, h.coord, Idle)
	for i, c := range []*recordingConn{a, b} {
		got, closed := c.snapshot()
		if !bytes.Equal(got, payload) {
			t.Errorf("conn %d got %d bytes, want %d", i, len(got), len(payload))
		}
		if !closed {
			t.Errorf("conn %d not closed", i)
		}
	}
	if h.reg.Len() != 0 {
		t.Errorf("registry should be empty, len=%d", h.reg.Len())
	}
}

func TestLateConnectionWaitsForNextCycle(t *testing.T) {
	h := newHarness(t)
	early := &recordingConn{gate: make(chan struct{}), entered: make(chan struct{})}
	h.reg.Add(early)

	_ = h.coord.TriggerCapture()
	h.cam.completeFocus(t, true)
	waitState(t, h.coord, Capturing)
	h.cam.completeCapture(t, []byte("jpeg"), nil)

	<-early.entered // delivery has drained and is writing
	if h.coord.State() != Delivering {
		t.Errorf("state = %v, want delivering", h.coord.State())
	}
	if err := h.coord.TriggerCapture(); !errors.Is(err, ErrBusy) {
		t.Errorf("trigger during delivery = %v, want ErrBusy", err)
	}
	late := &recordingConn{}
	h.reg.Add(late)
	close(early.gate)

	waitState(t, h.coord, Idle)
	if got, _ := early.snapshot(); string(got) != "jpeg" {
		t.Errorf("early conn got %q", got)
	}
	if got, closed := late.snapshot(); len(got) != 0 || closed {
		t.Errorf("late conn should be untouched, got %q closed=%v", got, closed)
	}
	if h.reg.Len() != 1 {
		t.Errorf("late conn should remain registered, len=%d", h.reg.Len())
	}
}

func TestWriteFailureDoesNotStopDelivery(t *testing.T) {
	h := newHarness(t)
	broken := &recordingConn{writeErr: net.ErrClosed}
	ok := &recordingConn{}
	h.reg.Add(broken)
	h.reg.Add(ok)

	_ = h.coord.TriggerCapture()
	h.cam.completeFocus(t, true)
	waitState(t, h.coord, Capturing)
	h.cam.completeCapture(t, []byte("img"), nil)

	ev := h.lastEvent(t)
	if ev.Failed != 1 || ev.Clients != 2 {
		t.Errorf("event %+v, want 1 failure of 2", ev)
	}
	waitState(t, h.coord, Idle)
	if got, closed := ok.snapshot(); string(got) != "img" || !closed {
		t.Errorf("healthy conn got %q closed=%v", got, closed)
	}
	if _, closed := broken.snapshot(); !closed {
		t.Error("failed conn must still be closed")
	}
}

func TestFocusFailureLeavesClientsWaiting(t *testing.T) {
	h := newHarness(t)
	waiting := &recordingConn{}
	h.reg.Add(waiting)

	_ = h.coord.TriggerCapture()
	h.cam.completeFocus(t, false)

	ev := h.lastEvent(t)
	if ev.Status != proto.StatusFocusFailed {
		t.Errorf("status = %s, want focus_failed", ev.Status)
	}
	waitState(t, h.coord, Idle)
	if got, closed := waiting.snapshot(); len(got) != 0 || closed {
		t.Errorf("waiting conn touched: %q closed=%v", got, closed)
	}
	if h.reg.Len() != 1 {
		t.Error("waiting conn must stay registered")
	}
	// the next trigger gets a fresh cycle
	if err := h.coord.TriggerCapture(); err != nil {
		t.Errorf("retrigger after focus failure: %v", err)
	}
}

func TestCaptureFailure(t *testing.T) {
	h := newHarness(t)
	_ = h.coord.TriggerCapture()
	h.cam.completeFocus(t, true)
	waitState(t, h.coord, Capturing)
	h.cam.completeCapture(t, nil, errors.New("sensor timeout"))

	ev := h.lastEvent(t)
	if ev.Status != proto.StatusCaptureFailed || ev.Error != "sensor timeout" {
		t.Errorf("unexpected event %+v", ev)
	}
	waitState(t, h.coord, Idle)
}

func TestNoClientsDiscardsImage(t *testing.T) {
	h := newHarness(t)
	_ = h.coord.TriggerCapture()
	h.cam.completeFocus(t, true)
	waitState(t, h.coord, Capturing)
	h.cam.completeCapture(t, []byte("x"), nil)
	if ev := h.lastEvent(t); ev.Status != proto.StatusNoClients {
		t.Errorf("status = %s, want no_clients", ev.Status)
	}
}

func TestDeviceUnavailable(t *testing.T) {
	cam := &fakeCamera{openErr: device.ErrUnavailable}
	coord := New(Config{Camera: cam, Registry: registry.New(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	defer func() { cancel(); <-coord.Done() }()

	if err := coord.Open(); !errors.Is(err, ErrDeviceUnavailable) || !errors.Is(err, device.ErrUnavailable) {
		t.Errorf("Open = %v", err)
	}
	if err := coord.TriggerCapture(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("TriggerCapture = %v, want ErrDeviceUnavailable", err)
	}
}

func TestSuspendAbortsAndIgnoresStaleCallback(t *testing.T) {
	h := newHarness(t)
	_ = h.coord.TriggerCapture()

	if err := h.coord.Suspend(); err != nil {
		t.Fatalf("Suspend: %v", err)
	}
	if ev := h.lastEvent(t); ev.Status != proto.StatusAborted {
		t.Errorf("status = %s, want aborted", ev.Status)
	}
	if h.cam.releases() != 1 {
		t.Errorf("released %d times, want 1", h.cam.releases())
	}
	if err := h.coord.TriggerCapture(); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("trigger while suspended = %v", err)
	}

	// focus result of the aborted cycle arrives late
	h.cam.completeFocus(t, true)
	time.Sleep(20 * time.Millisecond)
	if h.coord.State() != Idle {
		t.Errorf("stale callback moved state to %v", h.coord.State())
	}

	if err := h.coord.Open(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := h.coord.TriggerCapture(); err != nil {
		t.Errorf("trigger after resume: %v", err)
	}
}

func TestShutdownReleasesOnce(t *testing.T) {
	cam := &fakeCamera{}
	coord := New(Config{Camera: cam, Registry: registry.New(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	if err := coord.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = coord.TriggerCapture()
	cancel()
	<-coord.Done()

	if cam.releases() != 1 {
		t.Errorf("released %d times, want 1", cam.releases())
	}
	if err := coord.TriggerCapture(); !errors.Is(err, ErrStopped) {
		t.Errorf("trigger after stop = %v, want ErrStopped", err)
	}
	if coord.State() != Idle {
		t.Errorf("state after shutdown = %v", coord.State())
	}
}

func TestPreviewFrameUpdatesCacheOnly(t *testing.T) {
	h := newHarness(t)
	waiting := &recordingConn{}
	h.reg.Add(waiting)

	h.cam.mu.Lock()
	fn := h.cam.previewFn
	h.cam.mu.Unlock()
	if fn == nil {
		t.Fatal("preview callback not installed")
	}
	raw := make([]byte, frame.FrameSize(32, 24))
	fn(device.PreviewFrame{Data: raw, Width: 32, Height: 24})

	got := h.coord.cfg.Frames.Load()
	if !bytes.HasPrefix(got, []byte{0xFF, 0xD8}) {
		t.Errorf("cache does not hold a JPEG: % x", got[:min(4, len(got))])
	}
	if b, closed := waiting.snapshot(); len(b) != 0 || closed || h.reg.Len() != 1 {
		t.Error("preview path touched the registry")
	}
	if h.coord.State() != Idle {
		t.Errorf("preview changed state to %v", h.coord.State())
	}
}

// inlineCamera answers AutoFocus and Capture on the calling goroutine.
type inlineCamera struct {
	fakeCamera
	delay time.Duration
}

func (c *inlineCamera) AutoFocus(done func(bool)) {
	time.Sleep(c.delay)
	done(false)
}

func (c *inlineCamera) Capture(done func([]byte, error)) { done([]byte{0xff, 0xd8}, nil) }

func TestInlineCallbacksUnderTriggerLoad(t *testing.T) {
	cam := &inlineCamera{delay: 10 * time.Millisecond}
	coord := New(Config{Camera: cam, Registry: registry.New(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	coord.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-coord.Done()
	})
	if err := coord.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}

	const callers = 64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.TriggerCapture()
		}()
	}
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatalf("triggers stuck, state=%s", coord.State())
	}
	waitState(t, coord, Idle)
}
