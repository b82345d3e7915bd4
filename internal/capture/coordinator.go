// Package capture runs the capture state machine: it owns the camera,
// admits at most one capture at a time and delivers each image to every
// connection waiting in the registry.
//
// A single loop goroutine owns the state and the camera. Triggers, camera
// callbacks, suspend/resume and shutdown only post messages to it. Each cycle
// carries an ID so callbacks from an aborted cycle are recognised and
// dropped.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/remotecam/internal/device"
	"github.com/matst80/remotecam/internal/frame"
	"github.com/matst80/remotecam/internal/obs"
	"github.com/matst80/remotecam/internal/proto"
	"github.com/matst80/remotecam/internal/registry"
)

// State of the capture state machine.
type State int32

const (
	Idle State = iota
	Focusing
	Capturing
	Delivering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Focusing:
		return "focusing"
	case Capturing:
		return "capturing"
	case Delivering:
		return "delivering"
	default:
		return "unknown"
	}
}

var (
	// ErrBusy rejects a trigger while a capture is in flight. Rejected
	// triggers are not queued.
	ErrBusy = errors.New("capture: capture already in progress")
	// ErrDeviceUnavailable means the camera is not open.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	// ErrStopped is returned once the coordinator has shut down.
	ErrStopped = errors.New("capture: coordinator stopped")
)

const defaultWriteTimeout = 30 * time.Second

// Config wires a Coordinator.
type Config struct {
	Camera   device.Camera
	Params   device.Params
	Registry *registry.Registry

	// Preview path. Frames may be nil to drop preview frames.
	Encoder       frame.Encoder
	Frames        *frame.Cache
	PreviewFormat frame.Format

	// WriteTimeout bounds each per-connection delivery write.
	WriteTimeout time.Duration

	// OnState is called from the loop goroutine on every transition.
	OnState func(State)
	// OnEvent is called once per finished cycle.
	OnEvent func(proto.CaptureEvent)
}

// Coordinator serialises capture requests against one camera.
type Coordinator struct {
	cfg    Config
	events chan any
	quit   chan struct{} // closed when the loop starts shutting down
	done   chan struct{} // closed when the loop has exited
	start  sync.Once
	state  atomic.Int32

	// Callback hand-off. Camera callbacks may run on the loop goroutine
	// itself, so they queue here and never block on events.
	cbMu    sync.Mutex
	cbQueue []any
	cbReady chan struct{}

	// owned by the loop goroutine
	cur        *cycle
	deviceOpen bool
	delivering sync.WaitGroup
}

type cycle struct {
	id      string
	started time.Time
}

// Messages handled by the loop.
type (
	triggerMsg   struct{ reply chan error }
	openMsg      struct{ reply chan error }
	suspendMsg   struct{ reply chan error }
	deliveredMsg struct{ ev proto.CaptureEvent }
)

type focusMsg struct {
	id string
	ok bool
}

type capturedMsg struct {
	id   string
	data []byte
	err  error
}

func New(cfg Config) *Coordinator {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Encoder == nil {
		cfg.Encoder = frame.YUVEncoder{}
	}
	return &Coordinator{
		cfg:     cfg,
		events:  make(chan any, 16),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		cbReady: make(chan struct{}, 1),
	}
}

// Start launches the loop. It stops when ctx is cancelled, releasing the
// camera if it is open.
func (c *Coordinator) Start(ctx context.Context) {
	c.start.Do(func() { go c.run(ctx) })
}

// Done is closed once the loop has exited and the camera is released.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

// State returns the current state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

// Open opens, configures and starts the camera preview. A camera that fails
// to open leaves captures disabled; the error wraps ErrDeviceUnavailable.
func (c *Coordinator) Open() error {
	return c.request(func(r chan error) any { return openMsg{r} })
}

// Suspend aborts a focusing or capturing cycle and releases the camera.
func (c *Coordinator) Suspend() error {
	return c.request(func(r chan error) any { return suspendMsg{r} })
}

// TriggerCapture starts a capture cycle. It returns ErrBusy if one is
// already in flight and ErrDeviceUnavailable if the camera is closed.
func (c *Coordinator) TriggerCapture() error {
	return c.request(func(r chan error) any { return triggerMsg{r} })
}

func (c *Coordinator) request(mk func(chan error) any) error {
	reply := make(chan error, 1)
	select {
	case c.events <- mk(reply):
	case <-c.quit:
		return ErrStopped
	}
	select {
	case err := <-reply:
		return err
	case <-c.quit:
		return ErrStopped
	}
}

// post queues a callback result for the loop. It never blocks.
func (c *Coordinator) post(msg any) {
	c.cbMu.Lock()
	c.cbQueue = append(c.cbQueue, msg)
	c.cbMu.Unlock()
	select {
	case c.cbReady <- struct{}{}:
	default:
	}
}

func (c *Coordinator) takeCallbacks() []any {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	q := c.cbQueue
	c.cbQueue = nil
	return q
}

func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)
	defer obs.Recover("capture.loop")
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case msg := <-c.events:
			c.handle(msg)
		case <-c.cbReady:
			for _, msg := range c.takeCallbacks() {
				c.handle(msg)
			}
		}
	}
}

func (c *Coordinator) handle(msg any) {
	switch m := msg.(type) {
	case triggerMsg:
		m.reply <- c.trigger()
	case openMsg:
		m.reply <- c.openDevice()
	case suspendMsg:
		c.abort("suspended")
		c.releaseDevice()
		m.reply <- nil
	case focusMsg:
		c.onFocus(m)
	case capturedMsg:
		c.onCaptured(m)
	case deliveredMsg:
		c.onDelivered(m)
	}
}

func (c *Coordinator) trigger() error {
	if !c.deviceOpen {
		return ErrDeviceUnavailable
	}
	if st := c.State(); st != Idle {
		obs.CapturesRejectedTotal.Inc()
		obs.Info("capture.rejected", obs.Fields{"state": st.String(), "cycle": c.cur.id})
		return ErrBusy
	}
	cyc := &cycle{id: uuid.NewString(), started: time.Now()}
	c.cur = cyc
	c.setState(Focusing)
	obs.Info("capture.trigger", obs.Fields{"cycle": cyc.id})
	c.cfg.Camera.AutoFocus(func(ok bool) { c.post(focusMsg{id: cyc.id, ok: ok}) })
	return nil
}

func (c *Coordinator) current(id string, want State) bool {
	if c.cur == nil || c.cur.id != id || c.State() != want {
		obs.Debug("capture.stale_callback", obs.Fields{"cycle": id, "state": c.State().String()})
		return false
	}
	return true
}

func (c *Coordinator) onFocus(m focusMsg) {
	if !c.current(m.id, Focusing) {
		return
	}
	if !m.ok {
		obs.Error("capture.focus_failed", obs.Fields{"cycle": m.id})
		c.finish(proto.CaptureEvent{Status: proto.StatusFocusFailed, Error: "autofocus failed"})
		return
	}
	c.setState(Capturing)
	id := m.id
	c.cfg.Camera.Capture(func(data []byte, err error) { c.post(capturedMsg{id: id, data: data, err: err}) })
}

func (c *Coordinator) onCaptured(m capturedMsg) {
	if !c.current(m.id, Capturing) {
		return
	}
	if m.err == nil && len(m.data) == 0 {
		m.err = errors.New("empty image")
	}
	if m.err != nil {
		obs.Error("capture.failed", obs.Fields{"cycle": m.id, "err": m.err})
		c.finish(proto.CaptureEvent{Status: proto.StatusCaptureFailed, Error: m.err.Error()})
		return
	}
	obs.Info("capture.taken", obs.Fields{"cycle": m.id, "bytes": len(m.data)})
	c.setState(Delivering)
	c.delivering.Add(1)
	go c.deliver(*c.cur, m.data)
}

// deliver writes data to every connection drained from the registry and
// closes each one. Connections added after the drain wait for the next cycle.
func (c *Coordinator) deliver(cyc cycle, data []byte) {
	defer c.delivering.Done()
	defer obs.Recover("capture.deliver")
	conns := c.cfg.Registry.DrainAll()
	ev := proto.CaptureEvent{ID: cyc.id, Bytes: len(data), Clients: len(conns), Started: cyc.started}
	for _, conn := range conns {
		if err := c.writeAndClose(conn, data); err != nil {
			ev.Failed++
			obs.DeliveriesTotal.WithLabelValues("error").Inc()
			obs.ErrorsTotal.WithLabelValues("deliver_write").Inc()
			obs.Error("capture.deliver", obs.Fields{"cycle": cyc.id, "remote": remote(conn), "err": err})
			continue
		}
		obs.DeliveriesTotal.WithLabelValues("ok").Inc()
		obs.BytesSentTotal.Add(float64(len(data)))
		obs.Info("capture.deliver", obs.Fields{"cycle": cyc.id, "remote": remote(conn), "bytes": len(data)})
	}
	ev.Status = proto.StatusDelivered
	if len(conns) == 0 {
		ev.Status = proto.StatusNoClients
		obs.Info("capture.no_clients", obs.Fields{"cycle": cyc.id})
	}
	c.post(deliveredMsg{ev: ev})
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

func (c *Coordinator) writeAndClose(conn registry.Conn, data []byte) (err error) {
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			obs.Debug("capture.deliver.close", obs.Fields{"remote": remote(conn), "err": cerr})
		}
	}()
	if d, ok := conn.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	}
	n, err := conn.Write(data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return io.ErrShortWrite
	}
	return nil
}

func (c *Coordinator) onDelivered(m deliveredMsg) {
	if !c.current(m.ev.ID, Delivering) {
		return
	}
	c.finish(m.ev)
}

// finish closes the current cycle, reports ev and returns to Idle.
func (c *Coordinator) finish(ev proto.CaptureEvent) {
	cyc := c.cur
	c.cur = nil
	ev.ID = cyc.id
	ev.Started = cyc.started
	ev.Finished = time.Now()
	obs.CapturesTotal.WithLabelValues(ev.Status).Inc()
	obs.CaptureDurationSeconds.Observe(ev.Duration().Seconds())
	c.setState(Idle)
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(ev)
	}
}

// abort drops a cycle that is still waiting on the camera. A delivering cycle
// is left to finish; it no longer needs the camera.
func (c *Coordinator) abort(reason string) {
	if c.cur == nil {
		return
	}
	switch c.State() {
	case Focusing, Capturing:
		obs.Info("capture.aborted", obs.Fields{"cycle": c.cur.id, "reason": reason})
		c.finish(proto.CaptureEvent{Status: proto.StatusAborted, Error: reason})
	}
}

func (c *Coordinator) openDevice() error {
	if c.deviceOpen {
		return nil
	}
	cam := c.cfg.Camera
	if err := cam.Open(); err != nil {
		obs.ErrorsTotal.WithLabelValues("device_unavailable").Inc()
		obs.Error("device.open", obs.Fields{"err": err})
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	if err := cam.Configure(c.cfg.Params); err != nil {
		_ = cam.Release()
		obs.ErrorsTotal.WithLabelValues("device_unavailable").Inc()
		obs.Error("device.configure", obs.Fields{"err": err})
		return fmt.Errorf("%w: configure: %w", ErrDeviceUnavailable, err)
	}
	c.deviceOpen = true
	if c.cfg.Frames != nil {
		cam.SetPreviewCallback(c.onPreviewFrame)
	}
	switch err := cam.StartPreview(); {
	case err == nil:
		obs.Info("device.preview_started", obs.Fields{"width": c.cfg.Params.PreviewWidth, "height": c.cfg.Params.PreviewHeight})
	case errors.Is(err, device.ErrPreviewUnsupported):
		obs.Info("device.preview_unsupported", nil)
	default:
		obs.Warn("device.preview", obs.Fields{"err": err})
	}
	obs.Info("device.open", obs.Fields{"focus": c.cfg.Params.FocusMode, "flash": c.cfg.Params.FlashMode, "quality": c.cfg.Params.JPEGQuality})
	return nil
}

func (c *Coordinator) releaseDevice() {
	if !c.deviceOpen {
		return
	}
	cam := c.cfg.Camera
	cam.SetPreviewCallback(nil)
	if err := cam.StopPreview(); err != nil {
		obs.Debug("device.stop_preview", obs.Fields{"err": err})
	}
	if err := cam.Release(); err != nil {
		obs.Error("device.release", obs.Fields{"err": err})
	}
	c.deviceOpen = false
	obs.Info("device.released", nil)
}

func (c *Coordinator) shutdown() {
	close(c.quit)
	c.abort("shutdown")
	c.releaseDevice()
	// Delivery only touches connections it already drained; let it finish.
	c.delivering.Wait()
	if c.cur != nil {
		c.cur = nil
		c.setState(Idle)
	}
}

// onPreviewFrame runs on a camera goroutine, independent of the loop. It
// never touches the registry.
func (c *Coordinator) onPreviewFrame(f device.PreviewFrame) {
	defer obs.Recover("capture.preview")
	start := time.Now()
	out, err := c.cfg.Encoder.Encode(f.Data, c.cfg.PreviewFormat, f.Width, f.Height, image.Rect(0, 0, f.Width, f.Height), c.cfg.Params.JPEGQuality)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("preview_encode").Inc()
		obs.Error("preview.encode", obs.Fields{"err": err})
		return
	}
	obs.PreviewEncodeSeconds.Observe(time.Since(start).Seconds())
	obs.PreviewFramesTotal.Inc()
	c.cfg.Frames.Store(out)
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
	obs.CoordinatorState.Set(float64(s))
	if c.cfg.OnState != nil {
		c.cfg.OnState(s)
	}
}

func remote(conn registry.Conn) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
