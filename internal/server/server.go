// Package server implements the TCP command listener. Every connection
// carries exactly one newline-terminated command. Handshake and preview
// requests are answered and closed; capture requests are parked in the
// registry until the capture coordinator delivers an image to them.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/matst80/remotecam/internal/capture"
	"github.com/matst80/remotecam/internal/frame"
	"github.com/matst80/remotecam/internal/obs"
	"github.com/matst80/remotecam/internal/proto"
	"github.com/matst80/remotecam/internal/ratelimit"
	"github.com/matst80/remotecam/internal/registry"
)

const (
	DefaultAddr         = ":4711"
	DefaultMaxLineBytes = 256
	defaultReadTimeout  = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxAcceptBackoff    = time.Second
)

var (
	// ErrClosed is returned by Resume after Teardown.
	ErrClosed = errors.New("server: torn down")
	// ErrLineTooLong is reported for command lines over MaxLineBytes.
	ErrLineTooLong = errors.New("server: command line too long")
)

// BindError reports a failure to bind the listening socket.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("server: bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

type Config struct {
	Addr string
	// ReadTimeout bounds the wait for the command line.
	ReadTimeout time.Duration
	// WriteTimeout bounds handshake and preview replies.
	WriteTimeout time.Duration
	// MaxLineBytes caps the command line, newline included.
	MaxLineBytes int
	// Limiter is optional; nil admits every connection.
	Limiter     *ratelimit.ConnLimiter
	Coordinator *capture.Coordinator
	Registry    *registry.Registry
	Frames      *frame.Cache
}

// Status is a point-in-time view of the server lifecycle.
type Status struct {
	Addr     string `json:"addr"`
	Paused   bool   `json:"paused"`
	Dead     bool   `json:"dead"`
	Waiting  int    `json:"waiting"`
	Active   int    `json:"active"`
	State    string `json:"state"`
	Previews uint64 `json:"preview_frames"`
}

type Server struct {
	cfg       Config
	ln        net.Listener
	stopCoord context.CancelFunc

	life sync.Mutex // serialises Pause, Resume and Teardown

	mu     sync.Mutex
	paused bool
	dead   bool
	active map[net.Conn]struct{} // connections still reading their command

	quit       chan struct{}
	acceptDone chan struct{}
	done       chan struct{}
	handlers   sync.WaitGroup
	teardown   sync.Once
}

func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.MaxLineBytes <= 0 {
		cfg.MaxLineBytes = DefaultMaxLineBytes
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.New(obs.WaitingClients)
	}
	return &Server{
		cfg:        cfg,
		active:     make(map[net.Conn]struct{}),
		quit:       make(chan struct{}),
		acceptDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start binds the listener, starts the coordinator loop and opens the
// camera. A camera that cannot be opened is logged; handshakes are still
// served. Start returns a *BindError if the address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	if s.ln != nil {
		return errors.New("server: already started")
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return &BindError{Addr: s.cfg.Addr, Err: err}
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on a listener the caller already bound. The server owns
// ln from here on and closes it on Teardown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.ln != nil {
		return errors.New("server: already started")
	}
	s.ln = ln
	if s.cfg.Coordinator != nil {
		cctx, cancel := context.WithCancel(ctx)
		s.stopCoord = cancel
		s.cfg.Coordinator.Start(cctx)
		s.openDevice()
	}
	go s.acceptLoop()
	obs.Info("server.listening", obs.Fields{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Done is closed when Teardown has completed.
func (s *Server) Done() <-chan struct{} { return s.done }

// Ready reports whether the server is listening and not paused.
func (s *Server) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ln != nil && !s.paused && !s.dead
}

func (s *Server) Status() Status {
	s.mu.Lock()
	st := Status{Paused: s.paused, Dead: s.dead, Active: len(s.active)}
	s.mu.Unlock()
	if a := s.Addr(); a != nil {
		st.Addr = a.String()
	}
	st.Waiting = s.cfg.Registry.Len()
	if s.cfg.Coordinator != nil {
		st.State = s.cfg.Coordinator.State().String()
	}
	if s.cfg.Frames != nil {
		st.Previews = s.cfg.Frames.Updates()
	}
	return st
}

// Pause stops serving new connections and releases the camera. The
// listener stays bound: new connections are accepted and closed at once.
// Connections already waiting for a capture stay registered.
func (s *Server) Pause() {
	s.life.Lock()
	defer s.life.Unlock()
	s.mu.Lock()
	if s.dead || s.paused {
		s.mu.Unlock()
		return
	}
	s.paused = true
	s.mu.Unlock()
	if s.cfg.Coordinator != nil {
		if err := s.cfg.Coordinator.Suspend(); err != nil {
			obs.Warn("server.pause.suspend", obs.Fields{"err": err})
		}
	}
	obs.Info("server.paused", nil)
}

// Resume re-enables listening and reopens the camera.
func (s *Server) Resume() error {
	s.life.Lock()
	defer s.life.Unlock()
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return ErrClosed
	}
	wasPaused := s.paused
	s.paused = false
	s.mu.Unlock()
	if !wasPaused {
		return nil
	}
	if s.cfg.Coordinator != nil {
		s.openDevice()
	}
	obs.Info("server.resumed", nil)
	return nil
}

// Paused reports whether Pause is in effect.
func (s *Server) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Teardown closes the listener, closes every waiting connection without
// writing to it, stops the coordinator (releasing the camera) and waits for
// connection handlers to exit. It is safe to call more than once.
func (s *Server) Teardown() {
	s.teardown.Do(func() {
		s.life.Lock()
		defer s.life.Unlock()
		s.mu.Lock()
		s.dead = true
		reading := make([]net.Conn, 0, len(s.active))
		for c := range s.active {
			reading = append(reading, c)
		}
		s.mu.Unlock()

		close(s.quit)
		if s.ln != nil {
			_ = s.ln.Close()
			<-s.acceptDone
		}
		for _, c := range reading {
			_ = c.Close()
		}
		closed := s.cfg.Registry.CloseAll()
		if s.stopCoord != nil {
			s.stopCoord()
			<-s.cfg.Coordinator.Done()
		}
		s.handlers.Wait()
		obs.Info("server.teardown", obs.Fields{"closed_waiting": closed, "closed_reading": len(reading)})
		close(s.done)
	})
}

func (s *Server) openDevice() {
	if err := s.cfg.Coordinator.Open(); err != nil {
		obs.Warn("server.device_unavailable", obs.Fields{"err": err})
	}
}

func (s *Server) acceptLoop() {
	defer close(s.acceptDone)
	defer obs.Recover("server.accept")
	var backoff time.Duration
	for {
		select {
		case <-s.quit:
			return
		default:
		}
		c, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				obs.Error("accept", obs.Fields{"err": err})
				return
			}
			// EMFILE and friends clear up on their own; keep serving.
			backoff = min(max(2*backoff, 5*time.Millisecond), maxAcceptBackoff)
			obs.Error("accept.temp", obs.Fields{"err": err, "backoff_ms": backoff.Milliseconds()})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			select {
			case <-s.quit:
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		if s.admit(c) {
			go s.handleConn(c)
		}
	}
}

// admit decides whether c gets a handler. Rejected connections are closed.
func (s *Server) admit(c net.Conn) bool {
	host := remoteHost(c)
	if !s.cfg.Limiter.AllowConnection(host) {
		obs.RateLimitedTotal.Inc()
		obs.Warn("conn.rate_limited", obs.Fields{"remote": host})
		_ = c.Close()
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		_ = c.Close()
		return false
	}
	if s.paused {
		obs.PausedDroppedTotal.Inc()
		obs.Debug("conn.paused_drop", obs.Fields{"remote": c.RemoteAddr().String()})
		_ = c.Close()
		return false
	}
	s.active[c] = struct{}{}
	s.handlers.Add(1)
	return true
}

func (s *Server) handleConn(c net.Conn) {
	defer s.handlers.Done()
	defer obs.Recover("server.conn")
	owned := true
	defer func() {
		s.untrack(c)
		if owned {
			_ = c.Close()
		}
	}()

	remote := c.RemoteAddr().String()
	_ = c.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	line, err := readLine(c, s.cfg.MaxLineBytes)
	if errors.Is(err, ErrLineTooLong) {
		obs.ConnectionsTotal.WithLabelValues(Unknown.String()).Inc()
		obs.Warn("conn.protocol", obs.Fields{"remote": remote, "err": err, "limit": s.cfg.MaxLineBytes})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		return
	}
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			obs.Error("conn.read", obs.Fields{"remote": remote, "err": err})
			obs.ErrorsTotal.WithLabelValues("conn_read").Inc()
		}
		return
	}
	_ = c.SetReadDeadline(time.Time{})

	cmd, err := Parse(line)
	obs.ConnectionsTotal.WithLabelValues(cmd.String()).Inc()
	if err != nil {
		obs.Warn("conn.protocol", obs.Fields{"remote": remote, "err": err})
		obs.ErrorsTotal.WithLabelValues("protocol").Inc()
		return
	}
	obs.Debug("conn.command", obs.Fields{"remote": remote, "command": cmd.String()})

	switch cmd {
	case Handshake:
		s.reply(c, []byte(proto.HandshakeReply))
	case Preview:
		if s.cfg.Frames == nil {
			return
		}
		if f := s.cfg.Frames.Load(); f != nil {
			s.reply(c, f)
		}
	case TakePicture:
		owned = !s.register(c)
	}
}

// register hands c to the registry and triggers a capture. It reports
// whether ownership of c moved away from the handler.
func (s *Server) register(c net.Conn) bool {
	s.mu.Lock()
	if s.dead {
		s.mu.Unlock()
		return false
	}
	s.cfg.Registry.Add(c)
	delete(s.active, c)
	s.mu.Unlock()

	if s.cfg.Coordinator == nil {
		return !s.cfg.Registry.Remove(c)
	}
	switch err := s.cfg.Coordinator.TriggerCapture(); {
	case err == nil:
	case errors.Is(err, capture.ErrBusy):
		// joins the cycle in flight
		obs.Debug("conn.take.joined", obs.Fields{"remote": c.RemoteAddr().String()})
	default:
		obs.Warn("conn.take", obs.Fields{"remote": c.RemoteAddr().String(), "err": err})
		// Still registered means nobody else took it; give it back.
		return !s.cfg.Registry.Remove(c)
	}
	return true
}

// readLine reads one '\n'-terminated line of at most limit bytes. A longer
// line yields ErrLineTooLong without buffering the rest of it.
func readLine(r io.Reader, limit int) (string, error) {
	line, err := bufio.NewReader(io.LimitReader(r, int64(limit)+1)).ReadString('\n')
	if len(line) > limit {
		return "", ErrLineTooLong
	}
	return line, err
}

func (s *Server) reply(c net.Conn, b []byte) {
	_ = c.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	n, err := c.Write(b)
	if err != nil {
		obs.Error("conn.write", obs.Fields{"remote": c.RemoteAddr().String(), "err": err})
		obs.ErrorsTotal.WithLabelValues("conn_write").Inc()
		return
	}
	obs.BytesSentTotal.Add(float64(n))
}

func (s *Server) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.active, c)
	s.mu.Unlock()
}

func remoteHost(c net.Conn) string {
	addr := c.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
