// Package preview streams live preview JPEGs to WebSocket subscribers. Each
// stored preview frame becomes one binary message per subscriber.
package preview

import (
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/remotecam/internal/frame"
	"github.com/matst80/remotecam/internal/obs"
	"github.com/matst80/remotecam/internal/registry"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Frames queued per subscriber before new ones are dropped.
	sendBuffer = 4
)

var errSubscriberClosed = errors.New("preview: subscriber closed")

// Hub fans preview frames out to subscribers. Subscribers live in their own
// registry, separate from the capture waiters.
type Hub struct {
	subs     *registry.Registry
	frames   *frame.Cache
	upgrader websocket.Upgrader
}

// NewHub returns a hub. frames, if non-nil, supplies the frame sent to a
// subscriber right after it connects.
func NewHub(frames *frame.Cache) *Hub {
	return &Hub{
		subs:   registry.New(obs.PreviewSubscribers),
		frames: frames,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast queues jpeg for every subscriber. It never blocks on a slow
// peer; a full queue drops the frame for that peer.
func (h *Hub) Broadcast(jpeg []byte) {
	h.subs.ForEach(func(c registry.Conn) {
		_, _ = c.Write(jpeg)
	})
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int { return h.subs.Len() }

// Close disconnects every subscriber.
func (h *Hub) Close() int { return h.subs.CloseAll() }

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Error("preview.upgrade", obs.Fields{"remote": r.RemoteAddr, "err": err})
		return
	}
	s := newSubscriber(conn)
	if h.frames != nil {
		if f := h.frames.Load(); f != nil {
			_, _ = s.Write(f)
		}
	}
	h.subs.Add(s)
	obs.Info("preview.subscribe", obs.Fields{"remote": conn.RemoteAddr().String()})

	go s.writePump()
	go func() {
		defer obs.Recover("preview.read")
		s.readPump()
		h.subs.Remove(s)
		_ = s.Close()
		obs.Info("preview.unsubscribe", obs.Fields{"remote": conn.RemoteAddr().String()})
	}()
}

// subscriber adapts a WebSocket connection to registry.Conn. Write only
// enqueues; writePump owns the socket writes.
type subscriber struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	return &subscriber{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}
}

func (s *subscriber) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errSubscriberClosed
	}
	select {
	case s.send <- p:
	default:
		obs.Debug("preview.drop", obs.Fields{"remote": s.conn.RemoteAddr().String()})
	}
	return len(p), nil
}

func (s *subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	return nil
}

func (s *subscriber) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *subscriber) readPump() {
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				obs.Warn("preview.read", obs.Fields{"err": err})
			}
			return
		}
	}
}

func (s *subscriber) writePump() {
	defer obs.Recover("preview.write")
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case jpeg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.BinaryMessage, jpeg); err != nil {
				obs.Debug("preview.write", obs.Fields{"err": err})
				return
			}
			obs.BytesSentTotal.Add(float64(len(jpeg)))
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
