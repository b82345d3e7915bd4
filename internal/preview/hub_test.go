package preview

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matst80/remotecam/internal/frame"
)

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	return conn
}

func waitSubscribers(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Subscribers() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", h.Subscribers(), n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func readBinary(t *testing.T, c *websocket.Conn) []byte {
	t.Helper()
	typ, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.BinaryMessage {
		t.Errorf("message type = %d, want binary", typ)
	}
	return data
}

func TestBroadcastReachesEverySubscriber(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	a, b := dialHub(t, srv), dialHub(t, srv)
	waitSubscribers(t, h, 2)

	h.Broadcast([]byte("frame-1"))
	for _, c := range []*websocket.Conn{a, b} {
		if got := readBinary(t, c); string(got) != "frame-1" {
			t.Errorf("got %q", got)
		}
	}
}

func TestLatestFrameSentOnConnect(t *testing.T) {
	cache := frame.NewCache(nil)
	cache.Store([]byte("cached"))
	h := NewHub(cache)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dialHub(t, srv)
	if got := readBinary(t, c); string(got) != "cached" {
		t.Errorf("first message = %q, want cached frame", got)
	}
}

func TestDisconnectRemovesSubscriber(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dialHub(t, srv)
	waitSubscribers(t, h, 1)
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Close()
	waitSubscribers(t, h, 0)
}

func TestCloseDisconnectsSubscribers(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	c := dialHub(t, srv)
	waitSubscribers(t, h, 1)
	if n := h.Close(); n != 1 {
		t.Errorf("Close closed %d, want 1", n)
	}
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("expected going-away close, got %v", err)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(nil)
	srv := httptest.NewServer(h)
	defer srv.Close()

	_ = dialHub(t, srv) // never reads
	waitSubscribers(t, h, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.Broadcast(make([]byte, 32*1024))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow subscriber")
	}
}
