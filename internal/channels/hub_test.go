package channels

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newHubServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitSubscribed polls until the hub registers n subscribers on the channel.
func waitSubscribed(t *testing.T, hub *Hub, channel string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		got := len(hub.channels[channel])
		hub.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("channel %q never reached %d subscribers", channel, n)
}

func TestSendToSubscribers(t *testing.T) {
	hub := NewHub()
	srv := newHubServer(t, hub)

	first := dialHub(t, srv)
	second := dialHub(t, srv)
	outsider := dialHub(t, srv)

	for _, conn := range []*websocket.Conn{first, second} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte("subscribe:room:1")); err != nil {
			t.Fatal(err)
		}
	}
	if err := outsider.WriteMessage(websocket.TextMessage, []byte("subscribe:room:2")); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, hub, "room:1", 2)
	waitSubscribed(t, hub, "room:2", 1)

	hub.Send("room:1", "hello")

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("message = %q, want hello", data)
		}
	}

	// the other channel's subscriber sees nothing
	hub.Send("room:2", "other")
	outsider.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := outsider.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "other" {
		t.Errorf("outsider got %q, want other", data)
	}
}

func TestSendToEmptyChannel(t *testing.T) {
	hub := NewHub()
	// no subscribers: a send is a no-op
	hub.Send("nobody", "hello")
}

func TestDisconnectPrunesChannel(t *testing.T) {
	hub := NewHub()
	srv := newHubServer(t, hub)

	conn := dialHub(t, srv)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("subscribe:room:1")); err != nil {
		t.Fatal(err)
	}
	waitSubscribed(t, hub, "room:1", 1)

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		_, ok := hub.channels["room:1"]
		hub.mu.Unlock()
		if !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("channel was not pruned after its last subscriber left")
}
