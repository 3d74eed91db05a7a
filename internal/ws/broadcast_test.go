package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// dialTestWS creates a test HTTP server that upgrades to WebSocket and
// returns the server-side connection. The caller must close both the server
// and the returned connection.
func dialTestWS(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()

	connCh := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connCh <- c
	}))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		srv.Close()
		t.Fatalf("dial: %v", err)
	}
	_ = clientConn

	select {
	case serverConn := <-connCh:
		return srv, serverConn
	case <-time.After(2 * time.Second):
		srv.Close()
		t.Fatal("timed out waiting for server-side WebSocket connection")
		return nil, nil
	}
}

func TestBroadcaster_CoalescesBurstsIntoOnePush(t *testing.T) {
	s := newTestStack(t, "")
	conn := s.dial(t, "")
	awaitSnapshot(t, conn, nil)

	for i := 0; i < 5; i++ {
		s.broadcaster.QueueSnapshot()
	}

	snapshots := 0
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		conn.SetReadDeadline(deadline)
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if strings.Contains(string(raw), `"type":"snapshot"`) {
			snapshots++
		}
	}
	if snapshots != 1 {
		t.Errorf("burst produced %d pushes, want 1", snapshots)
	}
}

// newStuckClient registers a client whose single-slot queue is pre-filled
// and never drained, so every push to it takes the slow-client path.
func newStuckClient(b *Broadcaster, conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, 1), done: make(chan struct{})}
	c.send <- []byte("{}")
	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()
	return c
}

func TestBroadcaster_DisconnectsSlowClient(t *testing.T) {
	s := newTestStack(t, "")
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	// A client with a tiny full buffer and no writePump never drains.
	_ = newStuckClient(s.broadcaster, serverConn)

	s.broadcaster.QueueRemark("anyone thirsty?")

	if got := s.broadcaster.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after slow client, want 0", got)
	}
}

func TestBroadcaster_ClientLifecycle(t *testing.T) {
	s := newTestStack(t, "")
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	c := s.broadcaster.AddClient(serverConn)
	if got := s.broadcaster.ClientCount(); got != 1 {
		t.Fatalf("ClientCount = %d after AddClient, want 1", got)
	}

	s.broadcaster.RemoveClient(c)
	if got := s.broadcaster.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after RemoveClient, want 0", got)
	}
	// A second remove is a harmless no-op.
	s.broadcaster.RemoveClient(c)
}

func TestBroadcaster_PushAfterRemoveIsHarmless(t *testing.T) {
	s := newTestStack(t, "")
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	// The losing interleaving: a sender copies the client set, the client
	// disconnects, then the send lands. It must be absorbed, not panic.
	c := s.broadcaster.AddClient(serverConn)
	s.broadcaster.RemoveClient(c)
	data := []byte(`{"type":"remark","payload":{"text":"still with us?"}}`)
	s.broadcaster.push(c, data)

	// Same ordering with the dead client's queue saturated.
	for i := 0; i < cap(c.send)+1; i++ {
		s.broadcaster.push(c, data)
	}

	if got := s.broadcaster.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d, want 0", got)
	}
}

func TestBroadcaster_RemarksRaceDisconnects(t *testing.T) {
	s := newTestStack(t, "")
	srv, serverConn := dialTestWS(t)
	defer srv.Close()

	// Full queues force every remark push onto the disconnect path while a
	// second goroutine races removals of the same clients.
	const n = 64
	clients := make([]*client, n)
	for i := range clients {
		clients[i] = newStuckClient(s.broadcaster, serverConn)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			s.broadcaster.QueueRemark("fresh pot")
		}
	}()
	go func() {
		defer wg.Done()
		for _, c := range clients {
			s.broadcaster.RemoveClient(c)
		}
	}()
	wg.Wait()

	if got := s.broadcaster.ClientCount(); got != 0 {
		t.Errorf("ClientCount = %d after the dust settled, want 0", got)
	}
}
