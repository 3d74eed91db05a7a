package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/barista"
	"github.com/torontomonica-create/Coffee-break/internal/observability"
	"github.com/torontomonica-create/Coffee-break/internal/session"
)

const (
	DefaultPushThrottle     = 250 * time.Millisecond
	DefaultSnapshotInterval = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// close releases the client exactly once: done stops the pump and pending
// pushes, closing the conn unblocks the reader. The send channel is never
// closed, so a push racing a disconnect lands in a dead buffer instead of
// panicking.
func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// BroadcasterOptions configures the feed fan-out. Controller is required;
// Assistant may be nil to disable remarks entirely.
type BroadcasterOptions struct {
	Controller       *session.Controller
	Assistant        *barista.Client
	PushThrottle     time.Duration
	SnapshotInterval time.Duration
	Log              logrus.FieldLogger
}

// Broadcaster fans the controller's view out to websocket clients. Change
// events mark the view dirty and a throttle timer coalesces them into one
// push; a slower ticker re-sends the full snapshot regardless, so a client
// that missed a push converges anyway.
type Broadcaster struct {
	controller       *session.Controller
	assistant        *barista.Client
	throttle         time.Duration
	snapshotInterval time.Duration
	log              logrus.FieldLogger

	mu      sync.RWMutex
	clients map[*client]bool

	flushMu    sync.Mutex
	dirty      bool
	flushTimer *time.Timer
}

func NewBroadcaster(opts BroadcasterOptions) *Broadcaster {
	if opts.PushThrottle <= 0 {
		opts.PushThrottle = DefaultPushThrottle
	}
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = DefaultSnapshotInterval
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Broadcaster{
		controller:       opts.Controller,
		assistant:        opts.Assistant,
		throttle:         opts.PushThrottle,
		snapshotInterval: opts.SnapshotInterval,
		log:              opts.Log.WithField("component", "feed"),
		clients:          make(map[*client]bool),
	}
}

// Run consumes the controller's event feed until the context is cancelled,
// then disconnects every client.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.snapshotInterval)
	defer ticker.Stop()
	defer b.closeAll()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.controller.Events():
			b.QueueSnapshot()
			if ev.Type == session.EventPhase && b.assistant != nil {
				go b.pushRemark(ctx, ev.View)
			}
		case <-ticker.C:
			b.broadcastSnapshot()
		}
	}
}

// AddClient registers the connection and immediately sends it the current
// snapshot so it never renders from nothing.
func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	n := len(b.clients)
	b.mu.Unlock()
	observability.SetFeedClients(n)

	data, err := json.Marshal(WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{View: b.controller.View()},
	})
	if err != nil {
		b.log.WithError(err).Error("marshaling initial snapshot")
		return c
	}
	b.push(c, data)

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	_, ok := b.clients[c]
	delete(b.clients, c)
	n := len(b.clients)
	b.mu.Unlock()

	c.close()
	if ok {
		observability.SetFeedClients(n)
	}
}

// QueueSnapshot marks the view dirty. The first mark arms the throttle
// timer; later marks within the window ride the same flush.
func (b *Broadcaster) QueueSnapshot() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.dirty = true
	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

// QueueRemark sends assistant text to all clients immediately.
func (b *Broadcaster) QueueRemark(text string) {
	b.broadcast(WSMessage{
		Type:    MsgRemark,
		Payload: RemarkPayload{Text: text},
	})
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	wasDirty := b.dirty
	b.dirty = false
	b.flushTimer = nil
	b.flushMu.Unlock()

	if !wasDirty {
		return
	}
	b.broadcastSnapshot()
}

func (b *Broadcaster) broadcastSnapshot() {
	b.broadcast(WSMessage{
		Type:    MsgSnapshot,
		Payload: SnapshotPayload{View: b.controller.View()},
	})
}

func (b *Broadcaster) pushRemark(ctx context.Context, v session.View) {
	b.QueueRemark(b.assistant.Remark(ctx, v))
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		b.log.WithError(err).Error("marshaling feed message")
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		b.push(c, data)
	}
}

// push enqueues one frame without ever blocking. A client removed between
// the sender's set copy and this call absorbs the frame harmlessly; a full
// queue means the client cannot keep up and gets disconnected instead of
// stalling the sender.
func (b *Broadcaster) push(c *client, data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		b.log.Warn("feed client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.clients = make(map[*client]bool)
	b.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	observability.SetFeedClients(0)
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
