package broadcast

import (
	"sync"

	"github.com/torontomonica-create/Coffee-break/internal/observability"
)

// Network is an in-process broadcast medium. It honors the same contract as
// the UDP link with two deliberate differences that make tests
// deterministic: delivery is synchronous, and a sender never receives its
// own messages.
type Network struct {
	mu    sync.RWMutex
	links map[*MemLink]struct{}
}

func NewNetwork() *Network {
	return &Network{links: make(map[*MemLink]struct{})}
}

// Open attaches a new link scoped to group.
func (n *Network) Open(group string) *MemLink {
	l := &MemLink{
		net:   n,
		group: group,
		subs:  make(map[int]Handler),
	}
	n.mu.Lock()
	n.links[l] = struct{}{}
	n.mu.Unlock()
	return l
}

// Detach partitions a link from the medium without closing it: its sends
// reach nobody and nothing is delivered to it.
func (n *Network) Detach(l *MemLink) {
	n.mu.Lock()
	delete(n.links, l)
	n.mu.Unlock()
}

// Attach reverses Detach, healing the partition.
func (n *Network) Attach(l *MemLink) {
	n.mu.Lock()
	n.links[l] = struct{}{}
	n.mu.Unlock()
}

func (n *Network) deliver(from *MemLink, m Message) {
	n.mu.RLock()
	attached := false
	targets := make([]*MemLink, 0, len(n.links))
	for l := range n.links {
		if l == from {
			attached = true
			continue
		}
		if l.group == m.Group {
			targets = append(targets, l)
		}
	}
	n.mu.RUnlock()

	// A detached sender's messages vanish entirely.
	if !attached {
		return
	}
	observability.RecordBroadcastSent(string(m.Type))
	for _, l := range targets {
		l.dispatch(m)
	}
}

// MemLink is a Network endpoint. Handlers run synchronously on the sender's
// goroutine, so a send returns only after every attached peer has observed
// the message.
type MemLink struct {
	net   *Network
	group string

	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int
	closed bool
}

func (l *MemLink) Send(m Message) {
	m.Group = l.group
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return
	}
	l.net.deliver(l, m)
}

func (l *MemLink) Subscribe(h Handler) func() {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = h
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
		})
	}
}

func (l *MemLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.subs = make(map[int]Handler)
	l.mu.Unlock()

	l.net.Detach(l)
	return nil
}

func (l *MemLink) dispatch(m Message) {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return
	}
	handlers := make([]Handler, 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	observability.RecordBroadcastReceived(string(m.Type))
	for _, h := range handlers {
		h(m)
	}
}
