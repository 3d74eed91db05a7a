// Package broadcast provides the group-scoped, best-effort publish/subscribe
// medium connecting all instances of the application. Delivery is lossy and
// unordered across senders; reliability is a property of the layers above,
// never of this one.
package broadcast

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/observability"
)

// Handler receives messages delivered by the medium. Handlers run on the
// link's receive goroutine and must be short and non-blocking.
type Handler func(Message)

// Link is one instance's handle on the broadcast medium, scoped to a single
// group name at open time.
type Link interface {
	// Send hands a message to the medium, fire and forget. It never blocks
	// beyond the datagram write and never reports failure; a local drop is
	// indistinguishable from a loss in flight.
	Send(Message)

	// Subscribe registers a handler for every message received after the
	// call. Each message is delivered exactly once per handler, in arrival
	// order. The returned func cancels the subscription and is safe to call
	// more than once.
	Subscribe(h Handler) (cancel func())

	// Close releases the link and deterministically stops local delivery.
	Close() error
}

// DefaultGroupAddr is the multicast group the daemon joins when the config
// does not say otherwise.
const DefaultGroupAddr = "239.255.42.99:9099"

const readBufferSize = 1 << 16

// UDPLink carries the group over a UDP multicast address. Multicast loopback
// means a sender usually receives its own datagrams; consumers absorb that
// (heartbeat upserts are idempotent, increments carry an origin tag).
type UDPLink struct {
	group string
	send  *net.UDPConn
	recv  *net.UDPConn
	log   logrus.FieldLogger

	mu     sync.RWMutex
	subs   map[int]Handler
	nextID int

	closeOnce sync.Once
	done      chan struct{}
}

// OpenUDP joins the multicast group at addr and starts receiving. The group
// name scopes delivery: datagrams from other groups sharing the address are
// dropped.
func OpenUDP(group, addr string, log logrus.FieldLogger) (*UDPLink, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	gaddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving group address: %w", err)
	}

	recv, err := net.ListenMulticastUDP("udp4", nil, gaddr)
	if err != nil {
		return nil, fmt.Errorf("joining multicast group: %w", err)
	}
	_ = recv.SetReadBuffer(readBufferSize)

	send, err := net.DialUDP("udp4", nil, gaddr)
	if err != nil {
		recv.Close()
		return nil, fmt.Errorf("opening send socket: %w", err)
	}

	l := &UDPLink{
		group: group,
		send:  send,
		recv:  recv,
		log:   log.WithField("component", "broadcast"),
		subs:  make(map[int]Handler),
		done:  make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *UDPLink) Send(m Message) {
	m.Group = l.group
	data, err := json.Marshal(m)
	if err != nil {
		observability.RecordBroadcastSendError()
		return
	}
	if _, err := l.send.Write(data); err != nil {
		observability.RecordBroadcastSendError()
		l.log.WithError(err).Debug("send dropped")
		return
	}
	observability.RecordBroadcastSent(string(m.Type))
}

func (l *UDPLink) Subscribe(h Handler) func() {
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

func (l *UDPLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.recv.Close()
		l.send.Close()
		l.mu.Lock()
		l.subs = make(map[int]Handler)
		l.mu.Unlock()
	})
	return nil
}

func (l *UDPLink) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := l.recv.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.done:
			default:
				l.log.WithError(err).Debug("receive socket closed")
			}
			return
		}
		l.handleDatagram(buf[:n])
	}
}

// handleDatagram decodes one raw datagram and fans it out. Undecodable data
// and foreign groups are counted and skipped, never surfaced.
func (l *UDPLink) handleDatagram(data []byte) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		observability.RecordBroadcastMalformed()
		return
	}
	if m.Group != l.group || m.Type == "" {
		observability.RecordBroadcastMalformed()
		return
	}
	observability.RecordBroadcastReceived(string(m.Type))
	l.dispatch(m)
}

func (l *UDPLink) dispatch(m Message) {
	l.mu.RLock()
	handlers := make([]Handler, 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	l.mu.RUnlock()

	for _, h := range handlers {
		h(m)
	}
}
