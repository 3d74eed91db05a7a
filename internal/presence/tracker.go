// Package presence answers "how many instances are alive right now" with a
// staleness bound of one TTL. Liveness is announced by periodic heartbeats
// on the broadcast link and forgotten by a timed sweep. There are no
// goodbyes and no retries; the next scheduled heartbeat is the retry.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/broadcast"
	"github.com/torontomonica-create/Coffee-break/internal/observability"
)

const (
	DefaultHeartbeatInterval = time.Second
	DefaultTTL               = 5 * time.Second
	DefaultSweepInterval     = time.Second
)

// Options configure a Tracker. Zero durations fall back to the defaults; a
// nil logger falls back to the standard logger.
type Options struct {
	ID                string
	Link              broadcast.Link
	HeartbeatInterval time.Duration
	TTL               time.Duration
	SweepInterval     time.Duration
	Log               logrus.FieldLogger

	// OnChange, when set, runs outside the table lock whenever the peer
	// count changes (a join or an expiry).
	OnChange func(count int)
}

// Tracker owns the peer table: instance id to last heartbeat observed. The
// local instance always counts; its entry is refreshed on every read and
// every sweep, so a stalled sender timer can never evict it. Stale entries
// are removed, never marked dead in place.
type Tracker struct {
	id         string
	link       broadcast.Link
	log        logrus.FieldLogger
	hbEvery    time.Duration
	ttl        time.Duration
	sweepEvery time.Duration
	onChange   func(int)

	mu    sync.RWMutex
	peers map[string]time.Time

	cancel      context.CancelFunc
	unsubscribe func()
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

func NewTracker(opts Options) *Tracker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	return &Tracker{
		id:         opts.ID,
		link:       opts.Link,
		log:        opts.Log.WithField("component", "presence"),
		hbEvery:    opts.HeartbeatInterval,
		ttl:        opts.TTL,
		sweepEvery: opts.SweepInterval,
		onChange:   opts.OnChange,
		peers:      map[string]time.Time{opts.ID: time.Now()},
	}
}

// ID returns the local instance identifier.
func (t *Tracker) ID() string { return t.id }

// Start subscribes to the link, announces the instance immediately so new
// joiners converge fast, and runs the heartbeat and sweep loops until the
// context is cancelled or Close is called. Call it once.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.unsubscribe = t.link.Subscribe(t.handleMessage)

	t.link.Send(broadcast.NewHeartbeat(t.id))

	t.wg.Add(2)
	go t.heartbeatLoop(ctx)
	go t.sweepLoop(ctx)
}

// Close cancels both loops and the subscription. Safe to call more than
// once. No goodbye is sent: peers forget this instance by TTL expiry.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() {
		if t.unsubscribe != nil {
			t.unsubscribe()
		}
		if t.cancel != nil {
			t.cancel()
		}
		t.wg.Wait()
	})
}

// PeerCount reports the number of live instances, self included. It is
// always at least 1; the read refreshes the local entry.
func (t *Tracker) PeerCount() int {
	now := time.Now()
	t.mu.Lock()
	t.peers[t.id] = now
	n := len(t.peers)
	t.mu.Unlock()
	return n
}

// Peers returns the known instance ids, self included, in no particular
// order.
func (t *Tracker) Peers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	return ids
}

func (t *Tracker) heartbeatLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.hbEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.link.Send(broadcast.NewHeartbeat(t.id))
		}
	}
}

func (t *Tracker) sweepLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.sweep(time.Now())
		}
	}
}

func (t *Tracker) handleMessage(m broadcast.Message) {
	if m.Type != broadcast.MsgHeartbeat {
		return
	}
	hb, err := broadcast.DecodeHeartbeat(m)
	if err != nil {
		t.log.WithError(err).Debug("ignoring bad heartbeat")
		return
	}
	t.upsert(hb.ID)
}

// upsert records a heartbeat. Hearing our own id (multicast loopback) is a
// harmless refresh.
func (t *Tracker) upsert(id string) {
	t.mu.Lock()
	_, known := t.peers[id]
	t.peers[id] = time.Now()
	count := len(t.peers)
	t.mu.Unlock()

	if !known {
		t.log.WithField("peer", id).Debug("peer joined")
		observability.SetPeerCount(count)
		if t.onChange != nil {
			t.onChange(count)
		}
	}
}

// sweep deletes peers whose last heartbeat is older than the TTL and
// unconditionally refreshes the local entry.
func (t *Tracker) sweep(now time.Time) {
	var expired []string

	t.mu.Lock()
	for id, last := range t.peers {
		if id == t.id {
			continue
		}
		if now.Sub(last) > t.ttl {
			delete(t.peers, id)
			expired = append(expired, id)
		}
	}
	t.peers[t.id] = now
	count := len(t.peers)
	t.mu.Unlock()

	if len(expired) > 0 {
		for _, id := range expired {
			t.log.WithField("peer", id).Debug("peer expired")
		}
		observability.SetPeerCount(count)
		if t.onChange != nil {
			t.onChange(count)
		}
	}
}
