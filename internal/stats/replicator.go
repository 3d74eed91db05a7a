// Package stats maintains the replicated drink counters: monotonically
// non-decreasing, converged across live instances by mirroring increments
// over the broadcast link. Message loss under-counts; nothing ever counts a
// single completion twice on one instance, and nothing ever decreases.
package stats

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/broadcast"
	"github.com/torontomonica-create/Coffee-break/internal/observability"
	"github.com/torontomonica-create/Coffee-break/internal/storage"
)

// PeerCounter supplies the derived peer count merged into snapshots.
type PeerCounter interface {
	PeerCount() int
}

// Snapshot is the merged read-only view handed to the rendering layer. It
// is recomputed on every query, never cached, and the peer count is never
// persisted with the counters.
type Snapshot struct {
	Counters  map[Category]int `json:"counters"`
	PeerCount int              `json:"peerCount"`
}

// Options configure a Replicator. A nil logger falls back to the standard
// logger; a nil PeerCounter pins the snapshot peer count at 1.
type Options struct {
	ID    string
	Link  broadcast.Link
	Store storage.Store
	Peers PeerCounter
	Log   logrus.FieldLogger

	// OnApply, when set, runs outside the counter lock after every applied
	// increment, local or mirrored.
	OnApply func()
}

// Replicator owns the in-memory counter set and is the sole writer of the
// durable record.
type Replicator struct {
	id      string
	link    broadcast.Link
	store   storage.Store
	peers   PeerCounter
	log     logrus.FieldLogger
	onApply func()
	health  writeHealth

	mu       sync.Mutex
	counters map[Category]int

	unsubscribe func()
	closeOnce   sync.Once
}

// NewReplicator loads the persisted record and returns a replicator ready
// to Start. An absent record starts from zero silently; an unreadable one
// starts from zero with a warning. Construction never fails.
func NewReplicator(opts Options) *Replicator {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	r := &Replicator{
		id:       opts.ID,
		link:     opts.Link,
		store:    opts.Store,
		peers:    opts.Peers,
		log:      opts.Log.WithField("component", "stats"),
		onApply:  opts.OnApply,
		counters: zeroCounters(),
	}

	persisted, err := r.store.Load()
	if err != nil {
		r.log.WithError(err).Warn("counter record unreadable, starting from zero")
	}
	for name, n := range persisted {
		c, ok := ParseCategory(name)
		if !ok {
			r.log.WithField("category", name).Warn("dropping unknown persisted category")
			continue
		}
		if n < 0 {
			r.log.WithField("category", name).Warn("dropping negative persisted count")
			continue
		}
		r.counters[c] = n
	}
	return r
}

// Start subscribes to the link for peer increments. Call it once.
func (r *Replicator) Start() {
	r.unsubscribe = r.link.Subscribe(r.handleMessage)
}

// Close cancels the subscription. Safe to call more than once.
func (r *Replicator) Close() {
	r.closeOnce.Do(func() {
		if r.unsubscribe != nil {
			r.unsubscribe()
		}
	})
}

// Increment applies one locally produced event: bump the counter, persist
// the record synchronously, then broadcast. The durable write strictly
// precedes the broadcast, so once a peer can observe the event, a fresh
// local load already reflects it.
func (r *Replicator) Increment(c Category) {
	if _, ok := ParseCategory(string(c)); !ok {
		r.log.WithField("category", string(c)).Warn("ignoring unknown category")
		return
	}

	r.mu.Lock()
	r.counters[c]++
	r.persistLocked()
	r.mu.Unlock()

	r.link.Send(broadcast.NewIncrement(string(c), r.id))
	observability.RecordIncrement(string(c), "local")
	if r.onApply != nil {
		r.onApply()
	}
}

// Snapshot merges the counter set with the live peer count. Every category
// is present, zeros included.
func (r *Replicator) Snapshot() Snapshot {
	r.mu.Lock()
	counters := make(map[Category]int, len(r.counters))
	for c, n := range r.counters {
		counters[c] = n
	}
	r.mu.Unlock()

	peerCount := 1
	if r.peers != nil {
		peerCount = r.peers.PeerCount()
	}
	return Snapshot{Counters: counters, PeerCount: peerCount}
}

// WriteHealth reports the durable-write failure state for the status
// endpoint.
func (r *Replicator) WriteHealth() (failures int, degraded bool, lastErr string) {
	return r.health.snapshot()
}

// handleMessage mirrors peer increments: apply and persist, never
// re-broadcast. Increments tagged with our own id are transport echoes of
// events already applied by Increment and are discarded.
func (r *Replicator) handleMessage(m broadcast.Message) {
	if m.Type != broadcast.MsgCounterIncrement {
		return
	}
	inc, err := broadcast.DecodeIncrement(m)
	if err != nil {
		r.log.WithError(err).Debug("ignoring bad increment")
		return
	}
	if inc.Origin == r.id {
		return
	}
	c, ok := ParseCategory(inc.Category)
	if !ok {
		r.log.WithField("category", inc.Category).Debug("ignoring unknown category")
		return
	}

	r.mu.Lock()
	r.counters[c]++
	r.persistLocked()
	r.mu.Unlock()

	observability.RecordIncrement(string(c), "mirror")
	if r.onApply != nil {
		r.onApply()
	}
}

// persistLocked writes the record. Failures are logged through the health
// tracker and otherwise tolerated: the in-memory counters stay ahead of
// disk until a later write succeeds. Caller must hold r.mu.
func (r *Replicator) persistLocked() {
	rec := make(map[string]int, len(r.counters))
	for c, n := range r.counters {
		rec[string(c)] = n
	}
	if err := r.store.Save(rec); err != nil {
		observability.RecordStoreWriteFailure()
		if r.health.recordFailure(err) {
			r.log.WithError(err).Warn("counter store degraded")
		}
		return
	}
	if r.health.recordSuccess() {
		r.log.Info("counter store recovered")
	}
}

func zeroCounters() map[Category]int {
	m := make(map[Category]int, len(categories))
	for _, c := range categories {
		m[c] = 0
	}
	return m
}
