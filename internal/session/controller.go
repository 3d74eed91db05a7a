// Package session drives the break session state machine and owns the
// presence tracker and counter replicator for one instance. The rendering
// layer talks only to the Controller: intents in, merged view snapshots
// and change events out.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/broadcast"
	"github.com/torontomonica-create/Coffee-break/internal/observability"
	"github.com/torontomonica-create/Coffee-break/internal/presence"
	"github.com/torontomonica-create/Coffee-break/internal/stats"
	"github.com/torontomonica-create/Coffee-break/internal/storage"
)

const (
	DefaultTickInterval    = time.Second
	DefaultSessionDuration = 5 * time.Minute
	DefaultSipTarget       = 10

	eventBuffer = 32
)

// Intent errors. The feed reports these back to the client instead of
// logging them as faults.
var (
	ErrNotIdle         = errors.New("a session is already running")
	ErrNotActive       = errors.New("no active session")
	ErrNotCompleted    = errors.New("no completed session to restart")
	ErrUnknownCategory = errors.New("unknown drink category")
)

// Options configures a Controller. ID, Link and Store are required.
type Options struct {
	ID    string
	Link  broadcast.Link
	Store storage.Store
	Log   logrus.FieldLogger

	// Presence timing, forwarded to the tracker. Zeros take the presence
	// package defaults.
	HeartbeatInterval time.Duration
	TTL               time.Duration
	SweepInterval     time.Duration

	// TickInterval is the countdown resolution. SessionDuration applies
	// when a start intent carries no duration. SipTarget is the sip count
	// that finishes a cup.
	TickInterval    time.Duration
	SessionDuration time.Duration
	SipTarget       int
}

// Controller is the per-instance orchestrator. It owns a presence.Tracker
// and a stats.Replicator, both constructed on Open and torn down on Close,
// and funnels every state change into the events channel.
type Controller struct {
	opts Options
	id   string
	log  logrus.FieldLogger

	tracker *presence.Tracker
	repl    *stats.Replicator
	ctx     context.Context
	cancel  context.CancelFunc

	mu          sync.Mutex
	phase       Phase
	category    stats.Category
	duration    time.Duration
	remaining   time.Duration
	sips        int
	outcome     Outcome
	startedAt   time.Time
	completedAt *time.Time
	generation  uint64
	cancelTick  context.CancelFunc

	events      chan Event
	dropped     int
	lastDropLog time.Time

	openOnce  sync.Once
	closeOnce sync.Once
}

// New prepares a controller. Nothing is subscribed or persisted until
// Open.
func New(opts Options) *Controller {
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.SessionDuration <= 0 {
		opts.SessionDuration = DefaultSessionDuration
	}
	if opts.SipTarget <= 0 {
		opts.SipTarget = DefaultSipTarget
	}
	return &Controller{
		opts:   opts,
		id:     opts.ID,
		log:    opts.Log.WithField("component", "session"),
		phase:  Idle,
		events: make(chan Event, eventBuffer),
	}
}

// ID returns the instance identifier.
func (c *Controller) ID() string { return c.id }

// Open loads the persisted counters, subscribes to the link, and starts the
// presence loops. Call it once before issuing intents; the controller is
// torn down with Close, not by cancelling ctx mid-session.
func (c *Controller) Open(ctx context.Context) {
	c.openOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)

		c.tracker = presence.NewTracker(presence.Options{
			ID:                c.id,
			Link:              c.opts.Link,
			HeartbeatInterval: c.opts.HeartbeatInterval,
			TTL:               c.opts.TTL,
			SweepInterval:     c.opts.SweepInterval,
			Log:               c.opts.Log,
			OnChange:          c.onPeersChanged,
		})
		c.repl = stats.NewReplicator(stats.Options{
			ID:      c.id,
			Link:    c.opts.Link,
			Store:   c.opts.Store,
			Peers:   c.tracker,
			Log:     c.opts.Log,
			OnApply: c.onCountersChanged,
		})

		c.repl.Start()
		c.tracker.Start(c.ctx)
		c.log.WithField("instance", c.id).Info("controller open")
	})
}

// Close cancels the countdown, stops the presence loops, and unsubscribes
// the replicator, in that order. Safe to call more than once; no callback
// fires into torn-down state afterwards.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.cancelTick != nil {
			c.cancelTick()
			c.cancelTick = nil
		}
		c.mu.Unlock()

		if c.cancel != nil {
			c.cancel()
		}
		if c.tracker != nil {
			c.tracker.Close()
		}
		if c.repl != nil {
			c.repl.Close()
		}
		c.log.Info("controller closed")
	})
}

// Events returns the change feed. Emission is non-blocking: a full channel
// drops events rather than stalling the state machine, so consumers must
// treat each event as a hint to re-read the view. The channel is never
// closed; consumers stop via their own context.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Start begins a session: Idle to Active, sips reset, countdown acquired.
// A zero duration takes the configured default.
func (c *Controller) Start(category stats.Category, duration time.Duration) error {
	if _, ok := stats.ParseCategory(string(category)); !ok {
		return ErrUnknownCategory
	}

	c.mu.Lock()
	if c.phase != Idle {
		c.mu.Unlock()
		return ErrNotIdle
	}
	if duration <= 0 {
		duration = c.opts.SessionDuration
	}
	c.generation++
	gen := c.generation
	c.phase = Active
	c.category = category
	c.duration = duration
	c.remaining = duration
	c.sips = 0
	c.outcome = ""
	c.startedAt = time.Now()
	c.completedAt = nil
	tickCtx, cancel := context.WithCancel(c.ctx)
	c.cancelTick = cancel
	c.mu.Unlock()

	go c.countdown(tickCtx, gen)

	c.log.WithFields(logrus.Fields{
		"category": category,
		"duration": duration,
	}).Info("session started")
	c.emit(EventPhase)
	return nil
}

// Sip records one unit of progress. Reaching the sip target completes the
// session as finished, which is the only path that increments a counter.
func (c *Controller) Sip() error {
	c.mu.Lock()
	if c.phase != Active {
		c.mu.Unlock()
		return ErrNotActive
	}
	c.sips++
	finished := c.sips >= c.opts.SipTarget
	var category stats.Category
	if finished {
		category = c.completeLocked(OutcomeFinished)
	}
	c.mu.Unlock()

	if !finished {
		c.emit(EventUpdate)
		return nil
	}

	c.repl.Increment(category)
	observability.RecordSessionCompleted(string(OutcomeFinished))
	c.log.WithField("category", category).Info("session finished")
	c.emit(EventPhase)
	return nil
}

// Finish ends the session early by hand. It counts the same as a timeout:
// the cup was not finished, so no counter moves.
func (c *Controller) Finish() error {
	c.mu.Lock()
	if c.phase != Active {
		c.mu.Unlock()
		return ErrNotActive
	}
	category := c.completeLocked(OutcomeAbandoned)
	c.mu.Unlock()

	observability.RecordSessionCompleted(string(OutcomeAbandoned))
	c.log.WithField("category", category).Info("session abandoned")
	c.emit(EventPhase)
	return nil
}

// Restart clears the completed session: Completed to Idle.
func (c *Controller) Restart() error {
	c.mu.Lock()
	if c.phase != Completed {
		c.mu.Unlock()
		return ErrNotCompleted
	}
	c.phase = Idle
	c.category = ""
	c.duration = 0
	c.remaining = 0
	c.sips = 0
	c.outcome = ""
	c.startedAt = time.Time{}
	c.completedAt = nil
	c.mu.Unlock()

	c.log.Debug("session reset")
	c.emit(EventPhase)
	return nil
}

// Peers lists the ids currently in the peer table.
func (c *Controller) Peers() []string {
	return c.tracker.Peers()
}

// WriteHealth reports the counter store's durable-write state.
func (c *Controller) WriteHealth() (failures int, degraded bool, lastErr string) {
	return c.repl.WriteHealth()
}

// View returns the merged snapshot, recomputed per call.
func (c *Controller) View() View {
	snap := c.repl.Snapshot()

	c.mu.Lock()
	v := View{
		InstanceID:       c.id,
		Phase:            c.phase,
		Category:         c.category,
		Sips:             c.sips,
		SipTarget:        c.opts.SipTarget,
		DurationSeconds:  int(c.duration / time.Second),
		RemainingSeconds: int(c.remaining / time.Second),
		Outcome:          c.outcome,
		PeerCount:        snap.PeerCount,
		Counters:         snap.Counters,
	}
	if !c.startedAt.IsZero() {
		t := c.startedAt
		v.StartedAt = &t
	}
	if c.completedAt != nil {
		t := *c.completedAt
		v.CompletedAt = &t
	}
	c.mu.Unlock()
	return v
}

// countdown runs for one session generation. The context is cancelled on
// every exit from Active, and the generation check makes a stale ticker
// inert even if it fires during teardown.
func (c *Controller) countdown(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.tick(gen) {
				return
			}
		}
	}
}

// tick advances the countdown one step. Returns true when the countdown is
// done, either because the session timed out or because it no longer
// belongs to this generation.
func (c *Controller) tick(gen uint64) bool {
	c.mu.Lock()
	if c.phase != Active || c.generation != gen {
		c.mu.Unlock()
		return true
	}
	c.remaining -= c.opts.TickInterval
	if c.remaining > 0 {
		c.mu.Unlock()
		c.emit(EventUpdate)
		return false
	}
	c.remaining = 0
	category := c.completeLocked(OutcomeTimeout)
	c.mu.Unlock()

	observability.RecordSessionCompleted(string(OutcomeTimeout))
	c.log.WithField("category", category).Info("session timed out")
	c.emit(EventPhase)
	return true
}

// completeLocked transitions Active to Completed and releases the countdown.
// Caller holds c.mu and runs the outcome's side effects after unlocking.
func (c *Controller) completeLocked(outcome Outcome) stats.Category {
	c.phase = Completed
	c.outcome = outcome
	now := time.Now()
	c.completedAt = &now
	if c.cancelTick != nil {
		c.cancelTick()
		c.cancelTick = nil
	}
	return c.category
}

func (c *Controller) onPeersChanged(int) {
	c.emit(EventPresence)
}

func (c *Controller) onCountersChanged() {
	c.emit(EventStats)
}

// emit sends an event without blocking. Drops are counted and logged at
// most once per 10 seconds.
func (c *Controller) emit(t EventType) {
	select {
	case c.events <- Event{Type: t, View: c.View()}:
	default:
		c.mu.Lock()
		c.dropped++
		n := c.dropped
		now := time.Now()
		shouldLog := c.lastDropLog.IsZero() || now.Sub(c.lastDropLog) >= 10*time.Second
		if shouldLog {
			c.lastDropLog = now
			c.dropped = 0
		}
		c.mu.Unlock()

		if shouldLog {
			c.log.WithField("dropped", n).Warn("feed events dropped (channel full)")
		}
	}
}
