// Package mock simulates a handful of peer instances for demo mode. Each
// simulated peer opens its own link on the broadcast group and speaks the
// real wire protocol: heartbeats while present, counter increments when it
// "orders" a drink. The daemon's own tracker and replicator cannot tell them
// from genuine instances.
package mock

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/broadcast"
	"github.com/torontomonica-create/Coffee-break/internal/stats"
)

// DefaultTickInterval matches the heartbeat cadence of a real instance.
const DefaultTickInterval = time.Second

type demoPeer struct {
	id         string
	favorite   stats.Category
	orderEvery int // mean ticks between orders
	flaky      bool

	link      broadcast.Link
	nextOrder int
	quiet     bool
}

// personas are the simulated office devices, in join order. Peers beyond
// Options.Peers stay home.
var personas = []struct {
	id         string
	favorite   stats.Category
	orderEvery int
	flaky      bool
}{
	{"demo-lounge-tv", stats.Espresso, 14, false},
	{"demo-kitchen-tablet", stats.Latte, 18, false},
	{"demo-front-desk", stats.Cappuccino, 22, false},
	{"demo-workshop-pi", stats.Iced, 26, true},
	{"demo-corner-booth", stats.Tea, 30, false},
}

type Options struct {
	// Network is the in-process medium the peers attach to.
	Network *broadcast.Network

	// Group scopes the peers' links; it must match the daemon's group.
	Group string

	// Peers is how many personas to wake, clamped to the available set.
	Peers int

	// TickInterval shortens the simulation clock in tests.
	TickInterval time.Duration

	Log logrus.FieldLogger
}

type Generator struct {
	net   *broadcast.Network
	group string
	tick  time.Duration
	log   logrus.FieldLogger
	peers []*demoPeer
}

func NewGenerator(opts Options) *Generator {
	if opts.Peers <= 0 || opts.Peers > len(personas) {
		opts.Peers = len(personas)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	g := &Generator{
		net:   opts.Network,
		group: opts.Group,
		tick:  opts.TickInterval,
		log:   opts.Log.WithField("component", "demo"),
	}
	for _, p := range personas[:opts.Peers] {
		g.peers = append(g.peers, &demoPeer{
			id:         p.id,
			favorite:   p.favorite,
			orderEvery: p.orderEvery,
			flaky:      p.flaky,
			// Stagger the first round so the counters move early on.
			nextOrder: 2 + rand.Intn(p.orderEvery),
		})
	}
	return g
}

// Start attaches every peer to the group and announces them with a first
// heartbeat, then drives the simulation until ctx is cancelled.
func (g *Generator) Start(ctx context.Context) {
	for _, p := range g.peers {
		p.link = g.net.Open(g.group)
		p.link.Send(broadcast.NewHeartbeat(p.id))
	}
	g.log.WithField("peers", len(g.peers)).Info("demo peers joined the group")

	go g.run(ctx)
}

func (g *Generator) run(ctx context.Context) {
	defer func() {
		for _, p := range g.peers {
			p.link.Close()
		}
	}()

	ticker := time.NewTicker(g.tick)
	defer ticker.Stop()

	tick := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick++
			for _, p := range g.peers {
				g.advance(p, tick)
			}
		}
	}
}

func (g *Generator) advance(p *demoPeer, tick int) {
	if p.flaky {
		// Repeating cycle: at the machine for 45 ticks, away for 25. The
		// away window lets the presence sweep evict the peer and the rejoin
		// exercises the immediate-heartbeat path on a live demo.
		const cyclePeriod = 70
		phase := tick % cyclePeriod
		presentUntil := 45

		if phase >= presentUntil {
			if !p.quiet {
				p.quiet = true
				g.log.WithField("peer", p.id).Debug("demo peer stepped away")
			}
			return
		}
		if p.quiet {
			p.quiet = false
			g.log.WithField("peer", p.id).Debug("demo peer back at the machine")
		}
	}

	p.link.Send(broadcast.NewHeartbeat(p.id))

	if tick >= p.nextOrder {
		category := p.favorite
		if rand.Intn(4) == 0 {
			all := stats.Categories()
			category = all[rand.Intn(len(all))]
		}
		p.link.Send(broadcast.NewIncrement(string(category), p.id))

		jitter := rand.Intn(p.orderEvery/2 + 1)
		p.nextOrder = tick + p.orderEvery + jitter
	}
}
