package session

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/torontomonica-create/Coffee-break/internal/broadcast"
	"github.com/torontomonica-create/Coffee-break/internal/stats"
	"github.com/torontomonica-create/Coffee-break/internal/storage"
)

const (
	testTick      = 10 * time.Millisecond
	testHeartbeat = 20 * time.Millisecond
	testTTL       = 100 * time.Millisecond
	testSweep     = 20 * time.Millisecond
	testSipTarget = 3
)

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestController(t *testing.T, n *broadcast.Network, id string) *Controller {
	t.Helper()
	c := New(Options{
		ID:                id,
		Link:              n.Open("office"),
		Store:             storage.NewFileStore(t.TempDir()),
		Log:               discardLogger(),
		HeartbeatInterval: testHeartbeat,
		TTL:               testTTL,
		SweepInterval:     testSweep,
		TickInterval:      testTick,
		SessionDuration:   time.Minute,
		SipTarget:         testSipTarget,
	})
	c.Open(context.Background())
	t.Cleanup(c.Close)
	return c
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func TestNaturalCompletion_IncrementsExactlyOnce(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	if err := c.Start(stats.Latte, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < testSipTarget; i++ {
		if err := c.Sip(); err != nil {
			t.Fatalf("Sip %d: %v", i, err)
		}
	}

	v := c.View()
	if v.Phase != Completed {
		t.Fatalf("phase = %v, want Completed", v.Phase)
	}
	if v.Outcome != OutcomeFinished {
		t.Errorf("outcome = %q, want finished", v.Outcome)
	}
	if v.Counters[stats.Latte] != 1 {
		t.Errorf("latte = %d, want 1", v.Counters[stats.Latte])
	}
	if v.CompletedAt == nil {
		t.Error("completedAt not set")
	}
}

func TestTimeout_NoIncrement(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	if err := c.Start(stats.Espresso, 3*testTick); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, time.Second, func() bool {
		return c.View().Phase == Completed
	}, "countdown to complete the session")

	v := c.View()
	if v.Outcome != OutcomeTimeout {
		t.Errorf("outcome = %q, want timeout", v.Outcome)
	}
	if v.RemainingSeconds != 0 {
		t.Errorf("remaining = %d, want 0", v.RemainingSeconds)
	}
	if v.Counters[stats.Espresso] != 0 {
		t.Errorf("espresso = %d after timeout, want 0", v.Counters[stats.Espresso])
	}
}

func TestManualFinish_NoIncrement(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	if err := c.Start(stats.Tea, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Sip(); err != nil {
		t.Fatalf("Sip: %v", err)
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	v := c.View()
	if v.Phase != Completed {
		t.Fatalf("phase = %v, want Completed", v.Phase)
	}
	if v.Outcome != OutcomeAbandoned {
		t.Errorf("outcome = %q, want abandoned", v.Outcome)
	}
	if v.Counters[stats.Tea] != 0 {
		t.Errorf("tea = %d after abandon, want 0", v.Counters[stats.Tea])
	}
	if err := c.Sip(); err != ErrNotActive {
		t.Errorf("Sip after finish = %v, want ErrNotActive", err)
	}
}

func TestRestartCycle(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	finish := func() {
		t.Helper()
		if err := c.Start(stats.Iced, time.Minute); err != nil {
			t.Fatalf("Start: %v", err)
		}
		for i := 0; i < testSipTarget; i++ {
			if err := c.Sip(); err != nil {
				t.Fatalf("Sip: %v", err)
			}
		}
		if err := c.Restart(); err != nil {
			t.Fatalf("Restart: %v", err)
		}
	}

	finish()
	finish()

	v := c.View()
	if v.Phase != Idle {
		t.Fatalf("phase = %v, want Idle", v.Phase)
	}
	if v.Counters[stats.Iced] != 2 {
		t.Errorf("iced = %d after two cups, want 2", v.Counters[stats.Iced])
	}
	if v.Category != "" || v.Sips != 0 || v.Outcome != "" {
		t.Errorf("restart left session fields behind: %+v", v)
	}
}

func TestWrongPhaseIntents(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	if err := c.Sip(); err != ErrNotActive {
		t.Errorf("Sip in Idle = %v, want ErrNotActive", err)
	}
	if err := c.Finish(); err != ErrNotActive {
		t.Errorf("Finish in Idle = %v, want ErrNotActive", err)
	}
	if err := c.Restart(); err != ErrNotCompleted {
		t.Errorf("Restart in Idle = %v, want ErrNotCompleted", err)
	}
	if err := c.Start("beer", time.Minute); err != ErrUnknownCategory {
		t.Errorf("Start(beer) = %v, want ErrUnknownCategory", err)
	}

	if err := c.Start(stats.Latte, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Start(stats.Latte, time.Minute); err != ErrNotIdle {
		t.Errorf("second Start = %v, want ErrNotIdle", err)
	}
	if err := c.Restart(); err != ErrNotCompleted {
		t.Errorf("Restart in Active = %v, want ErrNotCompleted", err)
	}
}

func TestStartZeroDurationTakesDefault(t *testing.T) {
	n := broadcast.NewNetwork()
	c := New(Options{
		ID:                "a",
		Link:              n.Open("office"),
		Store:             storage.NewFileStore(t.TempDir()),
		Log:               discardLogger(),
		HeartbeatInterval: testHeartbeat,
		TTL:               testTTL,
		SweepInterval:     testSweep,
		TickInterval:      testTick,
		SessionDuration:   20 * testTick,
		SipTarget:         testSipTarget,
	})
	c.Open(context.Background())
	t.Cleanup(c.Close)

	if err := c.Start(stats.Latte, 0); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Well inside the default duration the session is still running.
	time.Sleep(5 * testTick)
	if got := c.View().Phase; got != Active {
		t.Fatalf("phase after 5 ticks = %v, want Active", got)
	}

	waitFor(t, time.Second, func() bool {
		return c.View().Phase == Completed
	}, "default duration to elapse")
}

func TestStaleCountdownLeavesNextSessionAlone(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	// First session would time out at 3 ticks, but we finish it by hand
	// and start another one before that deadline passes.
	if err := c.Start(stats.Latte, 3*testTick); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if err := c.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := c.Start(stats.Tea, time.Minute); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	time.Sleep(6 * testTick)
	v := c.View()
	if v.Phase != Active {
		t.Fatalf("phase = %v, the first countdown leaked into the second session", v.Phase)
	}
	if v.Category != stats.Tea {
		t.Errorf("category = %q, want tea", v.Category)
	}
}

func TestViewMergesLivePeerCount(t *testing.T) {
	n := broadcast.NewNetwork()
	a := newTestController(t, n, "a")
	b := newTestController(t, n, "b")

	waitFor(t, time.Second, func() bool {
		return a.View().PeerCount == 2 && b.View().PeerCount == 2
	}, "both instances to see each other")
}

// awaitEvent drains the feed until an event matches or the deadline passes.
func awaitEvent(t *testing.T, c *Controller, desc string, match func(Event) bool) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-c.Events():
			if match(ev) {
				return
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", desc)
		}
	}
}

func TestEventsCarrySnapshots(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	if err := c.Start(stats.Cappuccino, time.Minute); err != nil {
		t.Fatalf("Start: %v", err)
	}
	awaitEvent(t, c, "phase", func(ev Event) bool {
		return ev.Type == EventPhase && ev.View.Phase == Active
	})

	if err := c.Sip(); err != nil {
		t.Fatalf("Sip: %v", err)
	}
	awaitEvent(t, c, "sip update", func(ev Event) bool {
		return ev.Type == EventUpdate && ev.View.Sips == 1
	})
}

func TestCloseCancelsCountdown(t *testing.T) {
	n := broadcast.NewNetwork()
	c := newTestController(t, n, "a")

	if err := c.Start(stats.Latte, 2*testTick); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.Close()
	c.Close() // idempotent

	time.Sleep(4 * testTick)
	if got := c.View().Phase; got != Active {
		t.Errorf("phase after Close = %v, the countdown fired into torn-down state", got)
	}
}
