package session

// EventType classifies controller notifications to the feed.
type EventType int

const (
	EventPhase    EventType = iota // phase transition (start, complete, restart)
	EventUpdate                    // session fields changed (sip, countdown tick)
	EventStats                     // counter set changed (local or mirrored)
	EventPresence                  // peer count changed
)

// Event carries a merged view snapshot to observers.
type Event struct {
	Type EventType
	View View // snapshot (safe to retain)
}
