package stats

import (
	"sync"
)

// degradedThreshold is the consecutive-failure count at which the store is
// considered degraded.
const degradedThreshold = 3

// writeHealth tracks consecutive durable-write failures so the replicator
// logs the degraded and recovered transitions once each instead of on every
// write. Fields are protected by mu because writes arrive from the caller's
// goroutine and from the link's receive goroutine.
type writeHealth struct {
	mu       sync.Mutex
	failures int
	lastErr  string
	degraded bool
}

// recordFailure returns true when this failure crosses the degraded
// threshold for the first time.
func (h *writeHealth) recordFailure(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures++
	h.lastErr = err.Error()
	if !h.degraded && h.failures >= degradedThreshold {
		h.degraded = true
		return true
	}
	return false
}

// recordSuccess returns true when the store has just recovered from a
// degraded stretch.
func (h *writeHealth) recordSuccess() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	wasDegraded := h.degraded
	h.failures = 0
	h.lastErr = ""
	h.degraded = false
	return wasDegraded
}

// snapshot returns a consistent copy of the health fields.
func (h *writeHealth) snapshot() (failures int, degraded bool, lastErr string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures, h.degraded, h.lastErr
}
