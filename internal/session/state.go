package session

import (
	"encoding/json"
	"time"

	"github.com/torontomonica-create/Coffee-break/internal/stats"
)

// Phase is the lifecycle state of the break session.
type Phase int

const (
	Idle Phase = iota
	Active
	Completed
)

var phaseNames = map[Phase]string{
	Idle:      "idle",
	Active:    "active",
	Completed: "completed",
}

var phaseFromName = map[string]Phase{
	"idle":      Idle,
	"active":    Active,
	"completed": Completed,
}

func (p Phase) String() string {
	if s, ok := phaseNames[p]; ok {
		return s
	}
	return "unknown"
}

func (p Phase) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

func (p *Phase) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := phaseFromName[s]; ok {
		*p = v
	}
	return nil
}

// Outcome labels how a session reached Completed. Only a finished cup
// produces a counter increment; timeouts and early exits never do.
type Outcome string

const (
	OutcomeFinished  Outcome = "finished"  // sip target reached
	OutcomeTimeout   Outcome = "timeout"   // countdown hit zero
	OutcomeAbandoned Outcome = "abandoned" // manual early exit
)

// View is the merged snapshot handed to the rendering layer: the session
// fields plus the live peer count and counter set, recomputed per call.
type View struct {
	InstanceID       string                 `json:"instanceId"`
	Phase            Phase                  `json:"phase"`
	Category         stats.Category         `json:"category,omitempty"`
	Sips             int                    `json:"sips"`
	SipTarget        int                    `json:"sipTarget"`
	DurationSeconds  int                    `json:"durationSeconds"`
	RemainingSeconds int                    `json:"remainingSeconds"`
	Outcome          Outcome                `json:"outcome,omitempty"`
	StartedAt        *time.Time             `json:"startedAt,omitempty"`
	CompletedAt      *time.Time             `json:"completedAt,omitempty"`
	PeerCount        int                    `json:"peerCount"`
	Counters         map[stats.Category]int `json:"counters"`
}
