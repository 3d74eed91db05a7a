package broadcast

import (
	"encoding/json"
	"errors"
)

type MessageType string

const (
	MsgHeartbeat        MessageType = "heartbeat"
	MsgCounterIncrement MessageType = "counter_increment"
)

// Message is the envelope every transmission carries. Group scopes delivery
// to one logical deployment; the payload shape depends on Type. There is no
// version field: a schema change requires a coordinated deploy.
type Message struct {
	Group   string          `json:"group"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HeartbeatPayload announces that the sending instance is alive. It carries
// nothing but the sender's identity.
type HeartbeatPayload struct {
	ID string `json:"id"`
}

// IncrementPayload propagates one counter increment. Origin is the sender's
// instance id, present so a receiver can discard echoes of its own
// increments on transports that loop sends back to the sender.
type IncrementPayload struct {
	Category string `json:"category"`
	Origin   string `json:"origin"`
}

// NewHeartbeat builds a heartbeat message for the given instance id. The
// link stamps the group on send.
func NewHeartbeat(id string) Message {
	payload, _ := json.Marshal(HeartbeatPayload{ID: id})
	return Message{Type: MsgHeartbeat, Payload: payload}
}

// NewIncrement builds a counter-increment message tagged with its origin.
func NewIncrement(category, origin string) Message {
	payload, _ := json.Marshal(IncrementPayload{Category: category, Origin: origin})
	return Message{Type: MsgCounterIncrement, Payload: payload}
}

var (
	errWrongType    = errors.New("message type mismatch")
	errEmptyPayload = errors.New("empty payload field")
)

// DecodeHeartbeat extracts and validates a heartbeat payload.
func DecodeHeartbeat(m Message) (HeartbeatPayload, error) {
	var p HeartbeatPayload
	if m.Type != MsgHeartbeat {
		return p, errWrongType
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, err
	}
	if p.ID == "" {
		return p, errEmptyPayload
	}
	return p, nil
}

// DecodeIncrement extracts and validates a counter-increment payload. The
// category is not checked against the known set here; that is the
// replicator's concern.
func DecodeIncrement(m Message) (IncrementPayload, error) {
	var p IncrementPayload
	if m.Type != MsgCounterIncrement {
		return p, errWrongType
	}
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return p, err
	}
	if p.Category == "" {
		return p, errEmptyPayload
	}
	return p, nil
}
