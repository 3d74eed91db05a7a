package ws

import (
	"encoding/json"

	"github.com/torontomonica-create/Coffee-break/internal/session"
)

type MessageType string

// Server to client.
const (
	MsgSnapshot MessageType = "snapshot"
	MsgRemark   MessageType = "remark"
	MsgError    MessageType = "error"
)

// Client to server intents.
const (
	MsgStart   MessageType = "start"
	MsgSip     MessageType = "sip"
	MsgFinish  MessageType = "finish"
	MsgRestart MessageType = "restart"
)

// WSMessage is the outbound envelope.
type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// IntentMessage is the inbound envelope; the payload stays raw until the
// type is known.
type IntentMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SnapshotPayload struct {
	View session.View `json:"view"`
}

type StartPayload struct {
	Category        string `json:"category"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

type RemarkPayload struct {
	Text string `json:"text"`
}

type ErrorPayload struct {
	Error string `json:"error"`
}
