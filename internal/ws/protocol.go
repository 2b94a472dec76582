package ws

import (
	"github.com/agent-racer/tracewatch/internal/index"
	"github.com/agent-racer/tracewatch/internal/stream"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEnvelope MessageType = "envelope"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload is sent once per connection. Envelopes that follow it
// always carry a version greater than Snapshot.Version.
type SnapshotPayload struct {
	index.Snapshot
}

type EnvelopePayload = stream.Envelope

type ErrorPayload struct {
	Message string `json:"message"`
}
