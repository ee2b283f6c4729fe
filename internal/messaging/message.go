// Package messaging provides the application-side message model for the relay:
// messages with STOMP header accessors, in-process channels, and broker
// lifecycle events.
package messaging

import (
	"github.com/go-stomp/stomp/v3/frame"
)

// MessageType classifies an application message independent of its wire command.
type MessageType string

const (
	// TypeConnect is a client connection request
	TypeConnect MessageType = "connect"
	// TypeDisconnect is a client disconnection request
	TypeDisconnect MessageType = "disconnect"
	// TypeSubscribe is a subscription request
	TypeSubscribe MessageType = "subscribe"
	// TypeUnsubscribe is an unsubscription request
	TypeUnsubscribe MessageType = "unsubscribe"
	// TypeMessage is an application payload message
	TypeMessage MessageType = "message"
	// TypeHeartbeat is a liveness probe frame
	TypeHeartbeat MessageType = "heartbeat"
	// TypeOther covers frames the relay forwards without interpreting
	TypeOther MessageType = "other"
)

// Message is a payload plus its header accessor. The accessor may be nil for
// messages produced outside the relay's messaging templates.
type Message struct {
	Payload  []byte
	accessor *HeaderAccessor
}

// NewMessage creates a message from a payload and header accessor.
func NewMessage(payload []byte, accessor *HeaderAccessor) *Message {
	return &Message{
		Payload:  payload,
		accessor: accessor,
	}
}

// Accessor returns the message's header accessor, or nil if it has none.
func (m *Message) Accessor() *HeaderAccessor {
	return m.accessor
}

// heartbeatMessage is the cached heartbeat frame: a single newline payload
// with a heartbeat-typed accessor. Constructed once, shared by all sessions.
var heartbeatMessage = &Message{
	Payload: []byte("\n"),
	accessor: &HeaderAccessor{
		typ:    TypeHeartbeat,
		header: frame.NewHeader(),
	},
}

// HeartbeatMessage returns the shared immutable heartbeat message used for
// outbound heartbeats.
func HeartbeatMessage() *Message {
	return heartbeatMessage
}

// NewHeartbeatMessage creates a fresh heartbeat message whose accessor can
// still be tagged with a session id.
func NewHeartbeatMessage() *Message {
	return &Message{
		Payload:  []byte("\n"),
		accessor: FromFrame(nil),
	}
}
