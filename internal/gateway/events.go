package gateway

import (
	"github.com/bark-labs/apns-relay/internal/apns"
	"github.com/bark-labs/apns-relay/internal/model"
)

// EventType labels the channel events a subscriber can observe.
type EventType int

// Channel event types.
const (
	// EventSent means the frame was handed to the transport, not that the
	// remote acknowledged it.
	EventSent EventType = iota
	// EventBuffer means the transport reported backpressure and the channel
	// entered the buffering state.
	EventBuffer
	// EventDrained means the buffering backlog was fully flushed.
	EventDrained
	// EventNotificationError carries a decoded inbound error record.
	EventNotificationError
	// EventClosed means the connection ended cleanly.
	EventClosed
	// EventError means the connection failed.
	EventError
)

// Event is one observation from the channel. Notification is set for
// sent/buffer events, Report for notification errors and Err for
// close/error events.
type Event struct {
	Type         EventType
	Notification *model.Notification
	Report       *apns.ErrorReport
	Err          error
}

// State is the connection lifecycle position.
type State int

// Channel states.
const (
	StateDisconnected State = iota
	StateConnecting
	StateIdle
	StateBuffering
)

// String returns a readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdle:
		return "authorized-idle"
	case StateBuffering:
		return "authorized-buffering"
	default:
		return "unknown"
	}
}
