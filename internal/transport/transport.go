// Package transport provides the WebSocket link to the controller and the
// event model the connection state machine consumes. The state machine never
// touches a raw socket: it sees Dial results and a channel of Events, which
// keeps transition logic testable without a real server.
package transport

import "context"

// ConnectionState describes the current link status.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "disconnected"
	}
}

// EventKind discriminates transport events.
type EventKind int

const (
	// EventFrame carries one inbound wire frame.
	EventFrame EventKind = iota
	// EventErrored reports a non-fatal transport error. It is always
	// followed by EventClosed; it never drives a state transition itself.
	EventErrored
	// EventClosed reports that the link is gone. Last event on the channel.
	EventClosed
)

// Event is one occurrence on an open connection.
type Event struct {
	Kind EventKind
	Data []byte
	Err  error
}

// Conn is one live connection. At most one Conn exists at any time; the
// connection manager closes a prior Conn before dialing a new one.
type Conn interface {
	// Events returns the inbound event stream. The channel is closed after
	// EventClosed is delivered.
	Events() <-chan Event
	// Send writes one frame. Safe for concurrent use.
	Send(data []byte) error
	// Close tears the link down. Idempotent.
	Close() error
}

// Dialer opens connections. Implementations must not block past their
// handshake timeout.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
