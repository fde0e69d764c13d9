// Package transport provides the persistent full-duplex message connection a
// voice session runs over. Notifications (connected, disconnected, error and
// data) are delivered as [Event] values on a channel owned by the caller's
// task rather than through callbacks on the network goroutine.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransport marks connect and send failures. Callers decide whether to
// reconnect; this package never retries on its own.
var ErrTransport = errors.New("transport failure")

// ErrNotConnected is returned by Send when no connection is open.
var ErrNotConnected = fmt.Errorf("not connected: %w", ErrTransport)

// EventKind classifies an [Event].
type EventKind int

const (
	// EventConnected is emitted once the connection is established.
	EventConnected EventKind = iota

	// EventDisconnected is emitted once when the connection ends, whether
	// closed locally or by the peer.
	EventDisconnected

	// EventError reports a connection-level failure. It is followed by
	// EventDisconnected.
	EventError

	// EventData carries one complete, reassembled inbound message.
	EventData
)

// String returns the human-readable name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventError:
		return "ERROR"
	case EventData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// Event is one notification from a [Transport].
type Event struct {
	Kind EventKind

	// Payload holds the message for EventData. It is owned by the receiver.
	Payload []byte

	// Binary reports whether an EventData message arrived as a binary frame.
	Binary bool

	// Err is set for EventError.
	Err error
}

// Transport is a persistent message-oriented connection.
//
// Implementations must be safe for concurrent use: Send may be called from
// any goroutine while the owner drains Events.
type Transport interface {
	// Connect opens the connection to url. It returns an error wrapping
	// [ErrTransport] on failure.
	Connect(ctx context.Context, url string) error

	// Send writes one text message.
	Send(ctx context.Context, msg []byte) error

	// Close terminates the connection and closes the Events channel. It is
	// idempotent.
	Close() error

	// Connected reports whether the connection is currently open.
	Connected() bool

	// Events returns the notification channel. It is closed by Close.
	Events() <-chan Event
}
