package chatsync

import "context"

// Transport moves messages between the client and the backend. Exactly one
// transport feeds the store at a time; the connection manager fully tears
// down the previous transport before activating a new one.
//
// Implementations never reconnect on their own. When the channel is lost
// they report it through OnLost once and wait to be closed; reconnection
// policy belongs to the connection manager.
type Transport interface {
	// Start begins delivering messages through the registered callbacks.
	// It returns an error if the transport cannot establish its channel.
	Start(ctx context.Context) error

	// Send transmits one message. A transport that confirms synchronously
	// (HTTP POST) returns the server-confirmed copy with ok=true. A
	// transport that confirms asynchronously (WebSocket echo) returns
	// ok=false and the confirmation arrives later through OnMessages,
	// matched by client correlation key.
	Send(ctx context.Context, msg Message) (confirmed Message, ok bool, err error)

	// Close tears the transport down synchronously. After Close returns no
	// further callbacks fire. Safe to call more than once.
	Close()

	// Name identifies the transport variant in logs and metrics.
	Name() string
}

// transportCallbacks receive transport events. OnLost carries a typed
// failure; transports fail closed and never panic across the boundary.
type transportCallbacks struct {
	onMessages func([]Message)
	onLost     func(err error)
}
