// Package dispatch routes inbound events to the handler that owns them and
// is the single place where handler errors become wire-level error events.
package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Socket is one client connection as handlers see it.
type Socket interface {
	ID() string

	// HandshakeUserID is the identity verified at upgrade, or ""
	HandshakeUserID() string
	RemoteAddr() string

	// Emit queues event for this connection only
	Emit(event string, payload any) error

	// Disconnect closes the connection after delay so queued frames flush
	Disconnect(reason string, after time.Duration)
}

// Handler owns a fixed set of event names.
type Handler interface {
	Name() string
	Events() []string
	HandleEvent(ctx context.Context, sock Socket, event string, payload json.RawMessage) error
}

// ConnectHandler is implemented by handlers that react to new connections.
type ConnectHandler interface {
	OnConnect(ctx context.Context, sock Socket) error
}

// DisconnectHandler is implemented by handlers that clean up after a
// connection goes away.
type DisconnectHandler interface {
	OnDisconnect(ctx context.Context, sock Socket, reason string)
}

// ReconnectHandler is implemented by handlers that take part in transport
// reconnect recovery.
type ReconnectHandler interface {
	OnReconnectAttempt(ctx context.Context, sock Socket, attempt int)
	OnReconnectSuccess(ctx context.Context, sock Socket, attempt int)
	OnReconnectFailed(ctx context.Context, sock Socket)
}
