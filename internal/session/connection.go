package session

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is the authentication state of one connection.
//
//	Unauthenticated → Authenticated → Disconnected
//	                        ↓
//	                  Reconnecting → Authenticated | Unauthenticated
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateReconnecting
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// AuthMethod records which entry path authenticated a connection.
type AuthMethod string

const (
	MethodHandshake AuthMethod = "handshake" // token verified at upgrade
	MethodToken     AuthMethod = "token"     // signed token sent after connect
	MethodLegacy    AuthMethod = "legacy"    // bare user id, no signature
)

// ReconnectState tracks an in-flight transport reconnect.
type ReconnectState struct {
	Attempt        int
	Delay          time.Duration
	PreviousUserID string // set only between BeginReconnect and Complete/FailReconnect
	Exhausted      bool
}

// Connection is the bookkeeping for one live transport channel.
//
// id, connectedAt and handshakeUserID never change after creation.
// Everything else is guarded by mu except lastActivity, which is written on
// every inbound frame and kept atomic so the read loop never contends.
type Connection struct {
	id              string
	remoteAddr      string
	handshakeUserID string
	connectedAt     time.Time
	lastActivity    atomic.Int64 // unix nanos

	mu        sync.Mutex
	state     State
	userID    string
	method    AuthMethod
	reconnect ReconnectState
}

func newConnection(id, handshakeUserID, remoteAddr string, now time.Time) *Connection {
	c := &Connection{
		id:              id,
		remoteAddr:      remoteAddr,
		handshakeUserID: handshakeUserID,
		connectedAt:     now,
		state:           StateUnauthenticated,
	}
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() string { return c.id }

// HandshakeUserID is the identity verified at upgrade time, or "".
func (c *Connection) HandshakeUserID() string { return c.handshakeUserID }

func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

// Info is a point-in-time view of a connection for the admin API.
type Info struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId,omitempty"`
	State         string     `json:"state"`
	Authenticated bool       `json:"authenticated"`
	Method        AuthMethod `json:"method,omitempty"`
	RemoteAddr    string     `json:"remoteAddr,omitempty"`
	ConnectedAt   time.Time  `json:"connectedAt"`
	LastActivity  time.Time  `json:"lastActivity"`
	Reconnecting  bool       `json:"reconnecting,omitempty"`
}

// Info returns a snapshot of c.
func (c *Connection) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		ID:            c.id,
		UserID:        c.userID,
		State:         c.state.String(),
		Authenticated: c.state == StateAuthenticated,
		Method:        c.method,
		RemoteAddr:    c.remoteAddr,
		ConnectedAt:   c.connectedAt,
		LastActivity:  c.LastActivity(),
		Reconnecting:  c.state == StateReconnecting,
	}
}
