package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/auth"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/dispatch/dispatchtest"
	"github.com/adred-codev/roomcast/internal/handlers"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/adred-codev/roomcast/internal/session"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// hub stands in for the transport: it routes deliveries to test sockets
// and records evictions.
type hub struct {
	mu      sync.Mutex
	socks   map[string]*dispatchtest.Socket
	evicted map[string]string
}

func (h *hub) Deliver(connID, event string, payload any) error {
	h.mu.Lock()
	sock, ok := h.socks[connID]
	h.mu.Unlock()
	if !ok {
		return errors.New("no such connection")
	}
	return sock.Emit(event, payload)
}

func (h *hub) Evict(connID, reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evicted[connID] = reason
	_, ok := h.socks[connID]
	return ok
}

func (h *hub) evictedFor(connID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.evicted[connID]
	return r, ok
}

type env struct {
	t        *testing.T
	reg      *dispatch.Registry
	sessions *session.Store
	rooms    *rooms.Registry
	hub      *hub
	jwt      *auth.JWTManager
}

type envOptions struct {
	legacy     bool
	revalidate func(context.Context, string) error
}

func newEnv(t *testing.T, opts envOptions) *env {
	t.Helper()
	logger := zerolog.Nop()
	jwt := auth.NewJWTManager("test-secret", time.Hour)

	sessions := session.NewStore(session.Config{
		Verifier:     jwt,
		AllowLegacy:  opts.legacy,
		FailureGrace: 5 * time.Millisecond,
		Backoff:      session.Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2},
		Revalidate:   opts.revalidate,
		Logger:       logger,
	})
	registry := rooms.NewRegistry(rooms.Config{HistorySize: 5, Logger: logger})

	h := &hub{socks: map[string]*dispatchtest.Socket{}, evicted: map[string]string{}}
	registry.SetDeliverer(h)
	sessions.SetEvictor(h)

	reg := dispatch.NewRegistry(logger)
	reg.Register(handlers.NewAuthHandler(sessions, registry, jwt, logger))
	reg.Register(handlers.NewSystemHandler(sessions, registry, handlers.SystemConfig{
		InstanceID:           "test-instance",
		MaxReconnectAttempts: 3,
		Backoff:              session.Backoff{Base: 100 * time.Millisecond, Max: time.Second, Factor: 2},
	}, logger))
	reg.Register(handlers.NewClientHandler(sessions, registry, handlers.ClientConfig{MaxMessageLength: 64}, logger))

	return &env{t: t, reg: reg, sessions: sessions, rooms: registry, hub: h, jwt: jwt}
}

func (e *env) connect(id, handshakeUser string) *dispatchtest.Socket {
	e.t.Helper()
	sock := dispatchtest.NewSocket(id).WithHandshakeUser(handshakeUser)
	e.hub.mu.Lock()
	e.hub.socks[id] = sock
	e.hub.mu.Unlock()
	require.NoError(e.t, e.reg.Connect(context.Background(), sock))
	return sock
}

func (e *env) disconnect(sock *dispatchtest.Socket) {
	e.reg.Disconnect(context.Background(), sock, "client_closed")
	e.hub.mu.Lock()
	delete(e.hub.socks, sock.ID())
	e.hub.mu.Unlock()
}

func (e *env) send(sock *dispatchtest.Socket, event string, payload any) error {
	e.t.Helper()
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(e.t, err)
		raw = b
	}
	return e.reg.Dispatch(context.Background(), sock, event, raw)
}

// login connects and registers in legacy mode.
func (e *env) login(id, user string) *dispatchtest.Socket {
	e.t.Helper()
	sock := e.connect(id, "")
	require.NoError(e.t, e.send(sock, handlers.EventRegister, map[string]string{"userId": user}))
	return sock
}

func (e *env) token(user string) string {
	e.t.Helper()
	tok, err := e.jwt.Generate(user, "", "")
	require.NoError(e.t, err)
	return tok
}

func lastError(t *testing.T, sock *dispatchtest.Socket) apperr.Payload {
	t.Helper()
	var p apperr.Payload
	require.NoError(t, sock.Decode(dispatch.EventError, &p))
	return p
}
