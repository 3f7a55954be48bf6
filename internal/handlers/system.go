package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/adred-codev/roomcast/internal/session"
	"github.com/rs/zerolog"
)

// SystemConfig holds the values the system handler reports to clients.
type SystemConfig struct {
	InstanceID           string
	MaxReconnectAttempts int
	Backoff              session.Backoff
}

type welcome struct {
	ConnectionID string         `json:"connectionId"`
	InstanceID   string         `json:"instanceId"`
	ServerTime   int64          `json:"serverTime"`
	UserID       string         `json:"userId,omitempty"`
	Reconnect    reconnectHints `json:"reconnect"`
}

type reconnectHints struct {
	BaseDelayMs int64   `json:"baseDelayMs"`
	MaxDelayMs  int64   `json:"maxDelayMs"`
	Factor      float64 `json:"factor"`
	MaxAttempts int     `json:"maxAttempts"`
}

type reconnectStatus struct {
	Status      string `json:"status"`
	Attempt     int    `json:"attempt"`
	DelayMs     int64  `json:"delayMs,omitempty"`
	MaxAttempts int    `json:"maxAttempts"`
}

type stateRecovered struct {
	UserID string   `json:"userId"`
	Rooms  []string `json:"rooms"`
}

type recoveryFailed struct {
	Message string `json:"message"`
}

type reconnectFailed struct {
	Attempts int    `json:"attempts"`
	Message  string `json:"message"`
}

// SystemHandler owns connection lifecycle: session bookkeeping, the
// fleet-wide broadcast room, heartbeats and reconnect recovery.
type SystemHandler struct {
	sessions *session.Store
	rooms    *rooms.Registry
	cfg      SystemConfig
	logger   zerolog.Logger
}

func NewSystemHandler(sessions *session.Store, registry *rooms.Registry, cfg SystemConfig, logger zerolog.Logger) *SystemHandler {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.Backoff == (session.Backoff{}) {
		cfg.Backoff = session.DefaultBackoff()
	}
	return &SystemHandler{
		sessions: sessions,
		rooms:    registry,
		cfg:      cfg,
		logger:   logger.With().Str("handler", "system").Logger(),
	}
}

func (h *SystemHandler) Name() string { return "system" }

func (h *SystemHandler) Events() []string { return []string{EventPing} }

func (h *SystemHandler) HandleEvent(_ context.Context, sock dispatch.Socket, event string, payload json.RawMessage) error {
	if event != EventPing {
		return apperr.Unsupported(event)
	}
	pong := map[string]any{"timestamp": time.Now().UnixMilli()}
	// Echo whatever the client sent so it can measure round trips
	if len(payload) > 0 && json.Valid(payload) {
		pong["echo"] = payload
	}
	return sock.Emit(EventPong, pong)
}

// OnConnect records the connection, joins it to the broadcast room and
// greets it.
func (h *SystemHandler) OnConnect(_ context.Context, sock dispatch.Socket) error {
	h.sessions.Add(sock.ID(), sock.HandshakeUserID(), sock.RemoteAddr())

	if _, err := h.rooms.Join(sock.ID(), BroadcastRoom, rooms.TypeSystem); err != nil {
		return fmt.Errorf("join broadcast room: %w", err)
	}

	return sock.Emit(EventWelcome, welcome{
		ConnectionID: sock.ID(),
		InstanceID:   h.cfg.InstanceID,
		ServerTime:   time.Now().UnixMilli(),
		UserID:       sock.HandshakeUserID(),
		Reconnect: reconnectHints{
			BaseDelayMs: h.cfg.Backoff.Base.Milliseconds(),
			MaxDelayMs:  h.cfg.Backoff.Max.Milliseconds(),
			Factor:      h.cfg.Backoff.Factor,
			MaxAttempts: h.cfg.MaxReconnectAttempts,
		},
	})
}

// OnDisconnect drops every room membership and the session.
func (h *SystemHandler) OnDisconnect(_ context.Context, sock dispatch.Socket, reason string) {
	left := h.rooms.LeaveAll(sock.ID())
	userID, _ := h.sessions.RemoveUser(sock.ID())

	h.logger.Debug().
		Str("conn_id", sock.ID()).
		Str("user_id", userID).
		Str("reason", reason).
		Int("rooms_left", len(left)).
		Msg("Connection cleaned up")
}

// OnReconnectAttempt reports the backoff delay for attempt. The personal
// room is left for the duration of the hand-off so nothing is delivered
// to a half-open session.
func (h *SystemHandler) OnReconnectAttempt(ctx context.Context, sock dispatch.Socket, attempt int) {
	if attempt > h.cfg.MaxReconnectAttempts {
		h.OnReconnectFailed(ctx, sock)
		return
	}

	st, err := h.sessions.BeginReconnect(sock.ID(), attempt)
	if err != nil {
		if !errors.Is(err, session.ErrReconnectExhausted) {
			h.logger.Debug().Err(err).Str("conn_id", sock.ID()).Msg("Reconnect attempt ignored")
		}
		return
	}

	if st.PreviousUserID != "" {
		h.rooms.Leave(sock.ID(), rooms.Name(rooms.TypeUser, st.PreviousUserID))
	}

	_ = sock.Emit(EventReconnectStatus, reconnectStatus{
		Status:      "reconnecting",
		Attempt:     st.Attempt,
		DelayMs:     st.Delay.Milliseconds(),
		MaxAttempts: h.cfg.MaxReconnectAttempts,
	})
}

// OnReconnectSuccess restores the remembered identity, if any. A failed
// recovery is reported but leaves the connection up.
func (h *SystemHandler) OnReconnectSuccess(ctx context.Context, sock dispatch.Socket, attempt int) {
	userID, err := h.sessions.CompleteReconnect(ctx, sock.ID())
	switch {
	case errors.Is(err, session.ErrReconnectExhausted):
		return
	case err != nil:
		h.logger.Info().Err(err).Str("conn_id", sock.ID()).Msg("State recovery failed")
		_ = sock.Emit(EventStateRecoveryFailed, recoveryFailed{
			Message: "previous session could not be restored, please authenticate again",
		})
		return
	case userID == "":
		_ = sock.Emit(EventReconnectStatus, reconnectStatus{
			Status:      "reconnected",
			Attempt:     attempt,
			MaxAttempts: h.cfg.MaxReconnectAttempts,
		})
		return
	}

	if _, err := h.rooms.Join(sock.ID(), userID, rooms.TypeUser); err != nil {
		h.logger.Warn().Err(err).Str("conn_id", sock.ID()).Msg("Could not rejoin personal room")
		_ = sock.Emit(EventStateRecoveryFailed, recoveryFailed{Message: "personal room could not be restored"})
		return
	}

	_ = sock.Emit(EventStateRecovered, stateRecovered{
		UserID: userID,
		Rooms:  h.rooms.RoomsOf(sock.ID()),
	})
}

// OnReconnectFailed sends the terminal notice exactly once.
func (h *SystemHandler) OnReconnectFailed(_ context.Context, sock dispatch.Socket) {
	st, _ := h.sessions.Reconnect(sock.ID())
	if !h.sessions.FailReconnect(sock.ID()) {
		return
	}

	_ = sock.Emit(EventReconnectFailed, reconnectFailed{
		Attempts: st.Attempt,
		Message:  "reconnection attempts exhausted",
	})
}
