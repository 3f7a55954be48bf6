package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/adred-codev/roomcast/internal/session"
	"github.com/rs/zerolog"
)

type registerRequest struct {
	UserID string `json:"userId"`
	Token  string `json:"token,omitempty"`
}

type registerAck struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId"`
	Method  string `json:"method"`
	Room    string `json:"room"`
}

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyAck struct {
	Valid  bool   `json:"valid"`
	UserID string `json:"userId"`
}

// AuthHandler binds identities to connections.
//
//	register      userId with optional token (legacy mode accepts no token)
//	authenticate  same, but a signed token is mandatory
//	verify-token  checks a token without binding anything
type AuthHandler struct {
	sessions *session.Store
	rooms    *rooms.Registry
	verifier session.Verifier
	logger   zerolog.Logger
}

func NewAuthHandler(sessions *session.Store, registry *rooms.Registry, verifier session.Verifier, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{
		sessions: sessions,
		rooms:    registry,
		verifier: verifier,
		logger:   logger.With().Str("handler", "auth").Logger(),
	}
}

func (h *AuthHandler) Name() string { return "auth" }

func (h *AuthHandler) Events() []string {
	return []string{EventRegister, EventAuthenticate, EventVerifyToken}
}

func (h *AuthHandler) HandleEvent(ctx context.Context, sock dispatch.Socket, event string, payload json.RawMessage) error {
	switch event {
	case EventRegister:
		return h.register(ctx, sock, event, payload, false)
	case EventAuthenticate:
		return h.register(ctx, sock, event, payload, true)
	case EventVerifyToken:
		return h.verify(sock, payload)
	default:
		return apperr.Unsupported(event)
	}
}

func (h *AuthHandler) register(ctx context.Context, sock dispatch.Socket, event string, payload json.RawMessage, requireToken bool) error {
	var req registerRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if err := validateUserID(req.UserID); err != nil {
		return err
	}

	method, err := h.sessions.RegisterUser(ctx, sock.ID(), req.UserID, session.Credential{
		Token:        req.Token,
		RequireToken: requireToken,
	})
	if err != nil {
		return err
	}

	userID, ok := h.sessions.GetUserID(sock.ID())
	if !ok {
		return fmt.Errorf("%s: connection lost its identity", event)
	}

	res, err := h.rooms.Join(sock.ID(), userID, rooms.TypeUser)
	if err != nil {
		return fmt.Errorf("%s: join personal room: %w", event, err)
	}

	return sock.Emit(Ack(event), registerAck{
		Success: true,
		UserID:  userID,
		Method:  string(method),
		Room:    res.Room,
	})
}

func (h *AuthHandler) verify(sock dispatch.Socket, payload json.RawMessage) error {
	var req verifyRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if h.verifier == nil {
		return apperr.Authentication(fmt.Errorf("token verification not configured"))
	}

	userID, err := h.verifier.VerifyUser(req.Token)
	if err != nil {
		h.logger.Debug().
			Err(err).
			Str("conn_id", sock.ID()).
			Msg("Token verification failed")
		return apperr.Authentication(err)
	}

	return sock.Emit(Ack(EventVerifyToken), verifyAck{Valid: true, UserID: userID})
}
