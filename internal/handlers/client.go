package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/adred-codev/roomcast/internal/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ClientConfig holds message limits.
type ClientConfig struct {
	MaxMessageLength int
}

type roomRequest struct {
	Room string     `json:"room"`
	Type rooms.Type `json:"type,omitempty"`
}

type joinAck struct {
	Room    string `json:"room"`
	Created bool   `json:"created"`
	Members int    `json:"members"`
	History []any  `json:"history"`
}

type sendRequest struct {
	Room    string          `json:"room,omitempty"`
	To      string          `json:"to,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is the payload of new_message.
type Message struct {
	ID        string          `json:"id"`
	Room      string          `json:"room"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

type sendAck struct {
	ID        string `json:"id"`
	Room      string `json:"room"`
	Delivered int    `json:"delivered"`
}

type presence struct {
	Room   string `json:"room"`
	UserID string `json:"userId"`
}

type usersRequest struct {
	Room string `json:"room,omitempty"`
}

type usersList struct {
	Room  string   `json:"room,omitempty"`
	Users []string `json:"users"`
}

type roomSummary struct {
	Name      string     `json:"name"`
	Type      rooms.Type `json:"type"`
	UserCount int        `json:"userCount"`
}

type roomsList struct {
	Rooms  []roomSummary `json:"rooms"`
	Joined []string      `json:"joined"`
}

// ClientHandler implements room membership and messaging. Every event it
// owns requires an authenticated connection.
type ClientHandler struct {
	sessions *session.Store
	rooms    *rooms.Registry
	cfg      ClientConfig
	logger   zerolog.Logger
}

func NewClientHandler(sessions *session.Store, registry *rooms.Registry, cfg ClientConfig, logger zerolog.Logger) *ClientHandler {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = 4096
	}
	return &ClientHandler{
		sessions: sessions,
		rooms:    registry,
		cfg:      cfg,
		logger:   logger.With().Str("handler", "client").Logger(),
	}
}

func (h *ClientHandler) Name() string { return "client" }

func (h *ClientHandler) Events() []string {
	return []string{EventJoinRoom, EventLeaveRoom, EventSendMessage, EventGetUsers, EventGetRooms}
}

func (h *ClientHandler) HandleEvent(_ context.Context, sock dispatch.Socket, event string, payload json.RawMessage) error {
	userID, ok := h.sessions.GetUserID(sock.ID())
	if !ok {
		return apperr.AuthRequired()
	}

	switch event {
	case EventJoinRoom:
		return h.joinRoom(sock, userID, payload)
	case EventLeaveRoom:
		return h.leaveRoom(sock, userID, payload)
	case EventSendMessage:
		return h.sendMessage(sock, userID, payload)
	case EventGetUsers:
		return h.getUsers(sock, payload)
	case EventGetRooms:
		return h.getRooms(sock)
	default:
		return apperr.Unsupported(event)
	}
}

func (h *ClientHandler) joinRoom(sock dispatch.Socket, userID string, payload json.RawMessage) error {
	var req roomRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	name, err := h.resolveRoom(req.Room, req.Type)
	if err != nil {
		return err
	}
	t, id, _ := rooms.ParseName(name)

	var opts []rooms.JoinOption
	switch {
	case t == rooms.TypeUser && id != userID:
		return apperr.Unauthorized(fmt.Errorf("user %s cannot join %s", userID, name))
	case t == rooms.TypeSystem:
		// System rooms are created by the server and never collected
		if _, exists := h.rooms.Get(name); !exists {
			return apperr.Unauthorized(fmt.Errorf("user %s cannot create system room %s", userID, name))
		}
	case t == rooms.TypeGroup && strings.HasPrefix(id, privateRoomPrefix):
		opts = append(opts,
			rooms.WithCreateMetadata(map[string]any{ownerKey: userID}),
			rooms.WithAccessCheck(func(md map[string]any) error {
				if md[ownerKey] != userID {
					return apperr.Unauthorized(fmt.Errorf("user %s is not the owner of %s", userID, name))
				}
				return nil
			}),
		)
	}

	res, err := h.rooms.Join(sock.ID(), name, t, opts...)
	if err != nil {
		return err
	}

	if res.Added {
		h.rooms.BroadcastExcept(name, sock.ID(), EventUserJoined, presence{Room: name, UserID: userID})
	}

	history := h.rooms.History(name)
	if history == nil {
		history = []any{}
	}
	return sock.Emit(Ack(EventJoinRoom), joinAck{
		Room:    name,
		Created: res.Created,
		Members: len(h.rooms.Members(name)),
		History: history,
	})
}

func (h *ClientHandler) leaveRoom(sock dispatch.Socket, userID string, payload json.RawMessage) error {
	var req roomRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	name, err := h.resolveRoom(req.Room, req.Type)
	if err != nil {
		return err
	}

	if name == rooms.Name(rooms.TypeUser, userID) || name == rooms.Name(rooms.TypeSystem, BroadcastRoom) {
		return apperr.Validation("room %s cannot be left", name)
	}
	if !h.rooms.Leave(sock.ID(), name) {
		return apperr.Validation("not a member of %s", name)
	}

	h.rooms.Broadcast(name, EventUserLeft, presence{Room: name, UserID: userID})
	return sock.Emit(Ack(EventLeaveRoom), map[string]string{"room": name})
}

func (h *ClientHandler) sendMessage(sock dispatch.Socket, userID string, payload json.RawMessage) error {
	var req sendRequest
	if err := decode(payload, &req); err != nil {
		return err
	}
	if strings.TrimSpace(req.Message) == "" && len(req.Data) == 0 {
		return apperr.Validation("message must not be empty")
	}
	if size := len(req.Message) + len(req.Data); size > h.cfg.MaxMessageLength {
		return apperr.TooLarge(size, h.cfg.MaxMessageLength)
	}
	if (req.Room == "") == (req.To == "") {
		return apperr.Validation("exactly one of room or to is required")
	}

	msg := Message{
		ID:        uuid.NewString(),
		From:      userID,
		Message:   req.Message,
		Data:      req.Data,
		Timestamp: time.Now().UnixMilli(),
	}

	if req.To != "" {
		if err := validateUserID(req.To); err != nil {
			return err
		}
		msg.To = req.To
		msg.Room = rooms.Name(rooms.TypeUser, req.To)
	} else {
		name, err := h.resolveRoom(req.Room, "")
		if err != nil {
			return err
		}
		if !h.rooms.IsMember(sock.ID(), name) {
			return apperr.Unauthorized(fmt.Errorf("user %s is not a member of %s", userID, name))
		}
		msg.Room = name
		if err := h.rooms.AppendHistory(name, msg); err != nil && !errors.Is(err, rooms.ErrNoSuchRoom) {
			return err
		}
	}

	delivered := h.rooms.Broadcast(msg.Room, EventNewMessage, msg)

	return sock.Emit(Ack(EventSendMessage), sendAck{
		ID:        msg.ID,
		Room:      msg.Room,
		Delivered: delivered,
	})
}

func (h *ClientHandler) getUsers(sock dispatch.Socket, payload json.RawMessage) error {
	var req usersRequest
	if len(payload) > 0 && string(payload) != "null" {
		if err := decode(payload, &req); err != nil {
			return err
		}
	}

	if req.Room == "" {
		return sock.Emit(EventUsersList, usersList{Users: h.sessions.Users()})
	}

	name, err := h.resolveRoom(req.Room, "")
	if err != nil {
		return err
	}
	if !h.rooms.IsMember(sock.ID(), name) {
		return apperr.Unauthorized(fmt.Errorf("not a member of %s", name))
	}

	seen := make(map[string]struct{})
	users := []string{}
	for _, connID := range h.rooms.Members(name) {
		uid, ok := h.sessions.GetUserID(connID)
		if !ok {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		users = append(users, uid)
	}

	return sock.Emit(EventUsersList, usersList{Room: name, Users: users})
}

func (h *ClientHandler) getRooms(sock dispatch.Socket) error {
	list := roomsList{Rooms: []roomSummary{}, Joined: h.rooms.RoomsOf(sock.ID())}
	for _, info := range h.rooms.List() {
		// Personal rooms are nobody else's business
		if info.Type == rooms.TypeUser {
			continue
		}
		list.Rooms = append(list.Rooms, roomSummary{
			Name:      info.Name,
			Type:      info.Type,
			UserCount: len(info.Members),
		})
	}
	return sock.Emit(EventRoomsList, list)
}

// OnDisconnect tells the connection's group rooms it left. It runs before
// the system handler drops the memberships.
func (h *ClientHandler) OnDisconnect(_ context.Context, sock dispatch.Socket, _ string) {
	userID, ok := h.sessions.GetUserID(sock.ID())
	if !ok {
		return
	}
	for _, name := range h.rooms.RoomsOf(sock.ID()) {
		if t, _, err := rooms.ParseName(name); err == nil && t == rooms.TypeGroup {
			h.rooms.BroadcastExcept(name, sock.ID(), EventUserLeft, presence{Room: name, UserID: userID})
		}
	}
}

// resolveRoom turns client input into a full room name, defaulting to a
// group room when no prefix or type is given.
func (h *ClientHandler) resolveRoom(room string, t rooms.Type) (string, error) {
	if t == "" {
		pt, _, err := rooms.ParseName(room)
		if err != nil {
			return "", apperr.Validation("%v", err)
		}
		t = pt
	}
	name, err := rooms.Normalize(room, t)
	if err != nil {
		return "", apperr.Validation("%v", err)
	}
	return name, nil
}
