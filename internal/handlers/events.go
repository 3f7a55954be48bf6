// Package handlers implements the auth, system and client event handlers on
// top of the session store and room registry.
package handlers

import (
	"encoding/json"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/session"
)

// Inbound events
const (
	EventRegister     = "register"
	EventAuthenticate = "authenticate"
	EventVerifyToken  = "verify-token"
	EventPing         = "ping"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventSendMessage  = "send_message"
	EventGetUsers     = "get_users"
	EventGetRooms     = "get_rooms"
)

// Outbound events
const (
	EventPong                = "pong"
	EventNewMessage          = "new_message"
	EventUsersList           = "users_list"
	EventRoomsList           = "rooms_list"
	EventUserJoined          = "user_joined"
	EventUserLeft            = "user_left"
	EventWelcome             = "system:welcome"
	EventNotification        = "system:notification"
	EventThrottled           = "system:throttled"
	EventReconnectStatus     = "system:reconnect_status"
	EventStateRecovered      = "system:state_recovered"
	EventStateRecoveryFailed = "system:state_recovery_failed"
	EventReconnectFailed     = "system:reconnect_failed"
)

// BroadcastRoom is the system room every connection joins.
const BroadcastRoom = "broadcast"

const (
	privateRoomPrefix = "private-"
	ownerKey          = "owner"
	ackSuffix         = ":ack"
)

// Ack returns the acknowledgement event for event.
func Ack(event string) string {
	return event + ackSuffix
}

func decode(payload json.RawMessage, v any) error {
	if len(payload) == 0 || string(payload) == "null" {
		return apperr.Validation("payload is required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Validation("malformed payload: %v", err)
	}
	return nil
}

func validateUserID(id string) error {
	if id == "" {
		return nil
	}
	if err := session.ValidateUserID(id); err != nil {
		return apperr.Validation("%v", err)
	}
	return nil
}
