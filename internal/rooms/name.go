package rooms

import (
	"errors"
	"fmt"
	"strings"
)

// Type is the room category encoded in its name prefix.
type Type string

const (
	TypeUser   Type = "user"   // one principal's personal channel
	TypeGroup  Type = "group"  // ad hoc multi-member room
	TypeSystem Type = "system" // persistent, fleet-wide
)

// MaxNameLength bounds the id part of a room name.
const MaxNameLength = 128

var ErrInvalidName = errors.New("invalid room name")

// Valid reports whether t is a known room type.
func (t Type) Valid() bool {
	switch t {
	case TypeUser, TypeGroup, TypeSystem:
		return true
	}
	return false
}

// Name builds the full room name "<type>:<id>".
func Name(t Type, id string) string {
	return string(t) + ":" + id
}

// ParseName splits a full room name. A name without a known prefix is a
// group room.
func ParseName(name string) (Type, string, error) {
	t, id := TypeGroup, name
	if prefix, rest, ok := strings.Cut(name, ":"); ok && Type(prefix).Valid() {
		t, id = Type(prefix), rest
	}
	if id == "" {
		return "", "", fmt.Errorf("%w: empty id", ErrInvalidName)
	}
	if len(id) > MaxNameLength {
		return "", "", fmt.Errorf("%w: longer than %d characters", ErrInvalidName, MaxNameLength)
	}
	if strings.ContainsAny(id, " \t\r\n") {
		return "", "", fmt.Errorf("%w: contains whitespace", ErrInvalidName)
	}
	return t, id, nil
}

// Normalize returns the full name for room under type t. A room that
// already carries a prefix must agree with t.
func Normalize(room string, t Type) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidName, t)
	}
	if prefix, _, ok := strings.Cut(room, ":"); ok && Type(prefix).Valid() {
		pt, id, err := ParseName(room)
		if err != nil {
			return "", err
		}
		if pt != t {
			return "", fmt.Errorf("%w: %q is not a %s room", ErrInvalidName, room, t)
		}
		return Name(pt, id), nil
	}
	if _, _, err := ParseName(room); err != nil {
		return "", err
	}
	return Name(t, room), nil
}
