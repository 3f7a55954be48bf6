// Package dispatchtest provides an in-memory dispatch.Socket for tests.
package dispatchtest

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Frame is one event emitted to a Socket.
type Frame struct {
	Event   string
	Payload any
}

// Socket records everything emitted to it.
type Socket struct {
	id              string
	handshakeUserID string

	mu              sync.Mutex
	frames          []Frame
	disconnected    bool
	disconnectedBy  string
	disconnectAfter time.Duration
	emitErr         error
}

// NewSocket returns an anonymous socket with the given id.
func NewSocket(id string) *Socket {
	return &Socket{id: id}
}

// WithHandshakeUser sets the identity verified at upgrade.
func (s *Socket) WithHandshakeUser(userID string) *Socket {
	s.handshakeUserID = userID
	return s
}

// FailEmits makes every later Emit return err.
func (s *Socket) FailEmits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitErr = err
}

func (s *Socket) ID() string              { return s.id }
func (s *Socket) HandshakeUserID() string { return s.handshakeUserID }
func (s *Socket) RemoteAddr() string      { return "127.0.0.1:0" }

func (s *Socket) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emitErr != nil {
		return s.emitErr
	}
	s.frames = append(s.frames, Frame{Event: event, Payload: payload})
	return nil
}

func (s *Socket) Disconnect(reason string, after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disconnected {
		return
	}
	s.disconnected = true
	s.disconnectedBy = reason
	s.disconnectAfter = after
}

// Deliver lets the socket stand in for a transport in room broadcasts.
func (s *Socket) Deliver(_ string, event string, payload any) error {
	return s.Emit(event, payload)
}

// Frames returns a copy of every emitted frame.
func (s *Socket) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Events returns emitted event names in order.
func (s *Socket) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event
	}
	return out
}

// Count returns how many times event was emitted.
func (s *Socket) Count(event string) int {
	n := 0
	for _, e := range s.Events() {
		if e == event {
			n++
		}
	}
	return n
}

// Last returns the most recent frame for event.
func (s *Socket) Last(event string) (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Event == event {
			return s.frames[i], true
		}
	}
	return Frame{}, false
}

// Decode unmarshals the most recent payload for event into v by way of JSON,
// exactly as a client would see it.
func (s *Socket) Decode(event string, v any) error {
	f, ok := s.Last(event)
	if !ok {
		return fmt.Errorf("no %q frame emitted", event)
	}
	b, err := json.Marshal(f.Payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// Disconnected reports whether Disconnect was called and with which reason.
func (s *Socket) Disconnected() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedBy, s.disconnected
}

// Reset forgets recorded frames.
func (s *Socket) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
}
