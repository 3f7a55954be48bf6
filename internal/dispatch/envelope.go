package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Events owned by the transport rather than by any handler
const (
	EventError            = "error"
	EventBatch            = "batch"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnect        = "reconnect"
	EventReconnectFailed  = "reconnect_failed"
)

var ErrMissingEvent = errors.New("frame has no event name")

// Envelope is the JSON frame exchanged in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Decode parses an inbound frame.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Encode builds an outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	var data json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		data = p
	case []byte:
		data = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		data = b
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// EncodeBatch wraps already encoded frames as one batch frame without
// re-encoding them.
func EncodeBatch(frames [][]byte) []byte {
	size := 26
	for _, f := range frames {
		size += len(f) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, `{"event":"batch","data":[`...)
	for i, f := range frames {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = append(buf, f...)
	}
	buf = append(buf, "]}"...)
	return buf
}
