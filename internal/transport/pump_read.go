package transport

import (
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var errClientClosed = errors.New("client sent close frame")

type frameTooLargeError struct{ size int }

func (e frameTooLargeError) Error() string { return "frame too large" }

type reconnectPayload struct {
	Attempt int `json:"attempt"`
}

// readPump reads messages from the WebSocket connection
func (s *Server) readPump(c *Conn) {
	// Panic recovery must be FIRST defer (executes LAST in LIFO order)
	defer monitoring.RecoverPanic(s.logger, "readPump", map[string]any{
		"conn_id": c.id,
	})
	defer s.wg.Done()
	defer s.cleanup(c)

	rd := &wsutil.Reader{
		Source:    c.netConn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
	}

	_ = c.netConn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

	for {
		msg, err := s.readMessage(c, rd)
		if err != nil {
			var tooLarge frameTooLargeError
			switch {
			case errors.As(err, &tooLarge):
				s.dispatcher.Reject(c, "", apperr.TooLarge(tooLarge.size, s.cfg.MaxFrameBytes))
				continue
			case errors.Is(err, errUnsupportedData):
				s.dispatcher.Reject(c, "", apperr.Validation("binary frames are not supported"))
				continue
			case errors.Is(err, errClientClosed):
				c.close(monitoring.DisconnectReasonClientClosed)
			default:
				c.close(monitoring.DisconnectReasonReadError)
			}
			return
		}

		atomic.AddInt64(&s.stats.MessagesReceived, 1)
		atomic.AddInt64(&s.stats.BytesReceived, int64(len(msg)))

		if s.activity != nil {
			s.activity.UpdateActivity(c.id)
		}

		s.handleFrame(c, msg)
	}
}

// readMessage returns the next complete text message. Control frames are
// handled inline and refresh the read deadline.
func (s *Server) readMessage(c *Conn, rd *wsutil.Reader) ([]byte, error) {
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, err
		}
		_ = c.netConn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		if hdr.OpCode.IsControl() {
			if err := s.handleControl(c, hdr, rd); err != nil {
				return nil, err
			}
			continue
		}

		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			return nil, errUnsupportedData
		}

		limit := int64(s.cfg.MaxFrameBytes)
		msg, err := io.ReadAll(io.LimitReader(rd, limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(msg)) > limit {
			if err := rd.Discard(); err != nil {
				return nil, err
			}
			size := len(msg)
			if hdr.Length > int64(size) {
				size = int(hdr.Length)
			}
			return nil, frameTooLargeError{size: size}
		}
		return msg, nil
	}
}

// handleControl answers pings through the write pump so that only one
// goroutine writes to the socket.
func (s *Server) handleControl(c *Conn, hdr ws.Header, rd *wsutil.Reader) error {
	payload, err := io.ReadAll(rd)
	if err != nil {
		return err
	}

	switch hdr.OpCode {
	case ws.OpPing:
		select {
		case c.control <- payload:
		default:
			// Pongs may be dropped, the next ping gets one
		}
	case ws.OpClose:
		return errClientClosed
	}
	return nil
}

// handleFrame applies per-connection limits and routes one event.
func (s *Server) handleFrame(c *Conn, msg []byte) {
	if ok, retry := c.limiter.Allow(); !ok {
		atomic.AddInt64(&s.stats.RateLimitedMessages, 1)
		monitoring.IncrementRateLimitedMessages()
		s.dispatcher.Reject(c, "", apperr.Capacity(apperr.CodeRateLimited, "rate limit exceeded", retry.Milliseconds()))
		return
	}

	env, err := dispatch.Decode(msg)
	if err != nil {
		s.dispatcher.Reject(c, "", apperr.Validation("malformed frame: %v", err))
		return
	}

	switch env.Event {
	case dispatch.EventReconnectAttempt, dispatch.EventReconnect:
		var p reconnectPayload
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &p); err != nil {
				s.dispatcher.Reject(c, env.Event, apperr.Validation("invalid payload: %v", err))
				return
			}
		}
		if p.Attempt < 1 {
			s.dispatcher.Reject(c, env.Event, apperr.Validation("attempt must be >= 1"))
			return
		}
		if env.Event == dispatch.EventReconnectAttempt {
			s.dispatcher.ReconnectAttempt(c.ctx, c, p.Attempt)
		} else {
			s.dispatcher.ReconnectSuccess(c.ctx, c, p.Attempt)
		}
	case dispatch.EventReconnectFailed:
		s.dispatcher.ReconnectFailed(c.ctx, c)
	default:
		_ = s.dispatcher.Dispatch(c.ctx, c, env.Event, env.Data)
	}
}
