package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/limits"
	"github.com/adred-codev/roomcast/internal/monitoring"
)

// Conn is one upgraded client. It implements dispatch.Socket.
type Conn struct {
	id              string
	handshakeUserID string
	remoteAddr      string
	connectedAt     time.Time
	throttled       bool

	server  *Server
	netConn net.Conn
	limiter *limits.MessageLimiter

	send    chan []byte // text frames for the write pump
	control chan []byte // pong payloads for the write pump
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce   sync.Once
	cleanupOnce sync.Once
	reasonMu    sync.Mutex
	reason      string
	timerSet    atomic.Bool
}

func newConn(s *Server, id, userID, remoteAddr string, netConn net.Conn) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		id:              id,
		handshakeUserID: userID,
		remoteAddr:      remoteAddr,
		connectedAt:     time.Now(),
		server:          s,
		netConn:         netConn,
		limiter:         limits.NewMessageLimiter(s.cfg.MessageRate, s.cfg.MessageBurst),
		send:            make(chan []byte, s.cfg.SendBuffer),
		control:         make(chan []byte, 4),
		done:            make(chan struct{}),
		ctx:             ctx,
		cancel:          cancel,
	}
}

func (c *Conn) ID() string              { return c.id }
func (c *Conn) HandshakeUserID() string { return c.handshakeUserID }
func (c *Conn) RemoteAddr() string      { return c.remoteAddr }

// Emit sends event to this connection only, after anything already batched
// for it.
func (c *Conn) Emit(event string, payload any) error {
	frame, err := dispatch.Encode(event, payload)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
		return err
	}
	c.server.flushPending(c.id)
	return c.enqueue(frame)
}

// enqueue never blocks. A full buffer marks the client as too slow and closes
// it.
func (c *Conn) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		c.server.logger.Warn().
			Str("conn_id", c.id).
			Int("buffer", cap(c.send)).
			Msg("Send buffer full, disconnecting slow client")
		c.close(monitoring.DisconnectReasonSlowClient)
		return ErrSendBufferFull
	}
}

// Disconnect closes the connection after delay. Only the first request
// schedules anything.
func (c *Conn) Disconnect(reason string, after time.Duration) {
	if !c.timerSet.CompareAndSwap(false, true) {
		return
	}
	if after <= 0 {
		c.server.flushPending(c.id)
		c.close(reason)
		return
	}
	time.AfterFunc(after, func() {
		c.server.flushPending(c.id)
		c.close(reason)
	})
}

// close records the first reason and signals both pumps.
func (c *Conn) close(reason string) {
	c.closeOnce.Do(func() {
		c.reasonMu.Lock()
		c.reason = reason
		c.reasonMu.Unlock()
		close(c.done)
		c.cancel()
	})
}

func (c *Conn) closeReason() string {
	c.reasonMu.Lock()
	defer c.reasonMu.Unlock()
	if c.reason == "" {
		return monitoring.DisconnectReasonReadError
	}
	return c.reason
}
