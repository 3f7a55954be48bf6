// Package transport terminates WebSocket connections with gobwas/ws and
// feeds decoded events into the dispatch registry.
package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/batch"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/handlers"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/adred-codev/roomcast/internal/types"
	"github.com/gobwas/ws"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrConnClosed      = errors.New("connection closed")
	ErrSendBufferFull  = errors.New("send buffer full")
	ErrUnknownConn     = errors.New("unknown connection")
	ErrShuttingDown    = errors.New("server shutting down")
	errUnsupportedData = errors.New("binary frames are not supported")
)

// IdentityResolver verifies the token presented on upgrade.
// auth.JWTManager satisfies it.
type IdentityResolver interface {
	HandshakeIdentity(r *http.Request) (string, error)
}

// Admitter is the admission decision point.
type Admitter interface {
	ShouldAllowConnection() bool
}

// HandshakeLimiter rate limits upgrades per client IP.
type HandshakeLimiter interface {
	Allow(ip string) bool
}

// ActivityTracker is told about every inbound frame.
type ActivityTracker interface {
	UpdateActivity(connID string)
}

// Config tunes connection handling. Zero values take defaults.
type Config struct {
	MaxFrameBytes int           // inbound text frame limit, default 64KiB
	MessageRate   float64       // inbound events per second
	MessageBurst  int           // inbound burst
	ThrottleDelay time.Duration // throttled connections are closed after this
	SendBuffer    int           // outbound frames queued per connection
	WriteWait     time.Duration
	PongWait      time.Duration
	PingPeriod    time.Duration

	Batching bool
	Batch    batch.Options
}

func (c Config) withDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	if c.MessageRate <= 0 {
		c.MessageRate = 20
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 40
	}
	if c.ThrottleDelay <= 0 {
		c.ThrottleDelay = time.Second
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	return c
}

// Dependencies are the collaborators a Server needs. Admission, Limiter and
// Activity may be nil.
type Dependencies struct {
	Dispatcher *dispatch.Registry
	Identity   IdentityResolver
	Admission  Admitter
	Limiter    HandshakeLimiter
	Activity   ActivityTracker
	Stats      *types.Stats
}

// Server owns every live connection on this instance.
type Server struct {
	cfg        Config
	dispatcher *dispatch.Registry
	identity   IdentityResolver
	admission  Admitter
	limiter    HandshakeLimiter
	activity   ActivityTracker
	stats      *types.Stats
	batches    *batch.Manager
	logger     zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*Conn

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
}

func NewServer(cfg Config, deps Dependencies, logger zerolog.Logger) *Server {
	cfg = cfg.withDefaults()
	if deps.Stats == nil {
		deps.Stats = types.NewStats()
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: deps.Dispatcher,
		identity:   deps.Identity,
		admission:  deps.Admission,
		limiter:    deps.Limiter,
		activity:   deps.Activity,
		stats:      deps.Stats,
		logger:     logger.With().Str("component", "transport").Logger(),
		conns:      make(map[string]*Conn),
	}
	if cfg.Batching {
		s.batches = batch.NewManager(cfg.Batch, s.flushBatch, logger)
	}
	return s
}

// Batches exposes the outbound batch manager, nil when batching is off.
func (s *Server) Batches() *batch.Manager { return s.batches }

// Stats returns the shared connection counters.
func (s *Server) Stats() *types.Stats { return s.stats }

// HandleWebSocket upgrades r and serves the connection until it closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := getClientIP(r)

	// Reject new connections during graceful shutdown
	if s.shuttingDown.Load() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(clientIP) {
		s.logger.Warn().Str("client_ip", clientIP).Msg("Connection rejected: rate limit exceeded")
		monitoring.RecordRejection("handshake_rate_limit")
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	// Admission comes before any token work. A rejected client is still
	// upgraded so it can read the throttle notice.
	if s.admission != nil && !s.admission.ShouldAllowConnection() {
		netConn, ok := s.upgrade(w, r, clientIP)
		if !ok {
			return
		}
		s.throttle(newConn(s, uuid.NewString(), "", clientIP, netConn))
		return
	}

	var userID string
	if s.identity != nil {
		id, err := s.identity.HandshakeIdentity(r)
		if err != nil {
			s.logger.Debug().Err(err).Str("client_ip", clientIP).Msg("Handshake token rejected")
			monitoring.RecordAuthAttempt("handshake", "failure")
			http.Error(w, apperr.MsgAuthFailed, http.StatusUnauthorized)
			return
		}
		if id != "" {
			monitoring.RecordAuthAttempt("handshake", "success")
		}
		userID = id
	}

	netConn, ok := s.upgrade(w, r, clientIP)
	if !ok {
		return
	}

	c := newConn(s, uuid.NewString(), userID, clientIP, netConn)

	s.mu.Lock()
	s.conns[c.id] = c
	s.mu.Unlock()

	atomic.AddInt64(&s.stats.TotalConnections, 1)
	current := atomic.AddInt64(&s.stats.CurrentConnections, 1)
	monitoring.RecordConnect(current)

	s.wg.Add(2)
	go s.writePump(c)

	if err := s.dispatcher.Connect(c.ctx, c); err != nil {
		// The connect hook already reported the error to the client
		c.Disconnect(monitoring.DisconnectReasonEvicted, 100*time.Millisecond)
	}

	s.logger.Debug().
		Str("conn_id", c.id).
		Str("client_ip", clientIP).
		Str("user_id", userID).
		Int64("current_connections", current).
		Msg("Client connected")

	go s.readPump(c)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, clientIP string) (net.Conn, bool) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug().
			Err(err).
			Str("client_ip", clientIP).
			Str("user_agent", r.Header.Get("User-Agent")).
			Msg("WebSocket upgrade failed")
		monitoring.RecordError(monitoring.ErrorTypeConnection, monitoring.ErrorSeverityWarning)
		return nil, false
	}
	return netConn, true
}

// throttle sends the single capacity notice and schedules the close. No
// session or room state is created for c.
func (s *Server) throttle(c *Conn) {
	c.throttled = true
	atomic.AddInt64(&s.stats.RejectedConnections, 1)

	retry := s.cfg.ThrottleDelay.Milliseconds()
	notice := apperr.Capacity(apperr.CodeThrottled, "server is at capacity, try again later", retry)
	frame, err := dispatch.Encode(handlers.EventThrottled, notice.ToPayload(""))
	if err == nil {
		_ = c.enqueue(frame)
	}

	s.logger.Warn().
		Str("conn_id", c.id).
		Str("client_ip", c.remoteAddr).
		Dur("disconnect_after", s.cfg.ThrottleDelay).
		Msg("Connection throttled")

	s.wg.Add(1)
	go s.writePump(c)
	c.Disconnect(monitoring.DisconnectReasonThrottled, s.cfg.ThrottleDelay)
}

func (s *Server) get(connID string) (*Conn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conns[connID]
	return c, ok
}

// Deliver queues event for connID, through the batcher when enabled.
func (s *Server) Deliver(connID, event string, payload any) error {
	c, ok := s.get(connID)
	if !ok {
		return ErrUnknownConn
	}

	frame, err := dispatch.Encode(event, payload)
	if err != nil {
		monitoring.RecordError(monitoring.ErrorTypeSerialization, monitoring.ErrorSeverityWarning)
		return err
	}

	if s.batches != nil {
		return s.batches.Add(connID, frame)
	}
	return c.enqueue(frame)
}

// flushBatch is the batch manager's callback. A vanished connection drops
// its frames.
func (s *Server) flushBatch(dest string, frames [][]byte) error {
	c, ok := s.get(dest)
	if !ok {
		return nil
	}
	if len(frames) == 1 {
		return c.enqueue(frames[0])
	}
	return c.enqueue(dispatch.EncodeBatch(frames))
}

// flushPending pushes anything batched for connID ahead of a direct frame.
func (s *Server) flushPending(connID string) {
	if s.batches == nil {
		return
	}
	if err := s.batches.Flush(connID); err != nil {
		s.logger.Debug().Err(err).Str("conn_id", connID).Msg("Pending batch flush failed")
	}
}

// Evict closes connID with reason. It reports whether the connection was
// live on this server.
func (s *Server) Evict(connID, reason string) bool {
	c, ok := s.get(connID)
	if !ok {
		return false
	}
	c.Disconnect(reason, 0)
	return true
}

// Connections returns the number of admitted live connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// cleanup runs once per connection after both pumps are winding down.
func (s *Server) cleanup(c *Conn) {
	c.cleanupOnce.Do(func() {
		reason := c.closeReason()

		if c.throttled {
			monitoring.RecordDisconnect(reason, atomic.LoadInt64(&s.stats.CurrentConnections), time.Since(c.connectedAt))
			return
		}

		s.dispatcher.Disconnect(context.Background(), c, reason)

		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()

		if s.batches != nil {
			s.batches.Clear(c.id)
		}

		current := atomic.AddInt64(&s.stats.CurrentConnections, -1)
		monitoring.RecordDisconnect(reason, current, time.Since(c.connectedAt))

		s.logger.Debug().
			Str("conn_id", c.id).
			Str("reason", reason).
			Dur("duration", time.Since(c.connectedAt)).
			Msg("Client disconnected")
	})
}

// Shutdown stops accepting, flushes batches and closes every connection.
// It waits for the pumps until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)

	if s.batches != nil {
		if err := s.batches.FlushAll(); err != nil {
			s.logger.Warn().Err(err).Msg("Some batches failed to flush on shutdown")
		}
	}

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	s.logger.Info().Int("connections", len(conns)).Msg("Closing client connections")
	for _, c := range conns {
		c.Disconnect(monitoring.DisconnectReasonServerShutdown, 0)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// getClientIP extracts the client IP from the request.
// Checks X-Forwarded-For header first (for load balancers/proxies),
// then falls back to RemoteAddr.
func getClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}

	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
