// Package loadtest drives many WebSocket clients against a running server.
//
// Clients ramp up in 100ms batches, register, join rooms and optionally send
// messages. A health poller compares what the server reports with what the
// clients hold so leaked (phantom) server-side connections show up in the
// periodic report.
package loadtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/handlers"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Room selection modes
const (
	ModeAll    = "all"    // every client joins every room
	ModeSingle = "single" // client i joins rooms[i % len(rooms)]
	ModeRandom = "random" // RoomsPerClient rooms chosen at random
)

// Phases reported while a run progresses
const (
	PhaseRamping    = "ramping"
	PhaseSustaining = "sustaining"
	PhaseCompleted  = "completed"
)

// Config describes one run.
type Config struct {
	URL            string // WebSocket URL, e.g. ws://localhost:3002/ws
	HealthURL      string // optional /health URL
	Connections    int
	RampRate       int // connections per second
	Duration       time.Duration
	ConnectTimeout time.Duration
	ReportInterval time.Duration
	HealthInterval time.Duration

	Rooms          []string
	Mode           string
	RoomsPerClient int

	// SendInterval makes every client send a message to one of its rooms
	// this often (0 disables sending)
	SendInterval time.Duration
	// Heartbeat is how often clients send an application ping
	Heartbeat time.Duration
	// PhantomThreshold is the server/client mismatch reported as a warning
	PhantomThreshold int64
}

func (c Config) withDefaults() Config {
	if c.RampRate <= 0 {
		c.RampRate = 100
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = 10 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = 15 * time.Second
	}
	if c.Mode == "" {
		c.Mode = ModeAll
	}
	if c.RoomsPerClient <= 0 {
		c.RoomsPerClient = 1
	}
	if c.PhantomThreshold <= 0 {
		c.PhantomThreshold = 5
	}
	return c
}

// Report is a point-in-time view of a run.
type Report struct {
	Phase             string           `json:"phase"`
	Elapsed           time.Duration    `json:"elapsed"`
	Created           int64            `json:"created"`
	Active            int64            `json:"active"`
	Failed            int64            `json:"failed"`
	Joined            int64            `json:"joined"`
	MessagesSent      int64            `json:"messagesSent"`
	MessagesReceived  int64            `json:"messagesReceived"`
	Errors            int64            `json:"errors"`
	ServerConnections int64            `json:"serverConnections"`
	ServerHealthy     bool             `json:"serverHealthy"`
	Phantom           int64            `json:"phantom"`
	ConnectErrors     map[string]int64 `json:"connectErrors,omitempty"`
}

// SuccessRate is the share of attempted connections that succeeded.
func (r Report) SuccessRate() float64 {
	if r.Created == 0 {
		return 100
	}
	return float64(r.Created-r.Failed) / float64(r.Created) * 100
}

type healthResponse struct {
	Healthy     bool  `json:"healthy"`
	Connections int64 `json:"connections"`
}

// Runner executes a load test.
type Runner struct {
	cfg    Config
	logger zerolog.Logger
	dialer websocket.Dialer
	http   *http.Client

	created          atomic.Int64
	active           atomic.Int64
	failed           atomic.Int64
	joined           atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	errors           atomic.Int64
	serverConns      atomic.Int64
	serverHealthy    atomic.Bool

	mu            sync.Mutex
	phase         string
	startTime     time.Time
	connectErrors map[string]int64

	wg sync.WaitGroup
}

// NewRunner validates cfg and prepares a run.
func NewRunner(cfg Config, logger zerolog.Logger) (*Runner, error) {
	cfg = cfg.withDefaults()
	if cfg.URL == "" {
		return nil, errors.New("loadtest: url is required")
	}
	if cfg.Connections <= 0 {
		return nil, errors.New("loadtest: connections must be positive")
	}
	switch cfg.Mode {
	case ModeAll, ModeSingle, ModeRandom:
	default:
		return nil, fmt.Errorf("loadtest: unknown room mode %q", cfg.Mode)
	}

	r := &Runner{
		cfg:           cfg,
		logger:        logger.With().Str("component", "loadtest").Logger(),
		http:          &http.Client{Timeout: 5 * time.Second},
		phase:         PhaseRamping,
		connectErrors: make(map[string]int64),
	}
	r.dialer = websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
		// Keep-alive stops cloud load balancers from dropping idle clients
		NetDialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return r, nil
}

// Run ramps up, holds the load for Duration and returns the final report.
// Cancelling ctx ends the run early.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r.mu.Lock()
	r.startTime = time.Now()
	r.mu.Unlock()

	r.logger.Info().
		Str("url", r.cfg.URL).
		Int("connections", r.cfg.Connections).
		Int("ramp_rate", r.cfg.RampRate).
		Dur("duration", r.cfg.Duration).
		Strs("rooms", r.cfg.Rooms).
		Str("mode", r.cfg.Mode).
		Msg("Load test starting")

	var bg sync.WaitGroup
	if r.cfg.HealthURL != "" {
		if err := r.checkHealth(ctx); err != nil {
			return r.Snapshot(), fmt.Errorf("initial health check: %w", err)
		}
		bg.Add(1)
		go func() {
			defer bg.Done()
			r.every(ctx, r.cfg.HealthInterval, func() {
				if err := r.checkHealth(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn().Err(err).Msg("Health check failed")
				}
			})
		}()
	}
	bg.Add(1)
	go func() {
		defer bg.Done()
		r.every(ctx, r.cfg.ReportInterval, func() { r.logReport(r.Snapshot()) })
	}()

	err := r.rampUp(ctx)
	if err == nil {
		r.setPhase(PhaseSustaining)
		r.logger.Info().Int64("active", r.active.Load()).Msg("Ramp-up complete")

		select {
		case <-time.After(r.cfg.Duration):
		case <-ctx.Done():
			r.logger.Warn().Msg("Sustain phase interrupted")
		}
	}

	r.setPhase(PhaseCompleted)
	// Taken before teardown so active and phantom reflect the held load
	report := r.Snapshot()
	cancel()
	r.wg.Wait()
	bg.Wait()

	r.logReport(report)
	if err != nil && ctx.Err() != nil {
		// Interrupted runs still produce a report
		err = nil
	}
	return report, err
}

func (r *Runner) every(ctx context.Context, interval time.Duration, fn func()) {
	defer monitoring.RecoverPanic(r.logger, "loadtestTicker", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

func (r *Runner) rampUp(ctx context.Context) error {
	batchSize := max(r.cfg.RampRate/10, 1) // 10 batches per second
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	next := 0
	for next < r.cfg.Connections {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		var batch sync.WaitGroup
		for i := 0; i < batchSize && next < r.cfg.Connections; i++ {
			id := next
			next++
			r.created.Add(1)

			batch.Add(1)
			go func() {
				defer batch.Done()
				if err := r.connect(ctx, id); err != nil {
					r.failed.Add(1)
					r.recordConnectError(err)
				}
			}()
		}
		batch.Wait()
	}
	return nil
}

func (r *Runner) recordConnectError(err error) {
	r.mu.Lock()
	r.connectErrors[err.Error()]++
	r.mu.Unlock()
}

func (r *Runner) setPhase(phase string) {
	r.mu.Lock()
	r.phase = phase
	r.mu.Unlock()
}

// roomsFor picks the rooms client id joins.
func (r *Runner) roomsFor(id int) []string {
	rooms := r.cfg.Rooms
	if len(rooms) == 0 {
		return nil
	}
	switch r.cfg.Mode {
	case ModeSingle:
		return []string{rooms[id%len(rooms)]}
	case ModeRandom:
		n := min(r.cfg.RoomsPerClient, len(rooms))
		picked := make([]string, 0, n)
		for _, i := range rand.Perm(len(rooms))[:n] {
			picked = append(picked, rooms[i])
		}
		return picked
	default:
		return rooms
	}
}

func (r *Runner) checkHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.cfg.HealthURL, nil)
	if err != nil {
		return err
	}
	resp, err := r.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 503 still carries a body when the server is overloaded
	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("decode health: %w", err)
	}
	r.serverConns.Store(health.Connections)
	r.serverHealthy.Store(health.Healthy)
	return nil
}

// Snapshot returns the current counters.
func (r *Runner) Snapshot() Report {
	r.mu.Lock()
	phase := r.phase
	elapsed := time.Since(r.startTime)
	var errs map[string]int64
	if len(r.connectErrors) > 0 {
		errs = make(map[string]int64, len(r.connectErrors))
		for k, v := range r.connectErrors {
			errs[k] = v
		}
	}
	r.mu.Unlock()

	active := r.active.Load()
	serverConns := r.serverConns.Load()
	phantom := max(serverConns-active, 0)
	if r.cfg.HealthURL == "" {
		phantom = 0
	}

	return Report{
		Phase:             phase,
		Elapsed:           elapsed,
		Created:           r.created.Load(),
		Active:            active,
		Failed:            r.failed.Load(),
		Joined:            r.joined.Load(),
		MessagesSent:      r.messagesSent.Load(),
		MessagesReceived:  r.messagesReceived.Load(),
		Errors:            r.errors.Load(),
		ServerConnections: serverConns,
		ServerHealthy:     r.serverHealthy.Load(),
		Phantom:           phantom,
		ConnectErrors:     errs,
	}
}

func (r *Runner) logReport(rep Report) {
	elapsed := max(rep.Elapsed.Seconds(), 1)

	event := r.logger.Info()
	if rep.Phantom > r.cfg.PhantomThreshold {
		event = r.logger.Warn()
	}
	event.
		Str("phase", rep.Phase).
		Dur("elapsed", rep.Elapsed).
		Int64("active", rep.Active).
		Int("target", r.cfg.Connections).
		Int64("created", rep.Created).
		Int64("failed", rep.Failed).
		Float64("success_rate", rep.SuccessRate()).
		Int64("joined", rep.Joined).
		Int64("sent", rep.MessagesSent).
		Int64("received", rep.MessagesReceived).
		Float64("receive_rate", float64(rep.MessagesReceived)/elapsed).
		Int64("errors", rep.Errors).
		Int64("server_connections", rep.ServerConnections).
		Int64("phantom", rep.Phantom).
		Msg("Load test report")

	if len(rep.ConnectErrors) > 0 {
		keys := make([]string, 0, len(rep.ConnectErrors))
		for k := range rep.ConnectErrors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			r.logger.Warn().Str("error", k).Int64("count", rep.ConnectErrors[k]).Msg("Connection errors")
		}
	}
}

// connect dials, registers and joins, then hands the socket to its pumps.
func (r *Runner) connect(ctx context.Context, id int) error {
	ws, _, err := r.dialer.DialContext(ctx, r.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c := &client{
		id:     id,
		userID: fmt.Sprintf("load-%d", id),
		ws:     ws,
		runner: r,
		rooms:  r.roomsFor(id),
	}

	// Setup is synchronous so a failed register counts as a failed connection
	if err := c.setup(r.cfg.ConnectTimeout); err != nil {
		_ = ws.Close()
		return err
	}

	r.active.Add(1)
	r.wg.Add(2)
	go c.readPump(ctx)
	go c.writePump(ctx)
	return nil
}

type client struct {
	id     int
	userID string
	ws     *websocket.Conn
	runner *Runner
	rooms  []string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *client) send(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(dispatch.Envelope{Event: event, Data: raw})
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// await reads until one of events arrives, unpacking batch frames.
func (c *client) await(deadline time.Time, events ...string) (dispatch.Envelope, error) {
	_ = c.ws.SetReadDeadline(deadline)
	for {
		envs, err := c.read()
		if err != nil {
			return dispatch.Envelope{}, err
		}
		for _, env := range envs {
			if env.Event == dispatch.EventError {
				return env, fmt.Errorf("server error: %s", env.Data)
			}
			for _, want := range events {
				if env.Event == want {
					return env, nil
				}
			}
		}
	}
}

func (c *client) read() ([]dispatch.Envelope, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	var env dispatch.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event != dispatch.EventBatch {
		return []dispatch.Envelope{env}, nil
	}
	var inner []dispatch.Envelope
	if err := json.Unmarshal(env.Data, &inner); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return inner, nil
}

func (c *client) setup(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	env, err := c.await(deadline, handlers.EventWelcome, handlers.EventThrottled)
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	if env.Event == handlers.EventThrottled {
		return errors.New("server throttled")
	}

	if err := c.send(handlers.EventRegister, map[string]string{"userId": c.userID}); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	if _, err := c.await(deadline, handlers.Ack(handlers.EventRegister)); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	for _, room := range c.rooms {
		if err := c.send(handlers.EventJoinRoom, map[string]string{"room": room}); err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
		if _, err := c.await(deadline, handlers.Ack(handlers.EventJoinRoom)); err != nil {
			return fmt.Errorf("join %s: %w", room, err)
		}
		c.runner.joined.Add(1)
	}
	return nil
}

func (c *client) readPump(ctx context.Context) {
	defer c.runner.wg.Done()
	defer c.close()

	// Server pings are answered by gorilla's default handler; this only
	// bounds how long a silent server is tolerated
	readTimeout := 2*c.runner.cfg.Heartbeat + 30*time.Second
	for ctx.Err() == nil {
		_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		envs, err := c.read()
		if err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.runner.errors.Add(1)
			}
			return
		}
		for _, env := range envs {
			switch env.Event {
			case handlers.EventNewMessage:
				c.runner.messagesReceived.Add(1)
			case dispatch.EventError:
				c.runner.errors.Add(1)
			}
		}
	}
}

func (c *client) writePump(ctx context.Context) {
	defer c.runner.wg.Done()
	defer c.close()

	heartbeat := time.NewTicker(c.runner.cfg.Heartbeat)
	defer heartbeat.Stop()

	var sendC <-chan time.Time
	if c.runner.cfg.SendInterval > 0 && len(c.rooms) > 0 {
		sendTicker := time.NewTicker(c.runner.cfg.SendInterval)
		defer sendTicker.Stop()
		sendC = sendTicker.C
	}

	seq := 0
	for {
		select {
		case <-ctx.Done():
			c.writeMu.Lock()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done"),
				time.Now().Add(time.Second))
			c.writeMu.Unlock()
			return
		case <-heartbeat.C:
			if err := c.send(handlers.EventPing, map[string]int64{"ts": time.Now().UnixMilli()}); err != nil {
				c.runner.logger.Debug().Int("client", c.id).Err(err).Msg("Heartbeat failed")
				c.runner.errors.Add(1)
				return
			}
		case <-sendC:
			seq++
			room := c.rooms[seq%len(c.rooms)]
			msg := map[string]string{"room": room, "message": fmt.Sprintf("%s #%d", c.userID, seq)}
			if err := c.send(handlers.EventSendMessage, msg); err != nil {
				c.runner.errors.Add(1)
				return
			}
			c.runner.messagesSent.Add(1)
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.runner.active.Add(-1)
		_ = c.ws.Close()
	})
}
