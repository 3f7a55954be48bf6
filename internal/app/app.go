// Package app wires every component into a running server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/adred-codev/roomcast/internal/auth"
	"github.com/adred-codev/roomcast/internal/batch"
	"github.com/adred-codev/roomcast/internal/bus"
	"github.com/adred-codev/roomcast/internal/cluster"
	"github.com/adred-codev/roomcast/internal/config"
	"github.com/adred-codev/roomcast/internal/dispatch"
	"github.com/adred-codev/roomcast/internal/handlers"
	"github.com/adred-codev/roomcast/internal/httpapi"
	"github.com/adred-codev/roomcast/internal/limits"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/adred-codev/roomcast/internal/session"
	"github.com/adred-codev/roomcast/internal/transport"
	"github.com/adred-codev/roomcast/internal/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Option customizes New.
type Option func(*App)

// WithLogRing backs GET /logs with ring.
func WithLogRing(ring *monitoring.LogRing) Option {
	return func(a *App) { a.logs = ring }
}

// WithBus replaces the configured cluster transport. The app does not close
// an injected bus.
func WithBus(b bus.Bus) Option {
	return func(a *App) {
		a.bus = b
		a.ownsBus = false
	}
}

// App is one server instance.
type App struct {
	cfg        *config.Config
	instanceID string
	logger     zerolog.Logger
	logs       *monitoring.LogRing

	stats      *types.Stats
	jwt        *auth.JWTManager
	monitor    *monitoring.SystemMonitor
	sessions   *session.Store
	rooms      *rooms.Registry
	dispatcher *dispatch.Registry
	admission  *limits.Admission
	ipLimiter  *limits.IPLimiter
	transport  *transport.Server
	router     http.Handler

	bus         bus.Bus
	ownsBus     bool
	coordinator *cluster.Coordinator

	httpServer *http.Server
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// New builds the component graph without starting anything.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	a := &App{
		cfg:        cfg,
		instanceID: cfg.InstanceID,
		logger:     logger,
		stats:      types.NewStats(),
		ownsBus:    true,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.instanceID == "" {
		a.instanceID = uuid.NewString()
	}

	backoff := session.Backoff{
		Base:   cfg.ReconnectBaseDelay,
		Max:    cfg.ReconnectMaxDelay,
		Factor: cfg.ReconnectFactor,
		Jitter: 0.1,
	}

	a.jwt = auth.NewJWTManager(cfg.AuthSecret, cfg.AuthTokenTTL)
	a.monitor = monitoring.NewSystemMonitor(logger)
	a.rooms = rooms.NewRegistry(rooms.Config{HistorySize: cfg.HistorySize, Logger: logger})
	a.sessions = session.NewStore(session.Config{
		Verifier:     a.jwt,
		AllowLegacy:  cfg.AuthAllowLegacy,
		FailureGrace: cfg.AuthFailureGrace,
		Backoff:      backoff,
		// The transport already lost these, only room state is left to clean
		OnExpired: func(connID, _ string) { a.rooms.LeaveAll(connID) },
		Logger:    logger,
	})

	a.dispatcher = dispatch.NewRegistry(logger)
	a.dispatcher.Register(handlers.NewAuthHandler(a.sessions, a.rooms, a.jwt, logger))
	a.dispatcher.Register(handlers.NewSystemHandler(a.sessions, a.rooms, handlers.SystemConfig{
		InstanceID:           a.instanceID,
		MaxReconnectAttempts: cfg.ReconnectMaxAttempts,
		Backoff:              backoff,
	}, logger))
	a.dispatcher.Register(handlers.NewClientHandler(a.sessions, a.rooms, handlers.ClientConfig{
		MaxMessageLength: cfg.MaxMessageLength,
	}, logger))

	a.admission = limits.NewAdmission(limits.AdmissionConfig{
		MaxConnections:        cfg.MaxConnections,
		CPURejectThreshold:    cfg.CPURejectThreshold,
		MemoryRejectThreshold: cfg.MemoryRejectThreshold,
		MaxGoroutines:         cfg.MaxGoroutines,
	}, a.monitor, a.sessions, logger)
	a.ipLimiter = limits.NewIPLimiter(limits.IPLimiterConfig{
		IPRate:      cfg.IPConnRate,
		IPBurst:     cfg.IPConnBurst,
		GlobalRate:  cfg.GlobalConnRate,
		GlobalBurst: cfg.GlobalConnBurst,
		Logger:      logger,
	})

	a.transport = transport.NewServer(transport.Config{
		// Frames carry the envelope and metadata around the message text
		MaxFrameBytes: cfg.MaxMessageLength*4 + 4096,
		MessageRate:   cfg.MessageRate,
		MessageBurst:  cfg.MessageBurst,
		ThrottleDelay: cfg.ThrottleDelay,
		Batching:      cfg.BatchEnabled,
		Batch: batch.Options{
			MaxSize:  cfg.BatchMaxSize,
			MaxDelay: cfg.BatchMaxDelay,
			MaxBytes: cfg.BatchMaxBytes,
		},
	}, transport.Dependencies{
		Dispatcher: a.dispatcher,
		Identity:   a.jwt,
		Admission:  a.admission,
		Limiter:    a.ipLimiter,
		Activity:   a.sessions,
		Stats:      a.stats,
	}, logger)

	a.rooms.SetDeliverer(a.transport)
	a.sessions.SetEvictor(a.transport)

	if a.bus != nil || cfg.ClusterTransport != config.ClusterNone {
		if err := a.setupCluster(); err != nil {
			return nil, err
		}
	}

	deps := httpapi.Dependencies{
		InstanceID: a.instanceID,
		Stats:      a.stats,
		Sessions:   a.sessions,
		Rooms:      a.rooms,
		Conns:      a.transport,
		Health:     a.admission,
		Monitor:    a.monitor,
		Logs:       a.logs,
		WebSocket:  a.transport.HandleWebSocket,
	}
	if a.coordinator != nil {
		deps.Cluster = a.coordinator
	}
	a.router = httpapi.NewRouter(deps, logger)

	return a, nil
}

func (a *App) setupCluster() error {
	if a.bus == nil {
		b, err := bus.Open(context.Background(), bus.Config{
			Transport:    a.cfg.ClusterTransport,
			NATSURL:      a.cfg.NATSURL,
			RedisAddr:    a.cfg.RedisAddr,
			KafkaBrokers: a.cfg.KafkaBrokers,
			ClientName:   "roomcast-" + a.instanceID,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("open cluster bus: %w", err)
		}
		a.bus = b
	}

	coordinator, err := cluster.NewCoordinator(cluster.Config{
		InstanceID: a.instanceID,
		Prefix:     a.cfg.ClusterPrefix,
		Heartbeat:  a.cfg.ClusterHeartbeat,
		Bus:        a.bus,
		Rooms:      a.rooms,
		Sample:     a.sample,
		Logger:     a.logger,
	})
	if err != nil {
		return fmt.Errorf("create cluster coordinator: %w", err)
	}
	a.coordinator = coordinator
	a.rooms.SetPublisher(coordinator)
	return nil
}

func (a *App) sample() cluster.Sample {
	m := a.monitor.Snapshot()
	return cluster.Sample{
		Connections: a.sessions.Count(),
		Load:        a.admission.LoadScore(),
		CPU:         m.CPUPercent,
		Memory:      m.MemoryPercent,
	}
}

// InstanceID is the id announced to clients and siblings.
func (a *App) InstanceID() string { return a.instanceID }

// Handler serves the WebSocket endpoint and the admin API.
func (a *App) Handler() http.Handler { return a.router }

// Tokens mints and verifies client tokens with the configured secret.
func (a *App) Tokens() *auth.JWTManager { return a.jwt }

// Start listens on the configured address and serves until Shutdown.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.cfg.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve starts background loops and serves HTTP on ln in the background.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, a.cancel = context.WithCancel(ctx)

	a.monitor.Start(ctx, a.cfg.MetricsInterval)

	if a.coordinator != nil {
		if err := a.coordinator.Start(ctx); err != nil {
			a.cancel()
			return fmt.Errorf("start cluster coordinator: %w", err)
		}
	}

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.ipLimiter.Run(ctx)
	}()
	go a.sweepLoop(ctx)

	a.httpServer = &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer monitoring.RecoverPanic(a.logger, "httpServer", nil)

		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			monitoring.LogError(a.logger, err, "HTTP server failed", map[string]any{"addr": ln.Addr().String()})
		}
	}()

	a.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("instance_id", a.instanceID).
		Bool("clustered", a.coordinator != nil).
		Msg("Server started")
	return nil
}

// sweepLoop evicts idle sessions and forgets empty batchers.
func (a *App) sweepLoop(ctx context.Context) {
	defer a.wg.Done()
	defer monitoring.RecoverPanic(a.logger, "sweepLoop", nil)

	ticker := time.NewTicker(a.cfg.IdleSweep)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted := a.sessions.DisconnectInactiveSince(a.cfg.IdleTimeout)
			pruned := 0
			if b := a.transport.Batches(); b != nil {
				pruned = b.Prune()
			}
			if evicted > 0 || pruned > 0 {
				a.logger.Debug().
					Int("evicted", evicted).
					Int("batchers_pruned", pruned).
					Msg("Sweep complete")
			}
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown stops accepting connections, flushes pending batches, closes
// every client and stops background work. It is safe to call twice.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("Shutting down server")

		if err := a.transport.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close connections: %w", err))
		}
		if a.httpServer != nil {
			if err := a.httpServer.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http shutdown: %w", err))
			}
		}
		if a.coordinator != nil {
			a.coordinator.Stop()
		}
		if a.bus != nil && a.ownsBus {
			if err := a.bus.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close bus: %w", err))
			}
		}
		if a.cancel != nil {
			a.cancel()
		}
		a.wg.Wait()

		a.logger.Info().Msg("Server stopped")
	})
	return errors.Join(errs...)
}
