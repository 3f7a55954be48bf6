// Package httpapi is the thin administrative HTTP surface.
package httpapi

import (
	"net/http"
	"time"

	"github.com/adred-codev/roomcast/internal/cluster"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/adred-codev/roomcast/internal/session"
	"github.com/adred-codev/roomcast/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Evictor closes a live connection. transport.Server satisfies it.
type Evictor interface {
	Evict(connID, reason string) bool
}

// InstanceLister lists this instance and its siblings.
// cluster.Coordinator satisfies it.
type InstanceLister interface {
	Instances() []cluster.Descriptor
}

// HealthChecker reports whether new connections would be admitted.
// limits.Admission satisfies it.
type HealthChecker interface {
	Evaluate() (allow bool, label, reason string)
	LoadScore() float64
}

// LoadSampler exposes the latest resource sample.
type LoadSampler interface {
	Snapshot() monitoring.SystemMetrics
}

// Dependencies wires the admin API. Cluster, Health, Monitor and Logs may be
// nil.
type Dependencies struct {
	InstanceID string
	Stats      *types.Stats
	Sessions   *session.Store
	Rooms      *rooms.Registry
	Conns      Evictor
	Cluster    InstanceLister
	Health     HealthChecker
	Monitor    LoadSampler
	Logs       *monitoring.LogRing

	// WebSocket is mounted at /ws when set
	WebSocket http.HandlerFunc
}

type API struct {
	deps   Dependencies
	logger zerolog.Logger
}

// NewRouter builds the chi router for the admin API.
func NewRouter(deps Dependencies, logger zerolog.Logger) http.Handler {
	if deps.Stats == nil {
		deps.Stats = types.NewStats()
	}
	api := &API{
		deps:   deps,
		logger: logger.With().Str("component", "httpapi").Logger(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(api.cors)

	if deps.WebSocket != nil {
		r.Get("/ws", deps.WebSocket)
	}

	r.Group(func(r chi.Router) {
		r.Use(api.requestLogger)

		r.Get("/health", api.handleHealth)
		r.Get("/status", api.handleStatus)
		r.Get("/rooms", api.handleRooms)
		r.Get("/connections", api.handleConnections)
		r.Delete("/connections/{id}", api.handleCloseConnection)
		r.Post("/broadcast", api.handleBroadcast)
		r.Post("/push", api.handlePush)
		r.Get("/logs", api.handleLogs)
		r.Get("/instances", api.handleInstances)
	})
	r.Get("/metrics", monitoring.HandleMetrics)

	return r
}

func (a *API) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		a.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("remote_addr", r.RemoteAddr).
			Msg("HTTP request")
	})
}
