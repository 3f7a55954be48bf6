package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "roomcast/dispatch"

// Registry maps event names to handlers.
//
// Registering an event a second time replaces the earlier handler and logs
// a warning, so handlers can be swapped at runtime.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
	events   map[string]Handler

	logger zerolog.Logger
	tracer trace.Tracer
}

// NewRegistry creates an empty registry using the global tracer provider.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		events: make(map[string]Handler),
		logger: logger.With().Str("component", "dispatch").Logger(),
		tracer: otel.Tracer(tracerName),
	}
}

// Register adds h and claims every event it declares.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	replaced := false
	for i, existing := range r.handlers {
		if existing.Name() == h.Name() {
			r.handlers[i] = h
			replaced = true
			break
		}
	}
	if !replaced {
		r.handlers = append(r.handlers, h)
	}

	for _, event := range h.Events() {
		if prev, ok := r.events[event]; ok {
			r.logger.Warn().
				Str("event", event).
				Str("previous", prev.Name()).
				Str("handler", h.Name()).
				Msg("Event handler replaced")
		}
		r.events[event] = h
	}

	r.logger.Debug().
		Str("handler", h.Name()).
		Strs("events", h.Events()).
		Msg("Handler registered")
}

// Handler returns the owner of event.
func (r *Registry) Handler(event string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.events[event]
	return h, ok
}

// Events returns the number of routable events.
func (r *Registry) Events() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.events)
}

func (r *Registry) snapshot() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, len(r.handlers))
	copy(out, r.handlers)
	return out
}

// Dispatch routes one inbound event. Any failure, including an unknown
// event, is reported to sock as an error event and returned.
func (r *Registry) Dispatch(ctx context.Context, sock Socket, event string, payload json.RawMessage) error {
	monitoring.RecordEventReceived(event, len(payload))

	h, ok := r.Handler(event)
	if !ok {
		err := apperr.Unsupported(event)
		r.Reject(sock, event, err)
		return err
	}

	ctx, span := r.tracer.Start(ctx, "dispatch "+event,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("roomcast.event", event),
			attribute.String("roomcast.handler", h.Name()),
			attribute.String("roomcast.conn_id", sock.ID()),
			attribute.Int("roomcast.payload_bytes", len(payload)),
		),
	)
	defer span.End()

	start := time.Now()
	err := r.invoke(ctx, h, sock, event, payload)
	if err == nil {
		monitoring.RecordEventLatency(event, time.Since(start))
		span.SetStatus(codes.Ok, "")
		return nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.Reject(sock, event, err)
	return err
}

// invoke converts a handler panic into an internal error.
func (r *Registry) invoke(ctx context.Context, h Handler, sock Socket, event string, payload json.RawMessage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.Internal(panicError{value: p})
		}
	}()
	return h.HandleEvent(ctx, sock, event, payload)
}

// Reject reports err to sock as an error event about event. Unrecognized
// and non-operational errors are logged in full and sent as a generic
// internal error.
func (r *Registry) Reject(sock Socket, event string, err error) {
	ae, known := apperr.From(err)
	if !known || !ae.Operational {
		monitoring.LogError(r.logger, err, "Event handler failed", map[string]any{
			"event":   event,
			"conn_id": sock.ID(),
		})
		monitoring.RecordError(monitoring.ErrorTypeDispatch, monitoring.ErrorSeverityCritical)
	} else {
		r.logger.Debug().
			Err(err).
			Str("event", event).
			Str("conn_id", sock.ID()).
			Str("code", ae.Code).
			Msg("Event rejected")
	}

	monitoring.RecordDispatchError(ae.Code)

	if emitErr := sock.Emit(EventError, ae.ToPayload(event)); emitErr != nil {
		r.logger.Debug().
			Err(emitErr).
			Str("conn_id", sock.ID()).
			Msg("Could not deliver error event")
	}
}

// Connect runs every ConnectHandler in registration order. The first error
// is reported to the client and stops the chain.
func (r *Registry) Connect(ctx context.Context, sock Socket) error {
	for _, h := range r.snapshot() {
		ch, ok := h.(ConnectHandler)
		if !ok {
			continue
		}
		if err := ch.OnConnect(ctx, sock); err != nil {
			r.Reject(sock, "connect", err)
			return err
		}
	}
	return nil
}

// Disconnect runs every DisconnectHandler in reverse registration order.
func (r *Registry) Disconnect(ctx context.Context, sock Socket, reason string) {
	handlers := r.snapshot()
	for i := len(handlers) - 1; i >= 0; i-- {
		if dh, ok := handlers[i].(DisconnectHandler); ok {
			r.safely(sock, "disconnect", func() { dh.OnDisconnect(ctx, sock, reason) })
		}
	}
}

// ReconnectAttempt forwards transport reconnect attempt n.
func (r *Registry) ReconnectAttempt(ctx context.Context, sock Socket, attempt int) {
	for _, h := range r.snapshot() {
		if rh, ok := h.(ReconnectHandler); ok {
			r.safely(sock, EventReconnectAttempt, func() { rh.OnReconnectAttempt(ctx, sock, attempt) })
		}
	}
}

// ReconnectSuccess forwards a successful transport reconnect.
func (r *Registry) ReconnectSuccess(ctx context.Context, sock Socket, attempt int) {
	for _, h := range r.snapshot() {
		if rh, ok := h.(ReconnectHandler); ok {
			r.safely(sock, EventReconnect, func() { rh.OnReconnectSuccess(ctx, sock, attempt) })
		}
	}
}

// ReconnectFailed forwards exhaustion of transport reconnect attempts.
func (r *Registry) ReconnectFailed(ctx context.Context, sock Socket) {
	for _, h := range r.snapshot() {
		if rh, ok := h.(ReconnectHandler); ok {
			r.safely(sock, EventReconnectFailed, func() { rh.OnReconnectFailed(ctx, sock) })
		}
	}
}

func (r *Registry) safely(sock Socket, hook string, fn func()) {
	defer monitoring.RecoverPanic(r.logger, "dispatch:"+hook, map[string]any{"conn_id": sock.ID()})
	fn()
}

type panicError struct{ value any }

func (p panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}
