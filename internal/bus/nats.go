package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATS publishes on core NATS subjects.
type NATS struct {
	conn   *nats.Conn
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
	logger zerolog.Logger
}

func NewNATS(url, name string, logger zerolog.Logger) (*NATS, error) {
	b := &NATS{
		subs:   make(map[string]*nats.Subscription),
		logger: logger.With().Str("component", "nats_bus").Logger(),
	}

	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.ReconnectJitter(500*time.Millisecond, 500*time.Millisecond),
		nats.PingInterval(20 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				b.logger.Warn().Err(err).Msg("Disconnected from NATS")
				monitoring.RecordError(monitoring.ErrorTypeBus, monitoring.ErrorSeverityWarning)
			}
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			event := b.logger.Error().Err(err)
			if sub != nil {
				event = event.Str("subject", sub.Subject)
			}
			event.Msg("NATS error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	b.conn = conn

	b.logger.Info().Str("url", conn.ConnectedUrl()).Msg("Connected to NATS")
	return b, nil
}

func (b *NATS) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

func (b *NATS) Subscribe(subject string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.subs[subject] = sub
	b.logger.Info().Str("subject", subject).Msg("Subscribed to NATS subject")
	return nil
}

// Close drains subscriptions before closing the connection.
func (b *NATS) Close() error {
	if b.conn.IsClosed() {
		return nil
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
