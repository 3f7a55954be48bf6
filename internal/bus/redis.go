package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis uses Redis pub/sub channels as subjects.
type Redis struct {
	client *redis.Client
	logger zerolog.Logger

	mu     sync.Mutex
	pubsub []*redis.PubSub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedis(ctx context.Context, addr string, logger zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	defer cancelPing()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b := &Redis{
		client: client,
		logger: logger.With().Str("component", "redis_bus").Logger(),
		ctx:    runCtx,
		cancel: cancel,
	}
	b.logger.Info().Str("addr", addr).Msg("Connected to Redis")
	return b, nil
}

func (b *Redis) Publish(ctx context.Context, subject string, data []byte) error {
	if err := b.client.Publish(ctx, subject, data).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed so that publishes made
// after it returns are not missed.
func (b *Redis) Subscribe(subject string, handler Handler) error {
	ps := b.client.Subscribe(b.ctx, subject)
	if _, err := ps.Receive(b.ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	b.mu.Lock()
	b.pubsub = append(b.pubsub, ps)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer monitoring.RecoverPanic(b.logger, "redis_bus.receive", map[string]any{"subject": subject})

		for msg := range ps.Channel() {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}()

	b.logger.Info().Str("subject", subject).Msg("Subscribed to Redis channel")
	return nil
}

func (b *Redis) Close() error {
	b.cancel()

	b.mu.Lock()
	for _, ps := range b.pubsub {
		_ = ps.Close()
	}
	b.pubsub = nil
	b.mu.Unlock()

	b.wg.Wait()
	return b.client.Close()
}
