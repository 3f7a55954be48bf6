package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Kafka maps subjects to topics on Kafka or Redpanda.
//
// No consumer group is used: every instance reads every partition from the
// end, which gives broadcast semantics instead of work sharing.
type Kafka struct {
	client *kgo.Client
	logger zerolog.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

func NewKafka(brokers []string, clientID string, logger zerolog.Logger) (*Kafka, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()), // Start from latest
		kgo.FetchMaxWait(500 * time.Millisecond),
		kgo.FetchMinBytes(1),
		kgo.ProducerLinger(5 * time.Millisecond),
		kgo.AllowAutoTopicCreation(),
	}
	if clientID != "" {
		opts = append(opts, kgo.ClientID(clientID))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Kafka{
		client:   client,
		logger:   logger.With().Str("component", "kafka_bus").Logger(),
		handlers: make(map[string][]Handler),
		ctx:      ctx,
		cancel:   cancel,
	}

	b.wg.Add(1)
	go b.consumeLoop()

	b.logger.Info().Strs("brokers", brokers).Msg("Kafka bus started")
	return b, nil
}

// Publish produces asynchronously. Delivery failures are logged by the
// produce callback; only enqueue errors are returned.
func (b *Kafka) Publish(ctx context.Context, subject string, data []byte) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}

	record := &kgo.Record{Topic: subject, Value: data}
	b.client.Produce(ctx, record, func(r *kgo.Record, err error) {
		if err != nil {
			b.logger.Error().Err(err).Str("topic", r.Topic).Msg("Failed to produce record")
			monitoring.RecordBusMessage("out", err)
		}
	})
	return nil
}

func (b *Kafka) Subscribe(subject string, handler Handler) error {
	if b.ctx.Err() != nil {
		return ErrClosed
	}

	b.mu.Lock()
	_, existing := b.handlers[subject]
	b.handlers[subject] = append(b.handlers[subject], handler)
	b.mu.Unlock()

	if !existing {
		b.client.AddConsumeTopics(subject)
		b.logger.Info().Str("topic", subject).Msg("Consuming topic")
	}
	return nil
}

func (b *Kafka) consumeLoop() {
	defer b.wg.Done()
	defer monitoring.RecoverPanic(b.logger, "kafka_bus.consumeLoop", nil)

	for {
		fetches := b.client.PollFetches(b.ctx)
		if fetches.IsClientClosed() || b.ctx.Err() != nil {
			return
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, err := range errs {
				if errors.Is(err.Err, context.Canceled) {
					return
				}
				b.logger.Error().
					Err(err.Err).
					Str("topic", err.Topic).
					Int32("partition", err.Partition).
					Msg("Fetch error")
			}
		}

		fetches.EachRecord(func(record *kgo.Record) {
			b.mu.RLock()
			handlers := b.handlers[record.Topic]
			b.mu.RUnlock()

			for _, h := range handlers {
				h(record.Topic, record.Value)
			}
		})
	}
}

func (b *Kafka) Close() error {
	b.once.Do(func() {
		b.cancel()
		b.wg.Wait()

		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.client.Flush(flushCtx); err != nil {
			b.logger.Warn().Err(err).Msg("Failed to flush pending records")
		}
		b.client.Close()
	})
	return nil
}
