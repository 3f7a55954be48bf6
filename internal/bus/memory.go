package bus

import (
	"context"
	"sync"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/rs/zerolog"
)

type memoryMessage struct {
	subject string
	data    []byte
}

// Memory is an in-process bus. Several coordinators sharing one Memory behave
// like instances on a real broker, which is how the cluster tests run.
type Memory struct {
	publishCh chan memoryMessage
	mu        sync.RWMutex
	handlers  map[string][]Handler
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewMemory starts the fan-out loop. bufferSize bounds pending publishes.
func NewMemory(bufferSize int, logger zerolog.Logger) *Memory {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Memory{
		publishCh: make(chan memoryMessage, bufferSize),
		handlers:  make(map[string][]Handler),
		logger:    logger.With().Str("component", "memory_bus").Logger(),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.wg.Add(1)
	go m.run()
	return m
}

func (m *Memory) run() {
	defer m.wg.Done()
	defer monitoring.RecoverPanic(m.logger, "memory_bus.run", nil)

	for {
		select {
		case msg := <-m.publishCh:
			m.fanOut(msg)
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Memory) fanOut(msg memoryMessage) {
	m.mu.RLock()
	handlers := append([]Handler(nil), m.handlers[msg.subject]...)
	m.mu.RUnlock()

	for _, h := range handlers {
		h(msg.subject, msg.data)
	}
}

// Publish queues a copy of data. It never blocks: a full buffer returns ErrFull.
func (m *Memory) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.ctx.Err() != nil {
		return ErrClosed
	}

	msg := memoryMessage{subject: subject, data: append([]byte(nil), data...)}
	select {
	case m.publishCh <- msg:
		return nil
	default:
		m.logger.Warn().Str("subject", subject).Msg("Bus publish channel is full, message dropped")
		return ErrFull
	}
}

func (m *Memory) Subscribe(subject string, handler Handler) error {
	if m.ctx.Err() != nil {
		return ErrClosed
	}
	m.mu.Lock()
	m.handlers[subject] = append(m.handlers[subject], handler)
	m.mu.Unlock()
	return nil
}

// Close stops delivery. Pending messages are dropped.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.cancel()
		m.wg.Wait()

		m.mu.Lock()
		m.handlers = make(map[string][]Handler)
		m.mu.Unlock()
	})
	return nil
}
