// Package bus carries opaque payloads between server instances.
//
// Every implementation is fire-and-forget pub/sub: a published payload reaches
// each subscriber that is connected at that moment, at most once. Ordering is
// only preserved per publisher.
package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

var (
	ErrClosed = errors.New("bus: closed")
	ErrFull   = errors.New("bus: publish buffer full")
)

// Handler receives one payload. It runs on the bus's delivery goroutine and
// must not block.
type Handler func(subject string, data []byte)

// Bus is the transport used by the cluster coordinator.
type Bus interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(subject string, handler Handler) error
	Close() error
}

// Config selects and configures a transport.
type Config struct {
	Transport    string // memory, nats, redis, kafka
	NATSURL      string
	RedisAddr    string
	KafkaBrokers []string
	ClientName   string
	BufferSize   int // memory transport only
}

// Open connects the configured transport.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Transport) {
	case "memory", "":
		return NewMemory(cfg.BufferSize, logger), nil
	case "nats":
		return NewNATS(cfg.NATSURL, cfg.ClientName, logger)
	case "redis":
		return NewRedis(ctx, cfg.RedisAddr, logger)
	case "kafka":
		return NewKafka(cfg.KafkaBrokers, cfg.ClientName, logger)
	default:
		return nil, fmt.Errorf("unknown bus transport %q", cfg.Transport)
	}
}
