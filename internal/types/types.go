package types

import (
	"sync/atomic"
	"time"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
	LogLevelFatal LogLevel = "fatal"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"   // JSON format for Loki
	LogFormatPretty LogFormat = "pretty" // Human-readable for local dev
)

// Stats tracks process-wide server counters.
// All fields are updated with atomic operations; read them through Snapshot.
type Stats struct {
	TotalConnections    int64
	CurrentConnections  int64
	RejectedConnections int64
	MessagesSent        int64
	MessagesReceived    int64
	BytesSent           int64
	BytesReceived       int64
	RateLimitedMessages int64
	StartTime           time.Time
}

// NewStats creates a Stats with the start time set to now.
func NewStats() *Stats {
	return &Stats{StartTime: time.Now()}
}

// StatsSnapshot is a point-in-time copy of Stats safe to serialize.
type StatsSnapshot struct {
	TotalConnections    int64         `json:"totalConnections"`
	CurrentConnections  int64         `json:"currentConnections"`
	RejectedConnections int64         `json:"rejectedConnections"`
	MessagesSent        int64         `json:"messagesSent"`
	MessagesReceived    int64         `json:"messagesReceived"`
	BytesSent           int64         `json:"bytesSent"`
	BytesReceived       int64         `json:"bytesReceived"`
	RateLimitedMessages int64         `json:"rateLimitedMessages"`
	Uptime              time.Duration `json:"uptime"`
}

// Snapshot reads every counter atomically.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		TotalConnections:    atomic.LoadInt64(&s.TotalConnections),
		CurrentConnections:  atomic.LoadInt64(&s.CurrentConnections),
		RejectedConnections: atomic.LoadInt64(&s.RejectedConnections),
		MessagesSent:        atomic.LoadInt64(&s.MessagesSent),
		MessagesReceived:    atomic.LoadInt64(&s.MessagesReceived),
		BytesSent:           atomic.LoadInt64(&s.BytesSent),
		BytesReceived:       atomic.LoadInt64(&s.BytesReceived),
		RateLimitedMessages: atomic.LoadInt64(&s.RateLimitedMessages),
		Uptime:              time.Since(s.StartTime),
	}
}
