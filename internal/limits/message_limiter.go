package limits

import (
	"time"

	"golang.org/x/time/rate"
)

// MessageLimiter is a per-connection token bucket for inbound events.
// Each connection owns one, touched only by its read loop.
type MessageLimiter struct {
	limiter *rate.Limiter
}

// NewMessageLimiter allows perSecond events on average with bursts of burst.
func NewMessageLimiter(perSecond float64, burst int) *MessageLimiter {
	if burst < 1 {
		burst = 1
	}
	return &MessageLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Allow consumes a token if one is available. Otherwise it returns false
// and how long until the next token, without consuming anything.
func (l *MessageLimiter) Allow() (bool, time.Duration) {
	now := time.Now()
	reservation := l.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Second
	}

	delay := reservation.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}

	reservation.CancelAt(now) // Don't consume token
	return false, delay
}
