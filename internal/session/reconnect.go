package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
)

var (
	// ErrReconnectExhausted is returned once the terminal notice was sent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrRecoveryFailed means a remembered identity could not be restored.
	ErrRecoveryFailed = errors.New("state recovery failed")
)

// Backoff computes exponential reconnect delays with symmetric jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64 // fraction of the delay, 0.1 means ±10%
}

// DefaultBackoff doubles from one second up to thirty with ±10% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   time.Second,
		Max:    30 * time.Second,
		Factor: 2.0,
		Jitter: 0.1,
	}
}

// Next returns the delay for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	maxDelay := b.Max
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	factor := b.Factor
	if factor < 1 {
		factor = 2.0
	}

	wait := base
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > maxDelay {
			wait = maxDelay
			break
		}
		wait = next
	}
	if wait > maxDelay {
		wait = maxDelay
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// BeginReconnect records transport reconnect attempt n and returns the
// delay the client should wait.
//
// The first attempt of a hand-off moves the bound user into PreviousUserID;
// until CompleteReconnect the connection is not authenticated.
func (s *Store) BeginReconnect(connID string, attempt int) (ReconnectState, error) {
	conn, ok := s.Get(connID)
	if !ok {
		return ReconnectState{}, fmt.Errorf("reconnect %s: %w", connID, ErrUnknownConnection)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.reconnect.Exhausted {
		return conn.reconnect, ErrReconnectExhausted
	}

	if conn.state == StateAuthenticated {
		conn.reconnect.PreviousUserID = conn.userID
		conn.userID = ""
	}
	conn.state = StateReconnecting
	conn.reconnect.Attempt = attempt
	conn.reconnect.Delay = s.cfg.Backoff.Next(attempt)

	monitoring.RecordReconnect("attempt")
	return conn.reconnect, nil
}

// CompleteReconnect restores the remembered identity after a transport
// reconnect succeeded.
//
// It returns ("", nil) when there was nothing to restore. When the identity
// can no longer be validated it returns ErrRecoveryFailed and leaves the
// connection open but unauthenticated.
func (s *Store) CompleteReconnect(ctx context.Context, connID string) (string, error) {
	conn, ok := s.Get(connID)
	if !ok {
		return "", fmt.Errorf("reconnect %s: %w", connID, ErrUnknownConnection)
	}

	conn.mu.Lock()
	if conn.reconnect.Exhausted {
		conn.mu.Unlock()
		return "", ErrReconnectExhausted
	}
	previous := conn.reconnect.PreviousUserID
	conn.mu.Unlock()

	if previous == "" {
		conn.mu.Lock()
		if conn.state == StateReconnecting {
			conn.state = StateUnauthenticated
		}
		conn.reconnect.Attempt = 0
		conn.mu.Unlock()
		return "", nil
	}

	var cause error
	if hs := conn.handshakeUserID; hs != "" && hs != previous {
		cause = fmt.Errorf("remembered user %q differs from handshake %q", previous, hs)
	} else if s.cfg.Revalidate != nil {
		cause = s.cfg.Revalidate(ctx, previous)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	// A concurrent register may have bound a user in the meantime
	if conn.state == StateAuthenticated || conn.state == StateDisconnected {
		conn.reconnect.PreviousUserID = ""
		return "", fmt.Errorf("reconnect %s: %w: connection state changed to %s", connID, ErrRecoveryFailed, conn.state)
	}

	conn.reconnect.PreviousUserID = ""
	conn.reconnect.Attempt = 0

	if cause != nil {
		conn.state = StateUnauthenticated
		monitoring.RecordReconnect("recovery_failed")
		s.logger.Warn().
			Err(cause).
			Str("conn_id", connID).
			Str("user_id", previous).
			Msg("Reconnect state recovery failed")
		return "", fmt.Errorf("reconnect %s: %w", connID, ErrRecoveryFailed)
	}

	conn.userID = previous
	conn.state = StateAuthenticated
	monitoring.RecordReconnect("recovered")

	s.logger.Info().
		Str("conn_id", connID).
		Str("user_id", previous).
		Msg("Reconnect state recovered")

	return previous, nil
}

// FailReconnect marks the connection's reconnect attempts exhausted. It
// returns true only on the first call so the terminal notice is sent once.
func (s *Store) FailReconnect(connID string) bool {
	conn, ok := s.Get(connID)
	if !ok {
		return false
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.reconnect.Exhausted {
		return false
	}
	conn.reconnect.Exhausted = true
	conn.reconnect.PreviousUserID = ""
	if conn.state == StateReconnecting {
		conn.state = StateUnauthenticated
	}

	monitoring.RecordReconnect("exhausted")
	return true
}

// Reconnect returns the reconnect bookkeeping for connID.
func (s *Store) Reconnect(connID string) (ReconnectState, bool) {
	conn, ok := s.Get(connID)
	if !ok {
		return ReconnectState{}, false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.reconnect, true
}
