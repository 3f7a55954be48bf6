package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/roomcast/internal/apperr"
	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/adred-codev/roomcast/internal/rooms"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownConnection is returned for ids that were never added or
	// have already been removed.
	ErrUnknownConnection = errors.New("unknown connection")

	// ErrMissingCredential means neither a token nor (in legacy mode) a
	// user id was supplied.
	ErrMissingCredential = errors.New("missing credential")
)

// ValidateUserID reports whether id can name a user. It must fit in a
// user:<id> room name and carry no whitespace or ':'.
func ValidateUserID(id string) error {
	if id == "" {
		return errors.New("userId is empty")
	}
	if len(id) > rooms.MaxNameLength {
		return fmt.Errorf("userId must be at most %d characters", rooms.MaxNameLength)
	}
	if strings.ContainsAny(id, " \t\r\n:") {
		return errors.New("userId must not contain whitespace or ':'")
	}
	return nil
}

// Verifier checks a signed token and returns the user id it carries.
// auth.JWTManager satisfies it.
type Verifier interface {
	VerifyUser(token string) (string, error)
}

// Evictor forcibly closes a connection. The transport satisfies it.
// Evict reports false when the transport no longer holds connID.
type Evictor interface {
	Evict(connID, reason string) bool
}

// Credential is what a client presents with a register/authenticate event.
type Credential struct {
	Token string

	// RequireToken disables the legacy path for this call
	RequireToken bool
}

// Config holds Store dependencies.
type Config struct {
	Verifier Verifier

	// AllowLegacy accepts a bare user id without a token
	AllowLegacy bool

	// FailureGrace is how long a connection that failed authentication
	// stays open so the error event reaches the client
	FailureGrace time.Duration

	// Backoff computes reconnect delays
	Backoff Backoff

	// Revalidate is consulted before a remembered identity is restored after
	// a reconnect. Nil accepts every identity.
	Revalidate func(ctx context.Context, userID string) error

	// OnExpired runs when the idle sweep drops a connection the transport
	// had already lost, so room membership can be cleaned up too
	OnExpired func(connID, userID string)

	Logger zerolog.Logger
}

// Store tracks every live connection.
//
// Connections live in a sync.Map keyed by id; each connection carries its
// own mutex, so operations on unrelated connections never contend.
type Store struct {
	conns sync.Map // connID -> *Connection
	count atomic.Int64

	cfg     Config
	logger  zerolog.Logger
	evictor atomic.Pointer[evictorHolder]
	now     func() time.Time
}

type evictorHolder struct{ Evictor }

// NewStore creates an empty store.
func NewStore(cfg Config) *Store {
	if cfg.FailureGrace <= 0 {
		cfg.FailureGrace = 250 * time.Millisecond
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "sessions").Logger(),
		now:    time.Now,
	}
}

// SetEvictor installs the component that closes connections. It is set
// after construction because the transport itself depends on the store.
func (s *Store) SetEvictor(e Evictor) {
	s.evictor.Store(&evictorHolder{e})
}

func (s *Store) evict(connID, reason string) bool {
	if h := s.evictor.Load(); h != nil && h.Evictor != nil {
		return h.Evict(connID, reason)
	}
	return false
}

// Add records a newly accepted connection. handshakeUserID is the identity
// verified at upgrade time, or "" for anonymous connections.
func (s *Store) Add(connID, handshakeUserID, remoteAddr string) *Connection {
	conn := newConnection(connID, handshakeUserID, remoteAddr, s.now())
	if prev, loaded := s.conns.LoadOrStore(connID, conn); loaded {
		return prev.(*Connection)
	}
	s.count.Add(1)
	return conn
}

// Get returns the connection with id connID.
func (s *Store) Get(connID string) (*Connection, bool) {
	v, ok := s.conns.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// RegisterUser binds userID to the connection.
//
// The identity is resolved in this order:
//  1. a handshake identity, in which case userID must match it
//  2. a signed token, whose subject must match userID when both are given
//  3. a bare userID when legacy mode is enabled
//
// Calling it again with the same user is a no-op that returns the original
// method. A different user, or a mismatch with the handshake identity,
// returns apperr.IdentityMismatch and leaves the connection open. Every other
// failure returns the generic authentication error and schedules the
// connection for eviction after FailureGrace.
func (s *Store) RegisterUser(ctx context.Context, connID, userID string, cred Credential) (AuthMethod, error) {
	conn, ok := s.Get(connID)
	if !ok {
		return "", fmt.Errorf("register %s: %w", connID, ErrUnknownConnection)
	}

	// Verification may be slow; never hold the connection lock across it
	resolved, method, err := s.resolveIdentity(ctx, conn, userID, cred)
	if err != nil {
		if apperr.IsKind(err, apperr.KindAuthentication) && !isMismatch(err) {
			s.failClosed(connID, err)
			monitoring.RecordAuthAttempt(string(s.methodFor(conn, cred)), "failure")
		}
		return "", err
	}

	conn.mu.Lock()
	switch conn.state {
	case StateDisconnected:
		conn.mu.Unlock()
		return "", fmt.Errorf("register %s: %w", connID, ErrUnknownConnection)
	case StateAuthenticated:
		current, currentMethod := conn.userID, conn.method
		conn.mu.Unlock()
		if current == resolved {
			return currentMethod, nil
		}
		s.logger.Warn().
			Str("conn_id", connID).
			Str("bound_user", current).
			Str("claimed_user", resolved).
			Msg("Connection already bound to another user")
		return "", apperr.IdentityMismatch()
	}

	conn.userID = resolved
	conn.method = method
	conn.state = StateAuthenticated
	conn.reconnect.PreviousUserID = ""
	conn.mu.Unlock()

	conn.touch(s.now())
	monitoring.RecordAuthAttempt(string(method), "success")

	s.logger.Info().
		Str("conn_id", connID).
		Str("user_id", resolved).
		Str("method", string(method)).
		Msg("Connection authenticated")

	return method, nil
}

func (s *Store) resolveIdentity(ctx context.Context, conn *Connection, userID string, cred Credential) (string, AuthMethod, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	if hs := conn.handshakeUserID; hs != "" {
		if userID == "" {
			userID = hs
		}
		if userID != hs {
			return "", "", apperr.IdentityMismatch()
		}
		if err := ValidateUserID(hs); err != nil {
			return "", "", apperr.Authentication(fmt.Errorf("handshake subject: %w", err))
		}
		return hs, MethodHandshake, nil
	}

	if cred.Token != "" {
		if s.cfg.Verifier == nil {
			return "", "", apperr.Authentication(errors.New("token verification not configured"))
		}
		subject, err := s.cfg.Verifier.VerifyUser(cred.Token)
		if err != nil {
			return "", "", apperr.Authentication(err)
		}
		if userID != "" && userID != subject {
			return "", "", apperr.Authentication(fmt.Errorf("token subject %q does not match claimed %q", subject, userID))
		}
		if err := ValidateUserID(subject); err != nil {
			return "", "", apperr.Authentication(fmt.Errorf("token subject: %w", err))
		}
		return subject, MethodToken, nil
	}

	if userID != "" && s.cfg.AllowLegacy && !cred.RequireToken {
		if err := ValidateUserID(userID); err != nil {
			return "", "", apperr.Validation("%v", err)
		}
		return userID, MethodLegacy, nil
	}

	return "", "", apperr.Authentication(ErrMissingCredential)
}

func isMismatch(err error) bool {
	var ae *apperr.Error
	return errors.As(err, &ae) && ae.Code == apperr.CodeAuthMismatch
}

func (s *Store) methodFor(conn *Connection, cred Credential) AuthMethod {
	switch {
	case conn.handshakeUserID != "":
		return MethodHandshake
	case cred.Token != "" || cred.RequireToken || !s.cfg.AllowLegacy:
		return MethodToken
	default:
		return MethodLegacy
	}
}

// failClosed logs the real cause and evicts the connection after the grace
// period so the generic error event is written first.
func (s *Store) failClosed(connID string, err error) {
	s.logger.Warn().
		Err(err).
		Str("conn_id", connID).
		Dur("grace", s.cfg.FailureGrace).
		Msg("Authentication failed, scheduling disconnect")

	time.AfterFunc(s.cfg.FailureGrace, func() {
		s.evict(connID, monitoring.DisconnectReasonAuthFailed)
	})
}

// IsAuthenticated reports whether the connection has a bound user.
func (s *Store) IsAuthenticated(connID string) bool {
	conn, ok := s.Get(connID)
	if !ok {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.state == StateAuthenticated
}

// GetUserID returns the bound user, if any.
func (s *Store) GetUserID(connID string) (string, bool) {
	conn, ok := s.Get(connID)
	if !ok {
		return "", false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.state != StateAuthenticated {
		return "", false
	}
	return conn.userID, true
}

// UpdateActivity marks the connection as active now.
func (s *Store) UpdateActivity(connID string) {
	if conn, ok := s.Get(connID); ok {
		conn.touch(s.now())
	}
}

// RemoveUser forgets the connection entirely. It returns the user that was
// bound to it, if any.
func (s *Store) RemoveUser(connID string) (string, bool) {
	v, ok := s.conns.LoadAndDelete(connID)
	if !ok {
		return "", false
	}
	s.count.Add(-1)

	conn := v.(*Connection)
	conn.mu.Lock()
	defer conn.mu.Unlock()
	userID := conn.userID
	conn.state = StateDisconnected
	conn.userID = ""
	return userID, userID != ""
}

// DisconnectInactiveSince evicts every connection idle for longer than
// maxIdle and returns how many were evicted.
//
// Eviction goes through the transport so the normal disconnect path runs.
// Connections the transport no longer knows about are removed here directly.
func (s *Store) DisconnectInactiveSince(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	var stale []string

	s.conns.Range(func(key, value any) bool {
		conn := value.(*Connection)
		if conn.LastActivity().Before(cutoff) {
			stale = append(stale, key.(string))
		}
		return true
	})

	for _, connID := range stale {
		if s.evict(connID, monitoring.DisconnectReasonIdle) {
			continue
		}
		userID, _ := s.RemoveUser(connID)
		if s.cfg.OnExpired != nil {
			s.cfg.OnExpired(connID, userID)
		}
	}

	if len(stale) > 0 {
		monitoring.AddIdleEvictions(len(stale))
		s.logger.Info().
			Int("evicted", len(stale)).
			Dur("max_idle", maxIdle).
			Msg("Idle connections disconnected")
	}

	return len(stale)
}

// Count returns the number of live connections.
func (s *Store) Count() int64 {
	return s.count.Load()
}

// List returns a snapshot of all connections ordered by connect time.
func (s *Store) List() []Info {
	var out []Info
	s.conns.Range(func(_, value any) bool {
		out = append(out, value.(*Connection).Info())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// ConnectionsOf returns the ids of every authenticated connection bound to userID.
func (s *Store) ConnectionsOf(userID string) []string {
	var out []string
	s.conns.Range(func(key, value any) bool {
		conn := value.(*Connection)
		conn.mu.Lock()
		match := conn.state == StateAuthenticated && conn.userID == userID
		conn.mu.Unlock()
		if match {
			out = append(out, key.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}

// Users returns the distinct authenticated user ids.
func (s *Store) Users() []string {
	seen := make(map[string]struct{})
	s.conns.Range(func(_, value any) bool {
		conn := value.(*Connection)
		conn.mu.Lock()
		if conn.state == StateAuthenticated {
			seen[conn.userID] = struct{}{}
		}
		conn.mu.Unlock()
		return true
	})
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
