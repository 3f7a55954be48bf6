package limits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// IPLimiter rate limits WebSocket handshakes per client IP and globally,
// so a single misbehaving client cannot burn the admission budget.
//
// Limits:
//   - Per-IP: burst of IPBurst, then IPRate handshakes per second
//   - Global: burst of GlobalBurst, then GlobalRate handshakes per second
//
// Inactive IP entries are swept after IPTTL.
type IPLimiter struct {
	mu      sync.Mutex
	ips     map[string]*ipEntry
	ipRate  float64
	ipBurst int
	ipTTL   time.Duration

	global *rate.Limiter
	logger zerolog.Logger
	now    func() time.Time
}

type ipEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IPLimiterConfig configures IPLimiter. Zero values take defaults.
type IPLimiterConfig struct {
	IPRate      float64       // default 1/s
	IPBurst     int           // default 10
	IPTTL       time.Duration // default 5m
	GlobalRate  float64       // default 50/s
	GlobalBurst int           // default 300
	Logger      zerolog.Logger
}

func NewIPLimiter(cfg IPLimiterConfig) *IPLimiter {
	if cfg.IPRate <= 0 {
		cfg.IPRate = 1.0
	}
	if cfg.IPBurst <= 0 {
		cfg.IPBurst = 10
	}
	if cfg.IPTTL <= 0 {
		cfg.IPTTL = 5 * time.Minute
	}
	if cfg.GlobalRate <= 0 {
		cfg.GlobalRate = 50.0
	}
	if cfg.GlobalBurst <= 0 {
		cfg.GlobalBurst = 300
	}

	return &IPLimiter{
		ips:     make(map[string]*ipEntry),
		ipRate:  cfg.IPRate,
		ipBurst: cfg.IPBurst,
		ipTTL:   cfg.IPTTL,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRate), cfg.GlobalBurst),
		logger:  cfg.Logger.With().Str("component", "ip_limiter").Logger(),
		now:     time.Now,
	}
}

// Allow reports whether a handshake from ip may proceed.
func (l *IPLimiter) Allow(ip string) bool {
	// Per-IP first so one noisy client does not drain the global bucket
	if !l.limiterFor(ip).Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Handshake rejected: per-IP rate limit exceeded")
		return false
	}
	if !l.global.Allow() {
		l.logger.Debug().Str("ip", ip).Msg("Handshake rejected: global rate limit exceeded")
		return false
	}
	return true
}

func (l *IPLimiter) limiterFor(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.ips[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(rate.Limit(l.ipRate), l.ipBurst)}
		l.ips[ip] = entry
	}
	entry.lastAccess = l.now()
	return entry.limiter
}

// Tracked returns the number of IPs with live limiter state.
func (l *IPLimiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ips)
}

// Sweep forgets IPs idle for longer than the TTL and returns how many.
func (l *IPLimiter) Sweep() int {
	cutoff := l.now().Add(-l.ipTTL)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for ip, entry := range l.ips {
		if entry.lastAccess.Before(cutoff) {
			delete(l.ips, ip)
			removed++
		}
	}
	return removed
}

// Run sweeps once a minute until ctx is cancelled.
func (l *IPLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := l.Sweep(); n > 0 {
				l.logger.Debug().Int("removed", n).Int("tracked", l.Tracked()).Msg("Swept idle IP limiters")
			}
		case <-ctx.Done():
			return
		}
	}
}
