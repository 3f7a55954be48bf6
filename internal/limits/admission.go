package limits

import (
	"fmt"
	"math"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/rs/zerolog"
)

// LoadSampler exposes the latest out-of-band resource sample.
// monitoring.SystemMonitor satisfies it.
type LoadSampler interface {
	Snapshot() monitoring.SystemMetrics
}

// ConnectionCounter reports live connections. session.Store satisfies it.
type ConnectionCounter interface {
	Count() int64
}

// AdmissionConfig holds rejection thresholds. Zero values disable a check.
type AdmissionConfig struct {
	MaxConnections        int
	CPURejectThreshold    float64 // percent
	MemoryRejectThreshold float64 // percent
	MaxGoroutines         int
}

// Admission decides whether a new connection may be accepted.
//
// It only reads values sampled elsewhere, so the decision costs a few atomic
// loads and never blocks the accept path.
type Admission struct {
	cfg     AdmissionConfig
	sampler LoadSampler
	conns   ConnectionCounter
	logger  zerolog.Logger
}

func NewAdmission(cfg AdmissionConfig, sampler LoadSampler, conns ConnectionCounter, logger zerolog.Logger) *Admission {
	a := &Admission{
		cfg:     cfg,
		sampler: sampler,
		conns:   conns,
		logger:  logger.With().Str("component", "admission").Logger(),
	}

	a.logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Float64("cpu_reject_threshold", cfg.CPURejectThreshold).
		Float64("memory_reject_threshold", cfg.MemoryRejectThreshold).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msg("Admission control initialized")

	return a
}

// Rejection reasons, used as metric labels
const (
	ReasonMaxConnections = "at_max_connections"
	ReasonCPU            = "cpu_overload"
	ReasonMemory         = "memory_limit"
	ReasonGoroutines     = "goroutine_limit"
)

// Evaluate returns whether a connection is allowed and, if not, a metric
// label and a human readable reason.
func (a *Admission) Evaluate() (allow bool, label, reason string) {
	var conns int64
	if a.conns != nil {
		conns = a.conns.Count()
	}
	var m monitoring.SystemMetrics
	if a.sampler != nil {
		m = a.sampler.Snapshot()
	}

	// Check 1: Hard connection limit
	if a.cfg.MaxConnections > 0 && conns >= int64(a.cfg.MaxConnections) {
		return false, ReasonMaxConnections, fmt.Sprintf("at max connections (%d)", a.cfg.MaxConnections)
	}

	// Check 2: CPU pressure
	if a.cfg.CPURejectThreshold > 0 && m.CPUPercent > a.cfg.CPURejectThreshold {
		return false, ReasonCPU, fmt.Sprintf("CPU %.1f%% > %.1f%%", m.CPUPercent, a.cfg.CPURejectThreshold)
	}

	// Check 3: Memory pressure
	if a.cfg.MemoryRejectThreshold > 0 && m.MemoryPercent > a.cfg.MemoryRejectThreshold {
		return false, ReasonMemory, fmt.Sprintf("memory %.1f%% > %.1f%%", m.MemoryPercent, a.cfg.MemoryRejectThreshold)
	}

	// Check 4: Goroutine count
	if a.cfg.MaxGoroutines > 0 && m.Goroutines > a.cfg.MaxGoroutines {
		return false, ReasonGoroutines, fmt.Sprintf("goroutine limit exceeded (%d > %d)", m.Goroutines, a.cfg.MaxGoroutines)
	}

	return true, "", "OK"
}

// ShouldAllowConnection is the single admission decision point.
func (a *Admission) ShouldAllowConnection() bool {
	allow, label, reason := a.Evaluate()
	if !allow {
		monitoring.RecordRejection(label)
		a.logger.Debug().
			Str("reason", reason).
			Msg("Connection rejected")
	}
	return allow
}

// LoadScore condenses the load signal into 0-100: the highest utilization
// among connections, CPU, memory and goroutines relative to their limits.
func (a *Admission) LoadScore() float64 {
	var m monitoring.SystemMetrics
	if a.sampler != nil {
		m = a.sampler.Snapshot()
	}

	score := math.Max(m.CPUPercent, m.MemoryPercent)
	if a.cfg.MaxConnections > 0 && a.conns != nil {
		score = math.Max(score, 100*float64(a.conns.Count())/float64(a.cfg.MaxConnections))
	}
	if a.cfg.MaxGoroutines > 0 {
		score = math.Max(score, 100*float64(m.Goroutines)/float64(a.cfg.MaxGoroutines))
	}
	return math.Min(100, math.Max(0, score))
}
