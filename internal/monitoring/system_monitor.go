package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemMetrics holds current system resource measurements
type SystemMetrics struct {
	CPUPercent    float64   `json:"cpuPercent"`    // Process CPU usage, normalized to 0-100 across all cores
	MemoryPercent float64   `json:"memoryPercent"` // System memory in use (0-100)
	RSSBytes      uint64    `json:"rssBytes"`      // Process resident set size
	Goroutines    int       `json:"goroutines"`    // Current goroutine count
	Timestamp     time.Time `json:"timestamp"`     // When these metrics were captured
}

// SystemMonitor samples process load out-of-band so that admission control
// can read it without paying measurement cost on the connection path.
//
// Measure once per interval, query many times. Readers always see the last
// complete sample.
type SystemMonitor struct {
	proc   *process.Process
	logger zerolog.Logger

	mu      sync.RWMutex
	metrics SystemMetrics
}

// NewSystemMonitor creates a monitor for the current process.
func NewSystemMonitor(logger zerolog.Logger) *SystemMonitor {
	sm := &SystemMonitor{
		logger: logger.With().Str("component", "system_monitor").Logger(),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		sm.logger.Warn().Err(err).Msg("Process stats unavailable, falling back to host CPU")
	} else {
		sm.proc = proc
	}

	sm.metrics = SystemMetrics{Timestamp: time.Now()}
	return sm
}

// Start begins periodic sampling until ctx is cancelled.
func (sm *SystemMonitor) Start(ctx context.Context, interval time.Duration) {
	go func() {
		defer RecoverPanic(sm.logger, "systemMonitor", nil)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		sm.logger.Info().
			Dur("interval", interval).
			Msg("SystemMonitor started")

		sm.Sample()

		for {
			select {
			case <-ticker.C:
				sm.Sample()
			case <-ctx.Done():
				sm.logger.Info().Msg("SystemMonitor stopped")
				return
			}
		}
	}()
}

// Sample performs a single measurement of all system resources
func (sm *SystemMonitor) Sample() SystemMetrics {
	var cpuPercent float64
	var rss uint64

	if sm.proc != nil {
		// Percent(0) compares against the previous call; the first call returns 0
		if p, err := sm.proc.Percent(0); err == nil {
			cpuPercent = p / float64(runtime.NumCPU())
		} else {
			LogError(sm.logger, err, "Failed to get process CPU usage", nil)
		}
		if info, err := sm.proc.MemoryInfo(); err == nil {
			rss = info.RSS
		}
	} else if p, err := cpu.Percent(0, false); err == nil && len(p) > 0 {
		cpuPercent = p[0]
	}

	var memPercent float64
	if vmem, err := mem.VirtualMemory(); err == nil {
		memPercent = vmem.UsedPercent
	} else {
		LogError(sm.logger, err, "Failed to get memory usage", nil)
	}

	m := SystemMetrics{
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		RSSBytes:      rss,
		Goroutines:    runtime.NumGoroutine(),
		Timestamp:     time.Now(),
	}

	sm.mu.Lock()
	sm.metrics = m
	sm.mu.Unlock()

	CpuUsagePercent.Set(cpuPercent)
	MemoryUsagePercent.Set(memPercent)
	SetGoroutines(m.Goroutines)

	sm.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Float64("memory_percent", memPercent).
		Uint64("rss_bytes", rss).
		Int("goroutines", m.Goroutines).
		Msg("System metrics updated")

	return m
}

// Snapshot returns a copy of the last sample.
func (sm *SystemMonitor) Snapshot() SystemMetrics {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.metrics
}
