package limits

import (
	"testing"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

type fixedSampler struct{ m monitoring.SystemMetrics }

func (f fixedSampler) Snapshot() monitoring.SystemMetrics { return f.m }

type fixedCount int64

func (f fixedCount) Count() int64 { return int64(f) }

func testAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		MaxConnections:        10,
		CPURejectThreshold:    75,
		MemoryRejectThreshold: 90,
		MaxGoroutines:         1000,
	}
}

func TestAdmissionChecks(t *testing.T) {
	tests := []struct {
		name   string
		conns  int64
		m      monitoring.SystemMetrics
		allow  bool
		reason string
	}{
		{"healthy", 3, monitoring.SystemMetrics{CPUPercent: 20, MemoryPercent: 40, Goroutines: 100}, true, ""},
		{"at max connections", 10, monitoring.SystemMetrics{}, false, ReasonMaxConnections},
		{"cpu overload", 1, monitoring.SystemMetrics{CPUPercent: 80}, false, ReasonCPU},
		{"cpu at threshold allowed", 1, monitoring.SystemMetrics{CPUPercent: 75}, true, ""},
		{"memory", 1, monitoring.SystemMetrics{MemoryPercent: 95}, false, ReasonMemory},
		{"goroutines", 1, monitoring.SystemMetrics{Goroutines: 1001}, false, ReasonGoroutines},
		{"connections checked first", 10, monitoring.SystemMetrics{CPUPercent: 99}, false, ReasonMaxConnections},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAdmission(testAdmissionConfig(), fixedSampler{tt.m}, fixedCount(tt.conns), zerolog.Nop())
			allow, label, _ := a.Evaluate()
			assert.Equal(t, tt.allow, allow)
			assert.Equal(t, tt.reason, label)
			assert.Equal(t, tt.allow, a.ShouldAllowConnection())
		})
	}
}

func TestAdmissionZeroThresholdsDisableChecks(t *testing.T) {
	a := NewAdmission(AdmissionConfig{}, fixedSampler{monitoring.SystemMetrics{CPUPercent: 100, MemoryPercent: 100}}, fixedCount(1<<20), zerolog.Nop())
	assert.True(t, a.ShouldAllowConnection())
}

func TestLoadScore(t *testing.T) {
	a := NewAdmission(testAdmissionConfig(), fixedSampler{monitoring.SystemMetrics{CPUPercent: 30, MemoryPercent: 20, Goroutines: 100}}, fixedCount(5), zerolog.Nop())
	assert.InDelta(t, 50.0, a.LoadScore(), 0.001)

	idle := NewAdmission(testAdmissionConfig(), nil, nil, zerolog.Nop())
	assert.Equal(t, 0.0, idle.LoadScore())

	over := NewAdmission(testAdmissionConfig(), nil, fixedCount(50), zerolog.Nop())
	assert.Equal(t, 100.0, over.LoadScore())
}

func TestMessageLimiterBurstThenRetryHint(t *testing.T) {
	l := NewMessageLimiter(1, 3)
	for i := 0; i < 3; i++ {
		ok, _ := l.Allow()
		assert.True(t, ok, "message %d within burst", i)
	}

	ok, retry := l.Allow()
	assert.False(t, ok)
	assert.Greater(t, retry, time.Duration(0))
	assert.LessOrEqual(t, retry, time.Second)

	// A refused attempt must not consume the next token
	ok2, retry2 := l.Allow()
	assert.False(t, ok2)
	assert.LessOrEqual(t, retry2, retry)
}

func TestIPLimiterPerIP(t *testing.T) {
	l := NewIPLimiter(IPLimiterConfig{IPRate: 0.001, IPBurst: 2, GlobalRate: 1000, GlobalBurst: 1000, Logger: zerolog.Nop()})

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.2"), "other IPs keep their own bucket")
	assert.Equal(t, 2, l.Tracked())
}

func TestIPLimiterGlobal(t *testing.T) {
	l := NewIPLimiter(IPLimiterConfig{IPRate: 1000, IPBurst: 1000, GlobalRate: 0.001, GlobalBurst: 2, Logger: zerolog.Nop()})

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
	assert.False(t, l.Allow("c"))
}

func TestIPLimiterSweep(t *testing.T) {
	l := NewIPLimiter(IPLimiterConfig{IPTTL: time.Minute, Logger: zerolog.Nop()})
	now := time.Now()
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Tracked())
}
