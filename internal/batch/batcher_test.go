package batch

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]string
	failN   int // fail this many calls before succeeding
}

func (r *flushRecorder) flush(_ string, frames [][]byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failN > 0 {
		r.failN--
		return errors.New("destination busy")
	}
	batch := make([]string, len(frames))
	for i, f := range frames {
		batch[i] = string(f)
	}
	r.batches = append(r.batches, batch)
	return nil
}

func (r *flushRecorder) snapshot() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]string, len(r.batches))
	copy(out, r.batches)
	return out
}

func frame(s string) []byte { return []byte(s) }

func TestFlushOnMaxSize(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher("c1", Options{MaxSize: 3, MaxDelay: time.Hour, MaxBytes: 1 << 20}, rec.flush)

	require.NoError(t, b.Add(frame("1")))
	require.NoError(t, b.Add(frame("2")))
	assert.Empty(t, rec.snapshot())

	require.NoError(t, b.Add(frame("3")))
	assert.Equal(t, [][]string{{"1", "2", "3"}}, rec.snapshot(), "flush happens on the call reaching the threshold")
	assert.Equal(t, StateEmpty, b.State())

	require.NoError(t, b.Add(frame("4")))
	assert.Equal(t, 1, b.Pending(), "fourth add starts a new batch")
	assert.Equal(t, StateOpen, b.State())
}

func TestFlushOnDelayFromFirstMessage(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher("c1", Options{MaxSize: 100, MaxDelay: 40 * time.Millisecond, MaxBytes: 1 << 20}, rec.flush)

	start := time.Now()
	require.NoError(t, b.Add(frame("a")))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Add(frame("b")))

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 2*time.Millisecond)
	elapsed := time.Since(start)

	assert.Equal(t, [][]string{{"a", "b"}}, rec.snapshot())
	assert.Less(t, elapsed, 55*time.Millisecond+20*time.Millisecond, "timer is not reset by later adds")
}

func TestFlushExistingBatchBeforeExceedingBytes(t *testing.T) {
	rec := &flushRecorder{}
	opts := Options{MaxSize: 100, MaxDelay: time.Hour, MaxBytes: envelopeOverhead + 12}
	b := NewBatcher("c1", opts, rec.flush)

	require.NoError(t, b.Add(frame("aaaa"))) // 5
	require.NoError(t, b.Add(frame("bbbb"))) // 10
	assert.Empty(t, rec.snapshot())

	require.NoError(t, b.Add(frame("cccc"))) // would be 15
	assert.Equal(t, [][]string{{"aaaa", "bbbb"}}, rec.snapshot())
	assert.Equal(t, 1, b.Pending())
}

func TestOversizedMessageFlushedAlone(t *testing.T) {
	rec := &flushRecorder{}
	opts := Options{MaxSize: 100, MaxDelay: time.Hour, MaxBytes: envelopeOverhead + 10}
	b := NewBatcher("c1", opts, rec.flush)

	require.NoError(t, b.Add(frame("small")))
	big := strings.Repeat("x", 100)
	require.NoError(t, b.Add(frame(big)), "oversized frames are never rejected")

	assert.Equal(t, [][]string{{"small"}, {big}}, rec.snapshot())
	assert.Equal(t, 0, b.Pending())
}

func TestCallbackFailureKeepsBatch(t *testing.T) {
	rec := &flushRecorder{failN: 1}
	b := NewBatcher("c1", Options{MaxSize: 2, MaxDelay: time.Hour, MaxBytes: 1 << 20}, rec.flush)

	require.NoError(t, b.Add(frame("1")))
	err := b.Add(frame("2"))
	require.Error(t, err)
	assert.Equal(t, 2, b.Pending())
	assert.Equal(t, StateOpen, b.State())

	require.NoError(t, b.Flush())
	assert.Equal(t, [][]string{{"1", "2"}}, rec.snapshot())
}

func TestCallbackFailureRetriesOnTimer(t *testing.T) {
	rec := &flushRecorder{failN: 1}
	b := NewBatcher("c1", Options{MaxSize: 1, MaxDelay: 10 * time.Millisecond, MaxBytes: 1 << 20}, rec.flush)

	assert.Error(t, b.Add(frame("1")))
	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, [][]string{{"1"}}, rec.snapshot())
}

func TestClearDropsWithoutCallback(t *testing.T) {
	rec := &flushRecorder{}
	b := NewBatcher("c1", Options{MaxSize: 10, MaxDelay: 10 * time.Millisecond, MaxBytes: 1 << 20}, rec.flush)

	require.NoError(t, b.Add(frame("1")))
	require.NoError(t, b.Add(frame("2")))
	assert.Equal(t, 2, b.Clear())

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "cancelled timer never fires")
	assert.Equal(t, StateEmpty, b.State())
}

// Every frame comes out exactly once, in order, across threshold, byte,
// timer and failed flushes.
func TestOrderAndNoLossUnderMixedFlushes(t *testing.T) {
	rec := &flushRecorder{failN: 3}
	opts := Options{MaxSize: 4, MaxDelay: 3 * time.Millisecond, MaxBytes: envelopeOverhead + 20}
	b := NewBatcher("c1", opts, rec.flush)

	var want []string
	for i := 0; i < 200; i++ {
		s := fmt.Sprintf("%d", i)
		if i%17 == 0 {
			s = strings.Repeat("z", 30) + s
		}
		want = append(want, s)
		_ = b.Add(frame(s))
		if i%25 == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	for b.Pending() > 0 {
		_ = b.Flush()
	}

	var got []string
	for _, batch := range rec.snapshot() {
		got = append(got, batch...)
	}
	assert.Equal(t, want, got)
}

func TestFlushEmptyIsNoop(t *testing.T) {
	calls := 0
	b := NewBatcher("c1", DefaultOptions(), func(string, [][]byte) error {
		calls++
		return nil
	})
	require.NoError(t, b.Flush())
	assert.Zero(t, calls)
}
