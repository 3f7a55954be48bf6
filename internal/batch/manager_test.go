package batch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerPerDestination(t *testing.T) {
	var mu sync.Mutex
	got := map[string][]string{}
	m := NewManager(Options{MaxSize: 2, MaxDelay: time.Hour, MaxBytes: 1 << 20}, func(dest string, frames [][]byte) error {
		mu.Lock()
		defer mu.Unlock()
		for _, f := range frames {
			got[dest] = append(got[dest], string(f))
		}
		return nil
	}, zerolog.Nop())

	require.NoError(t, m.Add("a", []byte("a1")))
	require.NoError(t, m.Add("b", []byte("b1")))
	require.NoError(t, m.Add("a", []byte("a2")))

	assert.Equal(t, []string{"a1", "a2"}, got["a"])
	assert.Empty(t, got["b"])
	assert.Equal(t, []string{"a", "b"}, m.Destinations())
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, 1, m.Pending("b"))

	require.NoError(t, m.FlushAll())
	assert.Equal(t, []string{"b1"}, got["b"])

	assert.Equal(t, 2, m.Prune())
	assert.Zero(t, m.Count())
}

func TestPruneRetiresBatcherLookedUpConcurrently(t *testing.T) {
	var got []string
	m := NewManager(Options{MaxSize: 2, MaxDelay: time.Hour, MaxBytes: 1 << 20}, func(_ string, frames [][]byte) error {
		for _, f := range frames {
			got = append(got, string(f))
		}
		return nil
	}, zerolog.Nop())

	// An Add that resolved its batcher just before the sweep pruned it
	stale := m.batcher("c1")
	require.Equal(t, 1, m.Prune())
	assert.ErrorIs(t, stale.Add([]byte("0")), errRetired)

	require.NoError(t, m.Add("c1", []byte("1")))
	require.NoError(t, m.Add("c1", []byte("2")))
	require.NoError(t, m.Add("c1", []byte("3")))
	require.NoError(t, m.FlushAll())

	assert.Equal(t, []string{"1", "2", "3"}, got)
	assert.Equal(t, 1, m.Count(), "one live batcher per destination")
	assert.Zero(t, stale.Pending())
}

func TestPruneKeepsBatchersWithQueuedFrames(t *testing.T) {
	m := NewManager(Options{MaxSize: 10, MaxDelay: time.Hour, MaxBytes: 1 << 20}, func(string, [][]byte) error {
		return nil
	}, zerolog.Nop())

	require.NoError(t, m.Add("busy", []byte("x")))
	_ = m.batcher("idle")

	assert.Equal(t, 1, m.Prune())
	assert.Equal(t, []string{"busy"}, m.Destinations())
	require.NoError(t, m.Add("busy", []byte("y")))
	assert.Equal(t, 2, m.Pending("busy"))
}

func TestManagerClearAll(t *testing.T) {
	calls := 0
	m := NewManager(Options{MaxSize: 10, MaxDelay: time.Hour, MaxBytes: 1 << 20}, func(string, [][]byte) error {
		calls++
		return nil
	}, zerolog.Nop())

	_ = m.Add("a", []byte("1"))
	_ = m.Add("a", []byte("2"))
	_ = m.Add("b", []byte("3"))

	assert.Equal(t, 3, m.ClearAll())
	require.NoError(t, m.FlushAll())
	assert.Zero(t, calls)
	assert.Zero(t, m.Clear("missing"))
}

func TestManagerFlushAllJoinsErrors(t *testing.T) {
	m := NewManager(Options{MaxSize: 10, MaxDelay: time.Hour, MaxBytes: 1 << 20}, func(dest string, _ [][]byte) error {
		if dest == "bad" {
			return errors.New("closed")
		}
		return nil
	}, zerolog.Nop())

	_ = m.Add("good", []byte("1"))
	_ = m.Add("bad", []byte("2"))

	err := m.FlushAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Equal(t, 1, m.Pending("bad"))
	assert.Zero(t, m.Pending("good"))
	assert.NoError(t, m.Flush("missing"))
}
