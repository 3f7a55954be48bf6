package batch

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Manager owns one Batcher per destination, all sharing the same thresholds
// and flush callback.
type Manager struct {
	opts    Options
	onFlush FlushFunc
	logger  zerolog.Logger

	mu       sync.RWMutex
	batchers map[string]*Batcher
}

// NewManager creates a manager. onFlush is called for every destination.
func NewManager(opts Options, onFlush FlushFunc, logger zerolog.Logger) *Manager {
	return &Manager{
		opts:     opts.normalize(),
		onFlush:  onFlush,
		logger:   logger.With().Str("component", "batcher").Logger(),
		batchers: make(map[string]*Batcher),
	}
}

// Options returns the thresholds in effect.
func (m *Manager) Options() Options { return m.opts }

func (m *Manager) batcher(dest string) *Batcher {
	m.mu.RLock()
	b, ok := m.batchers[dest]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.batchers[dest]; ok {
		return b
	}
	b = NewBatcher(dest, m.opts, m.onFlush)
	m.batchers[dest] = b
	return b
}

// Add queues frame for dest.
func (m *Manager) Add(dest string, frame []byte) error {
	for {
		err := m.batcher(dest).Add(frame)
		if errors.Is(err, errRetired) {
			// Pruned between lookup and Add; the next lookup finds or
			// creates the live batcher
			continue
		}
		if err != nil {
			return fmt.Errorf("batch %s: %w", dest, err)
		}
		return nil
	}
}

// Flush flushes dest now. Unknown destinations are a no-op.
func (m *Manager) Flush(dest string) error {
	m.mu.RLock()
	b, ok := m.batchers[dest]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := b.Flush(); err != nil {
		return fmt.Errorf("batch %s: %w", dest, err)
	}
	return nil
}

// FlushAll flushes every destination and joins the errors.
func (m *Manager) FlushAll() error {
	var errs []error
	for _, b := range m.snapshot() {
		if err := b.Flush(); err != nil {
			errs = append(errs, fmt.Errorf("batch %s: %w", b.dest, err))
		}
	}
	if len(errs) > 0 {
		m.logger.Warn().
			Int("failed", len(errs)).
			Msg("Some batches failed to flush")
	}
	return errors.Join(errs...)
}

// Clear drops dest's queued frames without flushing them.
func (m *Manager) Clear(dest string) int {
	m.mu.RLock()
	b, ok := m.batchers[dest]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.Clear()
}

// ClearAll drops every queued frame and returns how many were dropped.
func (m *Manager) ClearAll() int {
	dropped := 0
	for _, b := range m.snapshot() {
		dropped += b.Clear()
	}
	return dropped
}

// Destinations returns every destination with a live batcher, sorted.
func (m *Manager) Destinations() []string {
	m.mu.RLock()
	out := make([]string, 0, len(m.batchers))
	for dest := range m.batchers {
		out = append(out, dest)
	}
	m.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Count returns the number of live batchers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.batchers)
}

// Pending returns the number of frames queued for dest.
func (m *Manager) Pending(dest string) int {
	m.mu.RLock()
	b, ok := m.batchers[dest]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.Pending()
}

// Prune forgets batchers with nothing queued and returns how many were
// removed. A pruned batcher is retired first, so an Add that looked it up
// before the prune moves on to the destination's live batcher.
func (m *Manager) Prune() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for dest, b := range m.batchers {
		if b.retireIfEmpty() {
			delete(m.batchers, dest)
			removed++
		}
	}
	return removed
}

func (m *Manager) snapshot() []*Batcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Batcher, 0, len(m.batchers))
	for _, b := range m.batchers {
		out = append(out, b)
	}
	return out
}
