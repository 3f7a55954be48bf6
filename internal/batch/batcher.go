// Package batch coalesces outbound frames per destination and hands each
// batch to a flush callback once a size, byte or time threshold is reached.
package batch

import (
	"errors"
	"sync"
	"time"

	"github.com/adred-codev/roomcast/internal/monitoring"
)

// FlushFunc receives a destination and its frames in add order. Returning
// an error keeps the frames queued for the next flush.
type FlushFunc func(dest string, frames [][]byte) error

// Options are the flush thresholds.
type Options struct {
	MaxSize  int           // frames per batch
	MaxDelay time.Duration // measured from the first frame of a batch
	MaxBytes int           // estimated encoded size of the batch
}

// DefaultOptions returns conservative thresholds.
func DefaultOptions() Options {
	return Options{
		MaxSize:  10,
		MaxDelay: 50 * time.Millisecond,
		MaxBytes: 64 * 1024,
	}
}

func (o Options) normalize() Options {
	d := DefaultOptions()
	if o.MaxSize <= 0 {
		o.MaxSize = d.MaxSize
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = d.MaxBytes
	}
	return o
}

// State is the lifecycle of the current batch.
type State int

const (
	StateEmpty    State = iota // no frames, no timer
	StateOpen                  // frames queued, timer armed
	StateFlushing              // callback running
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateOpen:
		return "open"
	case StateFlushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// errRetired is returned by Add on a batcher its Manager has pruned.
var errRetired = errors.New("batcher retired")

// envelopeOverhead approximates {"event":"batch","data":[...]}
const envelopeOverhead = 26

// Flush triggers, used as metric labels
const (
	TriggerSize   = "size"
	TriggerBytes  = "bytes"
	TriggerTimer  = "timer"
	TriggerManual = "manual"
)

// Batcher queues frames for one destination.
//
// A single mutex serializes Add, Flush, Clear and the timer callback, and is
// held while the flush callback runs. That is what keeps a timer flush and a
// threshold flush from ever interleaving. The callback must not call back
// into the same Batcher.
type Batcher struct {
	dest    string
	opts    Options
	onFlush FlushFunc

	mu     sync.Mutex
	state  State
	frames [][]byte
	bytes  int
	timer  *time.Timer
	gen    uint64 // bumped whenever the armed timer becomes stale
	// retired is set by Manager.Prune; a retired batcher accepts no frames
	retired bool
}

// NewBatcher creates a batcher for dest.
func NewBatcher(dest string, opts Options, onFlush FlushFunc) *Batcher {
	return &Batcher{
		dest:    dest,
		opts:    opts.normalize(),
		onFlush: onFlush,
	}
}

func frameCost(frame []byte) int {
	return len(frame) + 1 // trailing comma
}

// Add queues frame and flushes when a threshold is reached.
//
// If frame would push the batch over MaxBytes, the existing batch is flushed
// first and frame starts the next one. A frame that alone exceeds MaxBytes
// is flushed by itself. The frame is always queued, even when the returned
// flush error is non-nil.
func (b *Batcher) Add(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.retired {
		return errRetired
	}

	cost := frameCost(frame)

	if len(b.frames) > 0 && b.bytes+cost > b.opts.MaxBytes {
		if err := b.flushLocked(TriggerBytes); err != nil {
			b.appendLocked(frame, cost)
			return err
		}
	}

	b.appendLocked(frame, cost)

	switch {
	case len(b.frames) >= b.opts.MaxSize:
		return b.flushLocked(TriggerSize)
	case len(b.frames) == 1 && b.bytes > b.opts.MaxBytes:
		return b.flushLocked(TriggerBytes)
	}
	return nil
}

func (b *Batcher) appendLocked(frame []byte, cost int) {
	if len(b.frames) == 0 {
		b.bytes = envelopeOverhead
		b.armLocked()
	}
	b.frames = append(b.frames, frame)
	b.bytes += cost
	b.state = StateOpen
}

// armLocked starts the one-shot delay timer for a new batch.
func (b *Batcher) armLocked() {
	b.gen++
	gen := b.gen
	b.timer = time.AfterFunc(b.opts.MaxDelay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.gen != gen || b.state != StateOpen {
			return
		}
		_ = b.flushLocked(TriggerTimer)
	})
}

func (b *Batcher) disarmLocked() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
}

// Flush sends any queued frames now.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushLocked(TriggerManual)
}

func (b *Batcher) flushLocked(trigger string) error {
	b.disarmLocked()

	if len(b.frames) == 0 {
		b.state = StateEmpty
		return nil
	}

	frames := b.frames
	bytes := b.bytes
	b.frames = nil
	b.bytes = 0
	b.state = StateFlushing

	err := b.onFlush(b.dest, frames)
	monitoring.RecordBatchFlush(trigger, len(frames), err)

	if err != nil {
		// Restore the batch and retry on the timer
		b.frames = frames
		b.bytes = bytes
		b.state = StateOpen
		b.armLocked()
		return err
	}

	b.state = StateEmpty
	return nil
}

// Clear drops queued frames without calling the flush callback and returns
// how many were dropped.
func (b *Batcher) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.disarmLocked()
	n := len(b.frames)
	b.frames = nil
	b.bytes = 0
	b.state = StateEmpty
	return n
}

// Pending returns the number of queued frames.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// State returns the current batch state.
func (b *Batcher) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// retireIfEmpty marks b retired when nothing is queued and no flush is
// running, and reports whether it did.
func (b *Batcher) retireIfEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateEmpty || len(b.frames) > 0 {
		return false
	}
	b.retired = true
	return true
}
