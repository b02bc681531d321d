package retrymgr

import (
	"math"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/lsm/shunt/internal/message"
)

type retryEntry struct {
	id   message.ID
	when time.Time
	seq  uint64
}

func lessRetry(a, b *retryEntry) bool {
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	return a.seq < b.seq
}

// ExponentialBackoff permits up to maxRetries attempts per message, with
// the delay before each attempt growing by the configured multiplier.
// A maxRetries of zero behaves exactly like NeverRetry.
type ExponentialBackoff struct {
	maxRetries   int
	initialDelay time.Duration
	multiplier   float64

	// now is the injected clock; tests swap in a virtual one.
	now func() time.Time

	mu     sync.Mutex
	seq    uint64
	counts map[message.ID]int
	queued map[message.ID]*retryEntry
	tree   *btree.BTreeG[*retryEntry]
}

// NewExponentialBackoff constructs the manager. A nil clock uses wall time.
func NewExponentialBackoff(maxRetries int, initialDelay time.Duration, multiplier float64, now func() time.Time) *ExponentialBackoff {
	if now == nil {
		now = time.Now
	}
	if multiplier <= 0 {
		multiplier = 1
	}
	return &ExponentialBackoff{
		maxRetries:   maxRetries,
		initialDelay: initialDelay,
		multiplier:   multiplier,
		now:          now,
		counts:       make(map[message.ID]int),
		queued:       make(map[message.ID]*retryEntry),
		tree:         btree.NewG(2, lessRetry),
	}
}

func (e *ExponentialBackoff) Failed(id message.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fails := e.counts[id]
	delay := time.Duration(float64(e.initialDelay) * math.Pow(e.multiplier, float64(fails)))
	e.counts[id] = fails + 1

	if prev, ok := e.queued[id]; ok {
		e.tree.Delete(prev)
	}
	e.seq++
	entry := &retryEntry{id: id, when: e.now().Add(delay), seq: e.seq}
	e.queued[id] = entry
	e.tree.ReplaceOrInsert(entry)
}

func (e *ExponentialBackoff) RetryFurther(id message.ID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counts[id] < e.maxRetries
}

func (e *ExponentialBackoff) NextEligible() (message.ID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.tree.Min()
	if !ok || entry.when.After(e.now()) {
		return message.ID{}, false
	}
	// Popped entries stay out of the queue until the next Failed or Acked:
	// the caller owns the in-flight attempt.
	e.tree.Delete(entry)
	delete(e.queued, entry.id)
	return entry.id, true
}

func (e *ExponentialBackoff) Acked(id message.ID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.counts, id)
	if entry, ok := e.queued[id]; ok {
		e.tree.Delete(entry)
		delete(e.queued, id)
	}
}
