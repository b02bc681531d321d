package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/lsm/shunt/internal/message"
)

// RoundRobin keeps one bounded queue per source and drains them fairly:
// Poll advances a cursor across sources, skipping empty queues, and gives
// up after one full cycle without a message. The cursor resets whenever
// sources are added or removed.
type RoundRobin struct {
	capacityFor func(sourceID string) int

	mu     sync.Mutex
	order  []string
	queues map[string]chan *message.Message
	cursor int
}

// NewRoundRobin creates a fair buffer with the given per-source capacity.
func NewRoundRobin(capacity int) (*RoundRobin, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	return newRoundRobin(func(string) int { return capacity }), nil
}

func newRoundRobin(capacityFor func(string) int) *RoundRobin {
	return &RoundRobin{
		capacityFor: capacityFor,
		queues:      make(map[string]chan *message.Message),
	}
}

func (r *RoundRobin) AddSource(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.addLocked(sourceID)
}

func (r *RoundRobin) addLocked(sourceID string) chan *message.Message {
	if q, ok := r.queues[sourceID]; ok {
		return q
	}
	q := make(chan *message.Message, r.capacityFor(sourceID))
	r.queues[sourceID] = q
	r.order = append(r.order, sourceID)
	r.cursor = 0
	return q
}

func (r *RoundRobin) RemoveSource(sourceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queues[sourceID]; !ok {
		return
	}
	delete(r.queues, sourceID)
	for i, id := range r.order {
		if id == sourceID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	r.cursor = 0
}

func (r *RoundRobin) Put(ctx context.Context, msg *message.Message) error {
	r.mu.Lock()
	q := r.addLocked(msg.ID.SourceID)
	r.mu.Unlock()

	select {
	case q <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RoundRobin) Poll() *message.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	for tried := 0; tried < len(r.order); tried++ {
		if r.cursor >= len(r.order) {
			r.cursor = 0
		}
		q := r.queues[r.order[r.cursor]]
		r.cursor++
		select {
		case msg := <-q:
			return msg
		default:
		}
	}
	return nil
}

func (r *RoundRobin) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := 0
	for _, q := range r.queues {
		total += len(q)
	}
	return total
}
