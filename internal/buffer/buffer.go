// Package buffer implements the bounded output buffers that feed messages
// from the virtual-source workers to the single host consumer.
package buffer

import (
	"context"
	"fmt"
	"sync"

	"github.com/lsm/shunt/internal/message"
)

// Buffer is the shared output queue between virtual sources and the host.
// Put blocks while the producing source's queue is full; this is the sole
// backpressure mechanism. Poll never blocks.
type Buffer interface {
	// AddSource registers a producing source. Put on an unknown source
	// auto-adds it, so AddSource is advisory.
	AddSource(sourceID string)

	// RemoveSource unregisters the source. The round-robin buffers drop the
	// source's queue and any messages still in it; FIFO keeps messages that
	// are already in its shared queue.
	RemoveSource(sourceID string)

	// Put enqueues the message, blocking while the source's queue is full.
	// Returns ctx.Err() if the context is cancelled while blocked.
	Put(ctx context.Context, msg *message.Message) error

	// Poll returns the next message, or nil if every queue is empty.
	Poll() *message.Message

	// Size returns the total number of buffered messages.
	Size() int
}

// FIFO is a single shared bounded queue across all sources.
type FIFO struct {
	queue chan *message.Message

	mu      sync.Mutex
	sources map[string]struct{}
}

// NewFIFO creates a FIFO buffer with the given capacity.
func NewFIFO(capacity int) (*FIFO, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	return &FIFO{
		queue:   make(chan *message.Message, capacity),
		sources: make(map[string]struct{}),
	}, nil
}

func (f *FIFO) AddSource(sourceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[sourceID] = struct{}{}
}

func (f *FIFO) RemoveSource(sourceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sources, sourceID)
}

func (f *FIFO) Put(ctx context.Context, msg *message.Message) error {
	select {
	case f.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *FIFO) Poll() *message.Message {
	select {
	case msg := <-f.queue:
		return msg
	default:
		return nil
	}
}

func (f *FIFO) Size() int {
	return len(f.queue)
}
