// Package coordinator owns the firehose and all replay virtual sources,
// runs each on its own worker, and routes host acks and fails back to the
// originating source.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lsm/shunt/internal/buffer"
	"github.com/lsm/shunt/internal/message"
	"github.com/lsm/shunt/internal/observability"
	"github.com/lsm/shunt/internal/vsource"
)

// ErrAlreadyOpened is returned when Open is called more than once.
var ErrAlreadyOpened = errors.New("coordinator already opened")

// ErrDuplicateSource is returned when a replay source id is already running.
var ErrDuplicateSource = errors.New("duplicate source id")

// Config holds coordinator tuning.
type Config struct {
	// FlushInterval is the cadence of offset flushing per source.
	// Defaults to 30s.
	FlushInterval time.Duration
	// IdleBackoff is the worker sleep when a source has nothing to emit.
	// Defaults to 1ms.
	IdleBackoff time.Duration
	// CloseTimeout bounds the per-worker join on Close. Defaults to 10s.
	CloseTimeout time.Duration
}

func (c *Config) defaults() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.IdleBackoff <= 0 {
		c.IdleBackoff = time.Millisecond
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = 10 * time.Second
	}
}

// putRetryInterval bounds how long a stopping worker can stay blocked on a
// full buffer before rechecking its stop flag.
const putRetryInterval = 100 * time.Millisecond

// Coordinator multiplexes every virtual source into one output buffer.
type Coordinator struct {
	cfg      Config
	firehose *vsource.Source
	buf      buffer.Buffer
	recorder observability.Recorder
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	opened bool

	mu      sync.Mutex
	sources map[string]*vsource.Source
	workers map[string]chan struct{}
}

// New creates a coordinator around the firehose source and output buffer.
func New(cfg Config, firehose *vsource.Source, buf buffer.Buffer,
	recorder observability.Recorder, logger *slog.Logger) *Coordinator {
	cfg.defaults()
	if recorder == nil {
		recorder = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cfg:      cfg,
		firehose: firehose,
		buf:      buf,
		recorder: recorder,
		logger:   logger,
		sources:  make(map[string]*vsource.Source),
		workers:  make(map[string]chan struct{}),
	}
}

// Firehose returns the unbounded live source.
func (c *Coordinator) Firehose() *vsource.Source { return c.firehose }

// Open opens the firehose and starts its worker.
func (c *Coordinator) Open() error {
	if c.opened {
		return ErrAlreadyOpened
	}
	c.opened = true
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c.startSource(c.firehose)
}

// AddReplaySource opens a bounded replay source and starts its worker.
// A duplicate source id is a precondition error.
func (c *Coordinator) AddReplaySource(src *vsource.Source) error {
	if !c.opened {
		return fmt.Errorf("coordinator not opened")
	}
	return c.startSource(src)
}

func (c *Coordinator) startSource(src *vsource.Source) error {
	c.mu.Lock()
	if _, exists := c.sources[src.ID()]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSource, src.ID())
	}
	done := make(chan struct{})
	c.sources[src.ID()] = src
	c.workers[src.ID()] = done
	c.mu.Unlock()

	if err := src.Open(); err != nil {
		c.mu.Lock()
		delete(c.sources, src.ID())
		delete(c.workers, src.ID())
		c.mu.Unlock()
		close(done)
		return fmt.Errorf("open source %s: %w", src.ID(), err)
	}

	c.buf.AddSource(src.ID())
	go c.runWorker(src, done)
	c.logger.Info("source started", "source", src.ID(), "bounded", src.Bounded())
	return nil
}

// runWorker is the per-source loop: pull, push, flush on a timer, exit on
// stop request. A panic marks the source stopped and closes it; the
// coordinator does not respawn.
func (c *Coordinator) runWorker(src *vsource.Source, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("worker panicked", "source", src.ID(), "panic", r)
			src.RequestStop()
		}
		c.retire(src)
	}()

	flushTicker := time.NewTicker(c.cfg.FlushInterval)
	defer flushTicker.Stop()

	for !src.StopRequested() && c.ctx.Err() == nil {
		// The flush tick runs on its own timer so progress is not gated
		// on message arrival.
		select {
		case <-flushTicker.C:
			if err := src.Flush(); err != nil {
				c.logger.Error("flush failed", "source", src.ID(), "error", err)
				c.recorder.Count(src.ID(), "flush_error", 1)
			}
		default:
		}

		msg := src.NextMessage()
		if msg == nil {
			time.Sleep(c.cfg.IdleBackoff)
			continue
		}
		if !c.put(src, msg) {
			return
		}
		c.recorder.Count(src.ID(), "emit", 1)
	}
}

// put blocks until the buffer accepts the message, rechecking the stop
// flag so a stopping worker is never wedged on a full queue. Reports
// whether the message was enqueued.
func (c *Coordinator) put(src *vsource.Source, msg *message.Message) bool {
	for {
		ctx, cancel := context.WithTimeout(c.ctx, putRetryInterval)
		err := c.buf.Put(ctx, msg)
		cancel()
		if err == nil {
			return true
		}
		if c.ctx.Err() != nil || src.StopRequested() {
			// Dropped un-acked: it stays uncommitted and replays on the
			// next open.
			return false
		}
	}
}

func (c *Coordinator) retire(src *vsource.Source) {
	if err := src.Close(); err != nil {
		c.logger.Error("source close failed", "source", src.ID(), "error", err)
	}
	c.buf.RemoveSource(src.ID())
	c.mu.Lock()
	delete(c.sources, src.ID())
	delete(c.workers, src.ID())
	c.mu.Unlock()
	c.logger.Info("source retired", "source", src.ID())
}

// NextMessage pops the next buffered message, or nil.
func (c *Coordinator) NextMessage() *message.Message {
	msg := c.buf.Poll()
	c.recorder.Gauge("coordinator", "buffer_depth", float64(c.buf.Size()))
	return msg
}

// Ack routes an ack to the originating source. Acks for sources that
// completed in the meantime are dropped silently.
func (c *Coordinator) Ack(id message.ID) {
	c.mu.Lock()
	src, ok := c.sources[id.SourceID]
	c.mu.Unlock()
	if !ok {
		return
	}
	src.Ack(id)
}

// Fail routes a fail to the originating source; a miss is logged.
func (c *Coordinator) Fail(id message.ID) {
	c.mu.Lock()
	src, ok := c.sources[id.SourceID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("fail for unknown source", "id", id.String())
		return
	}
	src.Fail(id)
}

// SourceIDs returns the ids of the currently running sources.
func (c *Coordinator) SourceIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sources))
	for id := range c.sources {
		ids = append(ids, id)
	}
	return ids
}

// Close requests stop on every source and joins the workers, abandoning
// any that outlive the per-source timeout.
func (c *Coordinator) Close() {
	c.mu.Lock()
	workers := make(map[string]chan struct{}, len(c.workers))
	for id, done := range c.workers {
		c.sources[id].RequestStop()
		workers[id] = done
	}
	c.mu.Unlock()

	for id, done := range workers {
		select {
		case <-done:
		case <-time.After(c.cfg.CloseTimeout):
			c.logger.Error("worker did not stop within timeout, abandoning", "source", id)
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.logger.Info("coordinator closed")
}
