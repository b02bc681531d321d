// Package vsource implements the virtual source: one logical producer of
// messages backed by its own consumer, filter chain, and retry manager.
// A spout owns one unbounded firehose source plus any number of bounded
// replay sources, each created when a sideline stops.
package vsource

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/shunt/internal/filter"
	"github.com/lsm/shunt/internal/message"
	"github.com/lsm/shunt/internal/observability"
	"github.com/lsm/shunt/internal/offsets"
	"github.com/lsm/shunt/internal/persistence"
	"github.com/lsm/shunt/internal/retrymgr"
)

// ErrAlreadyOpened is returned when Open is called more than once.
var ErrAlreadyOpened = errors.New("virtual source already opened")

// Consumer is the partitioned log consumer a source pulls from.
type Consumer interface {
	Open(startingState offsets.Map) error
	NextRecord() *kgo.Record
	CommitOffset(p offsets.Partition, offset int64)
	Flush() error
	Unsubscribe(p offsets.Partition) bool
	CurrentState() offsets.Map
	MaxLag() int64
	RemoveConsumerState() error
	Close()
}

// Option configures a Source.
type Option func(*Source)

// WithBounds makes the source bounded: it consumes from startingState+1
// through endingState inclusive and then terminates itself.
func WithBounds(startingState, endingState offsets.Map) Option {
	return func(s *Source) {
		s.startingState = startingState
		s.endingState = endingState
	}
}

// WithSidelineID associates the source with the sideline request it
// replays, so its persisted request entries are cleared on completion.
func WithSidelineID(id string) Option {
	return func(s *Source) {
		s.sidelineID = id
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(s *Source) {
		s.recorder = rec
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		s.logger = logger
	}
}

// Source pulls records from its consumer, applies its filter chain, and
// tracks emitted messages until they are acked or permanently failed.
//
// NextMessage, Flush, and Close are invoked only by the owning worker.
// Ack and Fail may arrive from the host thread, so the tracked-message map
// is guarded. RequestStop is safe from any thread.
type Source struct {
	id       string
	consumer Consumer
	retry    retrymgr.Manager
	deser    message.Deserializer
	adapter  persistence.Adapter
	chain    *filter.Chain
	recorder observability.Recorder
	logger   *slog.Logger

	startingState offsets.Map
	endingState   offsets.Map
	sidelineID    string

	opened        bool
	completed     bool
	stopRequested atomic.Bool

	mu      sync.Mutex
	tracked map[message.ID]*message.Message
}

// New creates a virtual source. Without WithBounds the source is the
// unbounded firehose.
func New(id string, c Consumer, retry retrymgr.Manager, deser message.Deserializer,
	adapter persistence.Adapter, opts ...Option) *Source {
	s := &Source{
		id:       id,
		consumer: c,
		retry:    retry,
		deser:    deser,
		adapter:  adapter,
		chain:    filter.NewChain(),
		recorder: observability.Noop{},
		logger:   slog.Default(),
		tracked:  make(map[message.ID]*message.Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("source", id)
	return s
}

// ID returns the source identifier carried in every emitted message.
func (s *Source) ID() string { return s.id }

// FilterChain returns the source's filter chain.
func (s *Source) FilterChain() *filter.Chain { return s.chain }

// Bounded reports whether the source has an ending state.
func (s *Source) Bounded() bool { return s.endingState != nil }

// SidelineID returns the associated sideline identifier, if any.
func (s *Source) SidelineID() string { return s.sidelineID }

// Open opens the underlying consumer at the starting state. Calling Open
// twice is a precondition error.
func (s *Source) Open() error {
	if s.opened {
		return ErrAlreadyOpened
	}
	s.opened = true

	s.logger.Info("opening virtual source",
		"bounded", s.Bounded(),
		"starting", len(s.startingState),
		"ending", len(s.endingState))

	return s.consumer.Open(s.startingState)
}

// NextMessage returns the next message to deliver, or nil when nothing is
// ready. Retries take priority over fresh records; filtered and
// undecodable records are committed and skipped.
func (s *Source) NextMessage() *message.Message {
	// Failed messages eligible for replay go first.
	if id, ok := s.retry.NextEligible(); ok {
		s.mu.Lock()
		msg, tracked := s.tracked[id]
		s.mu.Unlock()
		if tracked {
			return msg
		}
		// Spuriously failed: nothing to replay, drop the tracking.
		s.logger.Warn("retry-eligible message is not tracked, dropping", "id", id.String())
		s.retry.Acked(id)
	}

	rec := s.consumer.NextRecord()
	if rec == nil {
		return nil
	}

	id := message.ID{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		SourceID:  s.id,
	}

	if s.exceedsEndingOffset(id) {
		// Past the bound: never emitted, never committed. The seek policy
		// guarantees committed records are not re-fetched, so dropping
		// without ack keeps the replay exact.
		s.consumer.Unsubscribe(id.TopicPartition())
		return nil
	}

	fields := s.deser.Deserialize(rec.Topic, rec.Partition, rec.Offset, rec.Key, rec.Value)
	if fields == nil {
		s.logger.Error("deserialization returned nothing, dropping record",
			"partition", rec.Partition, "offset", rec.Offset)
		s.recorder.Count(s.id, "deserialization_error", 1)
		s.Ack(id)
		return nil
	}

	msg := &message.Message{ID: id, Fields: fields}

	if s.chain.Match(msg) {
		// Diverted: self-ack so the commit floor advances past it.
		s.recorder.Count(s.id, "filtered", 1)
		s.Ack(id)
		return nil
	}

	s.mu.Lock()
	s.tracked[id] = msg
	s.mu.Unlock()
	return msg
}

func (s *Source) exceedsEndingOffset(id message.ID) bool {
	if s.endingState == nil {
		return false
	}
	end, ok := s.endingState.Get(id.TopicPartition())
	if !ok {
		s.logger.Error("consuming a partition with no defined end offset",
			"partition", id.TopicPartition().String())
		return true
	}
	return id.Offset > end
}

// Ack marks the message fully processed: commits its offset, drops the
// tracking entry, and clears retry state. Idempotent.
func (s *Source) Ack(id message.ID) {
	s.consumer.CommitOffset(id.TopicPartition(), id.Offset)
	s.mu.Lock()
	delete(s.tracked, id)
	s.mu.Unlock()
	s.retry.Acked(id)
	s.recorder.Count(s.id, "ack", 1)
}

// Fail records a host failure. When the retry manager refuses further
// attempts the message is treated as acked so one poison pill cannot stall
// the partition.
func (s *Source) Fail(id message.ID) {
	s.recorder.Count(s.id, "fail", 1)
	if !s.retry.RetryFurther(id) {
		s.logger.Warn("retries exhausted, acking", "id", id.String())
		s.recorder.Count(s.id, "retries_exhausted", 1)
		s.Ack(id)
		return
	}
	s.retry.Failed(id)
}

// Flush writes the consumer's dirty commit floors to persistence, then
// checks whether a bounded source has drained its range.
func (s *Source) Flush() error {
	err := s.consumer.Flush()
	s.recorder.Gauge(s.id, "max_lag", float64(s.consumer.MaxLag()))
	s.attemptComplete()
	return err
}

// attemptComplete terminates a bounded source once every partition's
// commit floor has reached the ending state and nothing is still tracked.
func (s *Source) attemptComplete() {
	if s.endingState == nil {
		return
	}

	s.mu.Lock()
	inFlight := len(s.tracked)
	s.mu.Unlock()
	if inFlight > 0 {
		return
	}

	current := s.consumer.CurrentState()
	for _, p := range current.Partitions() {
		end, ok := s.endingState.Get(p)
		if !ok {
			continue
		}
		cur, _ := current.Get(p)
		if cur < end {
			return
		}
		s.consumer.Unsubscribe(p)
	}

	s.logger.Info("all partitions drained, completing")
	s.completed = true
	s.RequestStop()
}

// RequestStop asks the source to stop cleanly. Safe from any thread.
func (s *Source) RequestStop() {
	s.stopRequested.Store(true)
}

// StopRequested reports whether a stop has been requested.
func (s *Source) StopRequested() bool {
	return s.stopRequested.Load()
}

// CurrentState returns the consumer's committed offsets.
func (s *Source) CurrentState() offsets.Map {
	return s.consumer.CurrentState()
}

// Close releases the source. A completed replay source clears its durable
// state: consumer offsets and the sideline request entries for every
// partition it covered. An interrupted source flushes instead, so the next
// open resumes where it stopped.
func (s *Source) Close() error {
	var errs []error
	if s.completed {
		if err := s.consumer.RemoveConsumerState(); err != nil {
			errs = append(errs, err)
		}
		if s.sidelineID != "" && s.startingState != nil {
			for _, p := range s.startingState.Partitions() {
				if err := s.adapter.ClearSidelineRequest(s.sidelineID, p.Partition); err != nil {
					errs = append(errs, err)
				}
			}
		}
	} else {
		if err := s.consumer.Flush(); err != nil {
			errs = append(errs, err)
		}
	}
	s.consumer.Close()
	return errors.Join(errs...)
}
