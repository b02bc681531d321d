// Package consumer wraps the broker client for one virtual source: direct
// partition assignment, explicit seeks, per-partition commit floors, and
// durable offsets through the persistence adapter.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/shunt/internal/kafka"
	"github.com/lsm/shunt/internal/offsets"
	"github.com/lsm/shunt/internal/persistence"
)

// ErrAlreadyOpened is returned when Open is called twice.
var ErrAlreadyOpened = errors.New("consumer already opened")

// brokerClient abstracts the kgo client methods used by Consumer for testing.
type brokerClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	AddConsumePartitions(assignments map[string]map[int32]kgo.Offset)
	RemoveConsumePartitions(remove map[string][]int32)
	Close()
}

// Config holds consumer configuration.
type Config struct {
	Cluster  *kafka.ClusterConfig
	Topic    string
	SourceID string

	// Parallel-instance assignment: this instance claims partitions p
	// where p mod TotalInstances == InstanceIndex.
	TotalInstances int
	InstanceIndex  int

	// StartPolicy resolves the seek position for partitions with no
	// persisted or supplied offset: "earliest" or "latest".
	StartPolicy string

	// PollBufferSize bounds records buffered between the poll loop and
	// NextRecord. Defaults to 1024.
	PollBufferSize int
}

// Consumer owns one broker client and the durable offset state for one
// virtual source.
type Consumer struct {
	cfg     Config
	adapter persistence.Adapter
	logger  *slog.Logger

	client         brokerClient
	listPartitions func(ctx context.Context, topic string) ([]int32, error)

	opened bool
	cancel context.CancelFunc
	done   chan struct{}

	records chan *kgo.Record

	mu         sync.Mutex
	trackers   map[offsets.Partition]*tracker
	subscribed map[offsets.Partition]bool
	watermarks map[offsets.Partition]int64
}

// New creates a consumer that connects to the configured cluster at Open.
func New(cfg Config, adapter persistence.Adapter, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollBufferSize <= 0 {
		cfg.PollBufferSize = 1024
	}
	if cfg.TotalInstances <= 0 {
		cfg.TotalInstances = 1
	}
	return &Consumer{
		cfg:        cfg,
		adapter:    adapter,
		logger:     logger.With("source", cfg.SourceID),
		trackers:   make(map[offsets.Partition]*tracker),
		subscribed: make(map[offsets.Partition]bool),
		watermarks: make(map[offsets.Partition]int64),
	}
}

// newWithClient injects a broker client and partition lister; used in tests.
func newWithClient(cfg Config, adapter persistence.Adapter, logger *slog.Logger,
	client brokerClient, list func(ctx context.Context, topic string) ([]int32, error)) *Consumer {
	c := New(cfg, adapter, logger)
	c.client = client
	c.listPartitions = list
	return c
}

// Open assigns this instance's partitions and seeks each one: the persisted
// offset wins, then startingState, then the start policy. Starts the poll
// loop.
func (c *Consumer) Open(startingState offsets.Map) error {
	if c.opened {
		return ErrAlreadyOpened
	}
	c.opened = true

	if c.client == nil {
		opts, err := kafka.ClientOptions(c.cfg.Cluster)
		if err != nil {
			return fmt.Errorf("cluster options: %w", err)
		}
		// Direct partition consumer: assignments are added after
		// partition discovery below.
		opts = append(opts, kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{}))
		client, err := kgo.NewClient(opts...)
		if err != nil {
			return fmt.Errorf("kafka client: %w", err)
		}
		c.client = client
		c.listPartitions = func(ctx context.Context, topic string) ([]int32, error) {
			return kafka.PartitionsForTopic(ctx, client, topic)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.records = make(chan *kgo.Record, c.cfg.PollBufferSize)

	all, err := c.listPartitions(ctx, c.cfg.Topic)
	if err != nil {
		cancel()
		close(c.done)
		return fmt.Errorf("partition discovery: %w", err)
	}

	assignments := make(map[int32]kgo.Offset)
	for _, p := range all {
		if int(p)%c.cfg.TotalInstances != c.cfg.InstanceIndex {
			continue
		}
		part := offsets.Partition{Topic: c.cfg.Topic, Partition: p}
		seek, floor, known, err := c.resolveStart(part, startingState)
		if err != nil {
			cancel()
			close(c.done)
			return err
		}
		t := newTracker()
		if known {
			t.init(floor)
		}
		c.trackers[part] = t
		c.subscribed[part] = true
		assignments[p] = seek
	}

	if len(assignments) > 0 {
		c.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{c.cfg.Topic: assignments})
	}

	go c.pollLoop(ctx)

	c.logger.Info("consumer opened", "topic", c.cfg.Topic, "partitions", len(assignments))
	return nil
}

// resolveStart picks the seek offset for a partition. Returns the seek,
// the initial commit floor, and whether the floor is known.
func (c *Consumer) resolveStart(p offsets.Partition, startingState offsets.Map) (kgo.Offset, int64, bool, error) {
	persisted, ok, err := c.adapter.RetrieveConsumerOffset(c.cfg.SourceID, p.Partition)
	if err != nil {
		return kgo.Offset{}, 0, false, fmt.Errorf("retrieve offset %s: %w", p, err)
	}
	if ok {
		return kgo.NewOffset().At(persisted + 1), persisted, true, nil
	}
	if startingState != nil {
		if start, ok := startingState.Get(p); ok {
			return kgo.NewOffset().At(start + 1), start, true, nil
		}
	}
	if c.cfg.StartPolicy == "earliest" {
		return kgo.NewOffset().AtStart(), -1, true, nil
	}
	// Latest: the floor is unknown until the first record arrives.
	return kgo.NewOffset().AtEnd(), 0, false, nil
}

func (c *Consumer) pollLoop(ctx context.Context) {
	defer close(c.done)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		stop := false
		fetches.EachPartition(func(ftp kgo.FetchTopicPartition) {
			if stop {
				return
			}
			part := offsets.Partition{Topic: ftp.Topic, Partition: ftp.Partition}
			c.mu.Lock()
			c.watermarks[part] = ftp.HighWatermark
			c.mu.Unlock()
			for _, rec := range ftp.Records {
				select {
				case c.records <- rec:
				case <-ctx.Done():
					stop = true
					return
				}
			}
		})
		if stop {
			return
		}
	}
}

// NextRecord returns the next record across subscribed partitions, or nil
// when none is buffered. Non-blocking. Records from partitions that were
// unsubscribed after fetch are skipped.
func (c *Consumer) NextRecord() *kgo.Record {
	for {
		select {
		case rec := <-c.records:
			part := offsets.Partition{Topic: rec.Topic, Partition: rec.Partition}
			c.mu.Lock()
			sub := c.subscribed[part]
			if sub {
				if t := c.trackers[part]; t != nil && !t.initialized {
					t.init(rec.Offset - 1)
				}
			}
			c.mu.Unlock()
			if !sub {
				continue
			}
			return rec
		default:
			return nil
		}
	}
}

// CommitOffset marks the offset as fully processed. The durable floor only
// advances across the contiguous acknowledged prefix, and is flushed on the
// Flush cadence rather than per call.
func (c *Consumer) CommitOffset(p offsets.Partition, offset int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.trackers[p]
	if !ok {
		t = newTracker()
		c.trackers[p] = t
	}
	t.ack(offset)
}

// Flush writes each partition's dirty commit floor through the persistence
// adapter.
func (c *Consumer) Flush() error {
	type flushEntry struct {
		p     offsets.Partition
		floor int64
	}
	c.mu.Lock()
	var pendingFlush []flushEntry
	for p, t := range c.trackers {
		if t.initialized && t.dirty {
			pendingFlush = append(pendingFlush, flushEntry{p, t.floor})
			t.dirty = false
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, e := range pendingFlush {
		if err := c.adapter.PersistConsumerOffset(c.cfg.SourceID, e.p.Partition, e.floor); err != nil {
			errs = append(errs, fmt.Errorf("persist %s: %w", e.p, err))
		}
	}
	return errors.Join(errs...)
}

// Unsubscribe removes the partition from active polling. Idempotent;
// reports whether a change occurred.
func (c *Consumer) Unsubscribe(p offsets.Partition) bool {
	c.mu.Lock()
	active := c.subscribed[p]
	if active {
		c.subscribed[p] = false
	}
	c.mu.Unlock()
	if !active {
		return false
	}
	c.client.RemoveConsumePartitions(map[string][]int32{p.Topic: {p.Partition}})
	c.logger.Info("unsubscribed partition", "partition", p.String())
	return true
}

// CurrentState returns the committed offset per partition.
func (c *Consumer) CurrentState() offsets.Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := offsets.New()
	for p, t := range c.trackers {
		if t.initialized {
			state.Set(p, t.floor)
		}
	}
	return state
}

// MaxLag returns the largest distance between a partition's high watermark
// and its commit floor, or zero when unknown.
func (c *Consumer) MaxLag() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var max int64
	for p, hw := range c.watermarks {
		t, ok := c.trackers[p]
		if !ok || !t.initialized {
			continue
		}
		if lag := hw - 1 - t.floor; lag > max {
			max = lag
		}
	}
	return max
}

// RemoveConsumerState clears this source's persisted offsets across all
// partitions.
func (c *Consumer) RemoveConsumerState() error {
	return c.adapter.ClearConsumerState(c.cfg.SourceID)
}

// Close stops the poll loop and releases the broker client. It does not
// flush; callers decide between flushing and clearing state first.
func (c *Consumer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.client != nil {
		c.client.Close()
	}
	if c.done != nil {
		<-c.done
	}
}
