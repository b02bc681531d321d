// Package spout is the host-facing surface: the topology runtime opens it,
// polls NextTuple, and returns message ids through Ack and Fail.
package spout

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/lsm/shunt/internal/config"
	"github.com/lsm/shunt/internal/consumer"
	"github.com/lsm/shunt/internal/coordinator"
	"github.com/lsm/shunt/internal/message"
	"github.com/lsm/shunt/internal/observability"
	"github.com/lsm/shunt/internal/offsets"
	"github.com/lsm/shunt/internal/persistence"
	"github.com/lsm/shunt/internal/sideline"
	"github.com/lsm/shunt/internal/trigger"
	"github.com/lsm/shunt/internal/vsource"
)

// DefaultStreamID is used when no output stream is configured.
const DefaultStreamID = "default"

// ErrAlreadyOpened is returned when Open is called more than once.
var ErrAlreadyOpened = errors.New("spout already opened")

// Emitter receives emitted tuples. Provided by the host runtime.
type Emitter interface {
	Emit(streamID string, fields map[string]any, id message.ID)
}

// Spout wires the coordinator, the sideline controller, and the optional
// trigger into the host lifecycle.
type Spout struct {
	cfg        *config.Config
	taskIndex  int
	totalTasks int
	recorder   observability.Recorder
	logger     *slog.Logger

	opened     bool
	emitter    Emitter
	streamID   string
	adapter    persistence.Adapter
	coord      *coordinator.Coordinator
	controller *sideline.Controller
	trig       trigger.Trigger
}

// Option configures a Spout.
type Option func(*Spout)

// WithRecorder sets the metrics recorder.
func WithRecorder(rec observability.Recorder) Option {
	return func(s *Spout) { s.recorder = rec }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Spout) { s.logger = logger }
}

// WithTrigger attaches a sideline trigger, opened after resume.
func WithTrigger(t trigger.Trigger) Option {
	return func(s *Spout) { s.trig = t }
}

// New creates a spout for one task of a parallel deployment.
func New(cfg *config.Config, taskIndex, totalTasks int, opts ...Option) *Spout {
	s := &Spout{
		cfg:        cfg,
		taskIndex:  taskIndex,
		totalTasks: totalTasks,
		recorder:   observability.Noop{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Controller returns the sideline controller; available after Open.
func (s *Spout) Controller() *sideline.Controller { return s.controller }

// Open builds the firehose, opens the coordinator, resumes persisted
// sideline requests, and starts the trigger.
func (s *Spout) Open(emitter Emitter) error {
	if s.opened {
		return ErrAlreadyOpened
	}
	s.opened = true
	s.emitter = emitter

	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	s.streamID = s.cfg.OutputStreamID
	if s.streamID == "" {
		s.streamID = DefaultStreamID
	}

	adapter, err := newPersistenceAdapter(s.cfg.Persistence, s.logger)
	if err != nil {
		return err
	}
	if err := adapter.Open(); err != nil {
		return fmt.Errorf("open persistence: %w", err)
	}
	s.adapter = adapter

	buf, err := newBuffer(s.cfg.Buffer)
	if err != nil {
		return err
	}

	deser, err := newDeserializer(s.cfg.Deserializer)
	if err != nil {
		return err
	}

	firehoseID := fmt.Sprintf("%s-%d", s.cfg.ConsumerIDPrefix, s.taskIndex)
	firehose, err := s.buildSource(firehoseID, "", nil, nil, deser, adapter)
	if err != nil {
		return err
	}

	s.coord = coordinator.New(coordinator.Config{
		FlushInterval: s.cfg.FlushInterval(),
	}, firehose, buf, s.recorder, s.logger)

	factory := func(sourceID, sidelineID string, startingState, endingState offsets.Map) *vsource.Source {
		src, err := s.buildSource(sourceID, sidelineID, startingState, endingState, deser, adapter)
		if err != nil {
			// Construction only fails on registry misconfiguration,
			// which Open already validated.
			s.logger.Error("replay source construction failed", "source", sourceID, "error", err)
			return nil
		}
		return src
	}
	s.controller = sideline.NewController(s.cfg.Topic, s.coord, adapter, factory, s.recorder, s.logger)

	if err := s.coord.Open(); err != nil {
		return err
	}
	if err := s.controller.Resume(); err != nil {
		return fmt.Errorf("resume sidelines: %w", err)
	}
	if s.trig != nil {
		if err := s.trig.Open(s.controller); err != nil {
			return fmt.Errorf("open trigger: %w", err)
		}
	}

	s.logger.Info("spout opened", "firehose", firehoseID, "stream", s.streamID)
	return nil
}

func (s *Spout) buildSource(sourceID, sidelineID string, startingState, endingState offsets.Map,
	deser message.Deserializer, adapter persistence.Adapter) (*vsource.Source, error) {
	retry, err := newRetryManager(s.cfg.Retry)
	if err != nil {
		return nil, err
	}

	cons := consumer.New(consumer.Config{
		Cluster:        &s.cfg.Broker,
		Topic:          s.cfg.Topic,
		SourceID:       sourceID,
		TotalInstances: s.totalTasks,
		InstanceIndex:  s.taskIndex,
		StartPolicy:    s.cfg.StartOffset,
	}, adapter, s.logger)

	opts := []vsource.Option{
		vsource.WithRecorder(s.recorder),
		vsource.WithLogger(s.logger),
	}
	if endingState != nil {
		opts = append(opts, vsource.WithBounds(startingState, endingState))
	}
	if sidelineID != "" {
		opts = append(opts, vsource.WithSidelineID(sidelineID))
	}
	return vsource.New(sourceID, cons, retry, deser, adapter, opts...), nil
}

// NextTuple emits at most one message to the host emitter. Reports
// whether anything was emitted.
func (s *Spout) NextTuple() bool {
	msg := s.coord.NextMessage()
	if msg == nil {
		return false
	}
	s.emitter.Emit(s.streamID, msg.Fields, msg.ID)
	s.recorder.Count("spout", "emit", 1)
	return true
}

// Ack routes a host ack back to the originating source.
func (s *Spout) Ack(id message.ID) {
	s.coord.Ack(id)
	s.recorder.Count("spout", "ack", 1)
}

// Fail routes a host fail back to the originating source.
func (s *Spout) Fail(id message.ID) {
	s.coord.Fail(id)
	s.recorder.Count("spout", "fail", 1)
}

// Close stops the trigger, the coordinator, and the persistence adapter.
func (s *Spout) Close() error {
	var errs []error
	if s.trig != nil {
		if err := s.trig.Close(); err != nil {
			errs = append(errs, fmt.Errorf("trigger close: %w", err))
		}
	}
	if s.coord != nil {
		s.coord.Close()
	}
	if s.adapter != nil {
		if err := s.adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("persistence close: %w", err))
		}
	}
	s.logger.Info("spout closed")
	return errors.Join(errs...)
}
