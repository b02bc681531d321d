// Package sideline implements the controller that reacts to start and stop
// triggers: it attaches filters to the firehose, persists the request
// state, and spawns bounded replay sources when a sideline ends.
package sideline

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/lsm/shunt/internal/coordinator"
	"github.com/lsm/shunt/internal/filter"
	"github.com/lsm/shunt/internal/observability"
	"github.com/lsm/shunt/internal/offsets"
	"github.com/lsm/shunt/internal/persistence"
	"github.com/lsm/shunt/internal/vsource"
)

// Request is the operator-supplied predicate list defining a sideline.
type Request struct {
	Steps []filter.Step
}

// SourceFactory builds a bounded replay source covering
// (startingState, endingState] for the given sideline.
type SourceFactory func(sourceID, sidelineID string, startingState, endingState offsets.Map) *vsource.Source

// Controller ties filter lifecycle to replay-source spawning. Persistence
// always happens before the in-memory filter chain is mutated, so a crash
// mid-operation is recovered by the resume protocol without losing records.
type Controller struct {
	topic     string
	coord     *coordinator.Coordinator
	adapter   persistence.Adapter
	newReplay SourceFactory
	recorder  observability.Recorder
	logger    *slog.Logger
}

// NewController creates a sideline controller.
func NewController(topic string, coord *coordinator.Coordinator, adapter persistence.Adapter,
	factory SourceFactory, recorder observability.Recorder, logger *slog.Logger) *Controller {
	if recorder == nil {
		recorder = observability.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		topic:     topic,
		coord:     coord,
		adapter:   adapter,
		newReplay: factory,
		recorder:  recorder,
		logger:    logger,
	}
}

// StartSideline attaches the request's filter steps to the firehose and
// persists the attach point. Returns the generated sideline identifier.
func (c *Controller) StartSideline(req Request) (string, error) {
	if len(req.Steps) == 0 {
		return "", fmt.Errorf("sideline request has no filter steps")
	}

	id := uuid.NewString()
	firehose := c.coord.Firehose()
	startingState := firehose.CurrentState()

	blob, err := filter.EncodeSteps(req.Steps)
	if err != nil {
		return "", err
	}

	for _, p := range startingState.Partitions() {
		start, _ := startingState.Get(p)
		err := c.adapter.PersistSidelineRequest(id, p.Partition, persistence.Request{
			Type:           persistence.TypeStart,
			StartingOffset: start,
			StepsBlob:      blob,
		})
		if err != nil {
			return "", fmt.Errorf("persist start request: %w", err)
		}
	}

	firehose.FilterChain().AddSteps(id, req.Steps)
	c.recorder.Count("sideline", "start", 1)
	c.logger.Info("sideline started", "id", id, "partitions", len(startingState))
	return id, nil
}

// StopSideline detaches the filter matching the request's steps and spawns
// the bounded replay source covering the diverted range with the negated
// predicate. Stopping a predicate that is not attached is a no-op.
func (c *Controller) StopSideline(req Request) error {
	firehose := c.coord.Firehose()
	chain := firehose.FilterChain()

	id, ok := chain.FindByValue(req.Steps)
	if !ok {
		c.logger.Error("stop request matches no attached filter; check step equality",
			"steps", len(req.Steps))
		return nil
	}

	endingState := firehose.CurrentState()
	steps := chain.Steps()[id]

	startingState, err := c.storedStartingState(id)
	if err != nil {
		return err
	}

	blob, err := filter.EncodeSteps(steps)
	if err != nil {
		return err
	}

	for _, p := range startingState.Partitions() {
		start, _ := startingState.Get(p)
		end, ok := endingState.Get(p)
		if !ok {
			end = start
		}
		err := c.adapter.PersistSidelineRequest(id, p.Partition, persistence.Request{
			Type:           persistence.TypeStop,
			StartingOffset: start,
			EndingOffset:   &end,
			StepsBlob:      blob,
		})
		if err != nil {
			return fmt.Errorf("persist stop request: %w", err)
		}
	}

	// Persisted; now the in-memory mutation. A crash before this point
	// leaves the filter attached and the STOP replayed on resume.
	chain.RemoveSteps(id)

	src, err := c.buildReplay(id, steps, startingState, boundEndingState(startingState, endingState))
	if err != nil {
		return err
	}
	if err := c.coord.AddReplaySource(src); err != nil {
		return err
	}

	c.recorder.Count("sideline", "stop", 1)
	c.logger.Info("sideline stopped, replay started", "id", id, "replay", src.ID())
	return nil
}

// Resume reconstitutes persisted sideline requests after a restart:
// START entries re-attach their filters to the firehose, STOP entries
// re-spawn their bounded replay sources.
func (c *Controller) Resume() error {
	ids, err := c.adapter.ListSidelineRequests()
	if err != nil {
		return fmt.Errorf("list sideline requests: %w", err)
	}

	for _, id := range ids {
		partitions, err := c.adapter.ListSidelineRequestPartitions(id)
		if err != nil {
			return fmt.Errorf("list partitions for %s: %w", id, err)
		}
		if len(partitions) == 0 {
			continue
		}

		var reqType persistence.RequestType
		var blob string
		startingState := offsets.New()
		endingState := offsets.New()
		for _, partition := range partitions {
			stored, err := c.adapter.RetrieveSidelineRequest(id, partition)
			if err != nil {
				return fmt.Errorf("retrieve %s/%d: %w", id, partition, err)
			}
			if stored == nil {
				continue
			}
			reqType = stored.Type
			blob = stored.StepsBlob
			p := offsets.Partition{Topic: c.topic, Partition: partition}
			startingState.Set(p, stored.StartingOffset)
			if stored.EndingOffset != nil {
				endingState.Set(p, *stored.EndingOffset)
			}
		}

		steps, err := filter.DecodeSteps(blob)
		if err != nil {
			return fmt.Errorf("decode steps for %s: %w", id, err)
		}

		switch reqType {
		case persistence.TypeStart:
			c.logger.Info("resuming started sideline", "id", id)
			c.coord.Firehose().FilterChain().AddSteps(id, steps)
			c.recorder.Count("sideline", "resume_start", 1)

		case persistence.TypeStop:
			c.logger.Info("resuming stopped sideline", "id", id)
			src, err := c.buildReplay(id, steps, startingState, endingState)
			if err != nil {
				return err
			}
			if err := c.coord.AddReplaySource(src); err != nil {
				return err
			}
			c.recorder.Count("sideline", "resume_stop", 1)
		}
	}
	return nil
}

// storedStartingState recovers the filter-attach offsets from the START
// payloads. The starting bound is the attach moment, never the in-memory
// state at stop time.
func (c *Controller) storedStartingState(id string) (offsets.Map, error) {
	partitions, err := c.adapter.ListSidelineRequestPartitions(id)
	if err != nil {
		return nil, fmt.Errorf("list partitions for %s: %w", id, err)
	}
	state := offsets.New()
	for _, partition := range partitions {
		stored, err := c.adapter.RetrieveSidelineRequest(id, partition)
		if err != nil {
			return nil, fmt.Errorf("retrieve %s/%d: %w", id, partition, err)
		}
		if stored == nil {
			continue
		}
		state.Set(offsets.Partition{Topic: c.topic, Partition: partition}, stored.StartingOffset)
	}
	return state, nil
}

func (c *Controller) buildReplay(id string, steps []filter.Step, startingState, endingState offsets.Map) (*vsource.Source, error) {
	negated, err := filter.NegateSteps(steps)
	if err != nil {
		return nil, err
	}
	sourceID := c.coord.Firehose().ID() + "_" + id
	src := c.newReplay(sourceID, id, startingState, endingState)
	if src == nil {
		return nil, fmt.Errorf("replay source factory returned nothing for %s", sourceID)
	}
	src.FilterChain().AddSteps(id, negated)
	return src, nil
}

// boundEndingState restricts the ending snapshot to the partitions the
// sideline covers, defaulting a missing partition to its start (empty
// range).
func boundEndingState(startingState, endingState offsets.Map) offsets.Map {
	bounded := offsets.New()
	for _, p := range startingState.Partitions() {
		start, _ := startingState.Get(p)
		if end, ok := endingState.Get(p); ok {
			bounded.Set(p, end)
		} else {
			bounded.Set(p, start)
		}
	}
	return bounded
}
