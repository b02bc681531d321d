package sideline

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/shunt/internal/buffer"
	"github.com/lsm/shunt/internal/coordinator"
	"github.com/lsm/shunt/internal/filter"
	"github.com/lsm/shunt/internal/message"
	"github.com/lsm/shunt/internal/offsets"
	"github.com/lsm/shunt/internal/persistence"
	"github.com/lsm/shunt/internal/retrymgr"
	"github.com/lsm/shunt/internal/vsource"
)

var p0 = offsets.Partition{Topic: "events", Partition: 0}

// scriptedConsumer replays a fixed record slice; safe for concurrent use.
type scriptedConsumer struct {
	mu           sync.Mutex
	records      []*kgo.Record
	pos          int
	state        offsets.Map
	unsubscribed map[offsets.Partition]bool
}

func newScriptedConsumer(initial offsets.Map, records ...*kgo.Record) *scriptedConsumer {
	state := offsets.New()
	if initial != nil {
		state.Merge(initial)
	}
	return &scriptedConsumer{
		records:      records,
		state:        state,
		unsubscribed: make(map[offsets.Partition]bool),
	}
}

func (f *scriptedConsumer) Open(offsets.Map) error { return nil }

func (f *scriptedConsumer) NextRecord() *kgo.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.pos < len(f.records) {
		r := f.records[f.pos]
		f.pos++
		if f.unsubscribed[offsets.Partition{Topic: r.Topic, Partition: r.Partition}] {
			continue
		}
		return r
	}
	return nil
}

func (f *scriptedConsumer) CommitOffset(p offsets.Partition, offset int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.state.Get(p); !ok || offset > cur {
		f.state.Set(p, offset)
	}
}

func (f *scriptedConsumer) Flush() error { return nil }

func (f *scriptedConsumer) Unsubscribe(p offsets.Partition) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unsubscribed[p] {
		return false
	}
	f.unsubscribed[p] = true
	return true
}

func (f *scriptedConsumer) CurrentState() offsets.Map {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Copy()
}

func (f *scriptedConsumer) MaxLag() int64              { return 0 }
func (f *scriptedConsumer) RemoveConsumerState() error { return nil }
func (f *scriptedConsumer) Close()                     {}

func jsonRec(offset int64, value string) *kgo.Record {
	return &kgo.Record{
		Topic:     "events",
		Partition: 0,
		Offset:    offset,
		Value:     []byte(fmt.Sprintf(`{"value":%q}`, value)),
	}
}

func mustStep(t *testing.T, expr string) filter.Step {
	t.Helper()
	step, err := filter.NewStep(expr)
	if err != nil {
		t.Fatal(err)
	}
	return step
}

// fixture wires a real coordinator and controller over scripted
// consumers. history is the record log bounded replay sources re-read;
// live is what the firehose consumes.
type fixture struct {
	adapter  *persistence.Memory
	coord    *coordinator.Coordinator
	ctrl     *Controller
	firehose *scriptedConsumer
}

func newFixture(t *testing.T, live, history []*kgo.Record) *fixture {
	t.Helper()
	adapter := persistence.NewMemory()
	if err := adapter.Open(); err != nil {
		t.Fatal(err)
	}

	// The firehose starts with a known floor on p0, like an
	// earliest-seeked consumer that has not consumed yet.
	firehoseCons := newScriptedConsumer(offsets.Map{p0: -1}, live...)
	firehose := vsource.New("firehose-0", firehoseCons, retrymgr.NeverRetry{},
		message.JSONDeserializer{}, adapter)

	buf, err := buffer.NewRoundRobin(100)
	if err != nil {
		t.Fatal(err)
	}
	coord := coordinator.New(coordinator.Config{
		FlushInterval: 10 * time.Millisecond,
		CloseTimeout:  2 * time.Second,
	}, firehose, buf, nil, nil)

	factory := func(sourceID, sidelineID string, startingState, endingState offsets.Map) *vsource.Source {
		return vsource.New(sourceID, newScriptedConsumer(startingState.Copy(), history...),
			retrymgr.NeverRetry{}, message.JSONDeserializer{}, adapter,
			vsource.WithBounds(startingState, endingState),
			vsource.WithSidelineID(sidelineID))
	}
	ctrl := NewController("events", coord, adapter, factory, nil, nil)

	return &fixture{adapter: adapter, coord: coord, ctrl: ctrl, firehose: firehoseCons}
}

func (f *fixture) collect(t *testing.T, want int) []string {
	t.Helper()
	var values []string
	deadline := time.Now().Add(3 * time.Second)
	for len(values) < want && time.Now().Before(deadline) {
		m := f.coord.NextMessage()
		if m == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		values = append(values, m.Fields["value"].(string))
		f.coord.Ack(m.ID)
	}
	if len(values) < want {
		t.Fatalf("collected %v, want %d values", values, want)
	}
	return values
}

func TestStartSidelinePersistsAndAttaches(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.coord.Open(); err != nil {
		t.Fatal(err)
	}
	defer f.coord.Close()

	id, err := f.ctrl.StartSideline(Request{Steps: []filter.Step{mustStep(t, `fields.value == "2"`)}})
	if err != nil {
		t.Fatal(err)
	}

	if f.coord.Firehose().FilterChain().Len() != 1 {
		t.Error("the filter must be attached to the firehose")
	}

	stored, err := f.adapter.RetrieveSidelineRequest(id, 0)
	if err != nil || stored == nil {
		t.Fatalf("expected a persisted START entry, got %v (err=%v)", stored, err)
	}
	if stored.Type != persistence.TypeStart {
		t.Errorf("type = %s, want START", stored.Type)
	}
	if stored.StartingOffset != -1 {
		t.Errorf("startingOffset = %d, want -1 (the attach floor)", stored.StartingOffset)
	}
	if stored.EndingOffset != nil {
		t.Error("a START entry has no ending offset")
	}
}

func TestStopWithoutMatchingFilterIsNoop(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.coord.Open(); err != nil {
		t.Fatal(err)
	}
	defer f.coord.Close()

	err := f.ctrl.StopSideline(Request{Steps: []filter.Step{mustStep(t, `fields.value == "9"`)}})
	if err != nil {
		t.Fatalf("stop of an unattached predicate must be a no-op, got %v", err)
	}
	if len(f.coord.SourceIDs()) != 1 {
		t.Error("no replay source may be spawned")
	}
}

// The divert-and-replay scenario: the filter diverts value 2 while
// attached; stopping it replays exactly the diverted range with the
// negated predicate. Every record is delivered exactly once in effect.
func TestFilterDivertAndReplay(t *testing.T) {
	history := []*kgo.Record{jsonRec(0, "1"), jsonRec(1, "2"), jsonRec(2, "3")}
	f := newFixture(t, history, history)

	// Attach before the firehose worker starts so the divert covers the
	// whole range.
	steps := []filter.Step{mustStep(t, `fields.value == "2"`)}
	id, err := f.ctrl.StartSideline(Request{Steps: steps})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.coord.Open(); err != nil {
		t.Fatal(err)
	}
	defer f.coord.Close()

	live := f.collect(t, 2)
	if live[0] != "1" || live[1] != "3" {
		t.Fatalf("firehose emitted %v, want [1 3]", live)
	}

	// Wait for the self-acked diverted record to reach the commit floor.
	deadline := time.Now().Add(time.Second)
	for {
		if off, ok := f.firehose.CurrentState().Get(p0); ok && off == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("firehose floor never reached offset 2")
		}
		time.Sleep(time.Millisecond)
	}

	// Stop with an independently compiled, structurally equal step list.
	err = f.ctrl.StopSideline(Request{Steps: []filter.Step{mustStep(t, `fields.value == "2"`)}})
	if err != nil {
		t.Fatal(err)
	}

	if f.coord.Firehose().FilterChain().Len() != 0 {
		t.Error("the filter must be detached from the firehose")
	}

	stored, _ := f.adapter.RetrieveSidelineRequest(id, 0)
	if stored == nil || stored.Type != persistence.TypeStop {
		t.Fatalf("expected a persisted STOP entry, got %+v", stored)
	}
	if stored.StartingOffset != -1 {
		t.Errorf("replay start = %d, want the attach floor -1", stored.StartingOffset)
	}
	if stored.EndingOffset == nil || *stored.EndingOffset != 2 {
		t.Errorf("replay end = %v, want 2", stored.EndingOffset)
	}

	replayed := f.collect(t, 1)
	if replayed[0] != "2" {
		t.Fatalf("replay emitted %v, want [2]", replayed)
	}

	// The replay source drains, retires itself, and clears its request.
	deadline = time.Now().Add(3 * time.Second)
	for {
		ids, _ := f.adapter.ListSidelineRequests()
		if len(ids) == 0 && len(f.coord.SourceIDs()) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("sideline state not cleaned up: requests=%v sources=%v",
				ids, f.coord.SourceIDs())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestResumeReattachesStart(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.coord.Open(); err != nil {
		t.Fatal(err)
	}
	defer f.coord.Close()

	blob, err := filter.EncodeSteps([]filter.Step{mustStep(t, `fields.value == "2"`)})
	if err != nil {
		t.Fatal(err)
	}
	err = f.adapter.PersistSidelineRequest("side-1", 0, persistence.Request{
		Type:           persistence.TypeStart,
		StartingOffset: 4,
		StepsBlob:      blob,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Resume(); err != nil {
		t.Fatal(err)
	}

	if f.coord.Firehose().FilterChain().Len() != 1 {
		t.Error("resume must re-attach START filters to the firehose")
	}
}

func TestResumeRespawnsStop(t *testing.T) {
	f := newFixture(t, nil, []*kgo.Record{jsonRec(5, "1"), jsonRec(6, "2"), jsonRec(7, "3")})
	if err := f.coord.Open(); err != nil {
		t.Fatal(err)
	}
	defer f.coord.Close()

	blob, err := filter.EncodeSteps([]filter.Step{mustStep(t, `fields.value == "2"`)})
	if err != nil {
		t.Fatal(err)
	}
	end := int64(7)
	err = f.adapter.PersistSidelineRequest("side-1", 0, persistence.Request{
		Type:           persistence.TypeStop,
		StartingOffset: 4,
		EndingOffset:   &end,
		StepsBlob:      blob,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := f.ctrl.Resume(); err != nil {
		t.Fatal(err)
	}

	// The respawned replay source emits exactly the diverted record.
	replayed := f.collect(t, 1)
	if replayed[0] != "2" {
		t.Fatalf("resumed replay emitted %v, want [2]", replayed)
	}
}
