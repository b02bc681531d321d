package buffer

import (
	"context"
	"testing"
	"time"

	"github.com/lsm/shunt/internal/message"
)

func bmsg(sourceID string, offset int64) *message.Message {
	return &message.Message{
		ID: message.ID{Topic: "events", Partition: 0, Offset: offset, SourceID: sourceID},
	}
}

func TestFIFOOrder(t *testing.T) {
	buf, err := NewFIFO(10)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := int64(0); i < 3; i++ {
		if err := buf.Put(ctx, bmsg("a", i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(0); i < 3; i++ {
		m := buf.Poll()
		if m == nil || m.ID.Offset != i {
			t.Fatalf("expected offset %d, got %+v", i, m)
		}
	}
	if buf.Poll() != nil {
		t.Error("empty buffer must poll nil")
	}
}

func TestCapacityMustBePositive(t *testing.T) {
	if _, err := NewFIFO(0); err == nil {
		t.Error("fifo: expected error for zero capacity")
	}
	if _, err := NewRoundRobin(-1); err == nil {
		t.Error("round-robin: expected error for negative capacity")
	}
	if _, err := NewThrottled(10, 0, ".*"); err == nil {
		t.Error("throttled: expected error for zero throttled capacity")
	}
	if _, err := NewThrottled(10, 2, "("); err == nil {
		t.Error("throttled: expected error for a bad pattern")
	}
}

func TestPutBlocksWhenFull(t *testing.T) {
	buf, _ := NewFIFO(1)
	ctx := context.Background()

	if err := buf.Put(ctx, bmsg("a", 0)); err != nil {
		t.Fatal(err)
	}

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := buf.Put(blocked, bmsg("a", 1)); err == nil {
		t.Fatal("put on a full buffer must block until the context expires")
	}
}

func TestRoundRobinFairness(t *testing.T) {
	buf, _ := NewRoundRobin(10)
	ctx := context.Background()

	buf.AddSource("a")
	buf.AddSource("b")
	for i := int64(0); i < 2; i++ {
		_ = buf.Put(ctx, bmsg("a", i))
		_ = buf.Put(ctx, bmsg("b", i))
	}

	order := make([]string, 0, 4)
	for m := buf.Poll(); m != nil; m = buf.Poll() {
		order = append(order, m.ID.SourceID)
	}
	want := []string{"a", "b", "a", "b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("poll order %v, want %v", order, want)
		}
	}
}

func TestRoundRobinSkipsEmptySources(t *testing.T) {
	buf, _ := NewRoundRobin(10)
	ctx := context.Background()

	buf.AddSource("a")
	buf.AddSource("b")
	_ = buf.Put(ctx, bmsg("b", 0))

	m := buf.Poll()
	if m == nil || m.ID.SourceID != "b" {
		t.Fatalf("expected b's message, got %+v", m)
	}
	if buf.Poll() != nil {
		t.Error("one full cycle without a message must return nil")
	}
}

func TestPutAutoAddsSource(t *testing.T) {
	buf, _ := NewRoundRobin(10)
	if err := buf.Put(context.Background(), bmsg("unseen", 0)); err != nil {
		t.Fatalf("put on an unknown source must auto-add: %v", err)
	}
	if m := buf.Poll(); m == nil || m.ID.SourceID != "unseen" {
		t.Fatalf("expected the auto-added source's message, got %+v", m)
	}
}

func TestRemoveSourceDropsQueue(t *testing.T) {
	buf, _ := NewRoundRobin(10)
	ctx := context.Background()
	_ = buf.Put(ctx, bmsg("a", 0))

	buf.RemoveSource("a")
	if buf.Poll() != nil {
		t.Error("messages of a removed source must not be delivered")
	}
	if buf.Size() != 0 {
		t.Errorf("size = %d, want 0", buf.Size())
	}
}

func TestThrottledCapacities(t *testing.T) {
	// The firehose id matches the pattern and is capped at 2; the replay
	// source keeps the full capacity.
	buf, err := NewThrottled(5, 2, `^firehose-\d+$`)
	if err != nil {
		t.Fatal(err)
	}

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	var throttled int
	for i := int64(0); i < 5; i++ {
		if buf.Put(short, bmsg("firehose-0", i)) != nil {
			break
		}
		throttled++
	}
	if throttled != 2 {
		t.Errorf("throttled source accepted %d messages, want 2", throttled)
	}

	ctx := context.Background()
	for i := int64(0); i < 5; i++ {
		if err := buf.Put(ctx, bmsg("firehose-0_replay", i)); err != nil {
			t.Fatalf("non-throttled source blocked at %d: %v", i, err)
		}
	}
}
