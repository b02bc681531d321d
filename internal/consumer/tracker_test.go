package consumer

import "testing"

func TestTrackerContiguousAdvance(t *testing.T) {
	tr := newTracker()
	tr.init(-1)

	tr.ack(0)
	tr.ack(1)
	tr.ack(2)

	if tr.floor != 2 {
		t.Errorf("floor = %d, want 2", tr.floor)
	}
}

func TestTrackerOutOfOrderAck(t *testing.T) {
	tr := newTracker()
	tr.init(-1)

	tr.ack(2)
	if tr.floor != -1 {
		t.Errorf("floor advanced past a gap: %d", tr.floor)
	}
	tr.ack(0)
	if tr.floor != 0 {
		t.Errorf("floor = %d, want 0", tr.floor)
	}
	tr.ack(1)
	if tr.floor != 2 {
		t.Errorf("floor = %d, want 2 after gap closes", tr.floor)
	}
}

func TestTrackerIdempotentAck(t *testing.T) {
	tr := newTracker()
	tr.init(4)

	tr.ack(5)
	tr.ack(5)
	tr.ack(4) // below floor, ignored

	if tr.floor != 5 {
		t.Errorf("floor = %d, want 5", tr.floor)
	}
	if len(tr.pending) != 0 {
		t.Errorf("pending not drained: %v", tr.pending)
	}
}

func TestTrackerLazyInit(t *testing.T) {
	tr := newTracker()

	// First ack on a latest-seeked partition seeds the floor.
	tr.ack(100)
	if !tr.initialized || tr.floor != 100 {
		t.Errorf("floor = %d (initialized=%v), want 100", tr.floor, tr.initialized)
	}
}

func TestTrackerDirtyFlag(t *testing.T) {
	tr := newTracker()
	tr.init(-1)

	if tr.dirty {
		t.Error("fresh tracker must not be dirty")
	}
	tr.ack(0)
	if !tr.dirty {
		t.Error("advancing the floor must mark the tracker dirty")
	}
	tr.dirty = false
	tr.ack(5) // parked above a gap, floor unchanged
	if tr.dirty {
		t.Error("a parked ack must not mark the tracker dirty")
	}
}
