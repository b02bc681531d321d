package consumer

// tracker maintains the commit floor for one partition: the highest offset
// such that every offset at or below it has been acknowledged. Out-of-order
// acks above the floor are parked until the gap below them closes.
type tracker struct {
	initialized bool
	floor       int64
	pending     map[int64]struct{}
	dirty       bool
}

func newTracker() *tracker {
	return &tracker{floor: -1, pending: make(map[int64]struct{})}
}

// init seeds the floor. Offsets at or below the floor count as acked.
func (t *tracker) init(floor int64) {
	if t.initialized {
		return
	}
	t.initialized = true
	t.floor = floor
}

// ack records the offset and advances the floor across the contiguous
// acknowledged prefix.
func (t *tracker) ack(offset int64) {
	if !t.initialized {
		// First ack on a partition with no known resume point: everything
		// before this offset was never delivered.
		t.init(offset - 1)
	}
	if offset <= t.floor {
		return
	}
	t.pending[offset] = struct{}{}
	for {
		if _, ok := t.pending[t.floor+1]; !ok {
			return
		}
		delete(t.pending, t.floor+1)
		t.floor++
		t.dirty = true
	}
}
