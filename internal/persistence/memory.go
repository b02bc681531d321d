package persistence

import (
	"sort"
	"sync"
)

type offsetKey struct {
	sourceID  string
	partition int32
}

type requestKey struct {
	id        string
	partition int32
}

// Memory is an in-memory Adapter for tests. State is lost on restart.
type Memory struct {
	mu       sync.Mutex
	opened   bool
	offsets  map[offsetKey]int64
	requests map[requestKey]Request
}

// NewMemory returns an unopened in-memory adapter.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offsets == nil {
		m.offsets = make(map[offsetKey]int64)
		m.requests = make(map[requestKey]Request)
	}
	m.opened = true
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = false
	return nil
}

func (m *Memory) PersistConsumerOffset(sourceID string, partition int32, offset int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return ErrNotOpened
	}
	m.offsets[offsetKey{sourceID, partition}] = offset
	return nil
}

func (m *Memory) RetrieveConsumerOffset(sourceID string, partition int32) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return 0, false, ErrNotOpened
	}
	off, ok := m.offsets[offsetKey{sourceID, partition}]
	return off, ok, nil
}

func (m *Memory) ClearConsumerOffset(sourceID string, partition int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return ErrNotOpened
	}
	delete(m.offsets, offsetKey{sourceID, partition})
	return nil
}

func (m *Memory) ClearConsumerState(sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return ErrNotOpened
	}
	for k := range m.offsets {
		if k.sourceID == sourceID {
			delete(m.offsets, k)
		}
	}
	return nil
}

func (m *Memory) PersistSidelineRequest(id string, partition int32, req Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return ErrNotOpened
	}
	m.requests[requestKey{id, partition}] = req
	return nil
}

func (m *Memory) RetrieveSidelineRequest(id string, partition int32) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil, ErrNotOpened
	}
	req, ok := m.requests[requestKey{id, partition}]
	if !ok {
		return nil, nil
	}
	return &req, nil
}

func (m *Memory) ClearSidelineRequest(id string, partition int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return ErrNotOpened
	}
	delete(m.requests, requestKey{id, partition})
	return nil
}

func (m *Memory) ListSidelineRequests() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil, ErrNotOpened
	}
	seen := make(map[string]struct{})
	var ids []string
	for k := range m.requests {
		if _, ok := seen[k.id]; !ok {
			seen[k.id] = struct{}{}
			ids = append(ids, k.id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *Memory) ListSidelineRequestPartitions(id string) ([]int32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.opened {
		return nil, ErrNotOpened
	}
	var parts []int32
	for k := range m.requests {
		if k.id == id {
			parts = append(parts, k.partition)
		}
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	return parts, nil
}
