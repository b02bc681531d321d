// Package offsets holds the partition→offset value types shared by the
// consumer, the virtual sources, and the persistence layer.
package offsets

import (
	"fmt"
	"maps"
	"sort"
)

// Partition identifies a single partition of a topic.
type Partition struct {
	Topic     string
	Partition int32
}

func (p Partition) String() string {
	return fmt.Sprintf("%s-%d", p.Topic, p.Partition)
}

// Map records one offset per partition. The stored offset is the last fully
// acknowledged offset for that partition; consumption resumes at stored+1.
type Map map[Partition]int64

// New returns an empty offset map.
func New() Map {
	return make(Map)
}

// Get returns the offset stored for p, if any.
func (m Map) Get(p Partition) (int64, bool) {
	off, ok := m[p]
	return off, ok
}

// Set stores the offset for p, overwriting any previous value.
func (m Map) Set(p Partition, offset int64) {
	m[p] = offset
}

// Merge overwrites entries in m with other's value where present.
// Right-biased: other wins on conflict.
func (m Map) Merge(other Map) {
	for p, off := range other {
		m[p] = off
	}
}

// Lag returns other minus m per partition, for every partition present in
// either map. A missing entry counts as -1 (nothing consumed yet).
func (m Map) Lag(other Map) map[Partition]int64 {
	lag := make(map[Partition]int64, len(m)+len(other))
	for p := range m {
		lag[p] = other.getOrDefault(p) - m[p]
	}
	for p := range other {
		if _, ok := m[p]; !ok {
			lag[p] = other[p] - m.getOrDefault(p)
		}
	}
	return lag
}

func (m Map) getOrDefault(p Partition) int64 {
	if off, ok := m[p]; ok {
		return off
	}
	return -1
}

// Equal reports structural equality.
func (m Map) Equal(other Map) bool {
	return maps.Equal(m, other)
}

// Copy returns an independent copy of m.
func (m Map) Copy() Map {
	return maps.Clone(m)
}

// Partitions returns the partitions in m, ordered by topic then index.
func (m Map) Partitions() []Partition {
	parts := make([]Partition, 0, len(m))
	for p := range m {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool {
		if parts[i].Topic != parts[j].Topic {
			return parts[i].Topic < parts[j].Topic
		}
		return parts[i].Partition < parts[j].Partition
	})
	return parts
}
