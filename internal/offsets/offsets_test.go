package offsets

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func p(partition int32) Partition {
	return Partition{Topic: "events", Partition: partition}
}

func TestGetSet(t *testing.T) {
	m := New()
	_, ok := m.Get(p(0))
	require.False(t, ok)

	m.Set(p(0), 42)
	off, ok := m.Get(p(0))
	require.True(t, ok)
	require.Equal(t, int64(42), off)

	m.Set(p(0), 43)
	off, _ = m.Get(p(0))
	require.Equal(t, int64(43), off)
}

func TestMergeIsRightBiased(t *testing.T) {
	m := Map{p(0): 5, p(1): 9}
	other := Map{p(1): 12, p(2): 3}

	m.Merge(other)

	require.Equal(t, Map{p(0): 5, p(1): 12, p(2): 3}, m)
}

func TestLag(t *testing.T) {
	m := Map{p(0): 5, p(1): 9}
	other := Map{p(0): 10, p(2): 4}

	lag := m.Lag(other)

	require.Equal(t, int64(5), lag[p(0)])
	require.Equal(t, int64(-10), lag[p(1)]) // other never consumed p1
	require.Equal(t, int64(5), lag[p(2)])   // we never consumed p2
}

func TestEqual(t *testing.T) {
	a := Map{p(0): 1, p(1): 2}
	b := Map{p(1): 2, p(0): 1}
	require.True(t, a.Equal(b))

	b.Set(p(1), 3)
	require.False(t, a.Equal(b))
}

func TestCopyIsIndependent(t *testing.T) {
	a := Map{p(0): 1}
	b := a.Copy()
	b.Set(p(0), 99)
	off, _ := a.Get(p(0))
	require.Equal(t, int64(1), off)
}

func TestPartitionsOrdered(t *testing.T) {
	m := Map{
		{Topic: "b", Partition: 0}: 1,
		{Topic: "a", Partition: 2}: 1,
		{Topic: "a", Partition: 0}: 1,
	}
	parts := m.Partitions()
	require.Equal(t, []Partition{
		{Topic: "a", Partition: 0},
		{Topic: "a", Partition: 2},
		{Topic: "b", Partition: 0},
	}, parts)
}
