package crdt

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concordant/c-sudoku/mvcrdt/clock"
	"github.com/concordant/c-sudoku/mvcrdt/common"
)

func newGrid(rid string) *MultiValueMap[int, string] {
	return NewMultiValueMap[int, string](clock.NewReplicaClock(common.ReplicaID(rid)))
}

func TestMap_EndToEndScenario(t *testing.T) {
	a := newGrid("A")
	b := newGrid("B")

	stamp, err := a.Set(5, "3")
	require.NoError(t, err)
	assert.Equal(t, ts("A", 1), stamp)

	stamp, err = b.Set(5, "7")
	require.NoError(t, err)
	assert.Equal(t, ts("B", 1), stamp)

	// Merging A into B keeps both concurrent values
	b.Merge(a)
	assert.Equal(t, []string{"3", "7"}, b.Get(5))

	// B's new write supersedes both values it has observed
	stamp, err = b.Set(5, "9")
	require.NoError(t, err)
	assert.Equal(t, ts("B", 2), stamp)
	assert.Equal(t, []string{"9"}, b.Get(5))

	// Merging B into A converges on B's write
	a.Merge(b)
	assert.Equal(t, []string{"9"}, a.Get(5))
}

func TestMap_SetSharesOneClock(t *testing.T) {
	m := newGrid("A")

	s1, err := m.Set(0, "1")
	require.NoError(t, err)
	s2, err := m.Set(80, "2")
	require.NoError(t, err)
	s3, err := m.Set(0, "3")
	require.NoError(t, err)

	assert.Equal(t, []uint64{1, 2, 3}, []uint64{s1.Counter, s2.Counter, s3.Counter})
	assert.Equal(t, uint64(3), m.Clock().Last())
	assert.Equal(t, common.ReplicaID("A"), m.Replica())
}

func TestMap_SetStaleClock(t *testing.T) {
	c := clock.NewReplicaClock("A")
	m := NewMultiValueMap[int, string](c)
	_, err := m.Set(1, "x")
	require.NoError(t, err)

	// A second map on a rewound clock for the same replica
	rewound := NewMultiValueMap[int, string](clock.NewReplicaClock("A"))
	rewound.Merge(m)

	_, err = rewound.Set(1, "y")
	var stale common.ErrStaleTimestamp
	assert.True(t, errors.As(err, &stale))
	assert.Equal(t, []string{"x"}, rewound.Get(1))
}

func TestMap_GetUntouchedKey(t *testing.T) {
	m := newGrid("A")

	assert.Nil(t, m.Get(3))
	assert.Nil(t, m.Entries(3))

	// Reading does not create registers
	assert.Empty(t, m.Keys())

	// Open does
	reg := m.Open(3)
	assert.Same(t, reg, m.Open(3))
	assert.Equal(t, []int{3}, m.Keys())
}

func TestMap_All(t *testing.T) {
	m := newGrid("A")
	_, _ = m.Set(40, "5")
	_, _ = m.Set(2, "1")
	_, _ = m.Set(17, "9")
	m.Open(60) // touched but empty

	var keys []int
	var values [][]string
	for key, vals := range m.All() {
		keys = append(keys, key)
		values = append(values, vals)
	}

	assert.Equal(t, []int{2, 17, 40}, keys)
	assert.Equal(t, [][]string{{"1"}, {"9"}, {"5"}}, values)
}

func TestMap_AllIsRestartable(t *testing.T) {
	m := newGrid("A")
	_, _ = m.Set(1, "1")

	seq := m.All()

	count := 0
	for range seq {
		count++
	}
	assert.Equal(t, 1, count)

	// A later iteration of the same sequence sees the current state
	_, _ = m.Set(2, "2")
	count = 0
	for range seq {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestMap_AllStopsEarly(t *testing.T) {
	m := newGrid("A")
	for i := 0; i < 10; i++ {
		_, _ = m.Set(i, "x")
	}

	var visited []int
	for key := range m.All() {
		visited = append(visited, key)
		if key == 2 {
			break
		}
	}
	assert.Equal(t, []int{0, 1, 2}, visited)
}

func TestMap_MergeCopiesMissingKeys(t *testing.T) {
	a := newGrid("A")
	b := newGrid("B")

	_, _ = a.Set(1, "1")
	_, _ = b.Set(2, "2")
	_, _ = b.Set(3, "3")

	a.Merge(b)
	assert.Equal(t, []int{1, 2, 3}, a.Keys())
	assert.Equal(t, []string{"2"}, a.Get(2))
	assert.Equal(t, []string{"3"}, a.Get(3))

	// b is untouched
	assert.Equal(t, []int{2, 3}, b.Keys())

	// Registers are not shared between maps
	_, _ = a.Set(2, "8")
	assert.Equal(t, []string{"2"}, b.Get(2))

	a.Merge(a)
	a.Merge(nil)
	assert.Equal(t, []string{"8"}, a.Get(2))
}

func TestMap_StateRoundTrip(t *testing.T) {
	a := newGrid("A")
	b := newGrid("B")
	_, _ = a.Set(5, "3")
	_, _ = b.Set(5, "7")
	_, _ = b.Set(6, "1")
	a.Merge(b)

	state := a.State()
	assert.Equal(t, common.ReplicaID("A"), state.Replica)
	require.Len(t, state.Registers, 2)
	assert.Equal(t, 5, state.Registers[0].Key)
	assert.Equal(t, 6, state.Registers[1].Key)

	data, err := json.Marshal(state)
	require.NoError(t, err)

	var decoded MapState[int, string]
	require.NoError(t, json.Unmarshal(data, &decoded))

	c := newGrid("C")
	require.NoError(t, c.MergeState(decoded))
	assert.Equal(t, []string{"3", "7"}, c.Get(5))
	assert.Equal(t, []string{"1"}, c.Get(6))
	assert.Equal(t, a.State().Registers, c.State().Registers)
}

func TestMap_MergeStateIsAllOrNothing(t *testing.T) {
	m := newGrid("A")
	_, _ = m.Set(1, "mine")
	before := m.State()

	state := MapState[int, string]{
		Replica: "B",
		Registers: []KeyedRegisterState[int, string]{
			{
				Key:     2,
				Entries: []Entry[string]{{Value: "ok", Timestamp: ts("B", 1)}},
				Context: common.VersionVector{"B": 1},
			},
			{
				Key:     3,
				Entries: []Entry[string]{{Value: "bad", Timestamp: ts("B", 9)}},
				Context: common.VersionVector{"B": 1},
			},
		},
	}

	err := m.MergeState(state)
	var invalid common.ErrInvalidSnapshot
	require.True(t, errors.As(err, &invalid), "got %v", err)
	assert.Equal(t, before, m.State())
	assert.Equal(t, []int{1}, m.Keys())
}

func TestMap_MergeStateRejectsDuplicateKeys(t *testing.T) {
	m := newGrid("A")

	rs := KeyedRegisterState[int, string]{
		Key:     2,
		Entries: []Entry[string]{{Value: "ok", Timestamp: ts("B", 1)}},
		Context: common.VersionVector{"B": 1},
	}
	err := m.MergeState(MapState[int, string]{Replica: "B", Registers: []KeyedRegisterState[int, string]{rs, rs}})

	var invalid common.ErrInvalidSnapshot
	assert.True(t, errors.As(err, &invalid))
	assert.Empty(t, m.Keys())
}

func TestMap_VersionVector(t *testing.T) {
	a := newGrid("A")
	b := newGrid("B")
	_, _ = a.Set(1, "1")
	_, _ = a.Set(2, "2")
	_, _ = b.Set(1, "3")
	a.Merge(b)

	assert.Equal(t, common.VersionVector{"A": 2, "B": 1}, a.VersionVector())
	assert.True(t, a.VersionVector().HasUpdates(b.VersionVector()))
	assert.False(t, b.VersionVector().HasUpdates(a.VersionVector()))
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "", Join(nil, " "))
	assert.Equal(t, "3", Join([]string{"3"}, " "))
	assert.Equal(t, "3 7", Join([]string{"3", "", "7", "3"}, " "))
	assert.Equal(t, "", Join([]string{"", ""}, ","))
}
