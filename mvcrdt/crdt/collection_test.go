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

func newSudoku(rid string) *Collection[int, string] {
	return NewCollection[int, string]("sudoku", clock.NewReplicaClock(common.ReplicaID(rid)))
}

func TestCollection_OpenAndLookup(t *testing.T) {
	c := newSudoku("A")
	assert.Equal(t, "sudoku", c.Name())
	assert.Equal(t, common.ReplicaID("A"), c.Replica())

	_, ok := c.Lookup("grid1")
	assert.False(t, ok)
	assert.Empty(t, c.Names())

	grid := c.Open("grid1")
	assert.Same(t, grid, c.Open("grid1"))

	found, ok := c.Lookup("grid1")
	require.True(t, ok)
	assert.Same(t, grid, found)

	c.Open("grid0")
	assert.Equal(t, []string{"grid0", "grid1"}, c.Names())
}

func TestCollection_MapsShareClock(t *testing.T) {
	c := newSudoku("A")

	s1, err := c.Open("grid1").Set(0, "4")
	require.NoError(t, err)
	s2, err := c.Open("grid2").Set(0, "5")
	require.NoError(t, err)

	assert.Equal(t, uint64(1), s1.Counter)
	assert.Equal(t, uint64(2), s2.Counter)
	assert.Same(t, c.Clock(), c.Open("grid2").Clock())
}

func TestCollection_Merge(t *testing.T) {
	a := newSudoku("A")
	b := newSudoku("B")

	_, _ = a.Open("grid1").Set(5, "3")
	_, _ = b.Open("grid1").Set(5, "7")
	_, _ = b.Open("grid2").Set(0, "1")

	a.Merge(b)
	assert.Equal(t, []string{"grid1", "grid2"}, a.Names())
	assert.Equal(t, []string{"3", "7"}, a.Open("grid1").Get(5))
	assert.Equal(t, []string{"1"}, a.Open("grid2").Get(0))
	assert.Equal(t, common.VersionVector{"A": 1, "B": 2}, a.VersionVector())

	// No-ops
	a.Merge(a)
	a.Merge(nil)
	assert.Equal(t, []string{"3", "7"}, a.Open("grid1").Get(5))
}

func TestCollection_StateRoundTrip(t *testing.T) {
	a := newSudoku("A")
	_, _ = a.Open("grid1").Set(5, "3")
	_, _ = a.Open("grid2").Set(80, "9")

	data, err := json.Marshal(a.State())
	require.NoError(t, err)

	var state CollectionState[int, string]
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, "sudoku", state.Name)
	assert.Equal(t, common.ReplicaID("A"), state.Replica)
	require.Len(t, state.Maps, 2)
	assert.Equal(t, "grid1", state.Maps[0].Name)

	b := newSudoku("B")
	require.NoError(t, b.MergeState(state))
	assert.Equal(t, []string{"3"}, b.Open("grid1").Get(5))
	assert.Equal(t, []string{"9"}, b.Open("grid2").Get(80))
	assert.Equal(t, a.State().Maps, b.State().Maps)
	assert.Equal(t, a.VersionVector(), state.VersionVector())
}

func TestCollection_MergeStateRejectsForeignCollection(t *testing.T) {
	b := newSudoku("B")
	other := NewCollection[int, string]("chess", clock.NewReplicaClock("A"))
	_, _ = other.Open("board").Set(1, "K")

	err := b.MergeState(other.State())
	var invalid common.ErrInvalidSnapshot
	assert.True(t, errors.As(err, &invalid))
	assert.Empty(t, b.Names())
}

func TestCollection_MergeStateIsAllOrNothing(t *testing.T) {
	c := newSudoku("A")
	_, _ = c.Open("grid1").Set(1, "1")
	before := c.State()

	good := NamedMapState[int, string]{
		Name: "grid2",
		Registers: []KeyedRegisterState[int, string]{{
			Key:     0,
			Entries: []Entry[string]{{Value: "5", Timestamp: ts("B", 1)}},
			Context: common.VersionVector{"B": 1},
		}},
	}
	bad := NamedMapState[int, string]{
		Name: "grid3",
		Registers: []KeyedRegisterState[int, string]{{
			Key:     0,
			Entries: []Entry[string]{{Value: "6", Timestamp: ts("B", 2)}},
			Context: common.VersionVector{"B": 1},
		}},
	}

	tests := []struct {
		name string
		maps []NamedMapState[int, string]
	}{
		{name: "malformed register", maps: []NamedMapState[int, string]{good, bad}},
		{name: "duplicate map", maps: []NamedMapState[int, string]{good, good}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.MergeState(CollectionState[int, string]{Name: "sudoku", Replica: "B", Maps: tt.maps})

			var invalid common.ErrInvalidSnapshot
			assert.True(t, errors.As(err, &invalid), "got %v", err)
			assert.Equal(t, before, c.State())
		})
	}
}
