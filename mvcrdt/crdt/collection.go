package crdt

import (
	"cmp"
	"fmt"
	"sort"
	"sync"

	"github.com/concordant/c-sudoku/mvcrdt/clock"
	"github.com/concordant/c-sudoku/mvcrdt/common"
)

// NamedMapState is the serializable state of one map of a collection.
type NamedMapState[K cmp.Ordered, T comparable] struct {
	Name      string                     `json:"name"`
	Registers []KeyedRegisterState[K, T] `json:"registers"`
}

// CollectionState is the serializable state of a Collection.
type CollectionState[K cmp.Ordered, T comparable] struct {
	// Name is the name of the collection.
	Name string `json:"name"`
	// Replica is the replica the state was taken from.
	Replica common.ReplicaID `json:"replica"`
	// Maps are the maps of the collection ordered by name.
	Maps []NamedMapState[K, T] `json:"maps"`
}

// VersionVector returns the join of every register context in the state.
func (s CollectionState[K, T]) VersionVector() common.VersionVector {
	vv := common.NewVersionVector()
	for _, ms := range s.Maps {
		for _, rs := range ms.Registers {
			vv.Merge(rs.Context)
		}
	}
	return vv
}

// Collection groups named maps of one replica, e.g. one map per puzzle grid.
// All maps share the replica's clock.
type Collection[K cmp.Ordered, T comparable] struct {
	name  string
	clock *clock.ReplicaClock
	maps  map[string]*MultiValueMap[K, T]
	mu    sync.RWMutex
}

// NewCollection creates an empty collection.
func NewCollection[K cmp.Ordered, T comparable](name string, c *clock.ReplicaClock) *Collection[K, T] {
	return &Collection[K, T]{
		name:  name,
		clock: c,
		maps:  make(map[string]*MultiValueMap[K, T]),
	}
}

// Name returns the name of the collection.
func (c *Collection[K, T]) Name() string {
	return c.name
}

// Replica returns the replica that owns the collection.
func (c *Collection[K, T]) Replica() common.ReplicaID {
	return c.clock.Replica()
}

// Clock returns the replica's clock.
func (c *Collection[K, T]) Clock() *clock.ReplicaClock {
	return c.clock
}

// Open returns the map with the given name, creating it on first use.
func (c *Collection[K, T]) Open(name string) *MultiValueMap[K, T] {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.maps[name]
	if !ok {
		m = NewMultiValueMap[K, T](c.clock)
		c.maps[name] = m
	}
	return m
}

// Lookup returns the map with the given name if it has been opened.
func (c *Collection[K, T]) Lookup(name string) (*MultiValueMap[K, T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.maps[name]
	return m, ok
}

// Names returns the names of the opened maps in ascending order.
func (c *Collection[K, T]) Names() []string {
	c.mu.RLock()
	names := make([]string, 0, len(c.maps))
	for name := range c.maps {
		names = append(names, name)
	}
	c.mu.RUnlock()

	sort.Strings(names)
	return names
}

// State returns a serializable copy of every map of the collection.
func (c *Collection[K, T]) State() CollectionState[K, T] {
	state := CollectionState[K, T]{
		Name:    c.name,
		Replica: c.Replica(),
		Maps:    make([]NamedMapState[K, T], 0),
	}

	for _, name := range c.Names() {
		m, _ := c.Lookup(name)
		state.Maps = append(state.Maps, NamedMapState[K, T]{
			Name:      name,
			Registers: m.State().Registers,
		})
	}
	return state
}

// MergeState absorbs a serialized collection state. Maps missing locally are
// opened. The whole state is validated first; a malformed state is rejected
// and the collection is left unchanged.
func (c *Collection[K, T]) MergeState(state CollectionState[K, T]) error {
	if state.Name != c.name {
		return common.ErrInvalidSnapshot{Message: fmt.Sprintf("state of collection %q merged into %q", state.Name, c.name)}
	}

	seen := make(map[string]struct{}, len(state.Maps))
	validated := make(map[string][]validatedRegister[K, T], len(state.Maps))
	for _, ms := range state.Maps {
		if _, dup := seen[ms.Name]; dup {
			return common.ErrInvalidSnapshot{Message: fmt.Sprintf("duplicate map %q", ms.Name)}
		}
		seen[ms.Name] = struct{}{}

		regs, err := validateMapState(MapState[K, T]{Replica: state.Replica, Registers: ms.Registers})
		if err != nil {
			return fmt.Errorf("map %q: %w", ms.Name, err)
		}
		validated[ms.Name] = regs
	}

	for name, regs := range validated {
		m := c.Open(name)
		for _, rs := range regs {
			m.Open(rs.key).merge(rs.entries, rs.context)
		}
	}
	return nil
}

// Merge absorbs every map of other. other is not modified.
func (c *Collection[K, T]) Merge(other *Collection[K, T]) {
	if other == nil || c == other {
		return
	}

	for _, name := range other.Names() {
		m, _ := other.Lookup(name)
		c.Open(name).Merge(m)
	}
}

// VersionVector returns the join of the version vectors of every map.
func (c *Collection[K, T]) VersionVector() common.VersionVector {
	vv := common.NewVersionVector()
	for _, name := range c.Names() {
		m, _ := c.Lookup(name)
		vv.Merge(m.VersionVector())
	}
	return vv
}
