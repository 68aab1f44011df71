package crdt

import (
	"cmp"
	"fmt"
	"iter"
	"slices"
	"sync"

	"github.com/concordant/c-sudoku/mvcrdt/clock"
	"github.com/concordant/c-sudoku/mvcrdt/common"
)

// KeyedRegisterState is the serializable state of one register of a map.
type KeyedRegisterState[K cmp.Ordered, T comparable] struct {
	Key     K                    `json:"key"`
	Entries []Entry[T]           `json:"entries"`
	Context common.VersionVector `json:"context"`
}

// MapState is the serializable state of a MultiValueMap.
type MapState[K cmp.Ordered, T comparable] struct {
	// Replica is the replica the state was taken from.
	Replica common.ReplicaID `json:"replica"`
	// Registers are the non-empty registers ordered by key.
	Registers []KeyedRegisterState[K, T] `json:"registers"`
}

// MultiValueMap maps keys to independent multi-value registers. All local
// writes of one replica draw their timestamps from the same clock.
// Keys are never removed.
type MultiValueMap[K cmp.Ordered, T comparable] struct {
	// clock issues the timestamps of local writes.
	clock *clock.ReplicaClock

	// registers holds one register per touched key.
	registers map[K]*MultiValueRegister[T]

	// mu protects the registers map. Each register has its own lock.
	mu sync.RWMutex
}

// NewMultiValueMap creates an empty map backed by the replica's clock.
func NewMultiValueMap[K cmp.Ordered, T comparable](c *clock.ReplicaClock) *MultiValueMap[K, T] {
	return &MultiValueMap[K, T]{
		clock:     c,
		registers: make(map[K]*MultiValueRegister[T]),
	}
}

// Replica returns the replica that owns the map.
func (m *MultiValueMap[K, T]) Replica() common.ReplicaID {
	return m.clock.Replica()
}

// Clock returns the clock that issues the map's local timestamps.
func (m *MultiValueMap[K, T]) Clock() *clock.ReplicaClock {
	return m.clock
}

// Open returns the register bound to key, creating an empty one if absent.
func (m *MultiValueMap[K, T]) Open(key K) *MultiValueRegister[T] {
	m.mu.RLock()
	reg, ok := m.registers[key]
	m.mu.RUnlock()
	if ok {
		return reg
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if reg, ok := m.registers[key]; ok {
		return reg
	}
	reg = NewMultiValueRegister[T]()
	m.registers[key] = reg
	return reg
}

// lookup returns the register bound to key without creating it.
func (m *MultiValueMap[K, T]) lookup(key K) (*MultiValueRegister[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reg, ok := m.registers[key]
	return reg, ok
}

// Set writes value at key with a fresh timestamp from the replica's clock and
// returns that timestamp.
func (m *MultiValueMap[K, T]) Set(key K, value T) (common.LogicalTimestamp, error) {
	ts := m.clock.Tick()
	if err := m.Open(key).Set(value, ts); err != nil {
		return common.NilTimestamp, fmt.Errorf("failed to set key %v: %w", key, err)
	}
	return ts, nil
}

// Get returns the concurrent values at key. Untouched keys have no values.
func (m *MultiValueMap[K, T]) Get(key K) []T {
	reg, ok := m.lookup(key)
	if !ok {
		return nil
	}
	return reg.Get()
}

// Entries returns the concurrent values at key with their timestamps.
func (m *MultiValueMap[K, T]) Entries(key K) []Entry[T] {
	reg, ok := m.lookup(key)
	if !ok {
		return nil
	}
	return reg.Entries()
}

// Keys returns every touched key in ascending order.
func (m *MultiValueMap[K, T]) Keys() []K {
	m.mu.RLock()
	keys := make([]K, 0, len(m.registers))
	for key := range m.registers {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	slices.Sort(keys)
	return keys
}

// All returns a lazy sequence of the keys holding at least one value, in
// ascending key order, with their values. Each register is read when its key
// is reached, and every new iteration starts from the map's current state.
func (m *MultiValueMap[K, T]) All() iter.Seq2[K, []T] {
	return func(yield func(K, []T) bool) {
		for _, key := range m.Keys() {
			values := m.Get(key)
			if len(values) == 0 {
				continue
			}
			if !yield(key, values) {
				return
			}
		}
	}
}

// Merge absorbs other key by key. Keys only present in other are copied.
// other is not modified.
func (m *MultiValueMap[K, T]) Merge(other *MultiValueMap[K, T]) {
	if other == nil || m == other {
		return
	}

	other.mu.RLock()
	remote := make(map[K]*MultiValueRegister[T], len(other.registers))
	for key, reg := range other.registers {
		remote[key] = reg
	}
	other.mu.RUnlock()

	for key, reg := range remote {
		m.Open(key).Merge(reg)
	}
}

// State returns a serializable copy of the map.
func (m *MultiValueMap[K, T]) State() MapState[K, T] {
	state := MapState[K, T]{
		Replica:   m.Replica(),
		Registers: make([]KeyedRegisterState[K, T], 0),
	}

	for _, key := range m.Keys() {
		reg, _ := m.lookup(key)
		rs := reg.State()
		if len(rs.Entries) == 0 && len(rs.Context) == 0 {
			continue
		}
		state.Registers = append(state.Registers, KeyedRegisterState[K, T]{
			Key:     key,
			Entries: rs.Entries,
			Context: rs.Context,
		})
	}
	return state
}

// MergeState absorbs a serialized map state. Every register state is
// validated before anything is merged, so a malformed state leaves m unchanged.
func (m *MultiValueMap[K, T]) MergeState(state MapState[K, T]) error {
	validated, err := validateMapState(state)
	if err != nil {
		return err
	}

	for _, rs := range validated {
		m.Open(rs.key).merge(rs.entries, rs.context)
	}
	return nil
}

// VersionVector returns the join of every register's version vector.
func (m *MultiValueMap[K, T]) VersionVector() common.VersionVector {
	vv := common.NewVersionVector()
	for _, key := range m.Keys() {
		reg, _ := m.lookup(key)
		vv.Merge(reg.Context())
	}
	return vv
}

type validatedRegister[K cmp.Ordered, T comparable] struct {
	key     K
	entries map[common.LogicalTimestamp]T
	context common.VersionVector
}

func validateMapState[K cmp.Ordered, T comparable](state MapState[K, T]) ([]validatedRegister[K, T], error) {
	seen := make(map[K]struct{}, len(state.Registers))
	validated := make([]validatedRegister[K, T], 0, len(state.Registers))

	for _, rs := range state.Registers {
		if _, dup := seen[rs.Key]; dup {
			return nil, common.ErrInvalidSnapshot{Message: fmt.Sprintf("duplicate key %v", rs.Key)}
		}
		seen[rs.Key] = struct{}{}

		entries, err := validateState(RegisterState[T]{Entries: rs.Entries, Context: rs.Context})
		if err != nil {
			return nil, fmt.Errorf("key %v: %w", rs.Key, err)
		}
		validated = append(validated, validatedRegister[K, T]{
			key:     rs.Key,
			entries: entries,
			context: rs.Context,
		})
	}
	return validated, nil
}
