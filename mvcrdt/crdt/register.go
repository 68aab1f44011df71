package crdt

import (
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/concordant/c-sudoku/mvcrdt/common"
)

// Entry is one value held by a register together with the write that produced it.
type Entry[T comparable] struct {
	Value     T                       `json:"value"`
	Timestamp common.LogicalTimestamp `json:"ts"`
}

// RegisterState is the serializable state of a MultiValueRegister.
type RegisterState[T comparable] struct {
	// Entries are the concurrent values, ordered by timestamp.
	Entries []Entry[T] `json:"entries"`
	// Context is the highest counter observed per replica.
	Context common.VersionVector `json:"context"`
}

// MultiValueRegister is a state-based multi-value register.
//
// It holds every value whose write has not been observed by another write.
// A local Set supersedes everything currently held; Merge keeps the values
// of both sides except those the other side has already seen and superseded.
type MultiValueRegister[T comparable] struct {
	// entries maps the timestamp of each surviving write to its value.
	entries map[common.LogicalTimestamp]T

	// context is the highest counter observed per replica. It covers every
	// key of entries and every write superseded by them.
	context common.VersionVector

	// mu makes Set and Merge atomic for readers.
	mu sync.RWMutex
}

// NewMultiValueRegister creates an empty register.
func NewMultiValueRegister[T comparable]() *MultiValueRegister[T] {
	return &MultiValueRegister[T]{
		entries: make(map[common.LogicalTimestamp]T),
		context: common.NewVersionVector(),
	}
}

// Set records a local write of value at ts. Every value currently held is
// superseded. ts must be fresher than any write of the same replica already
// observed by the register; otherwise ErrStaleTimestamp is returned and the
// register is left unchanged.
func (r *MultiValueRegister[T]) Set(value T, ts common.LogicalTimestamp) error {
	if !ts.Valid() {
		return common.ErrInvalidTimestamp{Message: ts.String()}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if observed := r.context.Get(ts.RID); ts.Counter <= observed {
		return common.ErrStaleTimestamp{Timestamp: ts, Observed: observed}
	}

	r.entries = map[common.LogicalTimestamp]T{ts: value}
	r.context.Observe(ts)
	return nil
}

// Get returns the concurrent values ordered by timestamp. Equal values written
// by different writes are all returned.
func (r *MultiValueRegister[T]) Get() []T {
	entries := r.Entries()
	if len(entries) == 0 {
		return nil
	}

	values := make([]T, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return values
}

// Entries returns the concurrent values with their timestamps, ordered by timestamp.
func (r *MultiValueRegister[T]) Entries() []Entry[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return sortedEntries(r.entries)
}

// Len returns the number of concurrent values.
func (r *MultiValueRegister[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Context returns a copy of the register's version vector.
func (r *MultiValueRegister[T]) Context() common.VersionVector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.context.Copy()
}

// Dots returns the timestamps of the concurrent values.
func (r *MultiValueRegister[T]) Dots() mapset.Set[common.LogicalTimestamp] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return dotsOf(r.entries)
}

// State returns a serializable copy of the register.
func (r *MultiValueRegister[T]) State() RegisterState[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RegisterState[T]{
		Entries: sortedEntries(r.entries),
		Context: r.context.Copy(),
	}
}

// Clone returns an independent copy of the register.
func (r *MultiValueRegister[T]) Clone() *MultiValueRegister[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clone := NewMultiValueRegister[T]()
	for ts, v := range r.entries {
		clone.entries[ts] = v
	}
	clone.context = r.context.Copy()
	return clone
}

// Merge absorbs the state of other into r. other is not modified.
// Merge is commutative, associative and idempotent.
func (r *MultiValueRegister[T]) Merge(other *MultiValueRegister[T]) {
	if other == nil || r == other {
		return
	}

	other.mu.RLock()
	entries := make(map[common.LogicalTimestamp]T, len(other.entries))
	for ts, v := range other.entries {
		entries[ts] = v
	}
	context := other.context.Copy()
	other.mu.RUnlock()

	r.merge(entries, context)
}

// MergeState absorbs a serialized register state. The state is validated
// first; a malformed state is rejected with ErrInvalidSnapshot and r is left
// unchanged.
func (r *MultiValueRegister[T]) MergeState(state RegisterState[T]) error {
	entries, err := validateState(state)
	if err != nil {
		return err
	}

	r.merge(entries, state.Context)
	return nil
}

// merge keeps an entry of either side unless the opposite side has observed
// its write without keeping it, which means the write was superseded there.
func (r *MultiValueRegister[T]) merge(entries map[common.LogicalTimestamp]T, context common.VersionVector) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mine := dotsOf(r.entries)
	theirs := dotsOf(entries)

	keep := mine.Intersect(theirs)
	for _, ts := range mine.Difference(theirs).ToSlice() {
		if !context.Covers(ts) {
			keep.Add(ts)
		}
	}
	for _, ts := range theirs.Difference(mine).ToSlice() {
		if !r.context.Covers(ts) {
			keep.Add(ts)
		}
	}

	merged := make(map[common.LogicalTimestamp]T, keep.Cardinality())
	for _, ts := range keep.ToSlice() {
		if v, ok := r.entries[ts]; ok {
			merged[ts] = v
		} else {
			merged[ts] = entries[ts]
		}
	}

	r.entries = merged
	r.context.Merge(context)
}

// validateState checks that a state could have been produced by a register.
func validateState[T comparable](state RegisterState[T]) (map[common.LogicalTimestamp]T, error) {
	for rid := range state.Context {
		if rid.IsNil() {
			return nil, common.ErrInvalidSnapshot{Message: "context contains an empty replica id"}
		}
	}

	entries := make(map[common.LogicalTimestamp]T, len(state.Entries))
	for _, e := range state.Entries {
		if !e.Timestamp.Valid() {
			return nil, common.ErrInvalidSnapshot{Message: "invalid entry timestamp " + e.Timestamp.String()}
		}
		if _, dup := entries[e.Timestamp]; dup {
			return nil, common.ErrInvalidSnapshot{Message: "duplicate entry timestamp " + e.Timestamp.String()}
		}
		if !state.Context.Covers(e.Timestamp) {
			return nil, common.ErrInvalidSnapshot{Message: "entry " + e.Timestamp.String() + " not covered by context"}
		}
		entries[e.Timestamp] = e.Value
	}
	return entries, nil
}

func dotsOf[T comparable](entries map[common.LogicalTimestamp]T) mapset.Set[common.LogicalTimestamp] {
	dots := mapset.NewThreadUnsafeSet[common.LogicalTimestamp]()
	for ts := range entries {
		dots.Add(ts)
	}
	return dots
}

func sortedEntries[T comparable](entries map[common.LogicalTimestamp]T) []Entry[T] {
	result := make([]Entry[T], 0, len(entries))
	for ts, v := range entries {
		result = append(result, Entry[T]{Value: v, Timestamp: ts})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Timestamp.Compare(result[j].Timestamp) < 0
	})
	return result
}
