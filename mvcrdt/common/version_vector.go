package common

import (
	"sort"
	"strings"
)

// VersionVector tracks the highest counter observed per replica.
// It is not synchronized; owners guard it with their own lock.
type VersionVector map[ReplicaID]uint64

// NewVersionVector creates an empty version vector.
func NewVersionVector() VersionVector {
	return make(VersionVector)
}

// Get returns the highest observed counter for the replica, or 0.
func (vv VersionVector) Get(rid ReplicaID) uint64 {
	return vv[rid]
}

// Observe records ts. Lower counters than the current one are ignored.
func (vv VersionVector) Observe(ts LogicalTimestamp) {
	if current, ok := vv[ts.RID]; !ok || ts.Counter > current {
		vv[ts.RID] = ts.Counter
	}
}

// Covers reports whether the write ts has been observed.
func (vv VersionVector) Covers(ts LogicalTimestamp) bool {
	return ts.Counter <= vv[ts.RID]
}

// Merge takes the per-replica maximum of vv and other into vv.
func (vv VersionVector) Merge(other VersionVector) {
	for rid, counter := range other {
		if current, ok := vv[rid]; !ok || counter > current {
			vv[rid] = counter
		}
	}
}

// Copy returns a copy of the vector.
func (vv VersionVector) Copy() VersionVector {
	result := make(VersionVector, len(vv))
	for rid, counter := range vv {
		result[rid] = counter
	}
	return result
}

// HasUpdates reports whether vv observed a write that other did not.
func (vv VersionVector) HasUpdates(other VersionVector) bool {
	for rid, counter := range vv {
		if counter > other[rid] {
			return true
		}
	}
	return false
}

// Compare determines whether other is Equal, Ancestor, Descendant, or
// Concurrent with respect to vv. Missing entries count as 0.
func (vv VersionVector) Compare(other VersionVector) Condition {
	ahead := vv.HasUpdates(other)
	behind := other.HasUpdates(vv)

	switch {
	case ahead && behind:
		return Concurrent
	case ahead:
		return Ancestor
	case behind:
		return Descendant
	default:
		return Equal
	}
}

// Replicas returns the replica ids in the vector in ascending order.
func (vv VersionVector) Replicas() []ReplicaID {
	ids := make([]ReplicaID, 0, len(vv))
	for rid := range vv {
		ids = append(ids, rid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// String returns a deterministic string encoding of the vector.
func (vv VersionVector) String() string {
	var b strings.Builder
	b.WriteString("{")
	for i, rid := range vv.Replicas() {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(LogicalTimestamp{RID: rid, Counter: vv[rid]}.String())
	}
	b.WriteString("}")
	return b.String()
}
