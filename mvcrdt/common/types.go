package common

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ReplicaID identifies the writer of a timestamp. It is opaque to the CRDT
// core and must stay stable for the lifetime of a replica.
type ReplicaID string

// NilReplicaID is the zero value for ReplicaID. It never issues writes.
var NilReplicaID ReplicaID

// NewReplicaID creates a new ReplicaID from a UUID v7.
// It panics if the UUID cannot be created.
func NewReplicaID() ReplicaID {
	const retry = 3

	var lastErr error
	var id uuid.UUID
	for i := 0; i < retry; i++ {
		id, lastErr = uuid.NewV7()
		if lastErr == nil {
			break
		}
	}

	if lastErr != nil {
		panic(lastErr)
	}

	return ReplicaID(id.String())
}

// String returns the string representation of the ReplicaID.
func (r ReplicaID) String() string {
	return string(r)
}

// IsNil reports whether r is the zero replica id.
func (r ReplicaID) IsNil() bool {
	return r == NilReplicaID
}

// LogicalTimestamp identifies one write. It consists of the writing replica
// and a counter that strictly increases on every write issued by that replica.
//
// Timestamps of different replicas carry no order by themselves; only the
// version vector of a register says whether one write observed another.
type LogicalTimestamp struct {
	RID     ReplicaID `json:"rid"`
	Counter uint64    `json:"cnt"`
}

// NilTimestamp is the zero value for LogicalTimestamp. It is never issued.
var NilTimestamp LogicalTimestamp

// Valid reports whether the timestamp could have been issued by a clock.
func (t LogicalTimestamp) Valid() bool {
	return !t.RID.IsNil() && t.Counter > 0
}

// Compare gives timestamps a deterministic total order for presentation.
// It is not a causal order.
// Returns:
//
//	-1 if t < other
//	 0 if t == other
//	 1 if t > other
func (t LogicalTimestamp) Compare(other LogicalTimestamp) int {
	if c := strings.Compare(string(t.RID), string(other.RID)); c != 0 {
		return c
	}

	if t.Counter < other.Counter {
		return -1
	}
	if t.Counter > other.Counter {
		return 1
	}
	return 0
}

// Next returns the next logical timestamp of the same replica.
func (t LogicalTimestamp) Next() LogicalTimestamp {
	return LogicalTimestamp{
		RID:     t.RID,
		Counter: t.Counter + 1,
	}
}

// String returns a string representation of the logical timestamp.
func (t LogicalTimestamp) String() string {
	return fmt.Sprintf("(%s,%d)", t.RID, t.Counter)
}

// UnmarshalJSON implements the json.Unmarshaler interface.
// Both fields are required.
func (t *LogicalTimestamp) UnmarshalJSON(data []byte) error {
	var obj struct {
		RID     *ReplicaID `json:"rid"`
		Counter *uint64    `json:"cnt"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return ErrInvalidTimestamp{Message: err.Error()}
	}

	if obj.RID == nil {
		return ErrInvalidTimestamp{Message: "missing rid field"}
	}
	if obj.Counter == nil {
		return ErrInvalidTimestamp{Message: "missing cnt field"}
	}

	t.RID = *obj.RID
	t.Counter = *obj.Counter
	return nil
}

// Condition is the result of comparing two version vectors.
type Condition int

const (
	// Equal means both vectors observed exactly the same writes.
	Equal Condition = 1 << iota
	// Ancestor means the other vector observed everything this one did, and more.
	Ancestor
	// Descendant means this vector observed everything the other did, and more.
	Descendant
	// Concurrent means each vector observed a write the other did not.
	Concurrent
)

// String returns the name of the condition.
func (c Condition) String() string {
	switch c {
	case Equal:
		return "equal"
	case Ancestor:
		return "ancestor"
	case Descendant:
		return "descendant"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("condition(%d)", int(c))
	}
}
