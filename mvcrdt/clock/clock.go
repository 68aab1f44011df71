// Package clock issues the logical timestamps of one replica.
package clock

import (
	"sync"

	"github.com/concordant/c-sudoku/mvcrdt/common"
)

// ReplicaClock produces strictly increasing timestamps for a single replica.
// It is safe for concurrent use.
type ReplicaClock struct {
	rid  common.ReplicaID
	last uint64
	mu   sync.Mutex
}

// NewReplicaClock creates a clock for rid that has not issued anything yet.
func NewReplicaClock(rid common.ReplicaID) *ReplicaClock {
	return &ReplicaClock{rid: rid}
}

// NewReplicaClockFrom creates a clock for rid that resumes after last.
func NewReplicaClockFrom(rid common.ReplicaID, last uint64) *ReplicaClock {
	return &ReplicaClock{rid: rid, last: last}
}

// Replica returns the replica the clock issues timestamps for.
func (c *ReplicaClock) Replica() common.ReplicaID {
	return c.rid
}

// Tick returns a timestamp whose counter is one greater than the previous one.
func (c *ReplicaClock) Tick() common.LogicalTimestamp {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.last++
	return common.LogicalTimestamp{RID: c.rid, Counter: c.last}
}

// Last returns the counter of the most recently issued timestamp, or 0.
func (c *ReplicaClock) Last() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.last
}

// Observe advances the clock to at least counter. It never moves backwards.
func (c *ReplicaClock) Observe(counter uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter > c.last {
		c.last = counter
	}
}
