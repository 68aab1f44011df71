package clock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/concordant/c-sudoku/mvcrdt/common"
)

func TestReplicaClock_Tick(t *testing.T) {
	c := NewReplicaClock("a")
	assert.Equal(t, common.ReplicaID("a"), c.Replica())
	assert.Equal(t, uint64(0), c.Last())

	ts1 := c.Tick()
	ts2 := c.Tick()

	assert.Equal(t, common.LogicalTimestamp{RID: "a", Counter: 1}, ts1)
	assert.Equal(t, common.LogicalTimestamp{RID: "a", Counter: 2}, ts2)
	assert.Equal(t, uint64(2), c.Last())
}

func TestReplicaClock_Observe(t *testing.T) {
	c := NewReplicaClockFrom("a", 5)
	assert.Equal(t, uint64(5), c.Last())

	// Never moves backwards
	c.Observe(3)
	assert.Equal(t, uint64(5), c.Last())

	c.Observe(10)
	assert.Equal(t, common.LogicalTimestamp{RID: "a", Counter: 11}, c.Tick())
}

func TestReplicaClock_ConcurrentTicksAreUnique(t *testing.T) {
	c := NewReplicaClock("a")

	const workers = 8
	const perWorker = 200

	var mu sync.Mutex
	seen := make(map[uint64]struct{})

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				ts := c.Tick()
				mu.Lock()
				seen[ts.Counter] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, uint64(workers*perWorker), c.Last())
}
