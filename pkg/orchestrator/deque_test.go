package orchestrator

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noodlesploder/conductor/pkg/types"
)

func computeTask(name string, priority types.Priority) *types.Task {
	return types.NewTask(priority, types.ComputePayload{TaskName: name})
}

func TestDequeEmpty(t *testing.T) {
	d := newTaskDeque()
	assert.Nil(t, d.Pop())
	assert.Nil(t, d.Steal())
	assert.Zero(t, d.Len())
}

func TestDequeFIFOWithinClass(t *testing.T) {
	d := newTaskDeque()
	a := computeTask("a", types.PriorityNormal)
	b := computeTask("b", types.PriorityNormal)
	c := computeTask("c", types.PriorityNormal)
	d.PushBottom(a)
	d.PushBottom(b)
	d.PushBottom(c)

	assert.Same(t, a, d.Pop())
	assert.Same(t, b, d.Pop())
	assert.Same(t, c, d.Pop())
	assert.Nil(t, d.Pop())
}

func TestDequePriorityBeforeFIFO(t *testing.T) {
	d := newTaskDeque()
	l1 := computeTask("L1", types.PriorityLow)
	l2 := computeTask("L2", types.PriorityLow)
	c1 := computeTask("C1", types.PriorityCritical)
	d.PushBottom(l1)
	d.PushBottom(l2)
	d.PushBottom(c1)

	// Critical jumps ahead of earlier low-priority tasks
	assert.Same(t, c1, d.Pop())
	assert.Same(t, l1, d.Pop())
	assert.Same(t, l2, d.Pop())
}

func TestDequeStealTakesMostUrgent(t *testing.T) {
	d := newTaskDeque()
	low := computeTask("low", types.PriorityLow)
	high := computeTask("high", types.PriorityHigh)
	d.PushBottom(low)
	d.PushBottom(high)

	assert.Same(t, high, d.Steal())
	assert.Same(t, low, d.Steal())
	assert.Nil(t, d.Steal())
}

func TestDequeDrain(t *testing.T) {
	d := newTaskDeque()
	d.PushBottom(computeTask("n", types.PriorityNormal))
	d.PushBottom(computeTask("c", types.PriorityCritical))
	d.PushBottom(computeTask("d", types.PriorityDream))

	out := d.Drain()
	require.Len(t, out, 3)
	assert.Equal(t, "c", out[0].Payload.Name())
	assert.Equal(t, "n", out[1].Payload.Name())
	assert.Equal(t, "d", out[2].Payload.Name())
	assert.Zero(t, d.Len())
}

// TestDequeConcurrentStealUnique hammers one deque with concurrent
// thieves and checks every task is taken exactly once.
func TestDequeConcurrentStealUnique(t *testing.T) {
	d := newTaskDeque()
	const n = 1000
	for i := 0; i < n; i++ {
		d.PushBottom(computeTask(fmt.Sprintf("t%d", i), types.PriorityNormal))
	}

	var mu sync.Mutex
	seen := make(map[types.TaskID]int)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task := d.Steal()
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "task %s taken more than once", id)
	}
}
