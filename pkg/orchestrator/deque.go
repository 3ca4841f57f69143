package orchestrator

import (
	"sync"

	"github.com/noodlesploder/conductor/pkg/types"
)

// taskDeque is a worker-local queue segmented into one FIFO bucket per
// priority class. The owner pushes at the bottom of a class bucket and pops
// the oldest task of the most urgent non-empty class; thieves steal from
// the top, which by the same ordering is also the oldest, most urgent task.
// A failed steal returns nil without observable mutation of the victim.
//
// A plain mutex guards the buckets: local pops vastly outnumber steals, so
// the critical sections stay short and uncontended in the common case.
type taskDeque struct {
	mu      sync.Mutex
	buckets [types.NumPriorities][]*types.Task
	size    int
}

func newTaskDeque() *taskDeque {
	return &taskDeque{}
}

// PushBottom inserts a task at the owner end of its priority bucket
func (d *taskDeque) PushBottom(task *types.Task) {
	d.mu.Lock()
	d.buckets[task.Priority] = append(d.buckets[task.Priority], task)
	d.size++
	d.mu.Unlock()
}

// Pop removes the next task the owner should run: the oldest entry of the
// most urgent non-empty bucket. Returns nil when the deque is empty.
func (d *taskDeque) Pop() *types.Task {
	return d.take()
}

// Steal removes a task on behalf of another worker. Thieves observe the
// same priority-then-FIFO order as the owner, so a steal always takes the
// task the victim would have run next.
func (d *taskDeque) Steal() *types.Task {
	return d.take()
}

func (d *taskDeque) take() *types.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := 0; p < types.NumPriorities; p++ {
		bucket := d.buckets[p]
		if len(bucket) == 0 {
			continue
		}
		task := bucket[0]
		d.buckets[p] = bucket[1:]
		d.size--
		return task
	}
	return nil
}

// Len returns the number of queued tasks
func (d *taskDeque) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

// Drain removes and returns every queued task, most urgent first
func (d *taskDeque) Drain() []*types.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.Task, 0, d.size)
	for p := 0; p < types.NumPriorities; p++ {
		out = append(out, d.buckets[p]...)
		d.buckets[p] = nil
	}
	d.size = 0
	return out
}
