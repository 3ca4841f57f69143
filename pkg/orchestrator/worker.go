package orchestrator

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/noodlesploder/conductor/pkg/types"
)

// parkInterval bounds how long an idle worker sleeps before retrying its
// deque and the steal round. Workers never block indefinitely.
const parkInterval = time.Millisecond

// loadWindow is the wall-clock span over which a worker's load factor is
// recomputed
const loadWindow = 100 * time.Millisecond

// Worker is a long-lived executor owning a local deque. Other workers
// interact with it only through the deque's Steal interface.
type Worker struct {
	id   types.WorkerID
	kind types.WorkerKind
	orch *Orchestrator

	deque *taskDeque

	currentTask    atomic.Pointer[types.TaskID]
	tasksCompleted atomic.Uint64
	totalWorkNanos atomic.Int64
	loadBits       atomic.Uint64 // float64 bits of the load factor

	// owner-only bookkeeping for the load window
	windowStart time.Time
	busyNanos   int64

	// victim is the rotating index for steal attempts, owner-only
	victim int
}

func newWorker(id types.WorkerID, kind types.WorkerKind, orch *Orchestrator) *Worker {
	return &Worker{
		id:          id,
		kind:        kind,
		orch:        orch,
		deque:       newTaskDeque(),
		windowStart: time.Now(),
		victim:      int(id) + 1,
	}
}

// ID returns the worker's stable identifier
func (w *Worker) ID() types.WorkerID { return w.id }

// Kind returns the worker's capability class
func (w *Worker) Kind() types.WorkerKind { return w.kind }

// Status returns a snapshot of the worker. Load factor may be stale by up
// to one load window.
func (w *Worker) Status() types.WorkerStatus {
	return types.WorkerStatus{
		ID:             w.id,
		Kind:           w.kind,
		CurrentTask:    w.currentTask.Load(),
		QueueLen:       w.deque.Len(),
		TasksCompleted: w.tasksCompleted.Load(),
		TotalWorkTime:  time.Duration(w.totalWorkNanos.Load()),
		LoadFactor:     w.loadFactor(),
	}
}

func (w *Worker) loadFactor() float64 {
	return math.Float64frombits(w.loadBits.Load())
}

// run is the worker loop: pop local, steal on empty, park briefly when
// there is nothing to take, exit once draining and everything is empty.
// A panic escaping a task body is contained in execute; a panic escaping
// the loop itself is reported to the orchestrator as a lost worker.
func (w *Worker) run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.orch.workerLost(w, r)
			return
		}
		w.orch.workerDone(w)
	}()

	executed := 0
	for {
		tunables := w.orch.Tunables()

		task := w.deque.Pop()
		if task == nil {
			task = w.stealRound(tunables.StealAttempts)
		}

		if task != nil {
			w.execute(ctx, task, tunables.MaxDispatches)
			executed++
			// Bounded dispatch: yield after the per-cycle budget so one
			// worker cannot monopolize the scheduler between tunable reads.
			if executed >= tunables.IterationBudget {
				executed = 0
				runtime.Gosched()
			}
			continue
		}

		executed = 0
		w.updateLoad(0)

		if w.orch.draining() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(parkInterval):
		}
	}
}

// stealRound tries up to attempts victims by rotating index. A failed round
// returns nil.
func (w *Worker) stealRound(attempts int) *types.Task {
	peers := w.orch.workerList()
	if len(peers) < 2 {
		return nil
	}
	for i := 0; i < attempts; i++ {
		victim := peers[w.victim%len(peers)]
		w.victim++
		if victim.id == w.id {
			continue
		}
		if task := victim.deque.Steal(); task != nil {
			w.orch.stats.stolenTasks.Add(1)
			log.Debug().
				Int("thief", int(w.id)).
				Int("victim", int(victim.id)).
				Str("task", task.Payload.Name()).
				Msg("Stole task")
			return task
		}
	}
	return nil
}

// execute runs one task through its full lifecycle. Panics in the body are
// converted to task failures; the worker survives.
func (w *Worker) execute(ctx context.Context, task *types.Task, maxDispatches int) {
	// Honor the global in-flight bound without giving the task back.
	for w.orch.activeDispatches.Load() >= int64(maxDispatches) {
		runtime.Gosched()
	}
	w.orch.activeDispatches.Add(1)
	defer w.orch.activeDispatches.Add(-1)

	if !w.orch.markRunning(task, w.id) {
		// Cancelled while queued; nothing to run.
		return
	}
	w.currentTask.Store(&task.ID)

	started := time.Now()
	err := w.runBody(ctx, task)
	duration := time.Since(started)
	if err != nil {
		name := "task"
		if task.Payload != nil {
			name = task.Payload.Name()
		}
		err = &types.ExecutionError{Task: task.ID, Name: name, Err: err}
	}

	w.currentTask.Store(nil)
	w.tasksCompleted.Add(1)
	w.totalWorkNanos.Add(int64(duration))
	w.updateLoad(duration)

	w.orch.finishTask(task, duration, err)
}

func (w *Worker) runBody(ctx context.Context, task *types.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if task.Execute == nil {
		return nil
	}
	return task.Execute(ctx)
}

// updateLoad folds busy time into the load factor once per window
func (w *Worker) updateLoad(busy time.Duration) {
	w.busyNanos += int64(busy)
	elapsed := time.Since(w.windowStart)
	if elapsed < loadWindow {
		return
	}
	load := float64(w.busyNanos) / float64(elapsed)
	if load > 1.0 {
		load = 1.0
	}
	w.loadBits.Store(math.Float64bits(load))
	w.windowStart = time.Now()
	w.busyNanos = 0
}
