package orchestrator

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/noodlesploder/conductor/pkg/entropy"
	"github.com/noodlesploder/conductor/pkg/types"
)

// Lifecycle states. Transitions only move forward:
// New -> Starting -> Running -> Draining -> Stopped.
const (
	stateNew int32 = iota
	stateStarting
	stateRunning
	stateDraining
	stateStopped
)

// Config configures the orchestrator and its worker pool
type Config struct {
	// Workers is the number of CPU workers; zero means one per hardware thread
	Workers int
	// EnableAccelerator adds an accelerator-compute worker to the pool
	EnableAccelerator bool
	// MaxQueueSize is the back-pressure threshold on unfinished (pending or
	// running) tasks
	MaxQueueSize int
	// ReplaceLostWorkers respawns a worker whose loop terminated unexpectedly
	ReplaceLostWorkers bool
	// ShutdownGrace is the soft drain deadline; zero means 5s
	ShutdownGrace time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Workers <= 0 {
		out.Workers = runtime.NumCPU()
	}
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = 10000
	}
	if out.ShutdownGrace <= 0 {
		out.ShutdownGrace = 5 * time.Second
	}
	return out
}

type statistics struct {
	totalTasks     atomic.Uint64
	completedTasks atomic.Uint64
	failedTasks    atomic.Uint64
	cancelledTasks atomic.Uint64
	stolenTasks    atomic.Uint64
	workersLost    atomic.Uint64
}

// Orchestrator admits tasks, routes them to worker-local deques, balances
// load by work stealing, and owns every task status mutation.
type Orchestrator struct {
	config  Config
	monitor *entropy.Monitor

	state atomic.Int32

	workersMu sync.RWMutex
	workers   []*Worker
	nextID    types.WorkerID

	// registry holds live (pending or running) tasks; completed ids are
	// retained separately for dependency checks
	registryMu sync.Mutex
	registry   map[types.TaskID]*types.Task
	completed  map[types.TaskID]struct{}
	// waitSet maps an unfulfilled dependency id to the tasks blocked on it
	waitSet map[types.TaskID][]*types.Task

	stats            statistics
	pendingCount     atomic.Int64
	activeCount      atomic.Int64
	unfinished       atomic.Int64 // pending + running; the back-pressure bound
	activeDispatches atomic.Int64

	tunables atomic.Pointer[types.Tunables]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator bound to the given entropy monitor
func New(cfg Config, monitor *entropy.Monitor) *Orchestrator {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		config:    cfg,
		monitor:   monitor,
		registry:  make(map[types.TaskID]*types.Task),
		completed: make(map[types.TaskID]struct{}),
		waitSet:   make(map[types.TaskID][]*types.Task),
		ctx:       ctx,
		cancel:    cancel,
	}
	tun := types.DefaultTunables()
	o.tunables.Store(&tun)
	return o
}

// Start spins up the worker pool. Submissions are accepted once Start
// returns.
func (o *Orchestrator) Start() error {
	if !o.state.CompareAndSwap(stateNew, stateStarting) {
		return fmt.Errorf("start: %w", types.ErrNotRunning)
	}

	o.workersMu.Lock()
	for i := 0; i < o.config.Workers; i++ {
		o.spawnWorkerLocked(types.WorkerKind{Class: types.WorkerCPUThread})
	}
	if o.config.EnableAccelerator {
		o.spawnWorkerLocked(types.WorkerKind{Class: types.WorkerAcceleratorCompute})
	}
	o.workersMu.Unlock()

	o.state.Store(stateRunning)
	log.Info().
		Int("workers", o.config.Workers).
		Bool("accelerator", o.config.EnableAccelerator).
		Int("max_queue", o.config.MaxQueueSize).
		Msg("Orchestrator started")
	return nil
}

func (o *Orchestrator) spawnWorkerLocked(kind types.WorkerKind) {
	w := newWorker(o.nextID, kind, o)
	o.nextID++
	o.workers = append(o.workers, w)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		w.run(o.ctx)
	}()
}

// Submit admits one task. Fails with ErrBackpressure when the number of
// unfinished (pending or running) tasks has reached the queue bound, and
// with ErrNotRunning outside the Running state.
func (o *Orchestrator) Submit(task *types.Task) (types.TaskID, error) {
	if o.state.Load() != stateRunning {
		return types.TaskID{}, types.ErrNotRunning
	}
	if task.Status.State != types.TaskStatePending {
		return types.TaskID{}, fmt.Errorf("submit %s: %w", task.ID, types.ErrInvalidTransition)
	}
	if o.unfinished.Load() >= int64(o.config.MaxQueueSize) {
		return types.TaskID{}, types.ErrBackpressure
	}
	o.admit(task)
	return task.ID, nil
}

// SubmitBatch admits several tasks in order. Back-pressure is all or
// nothing: a batch that would overflow the queue is rejected whole.
func (o *Orchestrator) SubmitBatch(tasks []*types.Task) ([]types.TaskID, error) {
	if o.state.Load() != stateRunning {
		return nil, types.ErrNotRunning
	}
	if o.unfinished.Load()+int64(len(tasks)) > int64(o.config.MaxQueueSize) {
		return nil, types.ErrBackpressure
	}
	ids := make([]types.TaskID, 0, len(tasks))
	for _, task := range tasks {
		o.admit(task)
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// admit registers the task and either parks it on an unfulfilled
// dependency or routes it to a worker
func (o *Orchestrator) admit(task *types.Task) {
	o.stats.totalTasks.Add(1)
	o.pendingCount.Add(1)
	o.unfinished.Add(1)

	o.registryMu.Lock()
	o.registry[task.ID] = task
	dep, blocked := o.firstUnfulfilledLocked(task)
	if blocked {
		o.waitSet[dep] = append(o.waitSet[dep], task)
	}
	o.registryMu.Unlock()

	if !blocked {
		o.route(task)
	}
}

// firstUnfulfilledLocked returns the first dependency id that has not yet
// completed. Unknown ids count as unfulfilled: the dependency may simply
// not have been submitted yet.
func (o *Orchestrator) firstUnfulfilledLocked(task *types.Task) (types.TaskID, bool) {
	for _, dep := range task.Dependencies {
		if _, done := o.completed[dep]; !done {
			return dep, true
		}
	}
	return types.TaskID{}, false
}

// route places a task on a worker deque per the routing rule: accelerator
// affinity first when a matching worker has headroom, then shortest queue,
// ties broken by lowest worker id.
func (o *Orchestrator) route(task *types.Task) {
	o.workersMu.RLock()
	target := o.selectWorkerLocked(task)
	o.workersMu.RUnlock()
	target.deque.PushBottom(task)
}

func (o *Orchestrator) selectWorkerLocked(task *types.Task) *Worker {
	if task.Payload != nil && task.Payload.Kind().PreferAccelerator() {
		var best *Worker
		for _, w := range o.workers {
			if !w.kind.Accelerator() || w.loadFactor() >= 0.9 {
				continue
			}
			if best == nil || w.loadFactor() < best.loadFactor() {
				best = w
			}
		}
		if best != nil {
			return best
		}
	}

	best := o.workers[0]
	bestLen := best.deque.Len()
	for _, w := range o.workers[1:] {
		if l := w.deque.Len(); l < bestLen {
			best, bestLen = w, l
		}
	}
	return best
}

// PushLocal places a task directly on a specific worker's deque, bypassing
// the router. Load-distribution tests use this to build imbalance.
func (o *Orchestrator) PushLocal(id types.WorkerID, task *types.Task) error {
	if o.state.Load() != stateRunning {
		return types.ErrNotRunning
	}
	o.workersMu.RLock()
	var target *Worker
	for _, w := range o.workers {
		if w.id == id {
			target = w
			break
		}
	}
	o.workersMu.RUnlock()
	if target == nil {
		return fmt.Errorf("push local: no worker %d", id)
	}

	o.stats.totalTasks.Add(1)
	o.pendingCount.Add(1)
	o.unfinished.Add(1)
	o.registryMu.Lock()
	o.registry[task.ID] = task
	o.registryMu.Unlock()

	target.deque.PushBottom(task)
	return nil
}

// markRunning transitions a popped task to Running. Returns false when the
// task was cancelled while queued.
func (o *Orchestrator) markRunning(task *types.Task, worker types.WorkerID) bool {
	o.registryMu.Lock()
	defer o.registryMu.Unlock()

	if task.Status.State != types.TaskStatePending {
		return false
	}
	task.Status = types.TaskStatus{
		State:     types.TaskStateRunning,
		Worker:    worker,
		StartedAt: time.Now(),
	}
	o.pendingCount.Add(-1)
	o.activeCount.Add(1)
	return true
}

// finishTask records the outcome of an executed task, reports its duration
// to the entropy monitor, and releases any dependents of a completed task
func (o *Orchestrator) finishTask(task *types.Task, duration time.Duration, execErr error) {
	name := "task"
	if task.Payload != nil {
		name = task.Payload.Name()
	}

	var released []*types.Task

	o.registryMu.Lock()
	if !types.CanTransition(task.Status.State, types.TaskStateCompleted) {
		// Cancelled mid-flight during forced shutdown; leave the terminal
		// state in place.
		o.registryMu.Unlock()
		return
	}
	task.Status.Duration = duration
	if execErr != nil {
		task.Status.State = types.TaskStateFailed
		task.Status.Error = execErr.Error()
		o.stats.failedTasks.Add(1)
	} else {
		task.Status.State = types.TaskStateCompleted
		o.stats.completedTasks.Add(1)
		o.completed[task.ID] = struct{}{}
		released = o.releaseDependentsLocked(task.ID)
	}
	delete(o.registry, task.ID)
	o.activeCount.Add(-1)
	o.unfinished.Add(-1)
	o.registryMu.Unlock()

	if execErr != nil {
		log.Debug().Str("task", name).Err(execErr).Msg("Task failed")
	}
	if o.monitor != nil {
		o.monitor.RecordTask(name, duration)
	}
	for _, dependent := range released {
		o.route(dependent)
	}
}

// releaseDependentsLocked re-checks every waiter of the completed id.
// Waiters with further unfulfilled dependencies are re-keyed; the rest are
// returned for routing. Cost is proportional to the waiters on this id.
func (o *Orchestrator) releaseDependentsLocked(id types.TaskID) []*types.Task {
	waiters := o.waitSet[id]
	if len(waiters) == 0 {
		return nil
	}
	delete(o.waitSet, id)

	ready := make([]*types.Task, 0, len(waiters))
	for _, task := range waiters {
		if dep, blocked := o.firstUnfulfilledLocked(task); blocked {
			o.waitSet[dep] = append(o.waitSet[dep], task)
			continue
		}
		ready = append(ready, task)
	}
	return ready
}

// workerLost handles a worker whose loop terminated on an escaped panic:
// its queue drains to survivors and a replacement is spawned when
// configured
func (o *Orchestrator) workerLost(w *Worker, cause any) {
	o.stats.workersLost.Add(1)
	log.Error().Int("worker", int(w.id)).Interface("cause", cause).Msg("Worker lost")

	orphans := w.deque.Drain()

	o.workersMu.Lock()
	for i, cur := range o.workers {
		if cur.id == w.id {
			o.workers = append(o.workers[:i], o.workers[i+1:]...)
			break
		}
	}
	replaced := false
	if o.config.ReplaceLostWorkers && o.state.Load() == stateRunning {
		o.spawnWorkerLocked(w.kind)
		replaced = true
	}
	o.workersMu.Unlock()

	for _, task := range orphans {
		o.route(task)
	}
	if replaced {
		log.Info().Int("worker", int(w.id)).Msg("Worker replaced")
	}
}

func (o *Orchestrator) workerDone(w *Worker) {
	log.Debug().Int("worker", int(w.id)).Msg("Worker exited")
}

// draining reports whether workers should exit once no work remains
func (o *Orchestrator) draining() bool {
	return o.state.Load() >= stateDraining && o.pendingCount.Load() == 0
}

func (o *Orchestrator) workerList() []*Worker {
	o.workersMu.RLock()
	defer o.workersMu.RUnlock()
	return o.workers
}

// Tunables returns the current tunable snapshot. The dispatch loop reads
// this once per tick.
func (o *Orchestrator) Tunables() types.Tunables {
	return *o.tunables.Load()
}

// SetTunables atomically replaces the tunable snapshot. Only the
// self-tuning engine writes here.
func (o *Orchestrator) SetTunables(t types.Tunables) {
	o.tunables.Store(&t)
}

// Running reports whether submissions are currently accepted
func (o *Orchestrator) Running() bool {
	return o.state.Load() == stateRunning
}

// PendingCount returns the number of admitted, not-yet-running tasks
func (o *Orchestrator) PendingCount() uint64 {
	n := o.pendingCount.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// ActiveCount returns the number of tasks presently executing
func (o *Orchestrator) ActiveCount() uint64 {
	n := o.activeCount.Load()
	if n < 0 {
		return 0
	}
	return uint64(n)
}

// GetStats returns a snapshot of the orchestrator counters
func (o *Orchestrator) GetStats() types.OrchestratorStatistics {
	o.workersMu.RLock()
	workerCount := len(o.workers)
	o.workersMu.RUnlock()

	return types.OrchestratorStatistics{
		TotalTasks:     o.stats.totalTasks.Load(),
		CompletedTasks: o.stats.completedTasks.Load(),
		FailedTasks:    o.stats.failedTasks.Load(),
		CancelledTasks: o.stats.cancelledTasks.Load(),
		StolenTasks:    o.stats.stolenTasks.Load(),
		WorkersLost:    o.stats.workersLost.Load(),
		WorkerCount:    workerCount,
	}
}

// GetSystemLoad assembles a non-blocking load report. Worker load factors
// may be stale by up to one load window.
func (o *Orchestrator) GetSystemLoad() types.SystemLoad {
	o.workersMu.RLock()
	workers := make([]types.WorkerStatus, 0, len(o.workers))
	for _, w := range o.workers {
		workers = append(workers, w.Status())
	}
	o.workersMu.RUnlock()

	var metrics types.SystemMetrics
	if o.monitor != nil {
		metrics = o.monitor.CollectMetrics(o.ActiveCount(), o.PendingCount())
	} else {
		metrics = types.SystemMetrics{
			ActiveTasks:  o.ActiveCount(),
			PendingTasks: o.PendingCount(),
		}
	}
	metrics.TotalTasks = o.stats.totalTasks.Load()

	load := types.SystemLoad{
		Timestamp: time.Now(),
		Metrics:   metrics,
		Workers:   workers,
	}
	if o.monitor != nil {
		load.Bottleneck = o.monitor.DetectBottleneck(&load)
	}
	return load
}

// Shutdown drains cooperatively within the soft deadline, then cancels
// whatever remains. Returns ErrShutdownTimeout when the deadline forced
// cancellation of pending tasks.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.state.CompareAndSwap(stateRunning, stateDraining) {
		if o.state.Load() == stateStopped {
			return nil
		}
		return types.ErrNotRunning
	}
	log.Info().Msg("Orchestrator draining")

	deadline := time.NewTimer(o.config.ShutdownGrace)
	defer deadline.Stop()
	poll := time.NewTicker(10 * time.Millisecond)
	defer poll.Stop()

	drained := false
	var timedOut error
	for !drained {
		select {
		case <-poll.C:
			if o.pendingCount.Load() == 0 && o.activeCount.Load() == 0 {
				drained = true
			}
		case <-deadline.C:
			timedOut = types.ErrShutdownTimeout
			drained = true
		case <-ctx.Done():
			timedOut = ctx.Err()
			drained = true
		}
	}

	if timedOut != nil {
		cancelled := o.cancelRemaining()
		log.Warn().Int("cancelled", cancelled).Msg("Drain deadline exceeded, cancelling pending tasks")
	}

	o.cancel()
	o.wg.Wait()
	o.state.Store(stateStopped)
	log.Info().Msg("Orchestrator stopped")
	return timedOut
}

// cancelRemaining marks every still-pending task Cancelled: queued tasks
// are pulled from the deques, parked dependents from the wait-set
func (o *Orchestrator) cancelRemaining() int {
	var stranded []*types.Task

	o.workersMu.RLock()
	for _, w := range o.workers {
		stranded = append(stranded, w.deque.Drain()...)
	}
	o.workersMu.RUnlock()

	o.registryMu.Lock()
	for _, waiters := range o.waitSet {
		stranded = append(stranded, waiters...)
	}
	o.waitSet = make(map[types.TaskID][]*types.Task)

	cancelled := 0
	for _, task := range stranded {
		if task.Status.State != types.TaskStatePending {
			continue
		}
		task.Status.State = types.TaskStateCancelled
		delete(o.registry, task.ID)
		o.pendingCount.Add(-1)
		o.unfinished.Add(-1)
		o.stats.cancelledTasks.Add(1)
		cancelled++
	}
	o.registryMu.Unlock()
	return cancelled
}
