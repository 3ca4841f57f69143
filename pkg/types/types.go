package types

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task within a conductor run
type TaskID struct {
	uuid.UUID
}

// NewTaskID generates a new unique task identifier
func NewTaskID() TaskID {
	return TaskID{uuid.New()}
}

// WorkerID identifies a worker within the pool. Stable for the worker's lifetime.
type WorkerID int

// Priority classifies how urgently a task should be dispatched.
// Lower ordinal means earlier dispatch.
type Priority int

const (
	// PriorityCritical is user-facing work that must run now
	PriorityCritical Priority = iota
	// PriorityHigh is important background work
	PriorityHigh
	// PriorityNormal is regular work
	PriorityNormal
	// PriorityLow is deferred work
	PriorityLow
	// PriorityDream is self-optimization work run only during idle periods
	PriorityDream

	// NumPriorities is the number of priority classes
	NumPriorities = int(PriorityDream) + 1
)

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityDream:
		return "dream"
	default:
		return "unknown"
	}
}

// ParsePriority parses a priority name as accepted on the command line
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "dream":
		return PriorityDream, nil
	default:
		return PriorityNormal, &ParseError{Field: "priority", Value: s}
	}
}

// TaskState is the lifecycle state of a task
type TaskState int

const (
	TaskStatePending TaskState = iota
	TaskStateRunning
	TaskStateCompleted
	TaskStateFailed
	TaskStateCancelled
)

// String returns the string representation of the task state
func (s TaskState) String() string {
	switch s {
	case TaskStatePending:
		return "pending"
	case TaskStateRunning:
		return "running"
	case TaskStateCompleted:
		return "completed"
	case TaskStateFailed:
		return "failed"
	case TaskStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions
func (s TaskState) Terminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed || s == TaskStateCancelled
}

// CanTransition reports whether the lifecycle permits moving from one state
// to another. The lifecycle is monotone: Pending -> Running -> one of
// (Completed, Failed, Cancelled), plus Pending -> Cancelled for tasks
// abandoned before dispatch. No back-transitions.
func CanTransition(from, to TaskState) bool {
	switch from {
	case TaskStatePending:
		return to == TaskStateRunning || to == TaskStateCancelled
	case TaskStateRunning:
		return to == TaskStateCompleted || to == TaskStateFailed || to == TaskStateCancelled
	default:
		return false
	}
}

// TaskStatus captures the current lifecycle position of a task. Status is
// mutated only by the orchestrator.
type TaskStatus struct {
	State     TaskState     `json:"state"`
	Worker    WorkerID      `json:"worker,omitempty"`
	StartedAt time.Time     `json:"started_at,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// PayloadKind discriminates task payload variants
type PayloadKind int

const (
	PayloadCompute PayloadKind = iota
	PayloadIndexFile
	PayloadSearch
	PayloadOptimize
	PayloadMaintenance
)

// String returns the string representation of the payload kind
func (k PayloadKind) String() string {
	switch k {
	case PayloadCompute:
		return "compute"
	case PayloadIndexFile:
		return "index_file"
	case PayloadSearch:
		return "search"
	case PayloadOptimize:
		return "optimize"
	case PayloadMaintenance:
		return "maintenance"
	default:
		return "unknown"
	}
}

// PreferAccelerator reports whether the payload kind is preferentially
// routed to accelerator workers. Advisory only; stealing across worker
// kinds remains permitted.
func (k PayloadKind) PreferAccelerator() bool {
	return k == PayloadIndexFile || k == PayloadSearch
}

// TaskPayload describes what a task does. Variants carry only opaque
// references (paths, query strings); resolution is the caller's concern.
type TaskPayload interface {
	Kind() PayloadKind
	// Name is the label used in latency reports and logs
	Name() string
}

// ComputePayload is generic compute work
type ComputePayload struct {
	TaskName          string        `json:"name"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

func (p ComputePayload) Kind() PayloadKind { return PayloadCompute }
func (p ComputePayload) Name() string      { return p.TaskName }

// IndexFilePayload indexes a file in the semantic store
type IndexFilePayload struct {
	Path string `json:"path"`
}

func (p IndexFilePayload) Kind() PayloadKind { return PayloadIndexFile }
func (p IndexFilePayload) Name() string      { return "index:" + p.Path }

// SearchPayload runs a bounded search query
type SearchPayload struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (p SearchPayload) Kind() PayloadKind { return PayloadSearch }
func (p SearchPayload) Name() string      { return "search:" + p.Query }

// OptimizeTarget selects what a self-optimization task adjusts
type OptimizeTarget int

const (
	// OptimizeSystem tunes runtime scheduling parameters
	OptimizeSystem OptimizeTarget = iota
)

// OptimizePayload is a self-optimization task body
type OptimizePayload struct {
	Target OptimizeTarget `json:"target"`
}

func (p OptimizePayload) Kind() PayloadKind { return PayloadOptimize }
func (p OptimizePayload) Name() string      { return "optimize:system" }

// MaintenanceKind enumerates background maintenance tasks
type MaintenanceKind int

const (
	MaintenanceGarbageCollection MaintenanceKind = iota
	MaintenanceIndexRebuild
	MaintenanceCacheFlush
	MaintenanceMetricsExport
)

// String returns the string representation of the maintenance kind
func (k MaintenanceKind) String() string {
	switch k {
	case MaintenanceGarbageCollection:
		return "gc"
	case MaintenanceIndexRebuild:
		return "index_rebuild"
	case MaintenanceCacheFlush:
		return "cache_flush"
	case MaintenanceMetricsExport:
		return "metrics_export"
	default:
		return "unknown"
	}
}

// MaintenancePayload is background maintenance work
type MaintenancePayload struct {
	Task MaintenanceKind `json:"task_type"`
}

func (p MaintenancePayload) Kind() PayloadKind { return PayloadMaintenance }
func (p MaintenancePayload) Name() string      { return "maintenance:" + p.Task.String() }

// TaskFunc is the executable body of a task. A nil body completes
// immediately; a non-nil error return marks the task Failed.
type TaskFunc func(ctx context.Context) error

// Task is the unit of work accepted by the orchestrator
type Task struct {
	ID           TaskID      `json:"id"`
	Priority     Priority    `json:"priority"`
	Payload      TaskPayload `json:"payload"`
	Status       TaskStatus  `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	Dependencies []TaskID    `json:"dependencies,omitempty"`

	// Execute is supplied by the collaborator that produced the task.
	Execute TaskFunc `json:"-"`

	// pinned reserves the hard-affinity extension point. Not settable in
	// the default model; stealing ignores worker kind while this is unset.
	pinned bool
}

// NewTask creates a pending task with a fresh id
func NewTask(priority Priority, payload TaskPayload) *Task {
	return &Task{
		ID:        NewTaskID(),
		Priority:  priority,
		Payload:   payload,
		Status:    TaskStatus{State: TaskStatePending},
		CreatedAt: time.Now(),
	}
}

// WithDependencies sets the ids that must complete before this task runs
func (t *Task) WithDependencies(deps ...TaskID) *Task {
	t.Dependencies = deps
	return t
}

// WithExecute attaches the executable body
func (t *Task) WithExecute(fn TaskFunc) *Task {
	t.Execute = fn
	return t
}

// Pinned reports whether the task carries a hard worker-kind pin
func (t *Task) Pinned() bool { return t.pinned }

// SystemMetrics is a point-in-time snapshot of orchestrator state
type SystemMetrics struct {
	TotalTasks       uint64        `json:"total_tasks"`
	ActiveTasks      uint64        `json:"active_tasks"`
	PendingTasks     uint64        `json:"pending_tasks"`
	AvgLatencyMs     float64       `json:"avg_latency_ms"`
	CPUUsage         float64       `json:"cpu_usage"`
	MemoryMB         float64       `json:"memory_mb"`
	AcceleratorUsage *float64      `json:"accelerator_usage,omitempty"`
	IdleDuration     time.Duration `json:"idle_duration"`
}

// LatencyViolation records a task whose execution exceeded the watchdog
// threshold
type LatencyViolation struct {
	Timestamp      time.Time     `json:"timestamp"`
	TaskName       string        `json:"task_name"`
	ActualDuration time.Duration `json:"actual_duration"`
	Threshold      time.Duration `json:"threshold"`
}

// WorkerClass is the capability class of a worker
type WorkerClass int

const (
	WorkerCPUThread WorkerClass = iota
	WorkerAcceleratorCompute
	WorkerDedicatedAccelerator
)

// String returns the string representation of the worker class
func (c WorkerClass) String() string {
	switch c {
	case WorkerCPUThread:
		return "cpu_thread"
	case WorkerAcceleratorCompute:
		return "accelerator_compute"
	case WorkerDedicatedAccelerator:
		return "dedicated_accelerator"
	default:
		return "unknown"
	}
}

// WorkerKind classifies a worker's capability
type WorkerKind struct {
	Class WorkerClass `json:"class"`
	// Index distinguishes dedicated accelerators; zero otherwise
	Index int `json:"index,omitempty"`
}

// Accelerator reports whether the kind executes accelerator-affine payloads
// natively
func (k WorkerKind) Accelerator() bool {
	return k.Class == WorkerAcceleratorCompute || k.Class == WorkerDedicatedAccelerator
}

// WorkerStatus is a snapshot of a single worker
type WorkerStatus struct {
	ID             WorkerID      `json:"id"`
	Kind           WorkerKind    `json:"kind"`
	CurrentTask    *TaskID       `json:"current_task,omitempty"`
	QueueLen       int           `json:"queue_len"`
	TasksCompleted uint64        `json:"tasks_completed"`
	TotalWorkTime  time.Duration `json:"total_work_time"`
	LoadFactor     float64       `json:"load_factor"`
}

// Bottleneck classifies the root cause of degraded throughput
type Bottleneck int

const (
	BottleneckCPUSaturated Bottleneck = iota
	BottleneckMemoryPressure
	BottleneckAcceleratorStarved
	BottleneckIOWait
	BottleneckTaskQueueOverflow
)

// String returns the string representation of the bottleneck
func (b Bottleneck) String() string {
	switch b {
	case BottleneckCPUSaturated:
		return "cpu_saturated"
	case BottleneckMemoryPressure:
		return "memory_pressure"
	case BottleneckAcceleratorStarved:
		return "accelerator_starved"
	case BottleneckIOWait:
		return "io_wait"
	case BottleneckTaskQueueOverflow:
		return "task_queue_overflow"
	default:
		return "unknown"
	}
}

// SystemLoad combines the latest metrics with per-worker status and an
// optional bottleneck classification
type SystemLoad struct {
	Timestamp  time.Time      `json:"timestamp"`
	Metrics    SystemMetrics  `json:"metrics"`
	Workers    []WorkerStatus `json:"workers"`
	Bottleneck *Bottleneck    `json:"bottleneck,omitempty"`
}

// DreamState is the three-valued idleness classification
type DreamState int

const (
	// DreamAwake means recent user activity
	DreamAwake DreamState = iota
	// DreamDrowsy means idle time is approaching the dream threshold
	DreamDrowsy
	// DreamDreaming means the system is idle enough for self-optimization
	DreamDreaming
)

// String returns the string representation of the dream state
func (s DreamState) String() string {
	switch s {
	case DreamAwake:
		return "awake"
	case DreamDrowsy:
		return "drowsy"
	case DreamDreaming:
		return "dreaming"
	default:
		return "unknown"
	}
}

// Tunables are the bounded runtime parameters the self-tuning engine may
// adjust. Read as one snapshot at the start of each dispatch tick; written
// only by the tuning engine.
type Tunables struct {
	// IterationBudget bounds tasks processed per worker per dispatch cycle
	IterationBudget int `json:"iteration_budget"`
	// MaxDispatches bounds dispatches in flight overall
	MaxDispatches int `json:"max_dispatches"`
	// StealAttempts bounds victims tried per steal round
	StealAttempts int `json:"steal_attempts"`
}

// DefaultTunables returns the starting tunable values
func DefaultTunables() Tunables {
	return Tunables{
		IterationBudget: 128,
		MaxDispatches:   64,
		StealAttempts:   4,
	}
}

// OrchestratorStatistics summarizes orchestrator activity since start
type OrchestratorStatistics struct {
	TotalTasks     uint64 `json:"total_tasks"`
	CompletedTasks uint64 `json:"completed_tasks"`
	FailedTasks    uint64 `json:"failed_tasks"`
	CancelledTasks uint64 `json:"cancelled_tasks"`
	StolenTasks    uint64 `json:"stolen_tasks"`
	WorkersLost    uint64 `json:"workers_lost"`
	WorkerCount    int    `json:"worker_count"`
}

// SelfTuningStatistics summarizes tuning engine activity since start
type SelfTuningStatistics struct {
	CyclesRun           uint64  `json:"cycles_run"`
	TunableChanges      uint64  `json:"tunable_changes"`
	SkippedCycles       uint64  `json:"skipped_cycles"`
	AvgImprovementRatio float64 `json:"avg_improvement_ratio"`
}
