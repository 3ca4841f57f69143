package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask(t *testing.T) {
	task := NewTask(PriorityNormal, ComputePayload{
		TaskName:          "test",
		EstimatedDuration: 100 * time.Millisecond,
	})

	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, TaskStatePending, task.Status.State)
	assert.Empty(t, task.Dependencies)
	assert.False(t, task.Pinned())
	assert.NotZero(t, task.CreatedAt)
}

func TestTaskIDUnique(t *testing.T) {
	seen := make(map[TaskID]bool)
	for i := 0; i < 1000; i++ {
		id := NewTaskID()
		assert.False(t, seen[id], "duplicate task id generated")
		seen[id] = true
	}
}

func TestPriorityOrdering(t *testing.T) {
	assert.Less(t, PriorityCritical, PriorityHigh)
	assert.Less(t, PriorityHigh, PriorityNormal)
	assert.Less(t, PriorityNormal, PriorityLow)
	assert.Less(t, PriorityLow, PriorityDream)
}

func TestParsePriority(t *testing.T) {
	tests := []struct {
		input   string
		want    Priority
		wantErr bool
	}{
		{"critical", PriorityCritical, false},
		{"high", PriorityHigh, false},
		{"normal", PriorityNormal, false},
		{"low", PriorityLow, false},
		{"dream", PriorityDream, false},
		{"urgent", PriorityNormal, true},
		{"", PriorityNormal, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePriority(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var parseErr *ParseError
				assert.ErrorAs(t, err, &parseErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanTransition(t *testing.T) {
	// Forward transitions
	assert.True(t, CanTransition(TaskStatePending, TaskStateRunning))
	assert.True(t, CanTransition(TaskStatePending, TaskStateCancelled))
	assert.True(t, CanTransition(TaskStateRunning, TaskStateCompleted))
	assert.True(t, CanTransition(TaskStateRunning, TaskStateFailed))
	assert.True(t, CanTransition(TaskStateRunning, TaskStateCancelled))

	// No back-transitions
	assert.False(t, CanTransition(TaskStateRunning, TaskStatePending))
	assert.False(t, CanTransition(TaskStateCompleted, TaskStateRunning))
	assert.False(t, CanTransition(TaskStateFailed, TaskStatePending))
	assert.False(t, CanTransition(TaskStateCancelled, TaskStateRunning))

	// Pending cannot jump straight to a completed state
	assert.False(t, CanTransition(TaskStatePending, TaskStateCompleted))
	assert.False(t, CanTransition(TaskStatePending, TaskStateFailed))
}

func TestTerminalStates(t *testing.T) {
	assert.False(t, TaskStatePending.Terminal())
	assert.False(t, TaskStateRunning.Terminal())
	assert.True(t, TaskStateCompleted.Terminal())
	assert.True(t, TaskStateFailed.Terminal())
	assert.True(t, TaskStateCancelled.Terminal())
}

func TestPayloadAffinity(t *testing.T) {
	assert.False(t, ComputePayload{}.Kind().PreferAccelerator())
	assert.False(t, MaintenancePayload{}.Kind().PreferAccelerator())
	assert.False(t, OptimizePayload{}.Kind().PreferAccelerator())
	assert.True(t, IndexFilePayload{}.Kind().PreferAccelerator())
	assert.True(t, SearchPayload{}.Kind().PreferAccelerator())
}

func TestPayloadNames(t *testing.T) {
	assert.Equal(t, "warmup", ComputePayload{TaskName: "warmup"}.Name())
	assert.Equal(t, "index:/tmp/a.txt", IndexFilePayload{Path: "/tmp/a.txt"}.Name())
	assert.Equal(t, "search:cats", SearchPayload{Query: "cats", Limit: 5}.Name())
	assert.Equal(t, "optimize:system", OptimizePayload{Target: OptimizeSystem}.Name())
	assert.Equal(t, "maintenance:cache_flush", MaintenancePayload{Task: MaintenanceCacheFlush}.Name())
}

func TestDefaultTunables(t *testing.T) {
	tun := DefaultTunables()
	assert.Equal(t, 128, tun.IterationBudget)
	assert.Equal(t, 64, tun.MaxDispatches)
	assert.Equal(t, 4, tun.StealAttempts)
}
