package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noodlesploder/conductor/pkg/types"
)

// staticSource returns canned statistics for exporter tests
type staticSource struct{}

func (staticSource) GetStats() types.OrchestratorStatistics {
	return types.OrchestratorStatistics{
		TotalTasks:     10,
		CompletedTasks: 7,
		FailedTasks:    1,
		CancelledTasks: 2,
		StolenTasks:    3,
		WorkerCount:    4,
	}
}

func (staticSource) GetSystemLoad() types.SystemLoad {
	return types.SystemLoad{
		Timestamp: time.Now(),
		Metrics: types.SystemMetrics{
			ActiveTasks:  1,
			PendingTasks: 2,
			AvgLatencyMs: 12.5,
			CPUUsage:     33.0,
			MemoryMB:     2048,
		},
		Workers: []types.WorkerStatus{
			{ID: 0, Kind: types.WorkerKind{Class: types.WorkerCPUThread}, LoadFactor: 0.5},
			{ID: 1, Kind: types.WorkerKind{Class: types.WorkerAcceleratorCompute}, LoadFactor: 0.1},
		},
	}
}

func (staticSource) GetSelfTuningStats() types.SelfTuningStatistics {
	return types.SelfTuningStatistics{CyclesRun: 5, TunableChanges: 2}
}

func (staticSource) ViolationRate() float64       { return 1.0 }
func (staticSource) DreamState() types.DreamState { return types.DreamDrowsy }
func (staticSource) Efficiency() float64          { return 0.25 }

func TestExporterServesMetrics(t *testing.T) {
	exporter := NewExporter(staticSource{})

	srv := httptest.NewServer(exporter.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "conductor_tasks_total 10")
	assert.Contains(t, text, "conductor_tasks_completed_total 7")
	assert.Contains(t, text, "conductor_tasks_stolen_total 3")
	assert.Contains(t, text, "conductor_pending_tasks 2")
	assert.Contains(t, text, "conductor_avg_latency_ms 12.5")
	assert.Contains(t, text, "conductor_dream_state 1")
	assert.Contains(t, text, `conductor_worker_load_factor{kind="cpu_thread",worker="0"} 0.5`)
	assert.Contains(t, text, "conductor_tuning_cycles_total 5")
}
