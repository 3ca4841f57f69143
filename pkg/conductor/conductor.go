package conductor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/noodlesploder/conductor/internal/config"
	"github.com/noodlesploder/conductor/pkg/entropy"
	"github.com/noodlesploder/conductor/pkg/orchestrator"
	"github.com/noodlesploder/conductor/pkg/tuning"
	"github.com/noodlesploder/conductor/pkg/types"
)

// Conductor composes the entropy monitor, the task orchestrator, and the
// self-tuning engine behind one narrow surface: submit, observe, shut down.
type Conductor struct {
	config  *config.Config
	monitor *entropy.Monitor
	orch    *orchestrator.Orchestrator
	tuner   *tuning.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the three subsystems from the configuration
func New(cfg *config.Config) *Conductor {
	monitor := entropy.NewMonitor(entropy.MonitorConfig{
		LatencyThreshold:  cfg.LatencyThreshold(),
		DreamThreshold:    cfg.DreamThreshold(),
		EnableAccelerator: cfg.EnableAccelerator,
	})

	orch := orchestrator.New(orchestrator.Config{
		Workers:            cfg.WorkerThreads,
		EnableAccelerator:  cfg.EnableAccelerator,
		MaxQueueSize:       cfg.MaxQueueSize,
		ReplaceLostWorkers: cfg.ReplaceLostWorkers,
		ShutdownGrace:      cfg.ShutdownGrace(),
	}, monitor)

	tuner := tuning.NewEngine(tuning.Config{
		Enabled:       cfg.EnableSelfTuning,
		TargetLatency: cfg.TargetLatency(),
	}, monitor, orch)

	ctx, cancel := context.WithCancel(context.Background())
	return &Conductor{
		config:  cfg,
		monitor: monitor,
		orch:    orch,
		tuner:   tuner,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start brings up the worker pool and the supervisor loop
func (c *Conductor) Start() error {
	if err := c.orch.Start(); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.supervise()

	log.Info().
		Int("workers", c.config.WorkerThreads).
		Int("dream_threshold_secs", c.config.DreamThresholdSecs).
		Bool("self_tuning", c.config.EnableSelfTuning).
		Msg("Conductor started")
	return nil
}

// supervise samples metrics at the configured cadence and gates the
// self-tuning engine on the dream state
func (c *Conductor) supervise() {
	defer c.wg.Done()

	supervisorTick := time.NewTicker(c.config.SupervisorTick())
	defer supervisorTick.Stop()
	metricsTick := time.NewTicker(c.config.MetricsInterval())
	defer metricsTick.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return

		case <-metricsTick.C:
			metrics := c.monitor.CollectMetrics(c.orch.ActiveCount(), c.orch.PendingCount())
			c.monitor.RecordMetrics(metrics)

		case <-supervisorTick.C:
			if c.monitor.DreamState() != types.DreamDreaming {
				continue
			}
			if !c.tuner.Enabled() || !c.orch.Running() {
				continue
			}
			c.enqueueTuningTask()
		}
	}
}

// enqueueTuningTask submits one Dream-priority optimization task whose
// body runs a tuning cycle. The engine is single-flight, so a tick that
// lands while a cycle is already running submits a task that stands down
// immediately.
func (c *Conductor) enqueueTuningTask() {
	task := types.NewTask(types.PriorityDream, types.OptimizePayload{Target: types.OptimizeSystem}).
		WithExecute(func(ctx context.Context) error {
			err := c.tuner.RunCycle(ctx)
			if errors.Is(err, types.ErrTuningBusy) {
				return nil
			}
			return err
		})

	if _, err := c.orch.Submit(task); err != nil {
		log.Error().Err(err).Msg("Failed to submit self-tuning task")
		return
	}
	log.Info().Msg("Entering dream mode, self-tuning cycle queued")
}

// Submit admits one task for execution
func (c *Conductor) Submit(task *types.Task) (types.TaskID, error) {
	return c.orch.Submit(task)
}

// SubmitBatch admits several tasks; back-pressure rejects the whole batch
func (c *Conductor) SubmitBatch(tasks []*types.Task) ([]types.TaskID, error) {
	return c.orch.SubmitBatch(tasks)
}

// UserActivity resets the idle timer. Idempotent; input-handling
// collaborators call this on every interaction.
func (c *Conductor) UserActivity() {
	c.monitor.UserActivity()
}

// GetSystemLoad returns the current load report
func (c *Conductor) GetSystemLoad() types.SystemLoad {
	return c.orch.GetSystemLoad()
}

// GetStats returns orchestrator statistics
func (c *Conductor) GetStats() types.OrchestratorStatistics {
	return c.orch.GetStats()
}

// GetSelfTuningStats returns tuning engine statistics
func (c *Conductor) GetSelfTuningStats() types.SelfTuningStatistics {
	return c.tuner.Stats()
}

// GetRecentViolations returns up to n latency violations, newest first
func (c *Conductor) GetRecentViolations(n int) []types.LatencyViolation {
	return c.monitor.Violations(n)
}

// ViolationRate returns the violation count over the last minute
func (c *Conductor) ViolationRate() float64 {
	return c.monitor.ViolationRate()
}

// Efficiency returns the latest work-per-CPU reading
func (c *Conductor) Efficiency() float64 {
	return c.monitor.CalculateEfficiency()
}

// DreamState returns the current idleness classification
func (c *Conductor) DreamState() types.DreamState {
	return c.monitor.DreamState()
}

// Monitor exposes the entropy monitor to observability collaborators
func (c *Conductor) Monitor() *entropy.Monitor {
	return c.monitor
}

// Orchestrator exposes the orchestrator to observability collaborators
func (c *Conductor) Orchestrator() *orchestrator.Orchestrator {
	return c.orch
}

// Shutdown stops the supervisor and drains the orchestrator. The context
// bounds the wait beyond the configured drain grace.
func (c *Conductor) Shutdown(ctx context.Context) error {
	c.cancel()
	err := c.orch.Shutdown(ctx)
	c.wg.Wait()
	log.Info().Msg("Conductor stopped")
	return err
}
