package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/noodlesploder/conductor/pkg/types"
)

// StatsSource is the slice of the conductor surface the exporter reads
type StatsSource interface {
	GetStats() types.OrchestratorStatistics
	GetSystemLoad() types.SystemLoad
	GetSelfTuningStats() types.SelfTuningStatistics
	ViolationRate() float64
	DreamState() types.DreamState
	Efficiency() float64
}

// Exporter publishes conductor statistics as Prometheus metrics
type Exporter struct {
	source   StatsSource
	registry *prometheus.Registry

	tasksTotal       *prometheus.Desc
	tasksCompleted   *prometheus.Desc
	tasksFailed      *prometheus.Desc
	tasksCancelled   *prometheus.Desc
	tasksStolen      *prometheus.Desc
	workersLost      *prometheus.Desc
	workerCount      *prometheus.Desc
	pendingTasks     *prometheus.Desc
	activeTasks      *prometheus.Desc
	avgLatencyMs     *prometheus.Desc
	cpuUsage         *prometheus.Desc
	memoryMB         *prometheus.Desc
	idleSeconds      *prometheus.Desc
	dreamState       *prometheus.Desc
	violationRate    *prometheus.Desc
	efficiency       *prometheus.Desc
	workerLoadFactor *prometheus.Desc
	tuningCycles     *prometheus.Desc
	tunableChanges   *prometheus.Desc
}

// NewExporter creates an exporter with its own registry
func NewExporter(source StatsSource) *Exporter {
	e := &Exporter{
		source:   source,
		registry: prometheus.NewRegistry(),

		tasksTotal: prometheus.NewDesc(
			"conductor_tasks_total", "Tasks accepted since start", nil, nil),
		tasksCompleted: prometheus.NewDesc(
			"conductor_tasks_completed_total", "Tasks completed successfully", nil, nil),
		tasksFailed: prometheus.NewDesc(
			"conductor_tasks_failed_total", "Tasks whose body returned an error", nil, nil),
		tasksCancelled: prometheus.NewDesc(
			"conductor_tasks_cancelled_total", "Tasks cancelled at shutdown", nil, nil),
		tasksStolen: prometheus.NewDesc(
			"conductor_tasks_stolen_total", "Tasks moved between workers by stealing", nil, nil),
		workersLost: prometheus.NewDesc(
			"conductor_workers_lost_total", "Workers whose loop terminated unexpectedly", nil, nil),
		workerCount: prometheus.NewDesc(
			"conductor_workers", "Workers currently in the pool", nil, nil),
		pendingTasks: prometheus.NewDesc(
			"conductor_pending_tasks", "Tasks admitted but not yet running", nil, nil),
		activeTasks: prometheus.NewDesc(
			"conductor_active_tasks", "Tasks presently executing", nil, nil),
		avgLatencyMs: prometheus.NewDesc(
			"conductor_avg_latency_ms", "Rolling average task latency", nil, nil),
		cpuUsage: prometheus.NewDesc(
			"conductor_cpu_usage_percent", "Host CPU utilization", nil, nil),
		memoryMB: prometheus.NewDesc(
			"conductor_memory_mb", "Host memory in use", nil, nil),
		idleSeconds: prometheus.NewDesc(
			"conductor_idle_seconds", "Time since last user activity", nil, nil),
		dreamState: prometheus.NewDesc(
			"conductor_dream_state", "Idleness classification (0=awake, 1=drowsy, 2=dreaming)", nil, nil),
		violationRate: prometheus.NewDesc(
			"conductor_latency_violations_per_minute", "Latency violations in the last minute", nil, nil),
		efficiency: prometheus.NewDesc(
			"conductor_efficiency", "Active tasks per CPU percentage point", nil, nil),
		workerLoadFactor: prometheus.NewDesc(
			"conductor_worker_load_factor", "Per-worker busy fraction", []string{"worker", "kind"}, nil),
		tuningCycles: prometheus.NewDesc(
			"conductor_tuning_cycles_total", "Self-tuning cycles run", nil, nil),
		tunableChanges: prometheus.NewDesc(
			"conductor_tunable_changes_total", "Tunable snapshots applied by the tuner", nil, nil),
	}
	e.registry.MustRegister(e)
	return e
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.tasksTotal
	ch <- e.tasksCompleted
	ch <- e.tasksFailed
	ch <- e.tasksCancelled
	ch <- e.tasksStolen
	ch <- e.workersLost
	ch <- e.workerCount
	ch <- e.pendingTasks
	ch <- e.activeTasks
	ch <- e.avgLatencyMs
	ch <- e.cpuUsage
	ch <- e.memoryMB
	ch <- e.idleSeconds
	ch <- e.dreamState
	ch <- e.violationRate
	ch <- e.efficiency
	ch <- e.workerLoadFactor
	ch <- e.tuningCycles
	ch <- e.tunableChanges
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	stats := e.source.GetStats()
	load := e.source.GetSystemLoad()
	tuningStats := e.source.GetSelfTuningStats()

	counter := func(desc *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, float64(v))
	}
	gauge := func(desc *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, v)
	}

	counter(e.tasksTotal, stats.TotalTasks)
	counter(e.tasksCompleted, stats.CompletedTasks)
	counter(e.tasksFailed, stats.FailedTasks)
	counter(e.tasksCancelled, stats.CancelledTasks)
	counter(e.tasksStolen, stats.StolenTasks)
	counter(e.workersLost, stats.WorkersLost)
	gauge(e.workerCount, float64(stats.WorkerCount))

	gauge(e.pendingTasks, float64(load.Metrics.PendingTasks))
	gauge(e.activeTasks, float64(load.Metrics.ActiveTasks))
	gauge(e.avgLatencyMs, load.Metrics.AvgLatencyMs)
	gauge(e.cpuUsage, load.Metrics.CPUUsage)
	gauge(e.memoryMB, load.Metrics.MemoryMB)
	gauge(e.idleSeconds, load.Metrics.IdleDuration.Seconds())
	gauge(e.dreamState, float64(e.source.DreamState()))
	gauge(e.violationRate, e.source.ViolationRate())
	gauge(e.efficiency, e.source.Efficiency())

	for _, w := range load.Workers {
		ch <- prometheus.MustNewConstMetric(
			e.workerLoadFactor, prometheus.GaugeValue, w.LoadFactor,
			strconv.Itoa(int(w.ID)), w.Kind.Class.String())
	}

	counter(e.tuningCycles, tuningStats.CyclesRun)
	counter(e.tunableChanges, tuningStats.TunableChanges)
}

// Handler returns the /metrics HTTP handler for this exporter's registry
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve runs an HTTP server exposing /metrics until the context ends
func (e *Exporter) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics listener started")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
