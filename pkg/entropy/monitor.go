package entropy

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/noodlesploder/conductor/pkg/types"
)

const (
	defaultMetricsHistory   = 3600 // one hour at 1Hz
	queueOverflowThreshold  = 5000
	cpuSaturationPercent    = 90.0
	memoryPressurePercent   = 90.0
	imbalanceHighLoadFactor = 0.9
	imbalanceIdleLoadFactor = 0.1
)

// MonitorConfig configures the entropy monitor
type MonitorConfig struct {
	LatencyThreshold  time.Duration
	DreamThreshold    time.Duration
	EnableAccelerator bool
	// HistorySize bounds the rolling metrics history; zero uses the default
	HistorySize int
}

// Monitor aggregates the latency watchdog, the stagnation timer, and the
// host sampler, and keeps a bounded rolling history of metrics snapshots.
type Monitor struct {
	watchdog   *Watchdog
	stagnation *StagnationTimer
	sampler    *Sampler

	mu      sync.RWMutex
	history []types.SystemMetrics // preallocated ring
	head    int
	count   int
}

// NewMonitor creates an entropy monitor
func NewMonitor(cfg MonitorConfig) *Monitor {
	size := cfg.HistorySize
	if size <= 0 {
		size = defaultMetricsHistory
	}

	log.Info().
		Dur("latency_threshold", cfg.LatencyThreshold).
		Dur("dream_threshold", cfg.DreamThreshold).
		Msg("Initializing entropy monitor")

	return &Monitor{
		watchdog:   NewWatchdog(cfg.LatencyThreshold),
		stagnation: NewStagnationTimer(cfg.DreamThreshold),
		sampler:    NewSampler(cfg.EnableAccelerator),
		history:    make([]types.SystemMetrics, size),
	}
}

// RecordTask notes a completed task execution for both the watchdog and the
// rolling latency average
func (m *Monitor) RecordTask(taskName string, duration time.Duration) {
	m.watchdog.Record(taskName, duration)
	m.sampler.RecordLatency(duration)
}

// UserActivity resets the idle clock
func (m *Monitor) UserActivity() {
	m.stagnation.Poke()
}

// DreamState returns the current idleness classification
func (m *Monitor) DreamState() types.DreamState {
	return m.stagnation.DreamState()
}

// IdleDuration returns the time since the last user interaction
func (m *Monitor) IdleDuration() time.Duration {
	return m.stagnation.IdleDuration()
}

// CollectMetrics assembles a fresh snapshot. The caller decides whether to
// record it into history.
func (m *Monitor) CollectMetrics(active, pending uint64) types.SystemMetrics {
	metrics := m.sampler.Collect(active, pending)
	metrics.IdleDuration = m.stagnation.IdleDuration()
	return metrics
}

// RecordMetrics appends a snapshot to the rolling history, evicting the
// oldest entry on overflow
func (m *Monitor) RecordMetrics(metrics types.SystemMetrics) {
	m.mu.Lock()
	m.history[m.head] = metrics
	m.head = (m.head + 1) % len(m.history)
	if m.count < len(m.history) {
		m.count++
	}
	m.mu.Unlock()
}

// LatestMetrics returns the most recently recorded snapshot, if any
func (m *Monitor) LatestMetrics() (types.SystemMetrics, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.count == 0 {
		return types.SystemMetrics{}, false
	}
	idx := (m.head - 1 + len(m.history)) % len(m.history)
	return m.history[idx], true
}

// HistoryLen returns the number of recorded snapshots
func (m *Monitor) HistoryLen() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.count
}

// DetectBottleneck classifies the dominant constraint in the given load
// report. Rules are evaluated in order; worker imbalance is warned about
// but never classified.
func (m *Monitor) DetectBottleneck(load *types.SystemLoad) *types.Bottleneck {
	if load.Metrics.CPUUsage > cpuSaturationPercent {
		b := types.BottleneckCPUSaturated
		return &b
	}

	if m.sampler.MemoryPercent() > memoryPressurePercent {
		b := types.BottleneckMemoryPressure
		return &b
	}

	if load.Metrics.PendingTasks > queueOverflowThreshold {
		b := types.BottleneckTaskQueueOverflow
		return &b
	}

	if len(load.Workers) > 1 {
		maxLoad, minLoad := 0.0, 1.0
		for _, w := range load.Workers {
			if w.LoadFactor > maxLoad {
				maxLoad = w.LoadFactor
			}
			if w.LoadFactor < minLoad {
				minLoad = w.LoadFactor
			}
		}
		if maxLoad > imbalanceHighLoadFactor && minLoad < imbalanceIdleLoadFactor {
			log.Warn().
				Float64("max_load", maxLoad).
				Float64("min_load", minLoad).
				Msg("Imbalanced work distribution across workers")
		}
	}

	return nil
}

// CalculateEfficiency returns active tasks per CPU percentage point from
// the latest snapshot. Defined as 1.0 while history holds fewer than two
// samples, and 0.0 when the CPU reading is zero.
func (m *Monitor) CalculateEfficiency() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.count < 2 {
		return 1.0
	}
	idx := (m.head - 1 + len(m.history)) % len(m.history)
	latest := m.history[idx]
	if latest.CPUUsage > 0 {
		return float64(latest.ActiveTasks) / latest.CPUUsage
	}
	return 0.0
}

// Violations returns up to n recent latency violations, newest first
func (m *Monitor) Violations(n int) []types.LatencyViolation {
	return m.watchdog.RecentViolations(n)
}

// ViolationRate returns the violation count over the last minute
func (m *Monitor) ViolationRate() float64 {
	return m.watchdog.ViolationRate()
}

// LatencyThreshold returns the watchdog threshold
func (m *Monitor) LatencyThreshold() time.Duration {
	return m.watchdog.Threshold()
}
