package entropy

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/noodlesploder/conductor/pkg/types"
)

// latencyWindow is the number of recent task durations averaged into
// SystemMetrics.AvgLatencyMs
const latencyWindow = 60

// Sampler reads CPU and memory utilization from the host and assembles
// SystemMetrics snapshots. It refreshes only the subsystems it reports;
// a full-system refresh is too slow for the sampling path.
type Sampler struct {
	enableAccelerator bool

	mu sync.Mutex
	// last task durations in ms, ring of latencyWindow entries
	latencies [latencyWindow]float64
	latHead   int
	latCount  int

	// cached readings reused by MemoryPercent between collections
	lastCPU        float64
	lastMemPercent float64
}

// NewSampler creates a host sampler. When enableAccelerator is false the
// accelerator utilization field is omitted from snapshots.
func NewSampler(enableAccelerator bool) *Sampler {
	return &Sampler{enableAccelerator: enableAccelerator}
}

// RecordLatency feeds a completed task duration into the rolling average
func (s *Sampler) RecordLatency(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	s.mu.Lock()
	s.latencies[s.latHead] = ms
	s.latHead = (s.latHead + 1) % latencyWindow
	if s.latCount < latencyWindow {
		s.latCount++
	}
	s.mu.Unlock()
}

// Collect assembles a metrics snapshot. Task counts come from the caller;
// CPU and memory come from the platform sampler. The snapshot is returned,
// not recorded; the entropy monitor owns history.
func (s *Sampler) Collect(active, pending uint64) types.SystemMetrics {
	cpuUsage := s.sampleCPU()
	memoryMB, memPercent := s.sampleMemory()

	s.mu.Lock()
	s.lastCPU = cpuUsage
	s.lastMemPercent = memPercent
	avgLatency := 0.0
	if s.latCount > 0 {
		sum := 0.0
		for i := 0; i < s.latCount; i++ {
			sum += s.latencies[i]
		}
		avgLatency = sum / float64(s.latCount)
	}
	s.mu.Unlock()

	m := types.SystemMetrics{
		ActiveTasks:  active,
		PendingTasks: pending,
		AvgLatencyMs: avgLatency,
		CPUUsage:     cpuUsage,
		MemoryMB:     memoryMB,
	}

	if s.enableAccelerator {
		// No portable accelerator counter is available here; report a
		// bounded estimate correlated with CPU load, never above it.
		est := cpuUsage * 0.8
		m.AcceleratorUsage = &est
	}

	return m
}

// MemoryPercent returns the used-memory fraction observed at the last
// collection, as a percentage
func (s *Sampler) MemoryPercent() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMemPercent
}

func (s *Sampler) sampleCPU() float64 {
	// Interval 0 returns utilization since the previous call (any Collect,
	// including those made for load reports) and costs nothing extra.
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0
	}
	return percents[0]
}

func (s *Sampler) sampleMemory() (usedMB, usedPercent float64) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0
	}
	return float64(vm.Used) / 1024.0 / 1024.0, vm.UsedPercent
}
