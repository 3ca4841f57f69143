package tuning

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/noodlesploder/conductor/pkg/entropy"
	"github.com/noodlesploder/conductor/pkg/types"
)

// Clamp bounds for the tunables. Growth and shrink use different windows
// so repeated cycles ratchet toward the relevant extreme without
// oscillating past it.
const (
	budgetGrowMin   = 64
	budgetGrowMax   = 2048
	budgetShrinkMin = 32
	budgetShrinkMax = 1024

	dispatchGrowMin   = 16
	dispatchGrowMax   = 256
	dispatchShrinkMin = 8
	dispatchShrinkMax = 128

	dispatchStep = 16

	// Dead band around the target: above ratioHigh the scheduler is too
	// slow, below ratioLow it is wasting overhead.
	ratioHigh = 1.2
	ratioLow  = 0.5
)

const (
	defaultMaxPasses      = 3
	defaultSettleInterval = 10 * time.Millisecond
	cycleHistorySize      = 64
)

// Decision is the action a tuning pass took
type Decision string

const (
	DecisionIncrease Decision = "increase"
	DecisionDecrease Decision = "decrease"
	DecisionHold     Decision = "hold"
	DecisionNoData   Decision = "no_data"
)

// CycleRecord describes one completed tuning cycle
type CycleRecord struct {
	Timestamp       time.Time      `json:"timestamp"`
	Passes          int            `json:"passes"`
	InitialTunables types.Tunables `json:"initial_tunables"`
	FinalTunables   types.Tunables `json:"final_tunables"`
	ObservedRatio   float64        `json:"observed_ratio"`
	Decision        Decision       `json:"decision"`
}

// Target is the scheduler the engine adjusts
type Target interface {
	Tunables() types.Tunables
	SetTunables(types.Tunables)
	Running() bool
}

// Config configures the self-tuning engine
type Config struct {
	Enabled bool
	// TargetLatency is the latency the tuner steers toward; zero means 16ms
	TargetLatency time.Duration
	// MaxPasses bounds passes per cycle; zero means 3
	MaxPasses int
	// SettleInterval is the pause between passes; zero means 10ms
	SettleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetLatency <= 0 {
		c.TargetLatency = 16 * time.Millisecond
	}
	if c.MaxPasses <= 0 {
		c.MaxPasses = defaultMaxPasses
	}
	if c.SettleInterval <= 0 {
		c.SettleInterval = defaultSettleInterval
	}
	return c
}

// Engine adjusts the orchestrator's tunables during idle periods, driven
// purely by measured latency against the target. It mutates nothing but
// the tunable snapshot, and only within the clamp bounds.
type Engine struct {
	config  Config
	monitor *entropy.Monitor
	target  Target

	// inFlight enforces one cycle at a time
	inFlight atomic.Bool

	cyclesRun      atomic.Uint64
	tunableChanges atomic.Uint64
	skippedCycles  atomic.Uint64

	mu           sync.Mutex
	history      []CycleRecord // bounded, oldest dropped
	ratioSum     float64
	ratioSamples uint64
}

// NewEngine creates a self-tuning engine
func NewEngine(cfg Config, monitor *entropy.Monitor, target Target) *Engine {
	return &Engine{
		config:  cfg.withDefaults(),
		monitor: monitor,
		target:  target,
	}
}

// Enabled reports whether tuning is switched on
func (e *Engine) Enabled() bool { return e.config.Enabled }

// RunCycle executes one bounded tuning cycle. It refuses to overlap with
// an in-flight cycle, runs only while the system is Dreaming and the
// orchestrator is Running, and cancels at the next pass boundary on user
// activity.
func (e *Engine) RunCycle(ctx context.Context) error {
	if !e.config.Enabled {
		return nil
	}
	if !e.inFlight.CompareAndSwap(false, true) {
		return types.ErrTuningBusy
	}
	defer e.inFlight.Store(false)

	record := CycleRecord{
		Timestamp:       time.Now(),
		InitialTunables: e.target.Tunables(),
		Decision:        DecisionNoData,
	}

	for pass := 0; pass < e.config.MaxPasses; pass++ {
		// Gate re-checked every pass: a poke wakes the system and the
		// cycle must stand down.
		if e.monitor.DreamState() != types.DreamDreaming || !e.target.Running() {
			break
		}

		latest, ok := e.monitor.LatestMetrics()
		if !ok || latest.AvgLatencyMs == 0 {
			// Nothing has completed yet; there is nothing to tune.
			break
		}

		ratio := latest.AvgLatencyMs / (float64(e.config.TargetLatency) / float64(time.Millisecond))
		record.ObservedRatio = ratio

		current := e.target.Tunables()
		next, decision := adjust(current, ratio)
		record.Decision = decision
		record.Passes = pass + 1

		if decision == DecisionHold || next == current {
			break
		}

		e.target.SetTunables(next)
		e.tunableChanges.Add(1)
		record.FinalTunables = next

		log.Info().
			Float64("ratio", ratio).
			Str("decision", string(decision)).
			Int("iteration_budget", next.IterationBudget).
			Int("max_dispatches", next.MaxDispatches).
			Msg("Tuning pass applied")

		select {
		case <-ctx.Done():
			pass = e.config.MaxPasses
		case <-time.After(e.config.SettleInterval):
		}
	}

	e.finishCycle(record)
	return nil
}

// adjust computes the next tunable snapshot for the observed ratio
func adjust(current types.Tunables, ratio float64) (types.Tunables, Decision) {
	next := current
	switch {
	case ratio > ratioHigh:
		next.IterationBudget = clamp(current.IterationBudget*2, budgetGrowMin, budgetGrowMax)
		next.MaxDispatches = clamp(current.MaxDispatches+dispatchStep, dispatchGrowMin, dispatchGrowMax)
		return next, DecisionIncrease
	case ratio < ratioLow:
		next.IterationBudget = clamp(current.IterationBudget/2, budgetShrinkMin, budgetShrinkMax)
		next.MaxDispatches = clamp(current.MaxDispatches-dispatchStep, dispatchShrinkMin, dispatchShrinkMax)
		return next, DecisionDecrease
	default:
		return current, DecisionHold
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (e *Engine) finishCycle(record CycleRecord) {
	if record.FinalTunables == (types.Tunables{}) {
		record.FinalTunables = record.InitialTunables
	}
	e.cyclesRun.Add(1)
	if record.Decision == DecisionHold || record.Decision == DecisionNoData {
		e.skippedCycles.Add(1)
		log.Debug().Str("decision", string(record.Decision)).Msg("Tuning cycle made no changes")
	}

	e.mu.Lock()
	e.history = append(e.history, record)
	if len(e.history) > cycleHistorySize {
		e.history = e.history[1:]
	}
	if record.ObservedRatio > 0 {
		e.ratioSum += record.ObservedRatio
		e.ratioSamples++
	}
	e.mu.Unlock()
}

// Stats returns a snapshot of the engine counters
func (e *Engine) Stats() types.SelfTuningStatistics {
	e.mu.Lock()
	avg := 0.0
	if e.ratioSamples > 0 {
		avg = e.ratioSum / float64(e.ratioSamples)
	}
	e.mu.Unlock()

	if math.IsNaN(avg) {
		avg = 0.0
	}
	return types.SelfTuningStatistics{
		CyclesRun:           e.cyclesRun.Load(),
		TunableChanges:      e.tunableChanges.Load(),
		SkippedCycles:       e.skippedCycles.Load(),
		AvgImprovementRatio: avg,
	}
}

// History returns the recorded cycles, oldest first
func (e *Engine) History() []CycleRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]CycleRecord, len(e.history))
	copy(out, e.history)
	return out
}
