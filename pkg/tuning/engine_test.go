package tuning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noodlesploder/conductor/pkg/entropy"
	"github.com/noodlesploder/conductor/pkg/types"
)

// fakeTarget is an in-memory stand-in for the orchestrator
type fakeTarget struct {
	mu       sync.Mutex
	tunables types.Tunables
	running  bool
	sets     int
}

func (f *fakeTarget) Tunables() types.Tunables {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tunables
}

func (f *fakeTarget) SetTunables(t types.Tunables) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tunables = t
	f.sets++
}

func (f *fakeTarget) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// dreamingMonitor returns a monitor already idle past its threshold with
// the given latency recorded
func dreamingMonitor(t *testing.T, avgLatency time.Duration) *entropy.Monitor {
	t.Helper()
	m := entropy.NewMonitor(entropy.MonitorConfig{
		LatencyThreshold: time.Hour, // keep the watchdog quiet
		DreamThreshold:   time.Nanosecond,
	})
	if avgLatency > 0 {
		m.RecordTask("probe", avgLatency)
	}
	m.RecordMetrics(m.CollectMetrics(0, 0))
	// The nanosecond threshold has long passed by now.
	require.Equal(t, types.DreamDreaming, m.DreamState())
	return m
}

func newTestEngine(t *testing.T, avgLatency time.Duration, start types.Tunables) (*Engine, *fakeTarget) {
	t.Helper()
	target := &fakeTarget{tunables: start, running: true}
	engine := NewEngine(Config{
		Enabled:        true,
		TargetLatency:  16 * time.Millisecond,
		SettleInterval: time.Millisecond,
	}, dreamingMonitor(t, avgLatency), target)
	return engine, target
}

func TestCycleIncreasesWhenSlow(t *testing.T) {
	// 40ms against a 16ms target: ratio 2.5, well past the dead band
	engine, target := newTestEngine(t, 40*time.Millisecond, types.Tunables{
		IterationBudget: 128, MaxDispatches: 64, StealAttempts: 4,
	})

	require.NoError(t, engine.RunCycle(context.Background()))

	tun := target.Tunables()
	assert.GreaterOrEqual(t, tun.IterationBudget, 256)
	assert.GreaterOrEqual(t, tun.MaxDispatches, 80)
	assert.LessOrEqual(t, tun.IterationBudget, 2048)
	assert.LessOrEqual(t, tun.MaxDispatches, 256)

	stats := engine.Stats()
	assert.EqualValues(t, 1, stats.CyclesRun)
	assert.NotZero(t, stats.TunableChanges)
}

func TestCycleDecreasesWhenOvershooting(t *testing.T) {
	// 4ms against 16ms: ratio 0.25, scheduling overhead dominates
	engine, target := newTestEngine(t, 4*time.Millisecond, types.Tunables{
		IterationBudget: 512, MaxDispatches: 96, StealAttempts: 4,
	})

	require.NoError(t, engine.RunCycle(context.Background()))

	tun := target.Tunables()
	assert.Less(t, tun.IterationBudget, 512)
	assert.Less(t, tun.MaxDispatches, 96)
	assert.GreaterOrEqual(t, tun.IterationBudget, 32)
	assert.GreaterOrEqual(t, tun.MaxDispatches, 8)
}

func TestCycleHoldsInsideDeadBand(t *testing.T) {
	engine, target := newTestEngine(t, 16*time.Millisecond, types.DefaultTunables())

	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Zero(t, target.sets, "no change inside the dead band")
	stats := engine.Stats()
	assert.EqualValues(t, 1, stats.CyclesRun)
	assert.EqualValues(t, 1, stats.SkippedCycles)
}

func TestCycleSkipsWithoutData(t *testing.T) {
	engine, target := newTestEngine(t, 0, types.DefaultTunables())

	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Zero(t, target.sets)
	assert.EqualValues(t, 1, engine.Stats().SkippedCycles)

	history := engine.History()
	require.Len(t, history, 1)
	assert.Equal(t, DecisionNoData, history[0].Decision)
}

func TestCycleRequiresDreaming(t *testing.T) {
	target := &fakeTarget{tunables: types.DefaultTunables(), running: true}
	monitor := entropy.NewMonitor(entropy.MonitorConfig{
		LatencyThreshold: time.Hour,
		DreamThreshold:   time.Hour, // wide awake
	})
	monitor.RecordTask("probe", 40*time.Millisecond)
	monitor.RecordMetrics(monitor.CollectMetrics(0, 0))

	engine := NewEngine(Config{Enabled: true, SettleInterval: time.Millisecond}, monitor, target)
	require.NoError(t, engine.RunCycle(context.Background()))

	assert.Zero(t, target.sets, "awake system must not be tuned")
}

func TestCycleRequiresRunningTarget(t *testing.T) {
	engine, target := newTestEngine(t, 40*time.Millisecond, types.DefaultTunables())
	target.mu.Lock()
	target.running = false
	target.mu.Unlock()

	require.NoError(t, engine.RunCycle(context.Background()))
	assert.Zero(t, target.sets)
}

func TestCycleCancelledByUserActivity(t *testing.T) {
	target := &fakeTarget{tunables: types.DefaultTunables(), running: true}
	monitor := entropy.NewMonitor(entropy.MonitorConfig{
		LatencyThreshold: time.Hour,
		DreamThreshold:   100 * time.Millisecond,
	})
	monitor.RecordTask("probe", 40*time.Millisecond)
	monitor.RecordMetrics(monitor.CollectMetrics(0, 0))

	engine := NewEngine(Config{
		Enabled:        true,
		SettleInterval: 50 * time.Millisecond,
	}, monitor, target)

	time.Sleep(110 * time.Millisecond) // let the dream threshold pass
	require.Equal(t, types.DreamDreaming, monitor.DreamState())

	// Wake the system mid-cycle; the next pass boundary must stand down.
	go func() {
		time.Sleep(20 * time.Millisecond)
		monitor.UserActivity()
	}()
	require.NoError(t, engine.RunCycle(context.Background()))

	// At most one pass applied before the poke was observed.
	target.mu.Lock()
	sets := target.sets
	target.mu.Unlock()
	assert.LessOrEqual(t, sets, 1)
}

func TestSingleFlight(t *testing.T) {
	engine, _ := newTestEngine(t, 40*time.Millisecond, types.DefaultTunables())

	engine.inFlight.Store(true)
	err := engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, types.ErrTuningBusy)
	engine.inFlight.Store(false)
}

func TestDisabledEngineDoesNothing(t *testing.T) {
	target := &fakeTarget{tunables: types.DefaultTunables(), running: true}
	engine := NewEngine(Config{Enabled: false}, dreamingMonitor(t, 40*time.Millisecond), target)

	require.NoError(t, engine.RunCycle(context.Background()))
	assert.Zero(t, target.sets)
	assert.Zero(t, engine.Stats().CyclesRun)
}

func TestCycleBoundedPasses(t *testing.T) {
	// Ratio stays high, so every pass applies a change; the cycle still
	// terminates at the pass bound.
	engine, target := newTestEngine(t, 400*time.Millisecond, types.Tunables{
		IterationBudget: 64, MaxDispatches: 16, StealAttempts: 4,
	})

	require.NoError(t, engine.RunCycle(context.Background()))
	assert.LessOrEqual(t, target.sets, 3)

	history := engine.History()
	require.Len(t, history, 1)
	assert.LessOrEqual(t, history[0].Passes, 3)
}

func TestAdjustClampBounds(t *testing.T) {
	properties := gopter.NewProperties(nil)

	genTunables := gopter.CombineGens(
		gen.IntRange(1, 4096),
		gen.IntRange(1, 512),
	).Map(func(vals []interface{}) types.Tunables {
		return types.Tunables{
			IterationBudget: vals[0].(int),
			MaxDispatches:   vals[1].(int),
			StealAttempts:   4,
		}
	})

	properties.Property("GrowthStaysWithinBounds", prop.ForAll(
		func(start types.Tunables) bool {
			next, decision := adjust(start, 5.0)
			return decision == DecisionIncrease &&
				next.IterationBudget >= 64 && next.IterationBudget <= 2048 &&
				next.MaxDispatches >= 16 && next.MaxDispatches <= 256
		},
		genTunables,
	))

	properties.Property("ShrinkStaysWithinBounds", prop.ForAll(
		func(start types.Tunables) bool {
			next, decision := adjust(start, 0.1)
			return decision == DecisionDecrease &&
				next.IterationBudget >= 32 && next.IterationBudget <= 1024 &&
				next.MaxDispatches >= 8 && next.MaxDispatches <= 128
		},
		genTunables,
	))

	properties.Property("DeadBandHolds", prop.ForAll(
		func(start types.Tunables) bool {
			next, decision := adjust(start, 1.0)
			return decision == DecisionHold && next == start
		},
		genTunables,
	))

	properties.Property("RepeatedGrowthConverges", prop.ForAll(
		func(start types.Tunables) bool {
			// Dispatches climb 16 per pass, so reaching 256 from a start
			// of 1 takes 16 passes; the budget doubles and needs at most 6.
			cur := start
			for i := 0; i < 16; i++ {
				next, _ := adjust(cur, 5.0)
				cur = next
			}
			return cur.IterationBudget == 2048 && cur.MaxDispatches == 256
		},
		genTunables,
	))

	properties.TestingRun(t)
}
