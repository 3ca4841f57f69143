package entropy

import (
	"sync/atomic"
	"time"

	"github.com/noodlesploder/conductor/pkg/types"
)

// StagnationTimer tracks time since the last user interaction and derives
// the three-valued dream state from it. The timestamp lives in a single
// atomic cell so readers never block the poker.
type StagnationTimer struct {
	dreamThreshold time.Duration

	// lastActivity holds monotonic nanoseconds relative to base
	lastActivity atomic.Int64
	base         time.Time

	// now is swappable in tests; must return a monotonic reading
	now func() time.Time
}

// NewStagnationTimer creates a timer that reports Dreaming after the given
// idle threshold
func NewStagnationTimer(dreamThreshold time.Duration) *StagnationTimer {
	return newStagnationTimer(dreamThreshold, time.Now)
}

func newStagnationTimer(dreamThreshold time.Duration, now func() time.Time) *StagnationTimer {
	t := &StagnationTimer{
		dreamThreshold: dreamThreshold,
		base:           now(),
		now:            now,
	}
	t.lastActivity.Store(0)
	return t
}

// Poke records user activity, resetting the idle clock
func (t *StagnationTimer) Poke() {
	t.lastActivity.Store(int64(t.now().Sub(t.base)))
}

// IdleDuration returns the time elapsed since the last recorded activity.
// Both readings come from the monotonic clock, so a wall-clock jump cannot
// produce a spurious idle period.
func (t *StagnationTimer) IdleDuration() time.Duration {
	elapsed := t.now().Sub(t.base)
	return elapsed - time.Duration(t.lastActivity.Load())
}

// DreamState classifies the current idleness: Dreaming at or beyond the
// threshold, Drowsy at three quarters of it, Awake otherwise.
func (t *StagnationTimer) DreamState() types.DreamState {
	idle := t.IdleDuration()
	switch {
	case idle >= t.dreamThreshold:
		return types.DreamDreaming
	case idle >= t.dreamThreshold*3/4:
		return types.DreamDrowsy
	default:
		return types.DreamAwake
	}
}
