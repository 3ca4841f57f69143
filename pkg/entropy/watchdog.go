package entropy

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/noodlesploder/conductor/pkg/types"
)

const defaultViolationCapacity = 1000

// Watchdog records per-task execution durations and retains a bounded ring
// of threshold violations. The threshold is fixed for the watchdog's
// lifetime; self-tuning adjusts orchestrator parameters, never this.
type Watchdog struct {
	threshold time.Duration

	mu    sync.RWMutex
	ring  []types.LatencyViolation // preallocated, fixed capacity
	head  int                      // next write position
	count int                      // valid entries, <= len(ring)

	// warnLimiter keeps a misbehaving workload from flooding the log.
	// Dropping a warning never drops the violation itself.
	warnLimiter *rate.Limiter
}

// NewWatchdog creates a watchdog with the given threshold and the default
// ring capacity.
func NewWatchdog(threshold time.Duration) *Watchdog {
	return NewWatchdogWithCapacity(threshold, defaultViolationCapacity)
}

// NewWatchdogWithCapacity creates a watchdog with an explicit ring capacity.
// The ring is sized once here; Record never allocates.
func NewWatchdogWithCapacity(threshold time.Duration, capacity int) *Watchdog {
	if capacity <= 0 {
		capacity = defaultViolationCapacity
	}
	return &Watchdog{
		threshold:   threshold,
		ring:        make([]types.LatencyViolation, capacity),
		warnLimiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
}

// Threshold returns the immutable violation threshold
func (w *Watchdog) Threshold() time.Duration {
	return w.threshold
}

// Record notes a task execution. Durations above the threshold are stored
// in the violation ring, evicting the oldest entry on overflow.
func (w *Watchdog) Record(taskName string, duration time.Duration) {
	if duration <= w.threshold {
		return
	}

	v := types.LatencyViolation{
		Timestamp:      time.Now(),
		TaskName:       taskName,
		ActualDuration: duration,
		Threshold:      w.threshold,
	}

	w.mu.Lock()
	w.ring[w.head] = v
	w.head = (w.head + 1) % len(w.ring)
	if w.count < len(w.ring) {
		w.count++
	}
	w.mu.Unlock()

	if w.warnLimiter.Allow() {
		log.Warn().
			Str("task", taskName).
			Float64("actual_ms", float64(duration)/float64(time.Millisecond)).
			Float64("threshold_ms", float64(w.threshold)/float64(time.Millisecond)).
			Msg("Latency violation")
	}
}

// RecentViolations returns up to n violations, most recent first
func (w *Watchdog) RecentViolations(n int) []types.LatencyViolation {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if n > w.count {
		n = w.count
	}
	out := make([]types.LatencyViolation, 0, n)
	for i := 0; i < n; i++ {
		idx := (w.head - 1 - i + len(w.ring)) % len(w.ring)
		out = append(out, w.ring[idx])
	}
	return out
}

// ViolationRate returns the number of violations observed within the last
// 60 seconds. time.Since reads the monotonic clock, so wall-clock jumps do
// not distort the window.
func (w *Watchdog) ViolationRate() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()

	recent := 0
	for i := 0; i < w.count; i++ {
		idx := (w.head - 1 - i + len(w.ring)) % len(w.ring)
		if time.Since(w.ring[idx].Timestamp) > time.Minute {
			// Entries are ordered; everything older follows.
			break
		}
		recent++
	}
	return float64(recent)
}
