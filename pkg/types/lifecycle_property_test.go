package types

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestLifecycleProperties checks the monotone lifecycle over arbitrary
// transition attempts: whatever sequence of target states is attempted,
// the accepted prefix is always Pending -> Running -> terminal, and no
// transition ever leaves a terminal state.
func TestLifecycleProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	genState := gen.IntRange(int(TaskStatePending), int(TaskStateCancelled)).
		Map(func(v int) TaskState { return TaskState(v) })

	properties.Property("TerminalStatesAreAbsorbing", prop.ForAll(
		func(attempts []TaskState) bool {
			state := TaskStatePending
			for _, next := range attempts {
				if !CanTransition(state, next) {
					continue
				}
				state = next
			}
			// Replay from any reached terminal state: nothing is accepted.
			if state.Terminal() {
				for s := TaskStatePending; s <= TaskStateCancelled; s++ {
					if CanTransition(state, s) {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(genState),
	))

	properties.Property("AcceptedSequenceIsMonotonePrefix", prop.ForAll(
		func(attempts []TaskState) bool {
			state := TaskStatePending
			observed := []TaskState{state}
			for _, next := range attempts {
				if CanTransition(state, next) {
					state = next
					observed = append(observed, state)
				}
			}
			// The only observable sequences are Pending, Pending->Cancelled,
			// Pending->Running, and Pending->Running->terminal.
			switch len(observed) {
			case 1:
				return observed[0] == TaskStatePending
			case 2:
				return observed[1] == TaskStateRunning || observed[1] == TaskStateCancelled
			case 3:
				return observed[1] == TaskStateRunning && observed[2].Terminal()
			default:
				return false
			}
		},
		gen.SliceOf(genState),
	))

	properties.Property("RunningReachableOnlyFromPending", prop.ForAll(
		func(from TaskState) bool {
			if CanTransition(from, TaskStateRunning) {
				return from == TaskStatePending
			}
			return true
		},
		genState,
	))

	properties.TestingRun(t)
}
