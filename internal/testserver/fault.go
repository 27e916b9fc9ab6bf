package testserver

import "sync/atomic"

// State is the process-wide fault state. Transitions are one-way:
// normal -> hung, and normal|hung -> terminated.
type State int32

const (
	StateNormal State = iota
	StateHung
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNormal:
		return "normal"
	case StateHung:
		return "hung"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

type faults struct {
	state atomic.Int32
}

func (f *faults) load() State { return State(f.state.Load()) }

// hang trips the permanent hang. It reports whether this call made the
// transition.
func (f *faults) hang() bool {
	return f.state.CompareAndSwap(int32(StateNormal), int32(StateHung))
}

func (f *faults) terminate() {
	f.state.Store(int32(StateTerminated))
}
