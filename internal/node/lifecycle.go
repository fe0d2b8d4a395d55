package node

import "sync/atomic"

// LifecycleState is the node-wide run state.
type LifecycleState int32

const (
	StateStopped LifecycleState = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s LifecycleState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Lifecycle holds the run state. Only the Node writes it; mining loops and
// other components read it.
type Lifecycle struct {
	state atomic.Int32
}

// State returns the current state.
func (l *Lifecycle) State() LifecycleState {
	return LifecycleState(l.state.Load())
}

// Running reports whether the node is fully started.
func (l *Lifecycle) Running() bool {
	return l.State() == StateRunning
}

func (l *Lifecycle) set(s LifecycleState) {
	l.state.Store(int32(s))
}

// transition moves from one state to another and reports whether the
// current state was from.
func (l *Lifecycle) transition(from, to LifecycleState) bool {
	return l.state.CompareAndSwap(int32(from), int32(to))
}
