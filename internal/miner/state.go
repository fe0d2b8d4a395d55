package miner

import (
	"sync"
	"sync/atomic"
)

// State is the lifecycle of one mining mode.
type State int32

const (
	StateNone State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// mode holds the state and worker goroutines of one mining mode. op
// serializes start and stop; state is read lock-free by the workers.
type mode struct {
	name         string
	proofOfStake bool

	op    sync.Mutex
	state atomic.Int32
	wg    sync.WaitGroup
}

func (c *mode) current() State {
	return State(c.state.Load())
}

// running reports whether workers should keep going.
func (c *mode) running() bool {
	s := c.current()
	return s == StateStarting || s == StateStarted
}
