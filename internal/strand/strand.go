// Package strand provides a serialized execution context: functions posted
// to a Strand run one at a time, in order, on a single goroutine.
package strand

import (
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-node/internal/log"
)

// Strand runs posted functions sequentially. Posting never blocks.
type Strand struct {
	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// New creates a strand and starts its goroutine.
func New() *Strand {
	s := &Strand{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

// Post queues fn for execution. It returns false if the strand is stopped.
func (s *Strand) Post(fn func()) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

// AfterFunc posts fn to the strand once d has elapsed.
func (s *Strand) AfterFunc(d time.Duration, fn func()) *Timer {
	return &Timer{t: time.AfterFunc(d, func() { s.Post(fn) })}
}

// Stop refuses further posts, runs the work already queued and terminates
// the strand goroutine. Stop is idempotent.
func (s *Strand) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopped = true
	pending := len(s.queue)
	s.mu.Unlock()

	if pending > 0 {
		l := klog.WithComponent("strand")
		l.Debug().Int("tasks", pending).Msg("Draining strand")
	}
	close(s.quit)
	<-s.done
}

func (s *Strand) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			stopped := s.stopped
			s.mu.Unlock()
			if stopped {
				return
			}
			select {
			case <-s.wake:
			case <-s.quit:
			}
			continue
		}
		fn := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.exec(fn)
	}
}

func (s *Strand) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l := klog.WithComponent("strand")
			l.Error().Interface("panic", r).Msg("Recovered panic in strand task")
		}
	}()
	fn()
}

// Timer is a pending AfterFunc callback.
type Timer struct {
	t *time.Timer
}

// Stop prevents the callback from being posted. It returns false if the
// callback has already been posted.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	return t.t.Stop()
}
