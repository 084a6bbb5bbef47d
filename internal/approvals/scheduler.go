package approvals

import (
	"sync"
	"time"

	"github.com/fakeyudi/agentconsole/internal/clock"
)

// Scheduler keeps at most one prune timer armed.
type Scheduler struct {
	clock clock.Clock
	fire  func()

	mu    sync.Mutex
	timer *clock.Timer
	gen   uint64
}

// NewScheduler returns a Scheduler that calls fire when the armed delay
// elapses. fire runs on the clock's callback goroutine.
func NewScheduler(c clock.Clock, fire func()) *Scheduler {
	return &Scheduler{clock: c, fire: fire}
}

// Reschedule replaces any armed timer. With ok false nothing is armed.
func (s *Scheduler) Reschedule(delayMs int64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	if !ok {
		return
	}
	s.gen++
	gen := s.gen
	s.timer = s.clock.AfterFunc(time.Duration(delayMs)*time.Millisecond, func() {
		s.mu.Lock()
		current := gen == s.gen
		if current {
			s.timer = nil
		}
		s.mu.Unlock()
		if current {
			s.fire()
		}
	})
}

// Armed reports whether a timer is pending.
func (s *Scheduler) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Stop disarms the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
