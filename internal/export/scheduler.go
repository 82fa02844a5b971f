package export

import (
	"context"
	"sync"
	"time"

	"github.com/microsentinel/agent/periodiccaller"
)

// Scheduler drives the agent's flush cycle on a fixed interval. The
// cycle callback pulls from the Aggregator and detectors, pushes
// metrics, and feeds the resulting load ratio into the mode controller.
type Scheduler struct {
	interval time.Duration
	cycle    func()

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewScheduler builds a Scheduler; intervals below 1ms fall back to 200ms.
func NewScheduler(interval time.Duration, cycle func()) *Scheduler {
	if interval < time.Millisecond {
		interval = 200 * time.Millisecond
	}
	return &Scheduler{interval: interval, cycle: cycle}
}

// Interval returns the configured flush interval.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start launches the flush loop. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	periodiccaller.Start(ctx, s.interval, s.cycle)
}

// Stop halts the loop and runs one final cycle so nothing queued at
// shutdown is lost. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.cycle()
}
