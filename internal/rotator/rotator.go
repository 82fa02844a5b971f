// Package rotator round-robins the kernel side through non-co-schedulable
// PMU event groups so the full event set gets time-sliced coverage on
// hardware that can only count a handful of events at once.
package rotator // import "github.com/microsentinel/agent/internal/rotator"

import (
	"context"
	"sync"
	"time"

	"github.com/microsentinel/agent/internal/mode"
)

// Orchestrator is the subset of the kernel-side control surface the
// rotator needs: how many groups are active, which one is current, and a
// way to ask for the next one.
type Orchestrator interface {
	ActiveGroupCount() int
	CurrentGroupIndex() int
	RotateToGroup(index int) bool
}

const defaultWindow = 5 * time.Second

// Rotator drives Orchestrator.RotateToGroup on a fixed window, and keeps
// the aggregator's sample-scale multiplier in sync with how many groups
// are currently being time-shared.
type Rotator struct {
	orchestrator Orchestrator
	window       time.Duration
	onScale      func(float64)

	mu           sync.Mutex
	mode         mode.AgentMode
	groupCount   int
	currentIndex int
	modeDirty    bool

	modeCh chan mode.AgentMode
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Rotator. A non-positive window falls back to the 5s
// default.
func New(orchestrator Orchestrator, window time.Duration, onScale func(float64)) *Rotator {
	if window <= 0 {
		window = defaultWindow
	}
	return &Rotator{
		orchestrator: orchestrator,
		window:       window,
		onScale:      onScale,
		modeCh:       make(chan mode.AgentMode, 1),
	}
}

// Start launches the rotation loop in a background goroutine. Calling
// Start twice without an intervening Stop is a no-op.
func (r *Rotator) Start(initialMode mode.AgentMode) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	r.mode = initialMode
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.refreshState()
	go r.run(ctx)
}

// Stop halts the rotation loop and waits for it to exit.
func (r *Rotator) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// UpdateMode notifies the rotator of a mode transition; it refreshes the
// cached group count immediately since the active group set can differ
// between Sentinel and Diagnostic.
func (r *Rotator) UpdateMode(m mode.AgentMode) {
	r.mu.Lock()
	r.mode = m
	r.modeDirty = true
	r.mu.Unlock()

	r.refreshState()
	select {
	case r.modeCh <- m:
	default:
	}
}

func (r *Rotator) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.window)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.modeCh:
			r.mu.Lock()
			r.modeDirty = false
			r.mu.Unlock()
			continue
		case <-ticker.C:
			r.rotateOnce()
		}
	}
}

func (r *Rotator) rotateOnce() {
	r.mu.Lock()
	count := r.groupCount
	current := r.currentIndex
	r.mu.Unlock()

	if count <= 1 {
		return
	}
	next := (current + 1) % count

	ok := r.orchestrator != nil && r.orchestrator.RotateToGroup(next)

	if ok {
		r.mu.Lock()
		r.currentIndex = next
		r.mu.Unlock()
		return
	}
	r.refreshState()
}

// refreshState resyncs group_count/current_index from the orchestrator
// and recomputes the sample-scale multiplier (max(1, count)) for
// duty-cycle compensation: when N groups share the PMU
// round-robin, each observed sample stands in for N samples of real
// occupancy.
func (r *Rotator) refreshState() {
	var count, index int
	if r.orchestrator != nil {
		count = r.orchestrator.ActiveGroupCount()
		index = r.orchestrator.CurrentGroupIndex()
	}

	scale := 1.0
	if count > 0 {
		if count > 1 {
			scale = float64(count)
		}
	}
	if r.onScale != nil {
		r.onScale(scale)
	}

	r.mu.Lock()
	r.groupCount = count
	if count == 0 {
		r.currentIndex = 0
	} else if index >= count {
		r.currentIndex = count - 1
	} else {
		r.currentIndex = index
	}
	r.modeDirty = false
	r.mu.Unlock()
}
