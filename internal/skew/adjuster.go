// Package skew backfills samples whose flow attribution arrived late (or
// not at all) by borrowing the flow id of a nearby sample on the same CPU,
// within a bounded time tolerance.
package skew // import "github.com/microsentinel/agent/internal/skew"

import (
	"math"
	"sync"

	"github.com/microsentinel/agent/internal/wire"
)

// FlowSkidNs is the default backfill tolerance, matching the kernel side's
// MS_FLOW_SKID_NS constant.
const FlowSkidNs = 2000

const defaultMaxWindow = 4

// Bundle pairs a decoded sample with its branch-stack trailer so the two
// travel together through the per-CPU window.
type Bundle struct {
	Sample   wire.Sample
	Branches []wire.LBREntry
}

type cpuWindow struct {
	entries []Bundle
}

// Adjuster holds one bounded sliding window per CPU and backfills zero
// flow ids from nearby, already-attributed samples before handing entries
// downstream.
type Adjuster struct {
	toleranceNs uint64
	maxWindow   int

	mu     sync.Mutex
	perCPU []cpuWindow
}

// New builds an Adjuster. toleranceNs of 0 falls back to FlowSkidNs;
// maxWindow below 2 falls back to the default.
func New(toleranceNs uint64, maxWindow int) *Adjuster {
	if toleranceNs == 0 {
		toleranceNs = FlowSkidNs
	}
	if maxWindow < 2 {
		maxWindow = defaultMaxWindow
	}
	return &Adjuster{toleranceNs: toleranceNs, maxWindow: maxWindow}
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

func (a *Adjuster) ensureCPU(cpu uint32) {
	if int(cpu) >= len(a.perCPU) {
		grown := make([]cpuWindow, cpu+1)
		copy(grown, a.perCPU)
		a.perCPU = grown
	}
}

// Process admits one bundle into its CPU's window, backfills any zero
// flow ids the window can now resolve, and reports entries that are ready
// to leave the window via emit. Entries are emitted in arrival order.
func (a *Adjuster) Process(b Bundle, emit func(Bundle)) {
	if emit == nil {
		return
	}

	var ready []Bundle
	a.mu.Lock()
	a.ensureCPU(b.Sample.CPU)
	w := &a.perCPU[b.Sample.CPU]
	w.entries = append(w.entries, b)
	a.adjustWindow(w)
	ready = a.drainReady(w)
	a.mu.Unlock()

	for _, bundle := range ready {
		emit(bundle)
	}
}

// Flush drains every per-CPU window completely, including the newest
// anchor entry in each (there is no later sample left to backfill it
// from). Used on shutdown.
func (a *Adjuster) Flush(emit func(Bundle)) {
	if emit == nil {
		return
	}
	var ready []Bundle
	a.mu.Lock()
	for i := range a.perCPU {
		ready = append(ready, a.perCPU[i].entries...)
		a.perCPU[i].entries = nil
	}
	a.mu.Unlock()

	for _, bundle := range ready {
		emit(bundle)
	}
}

// adjustWindow backfills zero flow ids in place by scanning outward from
// each such entry: the left side of the window is scanned to completion
// before the right side starts, and the comparison is strict "<", so on
// an exact tie the left (earlier-index) neighbor's flow id wins.
func (a *Adjuster) adjustWindow(w *cpuWindow) {
	n := len(w.entries)
	if n < 2 {
		return
	}

	for i := 0; i < n; i++ {
		bundle := &w.entries[i]
		if bundle.Sample.FlowID != 0 {
			continue
		}

		var bestFlow uint64
		bestDelta := uint64(math.MaxUint64)

		for j := i - 1; j >= 0; j-- {
			cand := w.entries[j]
			if cand.Sample.FlowID == 0 {
				continue
			}
			delta := absDiff(cand.Sample.TSC, bundle.Sample.TSC)
			if delta > a.toleranceNs {
				break
			}
			if delta < bestDelta {
				bestDelta = delta
				bestFlow = cand.Sample.FlowID
			}
		}

		for j := i + 1; j < n; j++ {
			cand := w.entries[j]
			if cand.Sample.FlowID == 0 {
				continue
			}
			delta := absDiff(cand.Sample.TSC, bundle.Sample.TSC)
			if delta > a.toleranceNs {
				break
			}
			if delta < bestDelta {
				bestDelta = delta
				bestFlow = cand.Sample.FlowID
			}
		}

		if bestFlow != 0 {
			bundle.Sample.FlowID = bestFlow
		}
	}
}

// drainReady pops every entry but the newest (the current anchor), plus
// one more if the window somehow still exceeds maxWindow afterwards.
func (a *Adjuster) drainReady(w *cpuWindow) []Bundle {
	var ready []Bundle
	for len(w.entries) > 1 {
		ready = append(ready, w.entries[0])
		w.entries = w.entries[1:]
	}
	if len(w.entries) > a.maxWindow {
		ready = append(ready, w.entries[0])
		w.entries = w.entries[1:]
	}
	return ready
}
