// Package falsesharing spots cache lines being bounced between CPUs by
// watching XSNP_HITM samples, keyed by 64-byte cache line address.
package falsesharing // import "github.com/microsentinel/agent/internal/detect/falsesharing"

import (
	"sync"

	"github.com/microsentinel/agent/internal/symbolize"
	"github.com/microsentinel/agent/internal/wire"
)

const cacheLineSize = 64

// DefaultWindowNs bounds how long a cache line's stats are held before
// they are evaluated and evicted.
const DefaultWindowNs = 50_000_000

// DefaultThreshold is the minimum total hit count a cache line needs
// before it is even considered as a finding.
const DefaultThreshold = 100

// Finding describes one cache line that cross-CPU evidence points to as
// a false-sharing hotspot.
type Finding struct {
	LineAddr     uint64
	TotalHits    uint64
	CPUHits      []uint64
	DominantPID  uint32
	Object       symbolize.DataObject
}

type stats struct {
	totalHits uint64
	lastTSC   uint64
	cpuHits   []uint64
	pidHits   map[uint32]uint64
}

// Symbolizer is the subset of symbolize.Symbolizer the detector needs to
// resolve a dominant pid's view of a hot cache line.
type Symbolizer interface {
	ResolveData(pid uint32, addr uint64) symbolize.DataObject
}

// Detector accumulates per-cache-line cross-CPU hit stats and reports a
// Finding once a line's hits cross the threshold, involve at least two
// CPUs, and aren't dominated by a single CPU.
type Detector struct {
	windowNs   uint64
	threshold  uint64
	symbolizer Symbolizer

	mu    sync.Mutex
	table map[uint64]*stats
}

// New builds a Detector. A zero windowNs/threshold falls back to the
// package defaults.
func New(symbolizer Symbolizer, windowNs, threshold uint64) *Detector {
	if windowNs == 0 {
		windowNs = DefaultWindowNs
	}
	if threshold == 0 {
		threshold = DefaultThreshold
	}
	return &Detector{
		windowNs:   windowNs,
		threshold:  threshold,
		symbolizer: symbolizer,
		table:      make(map[uint64]*stats),
	}
}

// Observe records one sample's contribution to its cache line's stats.
// Only MS_EVT_XSNP_HITM samples carry false-sharing signal; everything
// else is ignored.
func (d *Detector) Observe(s wire.Sample) {
	if s.PMUEvent != wire.EventXSNPHitm {
		return
	}
	line := s.DataAddr &^ uint64(cacheLineSize-1)

	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.table[line]
	if !ok {
		st = &stats{pidHits: make(map[uint32]uint64)}
		d.table[line] = st
	}
	st.totalHits++
	st.lastTSC = s.TSC
	if uint32(len(st.cpuHits)) <= s.CPU {
		grown := make([]uint64, s.CPU+1)
		copy(grown, st.cpuHits)
		st.cpuHits = grown
	}
	st.cpuHits[s.CPU]++
	st.pidHits[s.PID]++
}

// Flush evicts every cache line whose stats have aged out (now_tsc -
// last_tsc > window_ns) and reports a Finding for each evicted line that
// meets the threshold/participation/dominance criteria.
func (d *Detector) Flush(nowTSC uint64, cb func(Finding)) {
	expired := make(map[uint64]*stats)
	d.mu.Lock()
	for line, st := range d.table {
		if nowTSC-st.lastTSC > d.windowNs {
			expired[line] = st
			delete(d.table, line)
		}
	}
	d.mu.Unlock()

	for line, st := range expired {
		if st.totalHits < d.threshold {
			continue
		}
		var active uint64
		var maxHits uint64
		for _, hits := range st.cpuHits {
			if hits == 0 {
				continue
			}
			active++
			if hits > maxHits {
				maxHits = hits
			}
		}
		if active < 2 {
			continue
		}
		dominance := float64(maxHits) / float64(st.totalHits)
		if dominance >= 0.9 {
			continue
		}

		var dominantPID uint32
		var dominantHits uint64
		for pid, hits := range st.pidHits {
			if hits > dominantHits {
				dominantHits = hits
				dominantPID = pid
			}
		}

		finding := Finding{
			LineAddr:    line,
			TotalHits:   st.totalHits,
			CPUHits:     st.cpuHits,
			DominantPID: dominantPID,
		}
		if d.symbolizer != nil && dominantPID != 0 {
			finding.Object = d.symbolizer.ResolveData(dominantPID, line)
		}
		cb(finding)
	}
}
