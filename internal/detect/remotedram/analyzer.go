// Package remotedram tracks remote-NUMA DRAM access samples per
// (flow, numa node, ingress interface) and reports per-window counts.
package remotedram // import "github.com/microsentinel/agent/internal/detect/remotedram"

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/microsentinel/agent/internal/wire"
)

// DefaultWindowNs bounds how long an idle key's count is held before
// being flushed out.
const DefaultWindowNs = 50_000_000

// Finding reports the sample count observed for one flow/numa/interface
// tuple within the window that just expired. Score is the count's
// z-score against the other keys expiring in the same flush, so a
// single dominant hotspot stands out from background remote traffic.
type Finding struct {
	FlowID   uint64
	NumaNode uint16
	Ifindex  uint16
	Samples  uint64
	Score    float64
}

type key struct {
	flowID   uint64
	numaNode uint16
	ifindex  uint16
}

type entry struct {
	count   uint64
	lastTSC uint64
}

// Analyzer accumulates MS_EVT_REMOTE_DRAM sample counts per key and
// flushes each key once it has been idle past the window.
type Analyzer struct {
	windowNs uint64

	mu    sync.Mutex
	table map[key]*entry
}

// New builds an Analyzer. A zero windowNs falls back to DefaultWindowNs.
func New(windowNs uint64) *Analyzer {
	if windowNs == 0 {
		windowNs = DefaultWindowNs
	}
	return &Analyzer{windowNs: windowNs, table: make(map[key]*entry)}
}

// Observe records one sample's contribution. Only MS_EVT_REMOTE_DRAM
// samples carry signal here; everything else is ignored.
func (a *Analyzer) Observe(s wire.Sample) {
	if s.PMUEvent != wire.EventRemoteDRAM {
		return
	}
	k := key{flowID: s.FlowID, numaNode: s.NumaNode, ifindex: s.IngressIfindex}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.table[k]
	if !ok {
		e = &entry{}
		a.table[k] = e
	}
	e.count++
	e.lastTSC = s.TSC
}

// Flush evicts every key idle past the window and reports a Finding for
// each with a non-zero count.
func (a *Analyzer) Flush(nowTSC uint64, cb func(Finding)) {
	if cb == nil {
		return
	}

	expired := make(map[key]entry)
	a.mu.Lock()
	for k, e := range a.table {
		if nowTSC-e.lastTSC > a.windowNs {
			expired[k] = *e
			delete(a.table, k)
		}
	}
	a.mu.Unlock()

	counts := make([]float64, 0, len(expired))
	for _, e := range expired {
		if e.count > 0 {
			counts = append(counts, float64(e.count))
		}
	}
	mean, stddev := stat.MeanStdDev(counts, nil)

	for k, e := range expired {
		if e.count == 0 {
			continue
		}
		score := 0.0
		if stddev > 0 {
			score = stat.StdScore(float64(e.count), mean, stddev)
		}
		cb(Finding{FlowID: k.flowID, NumaNode: k.numaNode, Ifindex: k.ifindex, Samples: e.count, Score: score})
	}
}
