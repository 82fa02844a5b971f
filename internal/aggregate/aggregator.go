// Package aggregate folds backfilled samples into a two-level table keyed
// on flow, code location, data object, event and time bucket, handing
// fixed-size snapshots to the exporter on every flush.
package aggregate // import "github.com/microsentinel/agent/internal/aggregate"

import (
	"sync"
	"sync/atomic"

	"github.com/microsentinel/agent/internal/interference"
	"github.com/microsentinel/agent/internal/skew"
	"github.com/microsentinel/agent/internal/wire"
	"github.com/zeebo/xxh3"
)

// Config mirrors the agent's aggregator block.
type Config struct {
	TimeWindowNs  uint64
	MaxEntries    int
	FlushInterval uint64 // nanoseconds, informational; the ticker lives in agent wiring
}

// DefaultConfig matches the agent's built-in defaults.
func DefaultConfig() Config {
	return Config{
		TimeWindowNs: 5_000_000,
		MaxEntries:   200_000,
	}
}

// Key is the nine-field composite identity every aggregated bucket is
// keyed on.
type Key struct {
	FlowID             uint64
	FunctionID         uint64
	CallstackID        uint64
	DataObjectID       uint64
	PMUEvent           uint32
	NumaNode           uint16
	InterferenceClass  interference.Class
	Direction          wire.Direction
	TimeBucket         uint64
}

// Value is the running total kept for one Key.
type Value struct {
	Samples  uint64
	NormCost float64
}

// Symbolizer is the subset of the symbolizer interface the aggregator
// needs to turn raw code/data addresses into stable interned ids.
type Symbolizer interface {
	InternFunction(pid uint32, ip uint64) uint64
	InternStack(pid uint32, ip uint64, branches []wire.LBREntry) uint64
	InternDataObject(pid uint32, addr uint64) uint64
}

// Aggregator is the two-level aggregation table: samples accumulate under
// their composite key until Flush swaps the table out atomically.
type Aggregator struct {
	cfg        Config
	symbolizer Symbolizer
	scale      atomic.Value // float64

	mu    sync.Mutex
	table map[Key]*Value
}

// New builds an empty Aggregator. AttachSymbolizer must be called before
// AddSample resolves anything meaningful: with no symbolizer the
// function id falls back to the raw IP and the data object id to zero.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		cfg:   cfg,
		table: make(map[Key]*Value),
	}
	a.scale.Store(1.0)
	return a
}

// AttachSymbolizer wires the code/data interning pipeline in.
func (a *Aggregator) AttachSymbolizer(s Symbolizer) {
	a.symbolizer = s
}

// SetSampleScale updates the per-sample weight applied by the PMU
// rotator's duty-cycle compensation. Non-positive scales
// reset to 1.0.
func (a *Aggregator) SetSampleScale(scale float64) {
	if scale <= 0.0 {
		scale = 1.0
	}
	a.scale.Store(scale)
}

// SampleScale returns the currently active weight multiplier.
func (a *Aggregator) SampleScale() float64 {
	return a.scale.Load().(float64)
}

func (a *Aggregator) bucketize(tsc uint64) uint64 {
	if a.cfg.TimeWindowNs == 0 {
		return tsc
	}
	return tsc / a.cfg.TimeWindowNs
}

func (a *Aggregator) internFunction(pid uint32, ip uint64) uint64 {
	if a.symbolizer == nil {
		return ip
	}
	return a.symbolizer.InternFunction(pid, ip)
}

func (a *Aggregator) internCallstack(pid uint32, ip uint64, branches []wire.LBREntry) uint64 {
	if a.symbolizer == nil {
		return ip
	}
	return a.symbolizer.InternStack(pid, ip, branches)
}

func (a *Aggregator) internDataObject(pid uint32, addr uint64) uint64 {
	if a.symbolizer == nil || addr == 0 {
		return 0
	}
	return a.symbolizer.InternDataObject(pid, addr)
}

// AddSample folds one backfilled bundle into the table. When the table
// grows past MaxEntries it is hard-cleared, trading a burst of lost
// history for a bounded memory footprint.
func (a *Aggregator) AddSample(b skew.Bundle) {
	s := b.Sample
	key := Key{
		FlowID:            s.FlowID,
		FunctionID:        a.internFunction(s.PID, s.IP),
		CallstackID:       a.internCallstack(s.PID, s.IP, b.Branches),
		DataObjectID:      a.internDataObject(s.PID, s.DataAddr),
		PMUEvent:          uint32(s.PMUEvent),
		NumaNode:          s.NumaNode,
		InterferenceClass: interference.Classify(s.PMUEvent),
		Direction:         s.Direction,
		TimeBucket:        a.bucketize(s.TSC),
	}

	weight := a.SampleScale()
	if s.GSOSegs > 1 {
		weight /= float64(s.GSOSegs)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.table[key]
	if !ok {
		slot = &Value{}
		a.table[key] = slot
	}
	slot.Samples++
	slot.NormCost += weight

	if len(a.table) > a.cfg.MaxEntries {
		a.table = make(map[Key]*Value)
	}
}

// Flush swaps the current table out and hands every (Key, Value) pair to
// cb, returning the total number of samples emitted. The table is empty
// again once Flush returns.
func (a *Aggregator) Flush(cb func(Key, Value)) uint64 {
	a.mu.Lock()
	snapshot := a.table
	a.table = make(map[Key]*Value)
	a.mu.Unlock()

	var emitted uint64
	for k, v := range snapshot {
		cb(k, *v)
		emitted += v.Samples
	}
	return emitted
}

// hashKey folds every Key field into one xxh3 digest so callers can
// carry a stable 64-bit fingerprint instead of the full composite key.
func hashKey(k Key) uint64 {
	var buf [56]byte
	put64 := func(off int, v uint64) { for i := 0; i < 8; i++ { buf[off+i] = byte(v >> (8 * i)) } }
	put64(0, k.FlowID)
	put64(8, k.FunctionID)
	put64(16, k.CallstackID)
	put64(24, k.DataObjectID)
	put64(32, uint64(k.PMUEvent))
	put64(40, uint64(k.NumaNode)<<16|uint64(k.InterferenceClass)<<8|uint64(k.Direction))
	put64(48, k.TimeBucket)
	return xxh3.Hash(buf[:])
}

// HashKey returns a stable 64-bit fingerprint for k; equal keys always
// hash to the same value.
func HashKey(k Key) uint64 { return hashKey(k) }
