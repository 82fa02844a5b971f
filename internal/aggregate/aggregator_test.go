package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsentinel/agent/internal/skew"
	"github.com/microsentinel/agent/internal/wire"
)

func sampleBundle(flow uint64, gso uint32) skew.Bundle {
	return skew.Bundle{Sample: wire.Sample{
		FlowID:   flow,
		PID:      100,
		IP:       0xdead,
		PMUEvent: wire.EventL3Miss,
		TSC:      1_000_000,
		GSOSegs:  gso,
	}}
}

func TestAddSampleGSOWeighting(t *testing.T) {
	a := New(DefaultConfig())
	a.SetSampleScale(4.0)

	a.AddSample(sampleBundle(1, 4))

	var gotValue Value
	n := a.Flush(func(k Key, v Value) { gotValue = v })
	require.Equal(t, uint64(1), n)
	assert.InDelta(t, 1.0, gotValue.NormCost, 1e-9, "scale/gso_segs = 4.0/4 = 1.0")
}

func TestAddSampleNoGSOUsesFullScale(t *testing.T) {
	a := New(DefaultConfig())
	a.SetSampleScale(2.5)

	a.AddSample(sampleBundle(1, 0))
	a.AddSample(sampleBundle(1, 1))

	var got Value
	a.Flush(func(k Key, v Value) { got = v })
	assert.Equal(t, uint64(2), got.Samples)
	assert.InDelta(t, 5.0, got.NormCost, 1e-9)
}

func TestSetSampleScaleRejectsNonPositive(t *testing.T) {
	a := New(DefaultConfig())
	a.SetSampleScale(3.0)
	a.SetSampleScale(0)
	assert.Equal(t, 1.0, a.SampleScale())
	a.SetSampleScale(-1)
	assert.Equal(t, 1.0, a.SampleScale())
}

func TestFlushEmptiesTable(t *testing.T) {
	a := New(DefaultConfig())
	a.AddSample(sampleBundle(1, 0))
	a.Flush(func(Key, Value) {})

	n := a.Flush(func(Key, Value) {})
	assert.Equal(t, uint64(0), n)
}

func TestAddSampleOverflowHardClears(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEntries = 2
	a := New(cfg)

	a.AddSample(sampleBundle(1, 0))
	a.AddSample(sampleBundle(2, 0))
	a.AddSample(sampleBundle(3, 0))

	n := a.Flush(func(Key, Value) {})
	assert.Equal(t, uint64(0), n, "table must hard-clear once it exceeds max_entries")
}

func TestWithoutSymbolizerFunctionIDFallsBackToIP(t *testing.T) {
	a := New(DefaultConfig())
	a.AddSample(sampleBundle(1, 0))

	var gotKey Key
	a.Flush(func(k Key, v Value) { gotKey = k })
	assert.Equal(t, uint64(0xdead), gotKey.FunctionID)
	assert.Equal(t, uint64(0), gotKey.DataObjectID)
}

type fakeSymbolizer struct{}

func (fakeSymbolizer) InternFunction(pid uint32, ip uint64) uint64 { return 0xf1 }
func (fakeSymbolizer) InternStack(pid uint32, ip uint64, branches []wire.LBREntry) uint64 {
	return 0xc1
}
func (fakeSymbolizer) InternDataObject(pid uint32, addr uint64) uint64 { return 0xd1 }

func TestAttachSymbolizerIsUsed(t *testing.T) {
	a := New(DefaultConfig())
	a.AttachSymbolizer(fakeSymbolizer{})
	b := sampleBundle(1, 0)
	b.Sample.DataAddr = 0x1000
	a.AddSample(b)

	var gotKey Key
	a.Flush(func(k Key, v Value) { gotKey = k })
	assert.Equal(t, uint64(0xf1), gotKey.FunctionID)
	assert.Equal(t, uint64(0xc1), gotKey.CallstackID)
	assert.Equal(t, uint64(0xd1), gotKey.DataObjectID)
}

func TestHashKeyStableForEqualKeys(t *testing.T) {
	k1 := Key{FlowID: 1, FunctionID: 2, CallstackID: 3}
	k2 := Key{FlowID: 1, FunctionID: 2, CallstackID: 3}
	assert.Equal(t, HashKey(k1), HashKey(k2))

	k3 := Key{FlowID: 9, FunctionID: 2, CallstackID: 3}
	assert.NotEqual(t, HashKey(k1), HashKey(k3))
}
