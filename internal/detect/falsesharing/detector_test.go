package falsesharing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsentinel/agent/internal/wire"
)

func hitmSample(cpu uint32, pid uint32, addr, tsc uint64) wire.Sample {
	return wire.Sample{PMUEvent: wire.EventXSNPHitm, CPU: cpu, PID: pid, DataAddr: addr, TSC: tsc}
}

func TestObserveIgnoresNonHitmEvents(t *testing.T) {
	d := New(nil, 1000, 1)
	d.Observe(wire.Sample{PMUEvent: wire.EventL3Miss, DataAddr: 0x40, TSC: 1})

	var called bool
	d.Flush(2000, func(Finding) { called = true })
	assert.False(t, called)
}

func TestFlushRequiresAtLeastTwoCPUs(t *testing.T) {
	d := New(nil, 100, 1)
	for i := 0; i < 5; i++ {
		d.Observe(hitmSample(0, 1, 0x1000, uint64(i)))
	}

	var called bool
	d.Flush(1000, func(Finding) { called = true })
	assert.False(t, called, "single-CPU hits must not be reported as false sharing")
}

func TestFlushRequiresDominanceBelowThreshold(t *testing.T) {
	d := New(nil, 100, 1)
	for i := 0; i < 95; i++ {
		d.Observe(hitmSample(0, 1, 0x1000, uint64(i)))
	}
	for i := 0; i < 5; i++ {
		d.Observe(hitmSample(1, 2, 0x1000, uint64(i)))
	}

	var called bool
	d.Flush(1000, func(Finding) { called = true })
	assert.False(t, called, "95/100 on one CPU exceeds the 0.9 dominance cap")
}

func TestFlushReportsGenuineFalseSharing(t *testing.T) {
	d := New(nil, 100, 10)
	for i := 0; i < 6; i++ {
		d.Observe(hitmSample(0, 10, 0x2000, uint64(i)))
	}
	for i := 0; i < 5; i++ {
		d.Observe(hitmSample(1, 11, 0x2000, uint64(i)))
	}

	var got Finding
	var calls int
	d.Flush(1000, func(f Finding) { got = f; calls++ })
	require.Equal(t, 1, calls)
	assert.Equal(t, uint64(0x2000), got.LineAddr)
	assert.Equal(t, uint64(11), got.TotalHits)
	assert.Equal(t, uint32(10), got.DominantPID)
}

func TestObserveMasksToCacheLine(t *testing.T) {
	d := New(nil, 100, 1)
	d.Observe(hitmSample(0, 1, 0x2003, 1))
	d.Observe(hitmSample(1, 2, 0x2030, 1))

	var got Finding
	d.Flush(1000, func(f Finding) { got = f })
	assert.Equal(t, uint64(0x2000), got.LineAddr, "both addresses fall in the same 64-byte line")
}

func TestFlushRespectsWindow(t *testing.T) {
	d := New(nil, 500, 1)
	d.Observe(hitmSample(0, 1, 0x3000, 100))
	d.Observe(hitmSample(1, 2, 0x3000, 100))

	var called bool
	d.Flush(200, func(Finding) { called = true })
	assert.False(t, called, "line has not aged past the window yet")

	d.Flush(700, func(Finding) { called = true })
	assert.True(t, called)
}
