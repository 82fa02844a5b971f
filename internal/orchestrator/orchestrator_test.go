package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/microsentinel/agent/internal/wire"
)

func TestDefaultGroupShapes(t *testing.T) {
	sentinel := DefaultSentinelGroups()
	assert.Len(t, sentinel, 1)
	assert.Len(t, sentinel[0].Events, 1)
	assert.Equal(t, wire.EventL3Miss, sentinel[0].Events[0].Logical)

	diag := DefaultDiagnosticGroups()
	assert.Len(t, diag, 1)
	assert.GreaterOrEqual(t, len(diag[0].Events), 3)
}

func TestPerfAttr(t *testing.T) {
	attr := perfAttr(EventDesc{
		Type:         unix.PERF_TYPE_HARDWARE,
		Config:       unix.PERF_COUNT_HW_CACHE_MISSES,
		SamplePeriod: 1000,
		Precise:      true,
	})
	assert.EqualValues(t, unix.PERF_TYPE_HARDWARE, attr.Type)
	assert.EqualValues(t, 1000, attr.Sample)
	assert.NotZero(t, attr.Sample_type&unix.PERF_SAMPLE_ADDR)
	assert.NotZero(t, attr.Sample_type&unix.PERF_SAMPLE_BRANCH_STACK)
	assert.NotZero(t, attr.Bits&unix.PerfBitExcludeHv)
	assert.EqualValues(t, 2, (attr.Bits>>preciseIPShift)&3)

	imprecise := perfAttr(EventDesc{Type: unix.PERF_TYPE_HARDWARE})
	assert.Zero(t, (imprecise.Bits>>preciseIPShift)&3)
}

func TestNewFillsDefaults(t *testing.T) {
	o := New(Config{})
	assert.NotEmpty(t, o.cfg.SentinelGroups)
	assert.NotEmpty(t, o.cfg.DiagnosticGroups)
	assert.NotZero(t, o.cfg.HardDropNs)
	assert.NotEmpty(t, o.cpus)
	assert.False(t, o.Ready())
}
