package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRoundTrip(t *testing.T) {
	in := Sample{
		TSC:            123456789,
		CPU:            3,
		PID:            4242,
		TID:            4243,
		PMUEvent:       EventXSNPHitm,
		IP:             0xdeadbeef,
		DataAddr:       0x7fff0040,
		FlowID:         0xfeedface,
		GSOSegs:        4,
		IngressIfindex: 2,
		NumaNode:       1,
		L4Proto:        6,
		Direction:      DirectionTX,
		Branches: []LBREntry{
			{From: 0x1000, To: 0x2000},
			{From: 0x3000, To: 0x4000},
		},
	}

	buf := Encode(in)
	require.Len(t, buf, RecordSize)

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeShortRecord(t *testing.T) {
	_, err := Decode(make([]byte, RecordSize-1))
	assert.ErrorIs(t, err, ErrShortRecord)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestDecodeClampsBranchCount(t *testing.T) {
	buf := Encode(Sample{TSC: 1})
	buf[58] = 40 // lbr_nr beyond the trailer

	out, err := Decode(buf)
	require.NoError(t, err)
	assert.Len(t, out.Branches, MaxLBREntries)
}

func TestPmuEventString(t *testing.T) {
	assert.Equal(t, "l3_miss", EventL3Miss.String())
	assert.Equal(t, "remote_dram", EventRemoteDRAM.String())
	assert.Equal(t, "unknown(99)", PmuEvent(99).String())
}
