// Package wire decodes the fixed-layout sample records the in-kernel
// sampler writes into the shared per-CPU ring.
package wire // import "github.com/microsentinel/agent/internal/wire"

import (
	"encoding/binary"
	"fmt"
)

// PmuEvent is one of the seven sampled micro-architectural event kinds.
type PmuEvent uint32

const (
	EventL3Miss PmuEvent = iota + 1
	EventBranchMispred
	EventICacheStall
	EventAVXDownclock
	EventStallBackend
	EventXSNPHitm
	EventRemoteDRAM
)

func (e PmuEvent) String() string {
	switch e {
	case EventL3Miss:
		return "l3_miss"
	case EventBranchMispred:
		return "branch_mispred"
	case EventICacheStall:
		return "icache_stall"
	case EventAVXDownclock:
		return "avx_downclock"
	case EventStallBackend:
		return "stall_backend"
	case EventXSNPHitm:
		return "xsnp_hitm"
	case EventRemoteDRAM:
		return "remote_dram"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(e))
	}
}

// Direction of the flow a sample was attributed to.
type Direction uint8

const (
	DirectionRX Direction = 0
	DirectionTX Direction = 1
)

// MaxLBREntries bounds the inline branch-stack trailer.
const MaxLBREntries = 16

// RecordSize is the fixed, 16-byte-aligned on-wire record size: 60 bytes
// of scalar fields, padded to 64 so the LBR trailer keeps its natural
// 8-byte alignment, followed by 16 (from, to) entries.
const RecordSize = 64 + MaxLBREntries*16

// lbrOffset is where the branch-stack trailer starts within a record.
const lbrOffset = 64

// LBREntry is one (from, to) branch-stack edge.
type LBREntry struct {
	From uint64
	To   uint64
}

// Sample is a single sampled micro-architectural event, decoded from the
// wire into its typed in-process form. Fields are copied by value.
type Sample struct {
	TSC             uint64
	CPU             uint32
	PID             uint32
	TID             uint32
	PMUEvent        PmuEvent
	IP              uint64
	DataAddr        uint64
	FlowID          uint64
	GSOSegs         uint32
	IngressIfindex  uint16
	NumaNode        uint16
	L4Proto         uint8
	Direction       Direction
	Branches        []LBREntry
}

// ErrShortRecord is returned when the payload is smaller than RecordSize;
// the caller is expected to drop it and bump a counter.
var ErrShortRecord = fmt.Errorf("wire: record shorter than fixed sample layout (%d bytes)", RecordSize)

// Decode parses a fixed-layout little-endian record into a Sample.
// Records whose length is smaller than RecordSize are rejected with
// ErrShortRecord so the caller can count-and-drop.
func Decode(buf []byte) (Sample, error) {
	if len(buf) < RecordSize {
		return Sample{}, ErrShortRecord
	}
	le := binary.LittleEndian
	var s Sample
	s.TSC = le.Uint64(buf[0:8])
	s.CPU = le.Uint32(buf[8:12])
	s.PID = le.Uint32(buf[12:16])
	s.TID = le.Uint32(buf[16:20])
	s.PMUEvent = PmuEvent(le.Uint32(buf[20:24]))
	s.IP = le.Uint64(buf[24:32])
	s.DataAddr = le.Uint64(buf[32:40])
	s.FlowID = le.Uint64(buf[40:48])
	s.GSOSegs = le.Uint32(buf[48:52])
	s.IngressIfindex = le.Uint16(buf[52:54])
	s.NumaNode = le.Uint16(buf[54:56])
	s.L4Proto = buf[56]
	s.Direction = Direction(buf[57])
	lbrNr := int(buf[58])
	if lbrNr > MaxLBREntries {
		lbrNr = MaxLBREntries
	}

	if lbrNr > 0 {
		s.Branches = make([]LBREntry, lbrNr)
		for i := 0; i < lbrNr; i++ {
			off := lbrOffset + i*16
			s.Branches[i] = LBREntry{
				From: le.Uint64(buf[off : off+8]),
				To:   le.Uint64(buf[off+8 : off+16]),
			}
		}
	}
	return s, nil
}

// Encode serializes s into the fixed on-wire layout, the inverse of
// Decode. Used by tests.
func Encode(s Sample) []byte {
	buf := make([]byte, RecordSize)
	le := binary.LittleEndian
	le.PutUint64(buf[0:8], s.TSC)
	le.PutUint32(buf[8:12], s.CPU)
	le.PutUint32(buf[12:16], s.PID)
	le.PutUint32(buf[16:20], s.TID)
	le.PutUint32(buf[20:24], uint32(s.PMUEvent))
	le.PutUint64(buf[24:32], s.IP)
	le.PutUint64(buf[32:40], s.DataAddr)
	le.PutUint64(buf[40:48], s.FlowID)
	le.PutUint32(buf[48:52], s.GSOSegs)
	le.PutUint16(buf[52:54], s.IngressIfindex)
	le.PutUint16(buf[54:56], s.NumaNode)
	buf[56] = s.L4Proto
	buf[57] = byte(s.Direction)
	n := len(s.Branches)
	if n > MaxLBREntries {
		n = MaxLBREntries
	}
	buf[58] = byte(n)
	for i := 0; i < n; i++ {
		off := lbrOffset + i*16
		le.PutUint64(buf[off:off+8], s.Branches[i].From)
		le.PutUint64(buf[off+8:off+16], s.Branches[i].To)
	}
	return buf
}
