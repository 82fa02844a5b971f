package symbolize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternDataObjectZeroAddrReturnsZero(t *testing.T) {
	s := New(nil)
	assert.Equal(t, uint64(0), s.InternDataObject(123, 0))
}

func TestRegisterDataObjectOverridesMapping(t *testing.T) {
	s := New(nil)
	s.RegisterDataObject(42, 0x1000, "my_buffer", "ring", 256)

	obj := s.ResolveData(42, 0x1050)
	assert.Equal(t, "my_buffer", obj.Mapping)
	assert.Equal(t, uint64(0x1000), obj.Base)
	assert.Equal(t, uint64(0x50), obj.Offset)
}

func TestRegisterDataObjectEvictsOverlap(t *testing.T) {
	s := New(nil)
	s.RegisterDataObject(1, 0x2000, "first", "t", 16)
	s.RegisterDataObject(1, 0x2004, "second", "t", 16)

	obj := s.ResolveData(1, 0x2004)
	assert.Equal(t, "second", obj.Mapping, "overlapping registration must evict the earlier one")
}

func TestRegisterJitRegionEvictsOverlap(t *testing.T) {
	s := New(nil)
	s.RegisterJitRegion(7, 0x5000, 0x6000, "jit1", "")
	s.RegisterJitRegion(7, 0x5500, 0x6500, "jit2", "")

	s.mu.Lock()
	entries := s.jitRegions[7]
	s.mu.Unlock()
	require.Len(t, entries, 1, "overlapping JIT region must evict the earlier one")
	assert.Equal(t, "jit2", entries[0].region.path)
}

func TestInternFunctionAndStackAreStableAndDirtyTracked(t *testing.T) {
	s := New(nil)
	id1 := s.InternFunction(1, 0x1234)
	id2 := s.InternFunction(1, 0x1234)
	assert.Equal(t, id1, id2, "same pid/ip must intern to the same function id")

	stackID := s.InternStack(1, 0x1234, nil)
	assert.NotZero(t, stackID)

	stacks := s.ConsumeStacks()
	require.Len(t, stacks, 1)
	assert.Equal(t, stackID, stacks[0].ID)

	assert.Empty(t, s.ConsumeStacks(), "a second consume must return nothing new")
}

func TestDropProcessPurgesState(t *testing.T) {
	s := New(nil)
	s.RegisterDataObject(9, 0x100, "x", "t", 8)
	s.InternFunction(9, 0xabc)

	s.DropProcess(9)

	s.mu.Lock()
	_, hasOverride := s.dataOverrides[9]
	s.mu.Unlock()
	assert.False(t, hasOverride)
}

func TestConsumeDataObjectsDrainsOnce(t *testing.T) {
	s := New(nil)
	s.RegisterDataObject(3, 0x9000, "buf", "t", 64)
	s.InternDataObject(3, 0x9010)

	objs := s.ConsumeDataObjects()
	require.Len(t, objs, 1)
	assert.Equal(t, "buf", objs[0].Object.Mapping)

	assert.Empty(t, s.ConsumeDataObjects())
}
