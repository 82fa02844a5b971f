package targets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/microsentinel/agent/internal/wire"
)

func TestNewAllowsEverything(t *testing.T) {
	m := New()
	assert.True(t, m.Allow(wire.Sample{PID: 12345}))
}

func TestUpdateEmptySpecsResetsToAllowAll(t *testing.T) {
	m := New()
	m.Update([]Spec{{Type: Process, PID: 1}})
	assert.False(t, m.Allow(wire.Sample{PID: 2}))

	m.Update(nil)
	assert.True(t, m.Allow(wire.Sample{PID: 2}))
}

func TestUpdateProcessFilter(t *testing.T) {
	m := New()
	m.Update([]Spec{{Type: Process, PID: 100}})

	assert.True(t, m.Allow(wire.Sample{PID: 100}))
	assert.False(t, m.Allow(wire.Sample{PID: 200}))
}

func TestUpdateFlowFilterMatchesOnIfindexAndProto(t *testing.T) {
	m := New()
	m.Update([]Spec{{Type: Flow, Flow: FlowTarget{IngressIfindex: 2, L4Proto: 6}}})

	assert.True(t, m.Allow(wire.Sample{IngressIfindex: 2, L4Proto: 6}))
	assert.False(t, m.Allow(wire.Sample{IngressIfindex: 3, L4Proto: 6}))
}

func TestUpdateFlowFilterZeroFieldsAreWildcards(t *testing.T) {
	m := New()
	m.Update([]Spec{{Type: Flow, Flow: FlowTarget{IngressIfindex: 0, L4Proto: 17}}})

	assert.True(t, m.Allow(wire.Sample{IngressIfindex: 99, L4Proto: 17}))
	assert.False(t, m.Allow(wire.Sample{IngressIfindex: 99, L4Proto: 6}))
}

func TestUpdatePidAndFlowFiltersCombine(t *testing.T) {
	m := New()
	m.Update([]Spec{
		{Type: Process, PID: 100},
		{Type: Flow, Flow: FlowTarget{L4Proto: 6}},
	})

	assert.True(t, m.Allow(wire.Sample{PID: 100, L4Proto: 6}))
	assert.False(t, m.Allow(wire.Sample{PID: 100, L4Proto: 17}), "pid matches but no flow target matches")
	assert.False(t, m.Allow(wire.Sample{PID: 200, L4Proto: 6}), "flow matches but pid filter excludes it")
}

func TestUpdateAllSpecOverridesEverythingElse(t *testing.T) {
	m := New()
	m.Update([]Spec{{Type: Process, PID: 1}, {Type: All}})
	assert.True(t, m.Allow(wire.Sample{PID: 999}))
}

func TestUpdateCgroupLoadsPidsFromProcsFile(t *testing.T) {
	dir := t.TempDir()
	require := assert.New(t)
	require.NoError(os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte("10\nbad\n20\n\n30\n"), 0o644))

	m := New()
	m.Update([]Spec{{Type: Cgroup, Path: dir}})

	assert.True(t, m.Allow(wire.Sample{PID: 10}))
	assert.True(t, m.Allow(wire.Sample{PID: 20}))
	assert.True(t, m.Allow(wire.Sample{PID: 30}))
	assert.False(t, m.Allow(wire.Sample{PID: 99}))
}
