package rotator

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsentinel/agent/internal/mode"
)

type fakeOrchestrator struct {
	mu          sync.Mutex
	count       int
	index       int
	rotateCalls []int
	rotateOK    bool
}

func (f *fakeOrchestrator) ActiveGroupCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

func (f *fakeOrchestrator) CurrentGroupIndex() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.index
}

func (f *fakeOrchestrator) RotateToGroup(idx int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotateCalls = append(f.rotateCalls, idx)
	if f.rotateOK {
		f.index = idx
	}
	return f.rotateOK
}

func TestRefreshStateScalesByGroupCount(t *testing.T) {
	orch := &fakeOrchestrator{count: 3, rotateOK: true}
	var gotScale float64
	r := New(orch, time.Hour, func(s float64) { gotScale = s })

	r.Start(mode.Sentinel)
	defer r.Stop()

	assert.Equal(t, 3.0, gotScale)
}

func TestRefreshStateSingleGroupScaleIsOne(t *testing.T) {
	orch := &fakeOrchestrator{count: 1, rotateOK: true}
	var gotScale float64
	r := New(orch, time.Hour, func(s float64) { gotScale = s })

	r.Start(mode.Sentinel)
	defer r.Stop()

	assert.Equal(t, 1.0, gotScale)
}

func TestRefreshStateZeroGroupsScaleIsOne(t *testing.T) {
	orch := &fakeOrchestrator{count: 0}
	var gotScale float64
	r := New(orch, time.Hour, func(s float64) { gotScale = s })

	r.Start(mode.Sentinel)
	defer r.Stop()

	assert.Equal(t, 1.0, gotScale)
}

func TestRotateOnceAdvancesIndexOnSuccess(t *testing.T) {
	orch := &fakeOrchestrator{count: 3, rotateOK: true}
	r := New(orch, time.Millisecond, func(float64) {})

	r.Start(mode.Sentinel)
	require.Eventually(t, func() bool {
		orch.mu.Lock()
		defer orch.mu.Unlock()
		return len(orch.rotateCalls) > 0
	}, time.Second, time.Millisecond)
	r.Stop()

	orch.mu.Lock()
	defer orch.mu.Unlock()
	assert.Contains(t, orch.rotateCalls, 1)
}

func TestStartTwiceIsNoop(t *testing.T) {
	orch := &fakeOrchestrator{count: 1, rotateOK: true}
	r := New(orch, time.Hour, func(float64) {})
	r.Start(mode.Sentinel)
	r.Start(mode.Sentinel)
	r.Stop()
}
