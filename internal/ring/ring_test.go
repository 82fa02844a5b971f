package ring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsentinel/agent/internal/wire"
)

func TestMockModeSynthesizesSamples(t *testing.T) {
	pool := NewPool(Config{MockMode: true, MockPeriod: time.Millisecond}, nil)

	var mu sync.Mutex
	var got []wire.Sample
	require.NoError(t, pool.Start(func(s wire.Sample, _ []wire.LBREntry) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	}))
	require.True(t, pool.MockActive())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, 5*time.Millisecond)

	pool.Stop()

	mu.Lock()
	defer mu.Unlock()
	for _, s := range got {
		assert.NotZero(t, s.FlowID)
		assert.GreaterOrEqual(t, s.PMUEvent, wire.EventL3Miss)
		assert.LessOrEqual(t, s.PMUEvent, wire.EventRemoteDRAM)
	}
}

func TestNilEventsMapFallsBackToMock(t *testing.T) {
	pool := NewPool(Config{MockPeriod: time.Millisecond}, nil)
	require.NoError(t, pool.Start(func(wire.Sample, []wire.LBREntry) {}))
	assert.True(t, pool.MockActive())
	pool.Stop()
}

func TestStopIsIdempotent(t *testing.T) {
	pool := NewPool(Config{MockMode: true, MockPeriod: time.Millisecond}, nil)
	require.NoError(t, pool.Start(func(wire.Sample, []wire.LBREntry) {}))
	pool.Stop()
	pool.Stop()
}

func TestStartTwiceIsNoOp(t *testing.T) {
	pool := NewPool(Config{MockMode: true, MockPeriod: time.Millisecond}, nil)
	require.NoError(t, pool.Start(func(wire.Sample, []wire.LBREntry) {}))
	require.NoError(t, pool.Start(func(wire.Sample, []wire.LBREntry) {}))
	pool.Stop()
}
