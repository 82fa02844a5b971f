package agent

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsentinel/agent/internal/aggregate"
	"github.com/microsentinel/agent/internal/mode"
	"github.com/microsentinel/agent/internal/skew"
	"github.com/microsentinel/agent/internal/targets"
	"github.com/microsentinel/agent/internal/wire"
)

// testConfig returns a config that binds ephemeral ports, runs the ring
// pool in mock mode and points the columnar sink at a throwaway server.
func testConfig(t *testing.T) Config {
	t.Helper()
	columnar := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(columnar.Close)

	cfg := DefaultConfig()
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.ControlAddr = "127.0.0.1:0"
	cfg.Columnar.Endpoint = columnar.URL
	cfg.Ring.MockMode = true
	cfg.Ring.MockPeriod = time.Millisecond
	cfg.Orchestrator.MockMode = true
	cfg.Anomaly.Enabled = false
	cfg.Calibration.Enabled = false
	cfg.FlushInterval = 20 * time.Millisecond
	return cfg
}

func TestRuntimeEndToEndMock(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.SamplesTotal() > 10
	}, 2*time.Second, 5*time.Millisecond)

	// Let at least one flush cycle run so gauges are populated.
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + r.MetricsAddr() + "/metrics")
		if err != nil {
			return false
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return strings.Contains(string(body), "ms_samples_per_sec")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRuntimeStartStopIdempotent(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, r.Start())
	require.NoError(t, r.Start())
	r.Stop()
	r.Stop()
}

func TestPipelineBackfillAndAggregation(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)
	// Not started: drive the pipeline by hand.

	r.handleSample(wire.Sample{CPU: 0, TSC: 100, FlowID: 0, PID: 1, IP: 0x10,
		PMUEvent: wire.EventL3Miss, GSOSegs: 1}, nil)
	r.handleSample(wire.Sample{CPU: 0, TSC: 120, FlowID: 42, PID: 1, IP: 0x10,
		PMUEvent: wire.EventL3Miss, GSOSegs: 1}, nil)
	r.adjuster.Flush(r.emitReadySample)

	flows := make(map[uint64]uint64)
	r.aggregator.Flush(func(k aggregate.Key, v aggregate.Value) {
		flows[k.FlowID] += v.Samples
	})
	assert.Equal(t, uint64(2), flows[42], "skid sample should borrow flow 42")
	assert.Zero(t, flows[0])
	assert.EqualValues(t, 2, r.SamplesTotal())
}

func TestTargetFilterBlocksSamples(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)

	r.UpdateTargets([]targets.Spec{{Type: targets.Process, PID: 123}})
	r.emitReadySample(bundleFor(wire.Sample{PID: 999, FlowID: 1, TSC: 10, GSOSegs: 1}))
	assert.Zero(t, r.SamplesTotal())

	r.emitReadySample(bundleFor(wire.Sample{PID: 123, FlowID: 1, TSC: 20, GSOSegs: 1}))
	assert.EqualValues(t, 1, r.SamplesTotal())

	r.UpdateTargets([]targets.Spec{{Type: targets.All}})
	r.emitReadySample(bundleFor(wire.Sample{PID: 7, FlowID: 1, TSC: 30, GSOSegs: 1}))
	assert.EqualValues(t, 2, r.SamplesTotal())
}

func TestUpdateBucketPreservesInvariant(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)

	r.UpdateBucket(mode.BucketUpdateRequest{HasSentinel: true, SentinelBudget: 50_000})

	r.bucketMu.Lock()
	defer r.bucketMu.Unlock()
	assert.EqualValues(t, 50_000, r.bucketState.SentinelBudget)
	assert.GreaterOrEqual(t, r.bucketState.DiagnosticBudget, r.bucketState.SentinelBudget)
}

func TestApplyModeUpdatesGauge(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)

	r.ApplyMode(mode.Diagnostic)
	assert.Equal(t, mode.Diagnostic, r.modeCtl.Mode())
	assert.Contains(t, r.metrics.Render(), "ms_agent_mode 1\n")

	r.ApplyMode(mode.Sentinel)
	assert.Contains(t, r.metrics.Render(), "ms_agent_mode 0\n")
}

func TestGSOWeighting(t *testing.T) {
	r, err := New(testConfig(t))
	require.NoError(t, err)

	r.emitReadySample(bundleFor(wire.Sample{
		FlowID: 7, PMUEvent: wire.EventL3Miss, PID: 100, IP: 0x1234, GSOSegs: 4, TSC: 1000}))

	var got aggregate.Value
	r.aggregator.Flush(func(_ aggregate.Key, v aggregate.Value) { got = v })
	assert.EqualValues(t, 1, got.Samples)
	assert.Greater(t, got.NormCost, 0.24)
	assert.Less(t, got.NormCost, 0.26)
}

func bundleFor(s wire.Sample) skew.Bundle {
	return skew.Bundle{Sample: s}
}
