package controlplane

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/microsentinel/agent/internal/mode"
	"github.com/microsentinel/agent/internal/targets"
)

// recordingHandler collects everything the control plane dispatched.
type recordingHandler struct {
	mu      sync.Mutex
	modes   []mode.AgentMode
	buckets []mode.BucketUpdateRequest
	pmus    []PMUConfigUpdate
	jits    []JITRegionRequest
	datas   []DataObjectRequest
	targets [][]targets.Spec
}

func (r *recordingHandler) ApplyMode(m mode.AgentMode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modes = append(r.modes, m)
}

func (r *recordingHandler) UpdateBucket(req mode.BucketUpdateRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buckets = append(r.buckets, req)
}

func (r *recordingHandler) UpdatePMUConfig(update PMUConfigUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pmus = append(r.pmus, update)
}

func (r *recordingHandler) RegisterJITRegion(req JITRegionRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jits = append(r.jits, req)
}

func (r *recordingHandler) RegisterDataObject(req DataObjectRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.datas = append(r.datas, req)
}

func (r *recordingHandler) UpdateTargets(specs []targets.Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, specs)
}

func startTestServer(t *testing.T) (*Server, *recordingHandler) {
	t.Helper()
	h := &recordingHandler{}
	srv := NewServer("127.0.0.1:0", h)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv, h
}

func post(t *testing.T, srv *Server, path, body string) int {
	t.Helper()
	resp, err := http.Post(
		fmt.Sprintf("http://%s%s", srv.Addr(), path), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestModeEndpoint(t *testing.T) {
	srv, h := startTestServer(t)

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/mode", `{"mode":"diagnostic"}`))
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/mode", `{"mode":"sentinel"}`))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/mode", `{"mode":"turbo"}`))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/mode", `{"mode":`))

	assert.Equal(t, []mode.AgentMode{mode.Diagnostic, mode.Sentinel}, h.modes)
}

func TestTokenBucketEndpoint(t *testing.T) {
	srv, h := startTestServer(t)

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/token-bucket",
		`{"sentinel_samples_per_sec":1500,"hard_drop_ns":8000}`))
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/token-bucket",
		`{"samples_per_sec":2000}`))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/token-bucket", `{}`))

	require.Len(t, h.buckets, 2)
	assert.True(t, h.buckets[0].HasSentinel)
	assert.EqualValues(t, 1500, h.buckets[0].SentinelBudget)
	assert.True(t, h.buckets[0].HasHardDrop)
	assert.EqualValues(t, 8000, h.buckets[0].HardDropNs)
	assert.False(t, h.buckets[0].HasDiagnostic)

	// Legacy body maps onto the sentinel budget.
	assert.True(t, h.buckets[1].HasSentinel)
	assert.EqualValues(t, 2000, h.buckets[1].SentinelBudget)
}

func TestPMUConfigEndpoint(t *testing.T) {
	srv, h := startTestServer(t)

	body := `{"diagnostic":[{"name":"wide","events":[
		{"name":"l3","type":0,"config":3,"sample_period":100000,"precise":true,"logical":"l3_miss"},
		{"name":"hitm","type":4,"config":439,"sample_period":50000,"logical":"hitm"}
	]}]}`
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/pmu-config", body))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/pmu-config", `{}`))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/pmu-config",
		`{"sentinel":[{"name":"empty","events":[]}]}`))

	require.Len(t, h.pmus, 1)
	update := h.pmus[0]
	assert.True(t, update.HasDiagnostic)
	assert.False(t, update.HasSentinel)
	require.Len(t, update.DiagnosticGroups, 1)
	require.Len(t, update.DiagnosticGroups[0].Events, 2)
	assert.True(t, update.DiagnosticGroups[0].Events[0].Precise)
	assert.EqualValues(t, 439, update.DiagnosticGroups[0].Events[1].Config)
}

func TestSymbolEndpoints(t *testing.T) {
	srv, h := startTestServer(t)

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/symbols/jit",
		`{"pid":100,"start":4096,"end":8192,"path":"/tmp/jit.so","build_id":"abc"}`))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/symbols/jit",
		`{"pid":100,"start":8192,"end":4096,"path":"/tmp/jit.so"}`))

	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/symbols/data",
		`{"pid":100,"address":65536,"name":"ring_buffer","type":"struct rb","size":4096}`))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/symbols/data",
		`{"pid":100,"address":0,"name":"x"}`))

	require.Len(t, h.jits, 1)
	assert.Equal(t, "abc", h.jits[0].BuildID)
	require.Len(t, h.datas, 1)
	assert.Equal(t, "ring_buffer", h.datas[0].Name)
	assert.EqualValues(t, 4096, h.datas[0].Size)
}

func TestTargetsEndpoint(t *testing.T) {
	srv, h := startTestServer(t)

	body := `{"targets":[
		{"type":"process","pid":123},
		{"type":"flow","ingress_ifindex":2,"l4_proto":0},
		{"type":"all"}
	]}`
	assert.Equal(t, http.StatusOK, post(t, srv, "/api/v1/targets", body))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/targets",
		`{"targets":[{"type":"planet"}]}`))

	require.Len(t, h.targets, 1)
	specs := h.targets[0]
	require.Len(t, specs, 3)
	assert.Equal(t, targets.Process, specs[0].Type)
	assert.EqualValues(t, 123, specs[0].PID)
	assert.Equal(t, targets.Flow, specs[1].Type)
	assert.EqualValues(t, 2, specs[1].Flow.IngressIfindex)
	assert.Equal(t, targets.All, specs[2].Type)
}

func TestRejectedRequestDoesNotDispatch(t *testing.T) {
	srv, h := startTestServer(t)

	assert.Equal(t, http.StatusBadRequest, post(t, srv, "/api/v1/targets",
		`{"targets":[{"type":"process","pid":1},{"type":"nope"}]}`))
	assert.Empty(t, h.targets)
}

func TestGetIsRejected(t *testing.T) {
	srv, _ := startTestServer(t)
	resp, err := http.Get(fmt.Sprintf("http://%s/api/v1/mode", srv.Addr()))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
