// Package controlplane exposes the agent's HTTP-style control surface:
// six POST endpoints whose JSON bodies mutate mode, budgets, PMU group
// configuration, symbol overrides and monitoring targets. A
// request either parses fully and is handed to the runtime, or is
// rejected without mutating any state.
package controlplane // import "github.com/microsentinel/agent/internal/controlplane"

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/microsentinel/agent/internal/mode"
	"github.com/microsentinel/agent/internal/mslog"
	"github.com/microsentinel/agent/internal/orchestrator"
	"github.com/microsentinel/agent/internal/targets"
	"github.com/microsentinel/agent/internal/wire"
)

// maxRequestBytes bounds how much body a single control request may
// carry.
const maxRequestBytes = 8192

// PMUConfigUpdate replaces one or both of the configured group sets.
type PMUConfigUpdate struct {
	HasSentinel      bool
	SentinelGroups   []orchestrator.GroupConfig
	HasDiagnostic    bool
	DiagnosticGroups []orchestrator.GroupConfig
}

// JITRegionRequest registers a JIT-compiled code range for a process.
type JITRegionRequest struct {
	PID     uint32
	Start   uint64
	End     uint64
	Path    string
	BuildID string
}

// DataObjectRequest names a data address range for a process.
type DataObjectRequest struct {
	PID     uint32
	Address uint64
	Name    string
	Type    string
	Size    uint64
}

// Handler is the runtime-side surface the control plane drives. A
// request only reaches its handler method once it parsed completely.
type Handler interface {
	ApplyMode(m mode.AgentMode)
	UpdateBucket(req mode.BucketUpdateRequest)
	UpdatePMUConfig(update PMUConfigUpdate)
	RegisterJITRegion(req JITRegionRequest)
	RegisterDataObject(req DataObjectRequest)
	UpdateTargets(specs []targets.Spec)
}

// Server owns the control listener.
type Server struct {
	addr    string
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
}

// NewServer builds a Server; Start binds and serves.
func NewServer(addr string, handler Handler) *Server {
	return &Server{addr: addr, handler: handler}
}

// Start binds the control listener. A bind failure is returned to the
// caller (fatal at startup per the agent's error policy).
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("controlplane: binding %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/mode", s.handle(parseModeBody))
	mux.HandleFunc("/api/v1/token-bucket", s.handle(parseBucketBody))
	mux.HandleFunc("/api/v1/pmu-config", s.handle(parsePMUConfigBody))
	mux.HandleFunc("/api/v1/symbols/jit", s.handle(parseJITBody))
	mux.HandleFunc("/api/v1/symbols/data", s.handle(parseDataObjectBody))
	mux.HandleFunc("/api/v1/targets", s.handle(parseTargetsBody))

	s.listener = ln
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			mslog.Errorf("Control listener: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener and waits for in-flight requests. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// Addr returns the bound listen address, useful when the configured
// port was 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// apply is one parsed request, deferred so nothing mutates on a parse
// error anywhere in the body.
type apply func(Handler)

type bodyParser func(body string) (apply, error)

func (s *Server) handle(parse bodyParser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.New().String()
		w.Header().Set("X-Request-Id", reqID)
		if r.Method != http.MethodPost {
			writeStatus(w, http.StatusBadRequest, "invalid request")
			return
		}
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			writeStatus(w, http.StatusBadRequest, "invalid request")
			return
		}
		fn, err := parse(string(body))
		if err != nil {
			mslog.Debugf("Control request %s %s rejected (id=%s): %v", r.Method, r.URL.Path, reqID, err)
			writeStatus(w, http.StatusBadRequest, "invalid request")
			return
		}
		fn(s.handler)
		mslog.Debugf("Control request %s accepted (id=%s)", r.URL.Path, reqID)
		writeStatus(w, http.StatusOK, "ok")
	}
}

func writeStatus(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}

func parseModeBody(body string) (apply, error) {
	root, err := ParseJSON(body)
	if err != nil {
		return nil, err
	}
	name, ok := root.Str("mode")
	if !ok {
		return nil, fmt.Errorf("controlplane: mode field missing")
	}
	m, err := parseModeName(name)
	if err != nil {
		return nil, err
	}
	return func(h Handler) { h.ApplyMode(m) }, nil
}

func parseModeName(name string) (mode.AgentMode, error) {
	switch strings.ToLower(name) {
	case "sentinel":
		return mode.Sentinel, nil
	case "diagnostic", "diag":
		return mode.Diagnostic, nil
	}
	return mode.Sentinel, fmt.Errorf("controlplane: unknown mode %q", name)
}

func parseBucketBody(body string) (apply, error) {
	root, err := ParseJSON(body)
	if err != nil {
		return nil, err
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("controlplane: token-bucket body is not an object")
	}

	var req mode.BucketUpdateRequest
	if v, ok := root.Uint("sentinel_samples_per_sec"); ok && v > 0 {
		req.HasSentinel = true
		req.SentinelBudget = v
	}
	if v, ok := root.Uint("diagnostic_samples_per_sec"); ok && v > 0 {
		req.HasDiagnostic = true
		req.DiagnosticBudget = v
	}
	if v, ok := root.Uint("hard_drop_ns"); ok && v > 0 {
		req.HasHardDrop = true
		req.HardDropNs = v
	}

	if !req.HasSentinel && !req.HasDiagnostic && !req.HasHardDrop {
		// Legacy single-budget body.
		v, ok := root.Uint("samples_per_sec")
		if !ok || v == 0 {
			return nil, fmt.Errorf("controlplane: no budget fields in token-bucket body")
		}
		req.HasSentinel = true
		req.SentinelBudget = v
	}
	return func(h Handler) { h.UpdateBucket(req) }, nil
}

func parsePMUConfigBody(body string) (apply, error) {
	root, err := ParseJSON(body)
	if err != nil {
		return nil, err
	}
	if !root.IsObject() {
		return nil, fmt.Errorf("controlplane: pmu-config body is not an object")
	}

	var update PMUConfigUpdate
	if node, ok := root.Member("sentinel"); ok {
		groups, err := parseGroups(node)
		if err != nil {
			return nil, err
		}
		update.HasSentinel = true
		update.SentinelGroups = groups
	}
	if node, ok := root.Member("diagnostic"); ok {
		groups, err := parseGroups(node)
		if err != nil {
			return nil, err
		}
		update.HasDiagnostic = true
		update.DiagnosticGroups = groups
	}
	if !update.HasSentinel && !update.HasDiagnostic {
		return nil, fmt.Errorf("controlplane: pmu-config body names no mode")
	}
	return func(h Handler) { h.UpdatePMUConfig(update) }, nil
}

func parseGroups(node *Value) ([]orchestrator.GroupConfig, error) {
	if !node.IsArray() {
		return nil, fmt.Errorf("controlplane: group list is not an array")
	}
	var groups []orchestrator.GroupConfig
	for _, entry := range node.AsArray() {
		if !entry.IsObject() {
			return nil, fmt.Errorf("controlplane: group entry is not an object")
		}
		var group orchestrator.GroupConfig
		group.Name, _ = entry.Str("name")
		events, ok := entry.Member("events")
		if !ok || !events.IsArray() {
			return nil, fmt.Errorf("controlplane: group %q has no events array", group.Name)
		}
		for _, evNode := range events.AsArray() {
			desc, err := parseEventDesc(evNode)
			if err != nil {
				return nil, err
			}
			group.Events = append(group.Events, desc)
		}
		if len(group.Events) == 0 {
			return nil, fmt.Errorf("controlplane: group %q is empty", group.Name)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func parseEventDesc(node *Value) (orchestrator.EventDesc, error) {
	var desc orchestrator.EventDesc
	if !node.IsObject() {
		return desc, fmt.Errorf("controlplane: event entry is not an object")
	}
	desc.Name, _ = node.Str("name")
	if v, ok := node.Uint("type"); ok {
		desc.Type = uint32(v)
	}
	if v, ok := node.Uint("config"); ok {
		desc.Config = v
	}
	if v, ok := node.Uint("sample_period"); ok {
		desc.SamplePeriod = v
	}
	if m, ok := node.Member("precise"); ok && m.IsBool() {
		desc.Precise = m.AsBool()
	}
	if m, ok := node.Member("logical"); ok {
		logical, err := parseLogicalEvent(m)
		if err != nil {
			return desc, err
		}
		desc.Logical = logical
	}
	return desc, nil
}

func parseLogicalEvent(node *Value) (wire.PmuEvent, error) {
	if node.IsNumber() {
		return wire.PmuEvent(node.AsNumber()), nil
	}
	if !node.IsString() {
		return 0, fmt.Errorf("controlplane: logical event is neither number nor string")
	}
	switch strings.ToLower(node.AsString()) {
	case "l3_miss":
		return wire.EventL3Miss, nil
	case "branch_mispred", "branch":
		return wire.EventBranchMispred, nil
	case "icache", "icache_stall":
		return wire.EventICacheStall, nil
	case "avx", "avx_downclock":
		return wire.EventAVXDownclock, nil
	case "stall_backend", "backend":
		return wire.EventStallBackend, nil
	case "xsnp_hitm", "hitm":
		return wire.EventXSNPHitm, nil
	case "remote_dram", "remote":
		return wire.EventRemoteDRAM, nil
	}
	return 0, fmt.Errorf("controlplane: unknown logical event %q", node.AsString())
}

func parseJITBody(body string) (apply, error) {
	root, err := ParseJSON(body)
	if err != nil {
		return nil, err
	}
	var req JITRegionRequest
	pid, okPid := root.Uint("pid")
	start, okStart := root.Uint("start")
	end, okEnd := root.Uint("end")
	path, okPath := root.Str("path")
	if !okPid || !okStart || !okEnd || !okPath {
		return nil, fmt.Errorf("controlplane: jit body missing required fields")
	}
	req.PID = uint32(pid)
	req.Start = start
	req.End = end
	req.Path = path
	req.BuildID, _ = root.Str("build_id")
	if req.PID == 0 || req.Start == 0 || req.End <= req.Start || req.Path == "" {
		return nil, fmt.Errorf("controlplane: jit body fields out of range")
	}
	return func(h Handler) { h.RegisterJITRegion(req) }, nil
}

func parseDataObjectBody(body string) (apply, error) {
	root, err := ParseJSON(body)
	if err != nil {
		return nil, err
	}
	var req DataObjectRequest
	pid, okPid := root.Uint("pid")
	addr, okAddr := root.Uint("address")
	name, okName := root.Str("name")
	if !okPid || !okAddr || !okName {
		return nil, fmt.Errorf("controlplane: data object body missing required fields")
	}
	req.PID = uint32(pid)
	req.Address = addr
	req.Name = name
	req.Type, _ = root.Str("type")
	req.Size, _ = root.Uint("size")
	if req.PID == 0 || req.Address == 0 || req.Name == "" {
		return nil, fmt.Errorf("controlplane: data object body fields out of range")
	}
	return func(h Handler) { h.RegisterDataObject(req) }, nil
}

func parseTargetsBody(body string) (apply, error) {
	root, err := ParseJSON(body)
	if err != nil {
		return nil, err
	}
	list, ok := root.Member("targets")
	if !ok || !list.IsArray() {
		return nil, fmt.Errorf("controlplane: targets body has no targets array")
	}
	var specs []targets.Spec
	for _, node := range list.AsArray() {
		spec, err := parseTargetSpec(node)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return func(h Handler) { h.UpdateTargets(specs) }, nil
}

func parseTargetSpec(node *Value) (targets.Spec, error) {
	var spec targets.Spec
	kind, ok := node.Str("type")
	if !ok {
		return spec, fmt.Errorf("controlplane: target entry has no type")
	}
	switch strings.ToLower(kind) {
	case "all":
		spec.Type = targets.All
		return spec, nil
	case "cgroup":
		path, ok := node.Str("path")
		if !ok {
			return spec, fmt.Errorf("controlplane: cgroup target has no path")
		}
		spec.Type = targets.Cgroup
		spec.Path = path
		return spec, nil
	case "process", "pid":
		pid, ok := node.Uint("pid")
		if !ok {
			return spec, fmt.Errorf("controlplane: process target has no pid")
		}
		spec.Type = targets.Process
		spec.PID = uint32(pid)
		return spec, nil
	case "flow":
		spec.Type = targets.Flow
		if v, ok := node.Uint("ingress_ifindex"); ok {
			spec.Flow.IngressIfindex = uint16(v)
		}
		if v, ok := node.Uint("l4_proto"); ok {
			spec.Flow.L4Proto = uint8(v)
		}
		return spec, nil
	}
	return spec, fmt.Errorf("controlplane: unknown target type %q", kind)
}
