// Package targets implements the mutable allow/deny filter that scopes
// which samples the agent keeps, staged and swapped in atomically so
// readers never see a partially-applied update.
package targets // import "github.com/microsentinel/agent/internal/targets"

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/microsentinel/agent/internal/wire"
)

// Type distinguishes the four kinds of target specs a control-plane
// request can carry.
type Type int

const (
	All Type = iota
	Cgroup
	Process
	Flow
)

// FlowTarget narrows a Flow target spec by ingress interface and/or L4
// protocol; a zero field matches anything.
type FlowTarget struct {
	IngressIfindex uint16
	L4Proto        uint8
}

// Spec is one target-filter entry from a control-plane targets request.
type Spec struct {
	Type Type
	Path string
	PID  uint32
	Flow FlowTarget
}

// Manager holds the currently active target filter and decides whether a
// given sample should be kept.
type Manager struct {
	mu             sync.Mutex
	allowAll       bool
	hasPIDFilter   bool
	hasFlowFilter  bool
	allowedPIDs    map[uint32]struct{}
	flowTargets    []FlowTarget
}

// New builds a Manager that allows everything until Update narrows it.
func New() *Manager {
	return &Manager{allowAll: true}
}

// Update replaces the active filter with the one described by specs. An
// empty spec list (or an explicit All entry) resets to allow-everything.
// Multiple Process/Cgroup specs union their pid sets; multiple Flow specs
// are OR'd together.
func (m *Manager) Update(specs []Spec) {
	nextPIDs := make(map[uint32]struct{})
	var nextFlows []FlowTarget
	allowAll := len(specs) == 0
	var hasPID, hasFlow bool

	for _, spec := range specs {
		switch spec.Type {
		case All:
			allowAll = true
			nextPIDs = make(map[uint32]struct{})
			nextFlows = nil
			hasPID = false
			hasFlow = false
		case Process:
			hasPID = true
			if spec.PID != 0 {
				nextPIDs[spec.PID] = struct{}{}
			}
		case Cgroup:
			hasPID = true
			if spec.Path != "" {
				loadCgroupPids(spec.Path, nextPIDs)
			}
		case Flow:
			hasFlow = true
			nextFlows = append(nextFlows, spec.Flow)
		}
		if allowAll {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.allowAll = allowAll
	m.hasPIDFilter = hasPID
	m.hasFlowFilter = hasFlow
	m.allowedPIDs = nextPIDs
	m.flowTargets = nextFlows
}

// Allow reports whether s passes the currently active filter.
func (m *Manager) Allow(s wire.Sample) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.allowAll {
		return true
	}

	pidOK := !m.hasPIDFilter
	if m.hasPIDFilter {
		_, pidOK = m.allowedPIDs[s.PID]
	}
	if !pidOK {
		return false
	}

	if !m.hasFlowFilter {
		return true
	}

	for _, flow := range m.flowTargets {
		ifOK := flow.IngressIfindex == 0 || flow.IngressIfindex == s.IngressIfindex
		protoOK := flow.L4Proto == 0 || flow.L4Proto == s.L4Proto
		if ifOK && protoOK {
			return true
		}
	}
	return false
}

// loadCgroupPids reads path/cgroup.procs line by line, tolerating parse
// errors on individual lines.
func loadCgroupPids(path string, dest map[uint32]struct{}) {
	procsPath := path
	if procsPath != "" && !strings.HasSuffix(procsPath, "/") {
		procsPath += "/"
	}
	procsPath = filepath.Join(procsPath, "cgroup.procs")

	f, err := os.Open(procsPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		pid, err := strconv.ParseUint(line, 10, 32)
		if err != nil {
			continue
		}
		if pid != 0 {
			dest[uint32(pid)] = struct{}{}
		}
	}
}
