// Package export fans the agent's observations out: a text metrics
// endpoint, a batching columnar sink, and the periodic flush scheduler
// that drives the Aggregator and detectors.
package export // import "github.com/microsentinel/agent/internal/export"

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microsentinel/agent/internal/mslog"
	"github.com/microsentinel/agent/vc"
)

// Metrics is the gauge registry behind the text metrics endpoint.
// Gauge names may carry a {label="..."} suffix; the registry treats the
// full string as the key.
type Metrics struct {
	addr string

	mu       sync.Mutex
	gauges   map[string]float64
	listener net.Listener
	srv      *http.Server
}

// NewMetrics builds a registry serving on addr once started.
func NewMetrics(addr string) *Metrics {
	return &Metrics{addr: addr, gauges: make(map[string]float64)}
}

// SetGauge records the current value for name.
func (m *Metrics) SetGauge(name string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges[name] = value
}

// Render emits every gauge as "name{labels} value\n", sorted by name so
// output is stable across scrapes.
func (m *Metrics) Render() string {
	m.mu.Lock()
	names := make([]string, 0, len(m.gauges))
	for name := range m.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	fmt.Fprintf(&sb, "ms_agent_build_info{version=%q,revision=%q} 1\n",
		vc.Version(), vc.Revision())
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteByte(' ')
		sb.WriteString(strconv.FormatFloat(m.gauges[name], 'g', -1, 64))
		sb.WriteByte('\n')
	}
	m.mu.Unlock()
	return sb.String()
}

// Start binds the metrics listener; a bind failure is fatal to the
// caller.
func (m *Metrics) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("export: binding metrics listener %s: %w", m.addr, err)
	}
	m.listener = ln
	m.srv = &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain")
			_, _ = io.WriteString(w, m.Render())
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			mslog.Errorf("Metrics listener: %v", err)
		}
	}()
	return nil
}

// Stop closes the listener. Idempotent.
func (m *Metrics) Stop() {
	m.mu.Lock()
	srv := m.srv
	m.srv = nil
	m.listener = nil
	m.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
}

// Addr returns the bound listen address.
func (m *Metrics) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return m.addr
	}
	return m.listener.Addr().String()
}
