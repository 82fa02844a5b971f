// Package anomaly watches host-level throughput and (optionally) an
// external latency probe, comparing each sample to an EWMA baseline and
// emitting a signal when it deviates enough to warrant switching into
// diagnostic mode.
package anomaly // import "github.com/microsentinel/agent/internal/anomaly"

import (
	"bufio"
	"context"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microsentinel/agent/internal/mode"
	"github.com/microsentinel/agent/times"
)

// Config mirrors the agent's anomaly_detector config block.
type Config struct {
	Enabled               bool
	SampleInterval        time.Duration
	ThroughputEWMAAlpha   float64
	LatencyEWMAAlpha      float64
	ThroughputRatioTrigger float64
	LatencyRatioTrigger   float64
	RefractoryPeriod      time.Duration
	Interfaces            []string
	LatencyProbePath      string
}

// DefaultConfig matches the agent's built-in defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		SampleInterval:         500 * time.Millisecond,
		ThroughputEWMAAlpha:    0.1,
		LatencyEWMAAlpha:       0.2,
		ThroughputRatioTrigger: 0.85,
		LatencyRatioTrigger:    1.3,
		RefractoryPeriod:       5000 * time.Millisecond,
	}
}

// Monitor samples /proc/net/dev throughput (and, if configured, a
// latency probe file) on a fixed interval, folding each observation into
// an EWMA baseline and emitting a mode.AnomalySignal when it crosses its
// trigger ratio, refractory-gated so a sustained anomaly doesn't spam
// signals.
type Monitor struct {
	cfg Config

	mu sync.Mutex

	throughputBaseline float64
	throughputReady    bool
	lastThroughputEmit uint64

	latencyBaseline float64
	latencyReady    bool
	lastLatencyEmit uint64

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Monitor from cfg.
func New(cfg Config) *Monitor {
	return &Monitor{cfg: cfg}
}

// Start launches the sampling loop, calling cb with every anomaly signal
// it emits. A no-op if the monitor is disabled or already running.
func (m *Monitor) Start(cb func(mode.AnomalySignal)) {
	if !m.cfg.Enabled {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx, cb)
}

// Stop halts the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Monitor) run(ctx context.Context, cb func(mode.AnomalySignal)) {
	defer close(m.done)

	interval := m.cfg.SampleInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var prevBytes uint64
	hasPrev := false
	prevTime := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		curBytes, ok := readInterfaceBytes(m.cfg.Interfaces)
		if !ok {
			continue
		}
		now := time.Now()
		nowNs := uint64(times.GetKTime())

		if hasPrev {
			var deltaBytes uint64
			if curBytes >= prevBytes {
				deltaBytes = curBytes - prevBytes
			}
			deltaTime := now.Sub(prevTime).Seconds()
			if deltaTime > 0 && deltaBytes > 0 {
				bps := float64(deltaBytes) / deltaTime
				if sig, ok := m.maybeEmitThroughput(bps, nowNs); ok && cb != nil {
					cb(sig)
				}
			}
		} else {
			hasPrev = true
		}
		prevBytes = curBytes
		prevTime = now

		if latencyUs, ok := readLatencyMicros(m.cfg.LatencyProbePath); ok {
			if sig, ok := m.maybeEmitLatency(latencyUs, nowNs); ok && cb != nil {
				cb(sig)
			}
		}
	}
}

func readInterfaceBytes(interfaces []string) (uint64, bool) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	// Skip the two header lines.
	scanner.Scan()
	scanner.Scan()

	var total uint64
	var found bool
	for scanner.Scan() {
		line := scanner.Text()
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			continue
		}
		iface := strings.TrimSpace(line[:colon])
		if len(interfaces) > 0 && !contains(interfaces, iface) {
			continue
		}
		fields := strings.Fields(line[colon+1:])
		if len(fields) == 0 {
			continue
		}
		rxBytes, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		total += rxBytes
		found = true
	}
	return total, found
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func readLatencyMicros(path string) (float64, bool) {
	if path == "" {
		return 0, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value <= 0 {
		return 0, false
	}
	return value, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (m *Monitor) maybeEmitThroughput(bps float64, nowNs uint64) (mode.AnomalySignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.throughputReady {
		m.throughputBaseline = bps
		m.throughputReady = true
		return mode.AnomalySignal{}, false
	}

	alpha := clamp(m.cfg.ThroughputEWMAAlpha, 0.01, 0.9)
	m.throughputBaseline = alpha*bps + (1.0-alpha)*m.throughputBaseline
	baseline := math.Max(m.throughputBaseline, 1.0)
	ratio := bps / baseline

	if ratio >= m.cfg.ThroughputRatioTrigger {
		return mode.AnomalySignal{}, false
	}
	refractoryNs := uint64(m.cfg.RefractoryPeriod.Nanoseconds())
	if m.lastThroughputEmit != 0 && nowNs-m.lastThroughputEmit < refractoryNs {
		return mode.AnomalySignal{}, false
	}
	m.lastThroughputEmit = nowNs
	return mode.AnomalySignal{Type: mode.ThroughputDrop, Ratio: ratio, Value: bps, TimestampNs: nowNs}, true
}

func (m *Monitor) maybeEmitLatency(latencyUs float64, nowNs uint64) (mode.AnomalySignal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.latencyReady {
		m.latencyBaseline = latencyUs
		m.latencyReady = true
		return mode.AnomalySignal{}, false
	}

	alpha := clamp(m.cfg.LatencyEWMAAlpha, 0.01, 0.9)
	m.latencyBaseline = alpha*latencyUs + (1.0-alpha)*m.latencyBaseline
	baseline := math.Max(m.latencyBaseline, 1.0)
	ratio := latencyUs / baseline

	if ratio <= m.cfg.LatencyRatioTrigger {
		return mode.AnomalySignal{}, false
	}
	refractoryNs := uint64(m.cfg.RefractoryPeriod.Nanoseconds())
	if m.lastLatencyEmit != 0 && nowNs-m.lastLatencyEmit < refractoryNs {
		return mode.AnomalySignal{}, false
	}
	m.lastLatencyEmit = nowNs
	return mode.AnomalySignal{Type: mode.LatencySpike, Ratio: ratio, Value: latencyUs, TimestampNs: nowNs}, true
}
