// Package mode implements the Sentinel/Diagnostic state machine that
// decides how aggressively the agent samples, driven by load ratio and
// external anomaly signals.
package mode // import "github.com/microsentinel/agent/internal/mode"

import (
	"sync/atomic"
	"time"

	"github.com/microsentinel/agent/times"
)

// AgentMode is one of the two operating modes.
type AgentMode int32

const (
	Sentinel AgentMode = iota
	Diagnostic
)

func (m AgentMode) String() string {
	if m == Diagnostic {
		return "diagnostic"
	}
	return "sentinel"
}

// AnomalyType distinguishes the two external signal kinds the mode
// controller reacts to.
type AnomalyType uint8

const (
	ThroughputDrop AnomalyType = iota
	LatencySpike
)

// AnomalySignal is an external observation (from the anomaly monitor)
// that can force a transition into Diagnostic mode.
type AnomalySignal struct {
	Type          AnomalyType
	Ratio         float64 // throughput: current/baseline (<1.0 on a drop); latency: current/baseline (>1.0 on a spike)
	Value         float64
	TimestampNs   uint64
}

// Thresholds mirrors the agent's mode_thresholds config block.
type Thresholds struct {
	SentinelToDiag          float64
	DiagToSentinel          float64
	ThroughputRatioTrigger  float64
	LatencyRatioTrigger     float64
	AnomalyQuietPeriod      time.Duration
}

// DefaultThresholds matches the agent's built-in defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SentinelToDiag:         1.10,
		DiagToSentinel:         1.02,
		ThroughputRatioTrigger: 0.85,
		LatencyRatioTrigger:    1.25,
		AnomalyQuietPeriod:     5000 * time.Millisecond,
	}
}

// Controller tracks the current AgentMode and arbitrates transitions.
// Every field is accessed through atomics so Update/NotifyAnomaly/Mode
// never block each other.
type Controller struct {
	thresholds Thresholds

	mode               atomic.Int32
	lastAnomalyNs      atomic.Uint64
	lastThroughputRatio atomic.Value // float64
	lastLatencyRatio    atomic.Value // float64
}

// New builds a Controller starting in Sentinel mode.
func New(thresholds Thresholds) *Controller {
	c := &Controller{thresholds: thresholds}
	c.lastThroughputRatio.Store(1.0)
	c.lastLatencyRatio.Store(1.0)
	return c
}

// Mode returns the current operating mode.
func (c *Controller) Mode() AgentMode {
	return AgentMode(c.mode.Load())
}

// Force sets the mode unconditionally, bypassing thresholds.
func (c *Controller) Force(m AgentMode) {
	c.mode.Store(int32(m))
}

func (c *Controller) anomalyHoldActive() bool {
	holdNs := uint64(c.thresholds.AnomalyQuietPeriod.Nanoseconds())
	if holdNs == 0 {
		return false
	}
	last := c.lastAnomalyNs.Load()
	if last == 0 {
		return false
	}
	now := uint64(times.GetKTime())
	return now >= last && now-last < holdNs
}

// Update feeds the current load ratio (observed sample rate divided by
// budgeted rate) into the state machine. Sentinel escalates to
// Diagnostic once load_ratio exceeds SentinelToDiag; Diagnostic only
// relaxes back to Sentinel once load_ratio drops below DiagToSentinel
// AND no anomaly quiet period is active.
func (c *Controller) Update(loadRatio float64) AgentMode {
	cur := AgentMode(c.mode.Load())
	switch cur {
	case Sentinel:
		if loadRatio > c.thresholds.SentinelToDiag {
			c.mode.Store(int32(Diagnostic))
		}
	case Diagnostic:
		if !c.anomalyHoldActive() && loadRatio < c.thresholds.DiagToSentinel {
			c.mode.Store(int32(Sentinel))
		}
	}
	return AgentMode(c.mode.Load())
}

// NotifyAnomaly records an external anomaly observation. Every signal
// starts (or restarts) the quiet period that later Update calls respect;
// a signal that crosses its trigger ratio also forces Diagnostic mode.
func (c *Controller) NotifyAnomaly(signal AnomalySignal) AgentMode {
	ts := signal.TimestampNs
	if ts == 0 {
		ts = uint64(times.GetKTime())
	}
	c.lastAnomalyNs.Store(ts)

	switch signal.Type {
	case ThroughputDrop:
		c.lastThroughputRatio.Store(signal.Ratio)
		if signal.Ratio > 0.0 && signal.Ratio < c.thresholds.ThroughputRatioTrigger {
			c.mode.Store(int32(Diagnostic))
		}
	case LatencySpike:
		c.lastLatencyRatio.Store(signal.Ratio)
		if signal.Ratio > c.thresholds.LatencyRatioTrigger {
			c.mode.Store(int32(Diagnostic))
		}
	}
	return AgentMode(c.mode.Load())
}
