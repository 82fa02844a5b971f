// Package calibrate turns per-CPU raw TSC values into a common monotonic
// nanosecond timebase using a per-CPU linear model, refit on every sample.
package calibrate // import "github.com/microsentinel/agent/internal/calibrate"

import (
	"sync"

	"github.com/microsentinel/agent/times"
)

const (
	minAlpha = 0.001
	maxAlpha = 0.5
)

// Config mirrors the agent's tsc_calibration block.
type Config struct {
	Enabled    bool
	SlopeAlpha float64
	OffsetAlpha float64
}

// DefaultConfig matches the agent's built-in defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:     true,
		SlopeAlpha:  0.05,
		OffsetAlpha: 0.05,
	}
}

type cpuModel struct {
	slope              float64
	offset             float64
	lastRaw            uint64
	lastRef            uint64
	initialized        bool
	passthroughSteady  bool
}

// Calibrator normalizes raw per-CPU TSC readings into nanoseconds on the
// process's monotonic clock. Safe for concurrent use; one mutex guards
// all per-CPU models.
type Calibrator struct {
	cfg         Config
	slopeAlpha  float64
	offsetAlpha float64

	mu     sync.Mutex
	models []cpuModel
}

// New builds a Calibrator from cfg, clamping the EWMA alphas into
// [minAlpha, maxAlpha] once up front.
func New(cfg Config) *Calibrator {
	return &Calibrator{
		cfg:         cfg,
		slopeAlpha:  clamp(cfg.SlopeAlpha, minAlpha, maxAlpha),
		offsetAlpha: clamp(cfg.OffsetAlpha, minAlpha, maxAlpha),
	}
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

func (c *Calibrator) ensureModel(cpu uint32) *cpuModel {
	if int(cpu) >= len(c.models) {
		grown := make([]cpuModel, cpu+1)
		copy(grown, c.models)
		c.models = grown
	}
	return &c.models[cpu]
}

// Normalize maps rawTSC sampled on cpu into the process's monotonic
// nanosecond timebase. When calibration is disabled it is the identity
// function.
func (c *Calibrator) Normalize(cpu uint32, rawTSC uint64) uint64 {
	if !c.cfg.Enabled {
		return rawTSC
	}

	refNs := uint64(times.GetKTime())

	c.mu.Lock()
	defer c.mu.Unlock()
	model := c.ensureModel(cpu)

	if !model.initialized {
		model.initialized = true

		if refNs > 0 && rawTSC > 0 {
			ratio := float64(rawTSC) / float64(refNs)
			if ratio > 0.75 && ratio < 1.5 {
				model.passthroughSteady = true
				model.lastRaw = rawTSC
				model.lastRef = refNs
				return rawTSC
			}
		}

		model.slope = 1.0
		model.offset = float64(refNs) - float64(rawTSC)
		model.lastRaw = rawTSC
		model.lastRef = refNs
		return refNs
	}

	if model.passthroughSteady {
		return rawTSC
	}

	var rawDelta uint64
	if rawTSC >= model.lastRaw {
		rawDelta = rawTSC - model.lastRaw
	}
	refDelta := refNs - model.lastRef

	if rawDelta > 0 && refDelta > 0 {
		slopeEst := float64(refDelta) / float64(rawDelta)
		if slopeEst > 0.0 && slopeEst < 10.0 {
			model.slope = c.slopeAlpha*slopeEst + (1.0-c.slopeAlpha)*model.slope
		}
	}

	offsetEst := float64(refNs) - model.slope*float64(rawTSC)
	model.offset = c.offsetAlpha*offsetEst + (1.0-c.offsetAlpha)*model.offset

	model.lastRaw = rawTSC
	model.lastRef = refNs

	normalized := model.slope*float64(rawTSC) + model.offset
	if normalized < 0.0 {
		normalized = 0.0
	}
	return uint64(normalized)
}

// ModelSnapshot describes one CPU's fitted linear model, for diagnostics.
type ModelSnapshot struct {
	CPU      uint32
	Slope    float64
	OffsetNs float64
}

// Snapshot returns the current fitted model for every CPU that has seen
// at least one sample.
func (c *Calibrator) Snapshot() []ModelSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ModelSnapshot, 0, len(c.models))
	for cpu, m := range c.models {
		if !m.initialized {
			continue
		}
		out = append(out, ModelSnapshot{CPU: uint32(cpu), Slope: m.slope, OffsetNs: m.offset})
	}
	return out
}
