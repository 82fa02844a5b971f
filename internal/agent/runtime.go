// Package agent owns the composed runtime: it constructs every
// subsystem, wires the sample pipeline leaves-first (drainer ->
// calibrator -> skew adjuster -> target filter -> aggregator/detectors
// -> exporters), and drives the flush cycle that closes the control
// loop back into the mode controller and safety governor.
package agent // import "github.com/microsentinel/agent/internal/agent"

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/microsentinel/agent/internal/aggregate"
	"github.com/microsentinel/agent/internal/anomaly"
	"github.com/microsentinel/agent/internal/calibrate"
	"github.com/microsentinel/agent/internal/controlplane"
	"github.com/microsentinel/agent/internal/detect/falsesharing"
	"github.com/microsentinel/agent/internal/detect/remotedram"
	"github.com/microsentinel/agent/internal/export"
	"github.com/microsentinel/agent/internal/export/archivesink"
	"github.com/microsentinel/agent/internal/mode"
	"github.com/microsentinel/agent/internal/mslog"
	"github.com/microsentinel/agent/internal/orchestrator"
	"github.com/microsentinel/agent/internal/ring"
	"github.com/microsentinel/agent/internal/rotator"
	"github.com/microsentinel/agent/internal/safety"
	"github.com/microsentinel/agent/internal/skew"
	"github.com/microsentinel/agent/internal/symbolize"
	"github.com/microsentinel/agent/internal/targets"
	"github.com/microsentinel/agent/internal/wire"
	"github.com/microsentinel/agent/times"
)

// Runtime owns every subsystem for one agent instance. Start and Stop
// are idempotent.
type Runtime struct {
	cfg Config

	symbolizer *symbolize.Symbolizer
	aggregator *aggregate.Aggregator
	adjuster   *skew.Adjuster
	calibrator *calibrate.Calibrator
	targetMgr  *targets.Manager
	fsDetector *falsesharing.Detector
	rdAnalyzer *remotedram.Analyzer
	modeCtl    *mode.Controller
	governor   *safety.Governor
	orch       *orchestrator.Orchestrator
	pool       *ring.Pool
	rotator    *rotator.Rotator
	monitor    *anomaly.Monitor
	metrics    *export.Metrics
	sink       *export.ColumnarSink
	control    *controlplane.Server
	scheduler  *export.Scheduler

	bucketMu    sync.Mutex
	bucketState mode.BucketState

	running        atomic.Bool
	appliedMode    atomic.Int32
	rotatorStarted bool
	samplesTotal   atomic.Uint64
}

var _ controlplane.Handler = (*Runtime)(nil)

// New wires a Runtime from cfg. The kernel sampler is initialized here;
// when it is unavailable the ring pool runs in mock mode and everything
// else still comes up.
func New(cfg Config) (*Runtime, error) {
	r := &Runtime{cfg: cfg}

	r.symbolizer = symbolize.New(mslog.With("symbolize"))
	r.aggregator = aggregate.New(cfg.Aggregator)
	r.aggregator.AttachSymbolizer(r.symbolizer)
	r.adjuster = skew.New(cfg.SkewToleranceNs, cfg.SkewMaxWindow)
	r.targetMgr = targets.New()
	r.fsDetector = falsesharing.New(r.symbolizer, cfg.FalseSharingWindowNs, cfg.FalseSharingThreshold)
	r.rdAnalyzer = remotedram.New(cfg.RemoteDramWindowNs)
	if cfg.Calibration.Enabled {
		r.calibrator = calibrate.New(cfg.Calibration)
	}

	// External anomaly triggers override the mode thresholds when set.
	thresholds := cfg.Thresholds
	if cfg.Anomaly.ThroughputRatioTrigger > 0 {
		thresholds.ThroughputRatioTrigger = cfg.Anomaly.ThroughputRatioTrigger
	}
	if cfg.Anomaly.LatencyRatioTrigger > 0 {
		thresholds.LatencyRatioTrigger = cfg.Anomaly.LatencyRatioTrigger
	}
	if cfg.Anomaly.RefractoryPeriod > 0 {
		thresholds.AnomalyQuietPeriod = cfg.Anomaly.RefractoryPeriod
	}
	r.modeCtl = mode.New(thresholds)
	r.governor = safety.New(cfg.Safety)

	r.bucketState = mode.BucketState{
		SentinelBudget:   cfg.Orchestrator.SentinelBudget,
		DiagnosticBudget: cfg.Orchestrator.DiagnosticBudget,
		HardDropNs:       cfg.Orchestrator.HardDropNs,
	}
	if r.bucketState.DiagnosticBudget < r.bucketState.SentinelBudget {
		r.bucketState.DiagnosticBudget = r.bucketState.SentinelBudget
	}

	intervals := times.New(cfg.FlushInterval, cfg.Anomaly.SampleInterval, cfg.RotationWindow)

	r.metrics = export.NewMetrics(cfg.MetricsAddr)
	r.sink = export.NewColumnarSink(cfg.Columnar)
	r.sink.SetBucketWidth(cfg.Aggregator.TimeWindowNs)
	if cfg.ArchiveBucket != "" {
		archive, err := archivesink.New(context.Background(), cfg.ArchiveBucket)
		if err != nil {
			mslog.Warnf("Archive sink disabled: %v", err)
		} else {
			r.sink.SetArchiver(archive)
		}
	}
	r.control = controlplane.NewServer(cfg.ControlAddr, r)

	r.orch = orchestrator.New(cfg.Orchestrator)
	if err := r.orch.Init(); err != nil {
		// A missing sampler object file in non-mock mode is the one
		// non-listener fatal condition. Every other Init failure, including
		// an object file that exists but cannot be opened or loaded, and
		// attachment failures, degrades to mock sampling instead.
		if !cfg.Orchestrator.MockMode && errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("agent: opening sampler object: %w", err)
		}
		mslog.Warnf("Kernel sampler unavailable, enabling mock perf sampling: %v", err)
	} else {
		mslog.Infof("Kernel sampler initialized; real perf sampling enabled")
		r.orch.SyncBudgetConfig(r.bucketState.SentinelBudget,
			r.bucketState.DiagnosticBudget, r.bucketState.HardDropNs)
		if err := r.orch.SetInterfaceFilter(nil); err != nil {
			mslog.Warnf("Failed to configure interface filter: %v", err)
		}
		r.rotator = rotator.New(r.orch, intervals.RotationWindow(), func(scale float64) {
			r.aggregator.SetSampleScale(scale)
			r.metrics.SetGauge("ms_pmu_scale", scale)
		})
	}

	r.pool = ring.NewPool(cfg.Ring, r.orch.EventsMap())
	if cfg.Anomaly.Enabled {
		r.monitor = anomaly.New(cfg.Anomaly)
	}
	r.scheduler = export.NewScheduler(intervals.FlushInterval(), r.runFlushCycle)

	initial := mode.Sentinel
	if cfg.DiagnosticMode {
		initial = mode.Diagnostic
	}
	r.modeCtl.Force(initial)
	r.appliedMode.Store(int32(initial))
	return r, nil
}

// Start brings every background component up. The only fatal failures
// are the two listeners; everything else degrades with a log line.
func (r *Runtime) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	mslog.Infof("Starting agent runtime (mode=%s, anomaly=%v, mock_perf=%v)",
		r.modeCtl.Mode(), r.monitor != nil, !r.orch.Ready())

	var g errgroup.Group
	g.Go(r.metrics.Start)
	g.Go(r.control.Start)
	if err := g.Wait(); err != nil {
		r.metrics.Stop()
		r.control.Stop()
		r.running.Store(false)
		return fmt.Errorf("agent: starting listeners: %w", err)
	}

	r.metrics.SetGauge("ms_pmu_scale", r.aggregator.SampleScale())
	r.sink.Start()
	if r.monitor != nil {
		r.monitor.Start(r.handleAnomaly)
	}
	if r.orch.Ready() {
		r.applyMode(r.modeCtl.Mode())
		if r.rotator != nil && !r.rotatorStarted {
			r.rotator.Start(r.modeCtl.Mode())
			r.rotatorStarted = true
		}
	}
	if err := r.pool.Start(r.handleSample); err != nil {
		mslog.Errorf("Ring drainer failed to start: %v", err)
	}
	r.scheduler.Start()
	return nil
}

// Stop tears the pipeline down front to back so in-flight samples drain
// before the final flush cycle runs. Idempotent.
func (r *Runtime) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.pool.Stop()
	r.adjuster.Flush(r.emitReadySample)
	r.scheduler.Stop()

	if r.rotator != nil && r.rotatorStarted {
		r.rotator.Stop()
		r.rotatorStarted = false
	}
	if r.monitor != nil {
		r.monitor.Stop()
	}
	r.sink.Stop()
	r.control.Stop()
	r.metrics.Stop()
	r.orch.Close()
}

// SamplesTotal returns the number of samples that reached the
// aggregation stage since startup.
func (r *Runtime) SamplesTotal() uint64 {
	return r.samplesTotal.Load()
}

// MetricsAddr and ControlAddr return the bound listener addresses.
func (r *Runtime) MetricsAddr() string { return r.metrics.Addr() }

func (r *Runtime) ControlAddr() string { return r.control.Addr() }

// handleSample is the drainer callback: normalize the timestamp, then
// hand the bundle to the skew adjuster which decides when it may leave
// the per-CPU window.
func (r *Runtime) handleSample(s wire.Sample, branches []wire.LBREntry) {
	if r.calibrator != nil {
		s.TSC = r.calibrator.Normalize(s.CPU, s.TSC)
	}
	r.adjuster.Process(skew.Bundle{Sample: s, Branches: branches}, r.emitReadySample)
}

func (r *Runtime) emitReadySample(b skew.Bundle) {
	s := b.Sample
	if !r.targetMgr.Allow(s) {
		return
	}
	r.rdAnalyzer.Observe(s)

	norm := r.aggregator.SampleScale()
	if s.GSOSegs > 1 {
		norm /= float64(s.GSOSegs)
	}
	r.sink.EnqueueRawSample(s, b.Branches, norm)
	r.aggregator.AddSample(b)
	r.fsDetector.Observe(s)
	r.samplesTotal.Add(1)
}

func flowMetricName(event uint32) string {
	switch wire.PmuEvent(event) {
	case wire.EventL3Miss:
		return "ms_flow_micromiss_rate"
	case wire.EventRemoteDRAM:
		return "ms_remote_dram_rate"
	case wire.EventBranchMispred:
		return "ms_branch_mispred_rate"
	case wire.EventICacheStall:
		return "ms_icache_stall_rate"
	case wire.EventAVXDownclock:
		return "ms_avx_downclock_rate"
	case wire.EventStallBackend:
		return "ms_backend_stall_rate"
	case wire.EventXSNPHitm:
		return "ms_false_sharing_rate"
	default:
		return "ms_flow_event_norm"
	}
}

func directionLabel(d wire.Direction) string {
	switch d {
	case wire.DirectionRX:
		return "rx"
	case wire.DirectionTX:
		return "tx"
	default:
		return "unknown"
	}
}

// escapePromLabel strips control characters and escapes quoting so
// mapping paths survive as label values.
func escapePromLabel(value string) string {
	var sb strings.Builder
	for _, c := range value {
		if c < 0x20 || c == 0x7f {
			continue
		}
		if c == '"' || c == '\\' {
			sb.WriteByte('\\')
		}
		sb.WriteRune(c)
	}
	if sb.Len() == 0 {
		return "unknown"
	}
	return sb.String()
}

// runFlushCycle drains the aggregator, detectors and symbolizer dirty
// sets into the exporters, then feeds the observed load ratio back into
// the safety governor and mode controller.
func (r *Runtime) runFlushCycle() {
	nowNs := uint64(times.GetKTime())
	interval := r.scheduler.Interval()

	flushed := r.aggregator.Flush(func(key aggregate.Key, value aggregate.Value) {
		r.sink.Enqueue(key, value)
		name := fmt.Sprintf(
			`%s{flow="%d",function="0x%x",stack="0x%x",event="%d",numa="%d",direction="%s",class="%s",data_object="0x%x"}`,
			flowMetricName(key.PMUEvent), key.FlowID, key.FunctionID, key.CallstackID,
			key.PMUEvent, key.NumaNode, directionLabel(key.Direction),
			key.InterferenceClass, key.DataObjectID)
		r.metrics.SetGauge(name, value.NormCost)
	})

	for _, trace := range r.symbolizer.ConsumeStacks() {
		r.sink.EnqueueStack(trace)
	}
	for _, obj := range r.symbolizer.ConsumeDataObjects() {
		r.sink.EnqueueDataObject(obj)
	}

	if flushed > 0 {
		samplesPerSec := float64(flushed) / interval.Seconds()
		r.metrics.SetGauge("ms_samples_per_sec", samplesPerSec)

		r.bucketMu.Lock()
		budget := r.bucketState.DiagnosticBudget
		if r.modeCtl.Mode() == mode.Sentinel {
			budget = r.bucketState.SentinelBudget
		}
		r.bucketMu.Unlock()

		ratio := 1.0
		if budget > 0 {
			ratio = samplesPerSec / float64(budget)
		}
		mslog.Debugf("Flush cycle: %d samples (%.0f samples/sec), budget ratio=%.3f",
			flushed, samplesPerSec, ratio)

		r.maybeAdjustSafety(ratio)
		if updated := r.modeCtl.Update(ratio); updated != r.lastAppliedMode() {
			r.applyMode(updated)
		}
	}

	r.fsDetector.Flush(nowNs, func(f falsesharing.Finding) {
		name := fmt.Sprintf(
			`ms_false_sharing_score{line="0x%x",mapping="%s",pid="%d",offset="0x%x"}`,
			f.LineAddr, escapePromLabel(f.Object.Mapping), f.DominantPID, f.Object.Offset)
		r.metrics.SetGauge(name, float64(f.TotalHits))
	})

	r.rdAnalyzer.Flush(nowNs, func(f remotedram.Finding) {
		name := fmt.Sprintf(
			`ms_remote_dram_hotspot{flow="%d",numa="%d",ifindex="%d"}`,
			f.FlowID, f.NumaNode, f.Ifindex)
		r.metrics.SetGauge(name, float64(f.Samples))
		if f.Score > 2.0 {
			mslog.Debugf("Remote DRAM hotspot flow=%d numa=%d score=%.2f", f.FlowID, f.NumaNode, f.Score)
		}
	})

	if r.calibrator != nil {
		for _, m := range r.calibrator.Snapshot() {
			r.metrics.SetGauge(fmt.Sprintf(`ms_tsc_slope{cpu="%d"}`, m.CPU), m.Slope)
			r.metrics.SetGauge(fmt.Sprintf(`ms_tsc_offset_ns{cpu="%d"}`, m.CPU), m.OffsetNs)
		}
	}
}

func (r *Runtime) maybeAdjustSafety(ratio float64) {
	level, changed := r.governor.Adjust(ratio)
	if !changed {
		return
	}
	if r.orch.Ready() {
		r.orch.SetMaxEventsPerGroup(r.governor.EventLimit(level))
	}
	if r.rotator != nil && r.rotatorStarted {
		r.rotator.UpdateMode(r.modeCtl.Mode())
	}
	throttled := 0.0
	if level == safety.ShedHeavy {
		throttled = 1.0
	}
	r.metrics.SetGauge("ms_sampling_throttled", throttled)
}

func (r *Runtime) handleAnomaly(signal mode.AnomalySignal) {
	switch signal.Type {
	case mode.ThroughputDrop:
		r.metrics.SetGauge("ms_throughput_ratio", signal.Ratio)
		r.metrics.SetGauge("ms_throughput_bps", signal.Value)
	case mode.LatencySpike:
		r.metrics.SetGauge("ms_latency_ratio", signal.Ratio)
		r.metrics.SetGauge("ms_latency_us", signal.Value)
	}
	previous := r.lastAppliedMode()
	if updated := r.modeCtl.NotifyAnomaly(signal); updated != previous {
		r.applyMode(updated)
	}
}

// applyMode reprograms the kernel side for the given mode and records
// it as applied.
func (r *Runtime) applyMode(m mode.AgentMode) {
	previous := r.lastAppliedMode()
	r.appliedMode.Store(int32(m))
	if previous != m {
		mslog.Infof("Transitioning agent mode from %s to %s", previous, m)
	} else {
		mslog.Debugf("Reapplying agent mode: %s", m)
	}
	r.modeCtl.Force(m)
	if r.orch.Ready() {
		if r.orch.SwitchMode(m) && r.rotator != nil && r.rotatorStarted {
			r.rotator.UpdateMode(m)
		}
	}
	gauge := 0.0
	if m == mode.Diagnostic {
		gauge = 1.0
	}
	r.metrics.SetGauge("ms_agent_mode", gauge)
}

func (r *Runtime) lastAppliedMode() mode.AgentMode {
	return mode.AgentMode(r.appliedMode.Load())
}

// ApplyMode implements controlplane.Handler.
func (r *Runtime) ApplyMode(m mode.AgentMode) {
	r.applyMode(m)
}

// UpdateBucket implements controlplane.Handler: merge the request into
// the bucket state and reprogram the kernel only when the active
// configuration actually changed.
func (r *Runtime) UpdateBucket(req mode.BucketUpdateRequest) {
	r.bucketMu.Lock()
	outcome := mode.ApplyBucketUpdate(req, r.modeCtl.Mode(), &r.bucketState)
	state := r.bucketState
	r.bucketMu.Unlock()

	if !r.orch.Ready() {
		return
	}
	r.orch.SyncBudgetConfig(state.SentinelBudget, state.DiagnosticBudget, state.HardDropNs)
	if outcome.ReprogramRequired {
		r.orch.UpdateSampleBudget(r.modeCtl.Mode(),
			state.SentinelBudget, state.DiagnosticBudget, state.HardDropNs)
	}
}

// UpdatePMUConfig implements controlplane.Handler.
func (r *Runtime) UpdatePMUConfig(update controlplane.PMUConfigUpdate) {
	if !update.HasSentinel && !update.HasDiagnostic {
		return
	}
	if !r.orch.Ready() {
		return
	}
	var sentinel, diagnostic []orchestrator.GroupConfig
	if update.HasSentinel {
		sentinel = update.SentinelGroups
	}
	if update.HasDiagnostic {
		diagnostic = update.DiagnosticGroups
	}
	r.orch.UpdateGroupConfig(sentinel, diagnostic)
	if r.orch.SwitchMode(r.modeCtl.Mode()) && r.rotator != nil && r.rotatorStarted {
		r.rotator.UpdateMode(r.modeCtl.Mode())
	}
}

// RegisterJITRegion implements controlplane.Handler.
func (r *Runtime) RegisterJITRegion(req controlplane.JITRegionRequest) {
	r.symbolizer.RegisterJitRegion(req.PID, req.Start, req.End, req.Path, req.BuildID)
}

// RegisterDataObject implements controlplane.Handler.
func (r *Runtime) RegisterDataObject(req controlplane.DataObjectRequest) {
	r.symbolizer.RegisterDataObject(req.PID, req.Address, req.Name, req.Type, req.Size)
}

// UpdateTargets implements controlplane.Handler.
func (r *Runtime) UpdateTargets(specs []targets.Spec) {
	r.targetMgr.Update(specs)
}
