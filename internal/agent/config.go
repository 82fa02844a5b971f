package agent

import (
	"time"

	"github.com/microsentinel/agent/internal/aggregate"
	"github.com/microsentinel/agent/internal/anomaly"
	"github.com/microsentinel/agent/internal/calibrate"
	"github.com/microsentinel/agent/internal/detect/falsesharing"
	"github.com/microsentinel/agent/internal/detect/remotedram"
	"github.com/microsentinel/agent/internal/export"
	"github.com/microsentinel/agent/internal/mode"
	"github.com/microsentinel/agent/internal/orchestrator"
	"github.com/microsentinel/agent/internal/ring"
	"github.com/microsentinel/agent/internal/safety"
	"github.com/microsentinel/agent/internal/skew"
)

// Config aggregates every subsystem's configuration block.
type Config struct {
	DiagnosticMode bool

	Thresholds  mode.Thresholds
	Aggregator  aggregate.Config
	Calibration calibrate.Config
	Anomaly     anomaly.Config
	Safety      safety.Config
	Columnar    export.ColumnarConfig

	Orchestrator orchestrator.Config
	Ring         ring.Config

	SkewToleranceNs uint64
	SkewMaxWindow   int

	FalseSharingWindowNs  uint64
	FalseSharingThreshold uint64
	RemoteDramWindowNs    uint64

	FlushInterval  time.Duration
	RotationWindow time.Duration

	MetricsAddr string
	ControlAddr string

	// ArchiveBucket, when set, enables the S3 dead-letter sink for
	// columnar batches the endpoint rejected.
	ArchiveBucket string
}

// DefaultConfig returns the agent's built-in defaults.
func DefaultConfig() Config {
	return Config{
		Thresholds:  mode.DefaultThresholds(),
		Aggregator:  aggregate.DefaultConfig(),
		Calibration: calibrate.DefaultConfig(),
		Anomaly:     anomaly.DefaultConfig(),
		Safety:      safety.DefaultConfig(),
		Columnar:    export.DefaultColumnarConfig(),
		Orchestrator: orchestrator.Config{
			ObjectPath:       "bpf/micro_sentinel_kern.bpf.o",
			SentinelBudget:   5_000,
			DiagnosticBudget: 20_000,
			HardDropNs:       4 * skew.FlowSkidNs,
		},
		SkewToleranceNs:       skew.FlowSkidNs,
		SkewMaxWindow:         4,
		FalseSharingWindowNs:  falsesharing.DefaultWindowNs,
		FalseSharingThreshold: falsesharing.DefaultThreshold,
		RemoteDramWindowNs:    remotedram.DefaultWindowNs,
		FlushInterval:         200 * time.Millisecond,
		RotationWindow:        5 * time.Second,
		MetricsAddr:           "0.0.0.0:9105",
		ControlAddr:           "127.0.0.1:9200",
	}
}
