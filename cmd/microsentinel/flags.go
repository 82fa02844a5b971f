package main

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/peterbourgon/ff/v3"

	"github.com/microsentinel/agent/internal/agent"
	"github.com/microsentinel/agent/internal/cpulist"
)

const (
	modeHelp          = "Initial operating mode: sentinel or diagnostic."
	budgetHelp        = "Kernel-side sample budget (samples/sec) for the mode."
	hardDropHelp      = "Hard-drop window in nanoseconds once the token bucket is empty."
	cpusHelp          = "CPUs to sample, as a kernel-style list (e.g. 0,2,4-7). Empty means all online CPUs."
	mockHelp          = "Skip the kernel sampler and synthesize samples (local testing only)."
	aggWindowHelp     = "Aggregation time bucket width in nanoseconds."
	aggFlushHelp      = "Flush cycle interval in milliseconds."
	anomalyIfacesHelp = "Comma separated interfaces the anomaly monitor watches. Empty means all."
	latencyPathHelp   = "Optional file containing the latest latency probe value in microseconds."
	archiveBucketHelp = "Optional S3 bucket that receives columnar batches the endpoint rejected."
)

// cliArgs carries the raw flag values before they are shaped into an
// agent.Config.
type cliArgs struct {
	fs *flag.FlagSet

	mode             string
	sentinelBudget   uint64
	diagnosticBudget uint64
	hardDropNs       uint64

	chEndpoint   string
	chTable      string
	chStackTable string
	chRawTable   string
	chDataTable  string
	chBatchSize  int
	chFlushMs    int
	chCompress   bool

	archiveBucket string

	metricsAddress string
	metricsPort    int
	controlAddress string
	controlPort    int

	aggWindowNs uint64
	aggFlushMs  int

	anomalyEnabled         bool
	anomalyInterfaces      string
	anomalyIntervalMs      int
	anomalyThroughputAlpha float64
	anomalyLatencyAlpha    float64
	anomalyThroughputRatio float64
	anomalyLatencyRatio    float64
	anomalyRefractoryMs    int
	anomalyLatencyPath     string

	tscEnabled     bool
	tscSlopeAlpha  float64
	tscOffsetAlpha float64

	cpus             string
	numaWorkers      bool
	perfMockMode     bool
	mockPeriodMs     int
	bpfObjectPath    string
	xdpInterfaces    string
	rotationWindowMs int

	verbose bool
	version bool
}

// parseArgs builds the flag set and parses args, environment (MS_*
// prefix), and the key = value config file in that precedence order.
func parseArgs(args []string, configPath string) (*cliArgs, error) {
	def := agent.DefaultConfig()
	var a cliArgs

	fs := flag.NewFlagSet("microsentinel", flag.ContinueOnError)

	// Please keep the parameters ordered alphabetically in the source-code.
	fs.IntVar(&a.aggFlushMs, "agg_flush_ms", int(def.FlushInterval.Milliseconds()), aggFlushHelp)
	fs.Uint64Var(&a.aggWindowNs, "agg_window_ns", def.Aggregator.TimeWindowNs, aggWindowHelp)

	fs.BoolVar(&a.anomalyEnabled, "anomaly_enabled", def.Anomaly.Enabled, "Enable the anomaly monitor.")
	fs.StringVar(&a.anomalyInterfaces, "anomaly_interfaces", "", anomalyIfacesHelp)
	fs.IntVar(&a.anomalyIntervalMs, "anomaly_interval_ms",
		int(def.Anomaly.SampleInterval.Milliseconds()), "Anomaly monitor poll interval in milliseconds.")
	fs.Float64Var(&a.anomalyLatencyAlpha, "anomaly_latency_alpha",
		def.Anomaly.LatencyEWMAAlpha, "EWMA alpha for the latency baseline.")
	fs.StringVar(&a.anomalyLatencyPath, "anomaly_latency_path", "", latencyPathHelp)
	fs.Float64Var(&a.anomalyLatencyRatio, "anomaly_latency_ratio",
		def.Anomaly.LatencyRatioTrigger, "Latency ratio that triggers diagnostic mode.")
	fs.IntVar(&a.anomalyRefractoryMs, "anomaly_refractory_ms",
		int(def.Anomaly.RefractoryPeriod.Milliseconds()), "Minimum gap between anomaly signals in milliseconds.")
	fs.Float64Var(&a.anomalyThroughputAlpha, "anomaly_throughput_alpha",
		def.Anomaly.ThroughputEWMAAlpha, "EWMA alpha for the throughput baseline.")
	fs.Float64Var(&a.anomalyThroughputRatio, "anomaly_throughput_ratio",
		def.Anomaly.ThroughputRatioTrigger, "Throughput drop ratio that triggers diagnostic mode.")

	fs.StringVar(&a.archiveBucket, "archive_bucket", "", archiveBucketHelp)
	fs.StringVar(&a.bpfObjectPath, "bpf_object_path", def.Orchestrator.ObjectPath, "Path to the kernel sampler object file.")

	fs.IntVar(&a.chBatchSize, "clickhouse_batch_size", def.Columnar.BatchSize, "Columnar sink batch size.")
	fs.BoolVar(&a.chCompress, "clickhouse_compress", false, "Compress columnar payloads with zstd.")
	fs.StringVar(&a.chDataTable, "clickhouse_data_table", def.Columnar.DataTable, "Data object table name.")
	fs.StringVar(&a.chEndpoint, "clickhouse_endpoint", def.Columnar.Endpoint, "Columnar sink endpoint URL.")
	fs.IntVar(&a.chFlushMs, "clickhouse_flush_ms",
		int(def.Columnar.FlushInterval.Milliseconds()), "Columnar sink flush interval in milliseconds.")
	fs.StringVar(&a.chRawTable, "clickhouse_raw_table", def.Columnar.RawTable, "Raw sample table name.")
	fs.StringVar(&a.chStackTable, "clickhouse_stack_table", def.Columnar.StackTable, "Stack trace table name.")
	fs.StringVar(&a.chTable, "clickhouse_table", def.Columnar.Table, "Rollup table name.")

	fs.StringVar(&a.controlAddress, "control_address", "127.0.0.1", "Control plane listen address.")
	fs.IntVar(&a.controlPort, "control_port", 9200, "Control plane listen port.")

	fs.StringVar(&a.cpus, "cpus", "", cpusHelp)

	fs.Uint64Var(&a.diagnosticBudget, "diagnostic_budget", def.Orchestrator.DiagnosticBudget, budgetHelp)
	fs.Uint64Var(&a.hardDropNs, "hard_drop_ns", def.Orchestrator.HardDropNs, hardDropHelp)

	fs.StringVar(&a.metricsAddress, "metrics_address", "0.0.0.0", "Metrics listen address.")
	fs.IntVar(&a.metricsPort, "metrics_port", 9105, "Metrics listen port.")

	fs.IntVar(&a.mockPeriodMs, "mock_period_ms", 10, "Synthetic sample period in mock mode, milliseconds.")
	fs.StringVar(&a.mode, "mode", "sentinel", modeHelp)

	fs.BoolVar(&a.numaWorkers, "numa_workers", true, "One ring drainer worker per NUMA node; false shares one worker.")

	fs.BoolVar(&a.perfMockMode, "perf_mock_mode", false, mockHelp)
	fs.IntVar(&a.rotationWindowMs, "rotation_window_ms",
		int(def.RotationWindow.Milliseconds()), "PMU group rotation window in milliseconds.")

	fs.Uint64Var(&a.sentinelBudget, "sentinel_budget", def.Orchestrator.SentinelBudget, budgetHelp)

	fs.BoolVar(&a.tscEnabled, "tsc_calibration_enabled", def.Calibration.Enabled, "Enable TSC calibration.")
	fs.Float64Var(&a.tscOffsetAlpha, "tsc_offset_alpha", def.Calibration.OffsetAlpha, "EWMA alpha for the TSC offset.")
	fs.Float64Var(&a.tscSlopeAlpha, "tsc_slope_alpha", def.Calibration.SlopeAlpha, "EWMA alpha for the TSC slope.")

	fs.BoolVar(&a.verbose, "v", false, "Shorthand for -verbose.")
	fs.BoolVar(&a.verbose, "verbose", false, "Enable debug logging.")
	fs.BoolVar(&a.version, "version", false, "Print version information and exit.")

	fs.StringVar(&a.xdpInterfaces, "xdp_interfaces", "", "Comma separated interfaces for the XDP context injector.")

	// The config flag itself, so -config=... on the command line works
	// alongside the discovery in main.
	fs.String("config", configPath, "Path to a key = value config file.")

	fs.Usage = func() {
		fs.PrintDefaults()
	}
	a.fs = fs

	return &a, ff.Parse(fs, args,
		ff.WithEnvVarPrefix("MS"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(lineParser),
		ff.WithAllowMissingConfigFile(configPath == ""),
	)
}

// agentConfig shapes the parsed flags into the runtime's config tree.
func (a *cliArgs) agentConfig() (agent.Config, error) {
	cfg := agent.DefaultConfig()

	switch strings.ToLower(a.mode) {
	case "", "sentinel":
		cfg.DiagnosticMode = false
	case "diagnostic", "diag":
		cfg.DiagnosticMode = true
	default:
		return cfg, fmt.Errorf("unknown mode %q", a.mode)
	}

	cpus, err := cpulist.Parse(a.cpus)
	if err != nil {
		return cfg, err
	}

	cfg.Aggregator.TimeWindowNs = a.aggWindowNs
	cfg.FlushInterval = time.Duration(a.aggFlushMs) * time.Millisecond

	cfg.Columnar.Endpoint = a.chEndpoint
	cfg.Columnar.Table = a.chTable
	cfg.Columnar.StackTable = a.chStackTable
	cfg.Columnar.RawTable = a.chRawTable
	cfg.Columnar.DataTable = a.chDataTable
	cfg.Columnar.BatchSize = a.chBatchSize
	cfg.Columnar.FlushInterval = time.Duration(a.chFlushMs) * time.Millisecond
	cfg.Columnar.Compress = a.chCompress
	cfg.ArchiveBucket = a.archiveBucket

	cfg.MetricsAddr = fmt.Sprintf("%s:%d", a.metricsAddress, a.metricsPort)
	cfg.ControlAddr = fmt.Sprintf("%s:%d", a.controlAddress, a.controlPort)

	cfg.Anomaly.Enabled = a.anomalyEnabled
	cfg.Anomaly.SampleInterval = time.Duration(a.anomalyIntervalMs) * time.Millisecond
	cfg.Anomaly.ThroughputEWMAAlpha = a.anomalyThroughputAlpha
	cfg.Anomaly.LatencyEWMAAlpha = a.anomalyLatencyAlpha
	cfg.Anomaly.ThroughputRatioTrigger = a.anomalyThroughputRatio
	cfg.Anomaly.LatencyRatioTrigger = a.anomalyLatencyRatio
	cfg.Anomaly.RefractoryPeriod = time.Duration(a.anomalyRefractoryMs) * time.Millisecond
	cfg.Anomaly.LatencyProbePath = a.anomalyLatencyPath
	if a.anomalyInterfaces != "" {
		cfg.Anomaly.Interfaces = splitList(a.anomalyInterfaces)
	}

	cfg.Calibration.Enabled = a.tscEnabled
	cfg.Calibration.SlopeAlpha = a.tscSlopeAlpha
	cfg.Calibration.OffsetAlpha = a.tscOffsetAlpha

	cfg.Orchestrator.ObjectPath = a.bpfObjectPath
	cfg.Orchestrator.CPUs = cpus
	cfg.Orchestrator.SentinelBudget = a.sentinelBudget
	cfg.Orchestrator.DiagnosticBudget = a.diagnosticBudget
	cfg.Orchestrator.HardDropNs = a.hardDropNs
	cfg.Orchestrator.MockMode = a.perfMockMode
	if a.xdpInterfaces != "" {
		cfg.Orchestrator.Interfaces = splitList(a.xdpInterfaces)
	}

	cfg.Ring.CPUs = cpus
	cfg.Ring.SingleWorker = !a.numaWorkers
	cfg.Ring.MockMode = a.perfMockMode
	cfg.Ring.MockPeriod = time.Duration(a.mockPeriodMs) * time.Millisecond

	cfg.RotationWindow = time.Duration(a.rotationWindowMs) * time.Millisecond
	return cfg, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
