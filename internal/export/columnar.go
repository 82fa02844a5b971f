package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/microsentinel/agent/internal/aggregate"
	"github.com/microsentinel/agent/internal/mslog"
	"github.com/microsentinel/agent/internal/symbolize"
	"github.com/microsentinel/agent/internal/wire"
	"github.com/microsentinel/agent/periodiccaller"
)

// ColumnarConfig mirrors the agent's columnar-sink config block.
type ColumnarConfig struct {
	Endpoint      string
	Table         string
	StackTable    string
	RawTable      string
	DataTable     string
	FlushInterval time.Duration
	BatchSize     int
	Compress      bool
}

// DefaultColumnarConfig matches the agent's built-in defaults.
func DefaultColumnarConfig() ColumnarConfig {
	return ColumnarConfig{
		Endpoint:      "http://localhost:8123",
		Table:         "ms_flow_rollup",
		StackTable:    "ms_stack_traces",
		RawTable:      "ms_raw_samples",
		DataTable:     "ms_data_objects",
		FlushInterval: 500 * time.Millisecond,
		BatchSize:     4096,
	}
}

// Archiver receives batches the columnar endpoint rejected, so a
// transient sink outage does not silently lose rollups.
type Archiver interface {
	Archive(ctx context.Context, table string, payload []byte) error
}

type rawRow struct {
	sample   wire.Sample
	branches []wire.LBREntry
	normCost float64
}

type rollupRow struct {
	key   aggregate.Key
	value aggregate.Value
}

// ColumnarSink batches rollups, stack traces, raw samples and data
// objects into four tables and POSTs them to the columnar endpoint.
// Delivery is best effort: a failed batch is dropped (and archived when
// an Archiver is attached) and the next cycle starts fresh.
type ColumnarSink struct {
	cfg      ColumnarConfig
	hostname string
	client   *http.Client
	encoder  *zstd.Encoder

	bucketWidthNs atomic.Uint64

	mu       sync.Mutex
	rollups  []rollupRow
	stacks   []symbolize.StackTrace
	raws     []rawRow
	objects  []symbolize.DataSymbol
	archiver Archiver

	cancel context.CancelFunc
}

// NewColumnarSink builds a sink from cfg.
func NewColumnarSink(cfg ColumnarConfig) *ColumnarSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 4096
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	s := &ColumnarSink{
		cfg:      cfg,
		hostname: hostname,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
	if cfg.Compress {
		enc, err := zstd.NewWriter(nil)
		if err == nil {
			s.encoder = enc
		} else {
			mslog.Warnf("Disabling columnar compression: %v", err)
		}
	}
	return s
}

// SetBucketWidth tells the sink how to convert bucket indexes back into
// window-start seconds.
func (s *ColumnarSink) SetBucketWidth(ns uint64) {
	s.bucketWidthNs.Store(ns)
}

// SetArchiver attaches the dead-letter store for rejected batches.
func (s *ColumnarSink) SetArchiver(a Archiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archiver = a
}

// Start launches the periodic flush loop. Idempotent.
func (s *ColumnarSink) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	periodiccaller.Start(ctx, s.cfg.FlushInterval, s.FlushBatch)
}

// Stop halts the loop and flushes whatever is still queued. Idempotent.
func (s *ColumnarSink) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.FlushBatch()
}

// Enqueue adds one aggregated rollup row.
func (s *ColumnarSink) Enqueue(key aggregate.Key, value aggregate.Value) {
	s.mu.Lock()
	s.rollups = append(s.rollups, rollupRow{key: key, value: value})
	full := len(s.rollups) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		s.FlushBatch()
	}
}

// EnqueueStack adds one freshly interned stack trace.
func (s *ColumnarSink) EnqueueStack(trace symbolize.StackTrace) {
	if len(trace.Frames) == 0 {
		return
	}
	s.mu.Lock()
	s.stacks = append(s.stacks, trace)
	full := len(s.stacks) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		s.FlushBatch()
	}
}

// EnqueueRawSample adds one raw sample row.
func (s *ColumnarSink) EnqueueRawSample(sample wire.Sample, branches []wire.LBREntry, normCost float64) {
	s.mu.Lock()
	s.raws = append(s.raws, rawRow{sample: sample, branches: branches, normCost: normCost})
	full := len(s.raws) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		s.FlushBatch()
	}
}

// EnqueueDataObject adds one freshly interned data object.
func (s *ColumnarSink) EnqueueDataObject(symbol symbolize.DataSymbol) {
	if symbol.ID == 0 {
		return
	}
	s.mu.Lock()
	s.objects = append(s.objects, symbol)
	full := len(s.objects) >= s.cfg.BatchSize
	s.mu.Unlock()
	if full {
		s.FlushBatch()
	}
}

type frameJSON struct {
	Binary   string `json:"binary"`
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

type rollupJSON struct {
	WindowStart       float64 `json:"window_start"`
	Host              string  `json:"host"`
	FlowID            uint64  `json:"flow_id"`
	FunctionID        uint64  `json:"function_id"`
	CallstackID       uint64  `json:"callstack_id"`
	PMUEvent          uint32  `json:"pmu_event"`
	NumaNode          uint16  `json:"numa_node"`
	Direction         uint8   `json:"direction"`
	InterferenceClass uint8   `json:"interference_class"`
	DataObjectID      uint64  `json:"data_object_id"`
	Samples           uint64  `json:"samples"`
	NormCost          float64 `json:"norm_cost"`
}

type stackJSON struct {
	StackID uint64      `json:"stack_id"`
	Host    string      `json:"host"`
	Frames  []frameJSON `json:"frames"`
}

type rawJSON struct {
	TS        float64     `json:"ts"`
	Host      string      `json:"host"`
	CPU       uint32      `json:"cpu"`
	PID       uint32      `json:"pid"`
	TID       uint32      `json:"tid"`
	FlowID    uint64      `json:"flow_id"`
	PMUEvent  uint32      `json:"pmu_event"`
	IP        uint64      `json:"ip"`
	DataAddr  uint64      `json:"data_addr"`
	GSOSegs   uint32      `json:"gso_segs"`
	Ifindex   uint16      `json:"ifindex"`
	Direction uint8       `json:"direction"`
	NumaNode  uint16      `json:"numa_node"`
	L4Proto   uint8       `json:"l4_proto"`
	NormCost  float64     `json:"norm_cost"`
	LBR       [][2]uint64 `json:"lbr"`
}

type dataObjectJSON struct {
	ObjectID    uint64 `json:"object_id"`
	Host        string `json:"host"`
	Mapping     string `json:"mapping"`
	Base        uint64 `json:"base"`
	Size        uint64 `json:"size"`
	Permissions string `json:"permissions"`
}

func (s *ColumnarSink) rollupPayload(rows []rollupRow) []byte {
	width := s.bucketWidthNs.Load()
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "INSERT INTO %s FORMAT JSONEachRow\n", s.cfg.Table)
	for _, row := range rows {
		writeRow(&buf, rollupJSON{
			WindowStart:       float64(row.key.TimeBucket*width) / 1e9,
			Host:              s.hostname,
			FlowID:            row.key.FlowID,
			FunctionID:        row.key.FunctionID,
			CallstackID:       row.key.CallstackID,
			PMUEvent:          row.key.PMUEvent,
			NumaNode:          row.key.NumaNode,
			Direction:         uint8(row.key.Direction),
			InterferenceClass: uint8(row.key.InterferenceClass),
			DataObjectID:      row.key.DataObjectID,
			Samples:           row.value.Samples,
			NormCost:          row.value.NormCost,
		})
	}
	return buf.Bytes()
}

func (s *ColumnarSink) stackPayload(traces []symbolize.StackTrace) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "INSERT INTO %s FORMAT JSONEachRow\n", s.cfg.StackTable)
	for _, trace := range traces {
		frames := make([]frameJSON, 0, len(trace.Frames))
		for _, f := range trace.Frames {
			frames = append(frames, frameJSON{
				Binary:   f.Binary,
				Function: f.Function,
				File:     f.SourceFile,
				Line:     f.Line,
			})
		}
		writeRow(&buf, stackJSON{StackID: trace.ID, Host: s.hostname, Frames: frames})
	}
	return buf.Bytes()
}

func (s *ColumnarSink) rawPayload(rows []rawRow) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "INSERT INTO %s FORMAT JSONEachRow\n", s.cfg.RawTable)
	for _, row := range rows {
		lbr := make([][2]uint64, 0, len(row.branches))
		for _, b := range row.branches {
			lbr = append(lbr, [2]uint64{b.From, b.To})
		}
		writeRow(&buf, rawJSON{
			TS:        float64(row.sample.TSC) / 1e9,
			Host:      s.hostname,
			CPU:       row.sample.CPU,
			PID:       row.sample.PID,
			TID:       row.sample.TID,
			FlowID:    row.sample.FlowID,
			PMUEvent:  uint32(row.sample.PMUEvent),
			IP:        row.sample.IP,
			DataAddr:  row.sample.DataAddr,
			GSOSegs:   row.sample.GSOSegs,
			Ifindex:   row.sample.IngressIfindex,
			Direction: uint8(row.sample.Direction),
			NumaNode:  row.sample.NumaNode,
			L4Proto:   row.sample.L4Proto,
			NormCost:  row.normCost,
			LBR:       lbr,
		})
	}
	return buf.Bytes()
}

func (s *ColumnarSink) dataPayload(symbols []symbolize.DataSymbol) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "INSERT INTO %s FORMAT JSONEachRow\n", s.cfg.DataTable)
	for _, symbol := range symbols {
		writeRow(&buf, dataObjectJSON{
			ObjectID:    symbol.ID,
			Host:        s.hostname,
			Mapping:     symbol.Object.Mapping,
			Base:        symbol.Object.Base,
			Size:        symbol.Object.Size,
			Permissions: symbol.Object.Permissions,
		})
	}
	return buf.Bytes()
}

func writeRow(buf *bytes.Buffer, row any) {
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	buf.Write(data)
	buf.WriteByte('\n')
}

// FlushBatch drains every queue and posts the resulting payloads.
func (s *ColumnarSink) FlushBatch() {
	s.mu.Lock()
	rollups := s.rollups
	stacks := s.stacks
	raws := s.raws
	objects := s.objects
	s.rollups = nil
	s.stacks = nil
	s.raws = nil
	s.objects = nil
	archiver := s.archiver
	s.mu.Unlock()

	if len(rollups) > 0 {
		s.send(s.cfg.Table, s.rollupPayload(rollups), archiver)
	}
	if len(stacks) > 0 {
		s.send(s.cfg.StackTable, s.stackPayload(stacks), archiver)
	}
	if len(raws) > 0 {
		s.send(s.cfg.RawTable, s.rawPayload(raws), archiver)
	}
	if len(objects) > 0 {
		s.send(s.cfg.DataTable, s.dataPayload(objects), archiver)
	}
}

func (s *ColumnarSink) send(table string, payload []byte, archiver Archiver) {
	body := payload
	compressed := false
	if s.encoder != nil {
		body = s.encoder.EncodeAll(payload, nil)
		compressed = true
	}

	req, err := http.NewRequest(http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		mslog.Errorf("Building columnar request for %s: %v", table, err)
		return
	}
	req.Header.Set("Content-Type", "text/plain")
	if compressed {
		req.Header.Set("Content-Encoding", "zstd")
	}

	resp, err := s.client.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return
		}
		err = fmt.Errorf("status %s", resp.Status)
	}
	mslog.Errorf("Failed to flush columnar batch for %s: %v", table, err)

	if archiver != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if aerr := archiver.Archive(ctx, table, body); aerr != nil {
			mslog.Errorf("Archiving rejected %s batch: %v", table, aerr)
		}
	}
}
