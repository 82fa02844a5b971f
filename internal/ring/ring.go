// Package ring drains the kernel sampler's per-CPU perf rings into a
// typed in-process sample stream, one dispatch worker per NUMA node.
// When no ring can be acquired the pool falls back to a
// mock sampler that synthesizes plausible records for local testing.
package ring // import "github.com/microsentinel/agent/internal/ring"

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"

	"github.com/microsentinel/agent/internal/cpulist"
	"github.com/microsentinel/agent/internal/mslog"
	"github.com/microsentinel/agent/internal/wire"
)

const (
	// defaultPollInterval bounds how long a drain pass may sleep before
	// re-checking the stop flag.
	defaultPollInterval = 250 * time.Millisecond

	// maxEventsPerPoll caps one eager drain pass so a kernel burst cannot
	// monopolize the reader goroutine.
	maxEventsPerPoll = 4096

	defaultMockPeriod = 10 * time.Millisecond

	workerQueueDepth = 256
)

// Callback receives one decoded sample per ring record. It must be
// non-blocking; expensive work belongs in later pipeline stages.
type Callback func(sample wire.Sample, branches []wire.LBREntry)

// Config controls the drainer pool.
type Config struct {
	CPUs         []int
	SingleWorker bool
	RingBytes    int
	PollInterval time.Duration
	MockMode     bool
	MockPeriod   time.Duration
}

type bundle struct {
	sample   wire.Sample
	branches []wire.LBREntry
}

// Pool converts the multi-producer per-CPU ring into a sample stream.
// The perf reader registers its per-CPU event fds into the events map on
// start and clears them again on Close.
type Pool struct {
	cfg    Config
	events *ebpf.Map

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	workers []chan bundle
	nodeOf  map[int]int

	mockActive   atomic.Bool
	shortRecords atomic.Uint64
	lostSamples  atomic.Uint64
}

// NewPool builds a Pool reading from events. A nil events map forces
// mock mode.
func NewPool(cfg Config, events *ebpf.Map) *Pool {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.MockPeriod <= 0 {
		cfg.MockPeriod = defaultMockPeriod
	}
	if cfg.RingBytes <= 0 {
		cfg.RingBytes = 8 * os.Getpagesize()
	}
	if len(cfg.CPUs) == 0 {
		cfg.CPUs = cpulist.Online()
	}
	return &Pool{cfg: cfg, events: events}
}

// Start begins draining, invoking cb once per record. Calling Start on
// a running pool is a no-op.
func (p *Pool) Start(cb Callback) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())

	if p.cfg.MockMode || p.events == nil || len(probeCPUs(p.cfg.CPUs)) == 0 {
		p.cancel = cancel
		p.mockActive.Store(true)
		p.wg.Add(1)
		go p.runMock(ctx, cb)
		return nil
	}

	reader, err := perf.NewReader(p.events, p.cfg.RingBytes)
	if err != nil {
		mslog.Errorf("Ring acquisition failed, falling back to mock sampling: %v", err)
		p.cancel = cancel
		p.mockActive.Store(true)
		p.wg.Add(1)
		go p.runMock(ctx, cb)
		return nil
	}
	// A deadline in the past makes ReadInto return immediately once the
	// buffer is empty, so the poll loop below controls the cadence.
	reader.SetDeadline(time.Unix(1, 0))

	p.cancel = cancel
	p.mockActive.Store(false)
	p.startWorkersLocked(cb)
	p.wg.Add(1)
	go p.runReader(ctx, reader)
	return nil
}

// startWorkersLocked spins up one dispatch worker per NUMA node present
// in the configured CPU set, or a single shared one.
func (p *Pool) startWorkersLocked(cb Callback) {
	p.nodeOf = make(map[int]int)
	if p.cfg.SingleWorker {
		p.workers = []chan bundle{make(chan bundle, workerQueueDepth)}
	} else {
		topo := cpulist.NodeMap()
		nodeIndex := make(map[int]int)
		for _, cpu := range p.cfg.CPUs {
			node := topo[cpu]
			idx, ok := nodeIndex[node]
			if !ok {
				idx = len(p.workers)
				nodeIndex[node] = idx
				p.workers = append(p.workers, make(chan bundle, workerQueueDepth))
			}
			p.nodeOf[cpu] = idx
		}
		if len(p.workers) == 0 {
			p.workers = []chan bundle{make(chan bundle, workerQueueDepth)}
		}
	}

	for _, ch := range p.workers {
		p.wg.Add(1)
		go func(ch chan bundle) {
			defer p.wg.Done()
			for b := range ch {
				cb(b.sample, b.branches)
			}
		}(ch)
	}
}

func (p *Pool) dispatch(b bundle) {
	idx := 0
	if len(p.workers) > 1 {
		if i, ok := p.nodeOf[int(b.sample.CPU)]; ok {
			idx = i
		}
	}
	p.workers[idx] <- b
}

// runReader is the tight drain loop: poll, then eagerly read until the
// buffer is empty or the per-pass budget is spent.
func (p *Pool) runReader(ctx context.Context, reader *perf.Reader) {
	defer p.wg.Done()
	defer reader.Close()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var rec perf.Record
PollLoop:
	for {
		select {
		case <-ctx.Done():
			break PollLoop
		default:
		}

		select {
		case <-ctx.Done():
			break PollLoop
		case <-ticker.C:
		}

		for n := 0; n < maxEventsPerPoll; n++ {
			if err := reader.ReadInto(&rec); err != nil {
				if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, perf.ErrClosed) {
					break
				}
				mslog.Errorf("Reading perf ring: %v", err)
				break
			}
			if rec.LostSamples != 0 {
				p.lostSamples.Add(rec.LostSamples)
				mslog.Warnf("Perf buffer lost %d samples on CPU %d", rec.LostSamples, rec.CPU)
				continue
			}
			sample, err := wire.Decode(rec.RawSample)
			if err != nil {
				p.shortRecords.Add(1)
				continue
			}
			p.dispatch(bundle{sample: sample, branches: sample.Branches})
		}
	}

	p.mu.Lock()
	for _, ch := range p.workers {
		close(ch)
	}
	p.workers = nil
	p.mu.Unlock()
}

// Stop halts draining and joins every worker. Idempotent.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

// MockActive reports whether the pool fell back to synthesized samples.
func (p *Pool) MockActive() bool {
	return p.mockActive.Load()
}

// ShortRecords returns how many records were dropped for being smaller
// than the fixed sample layout.
func (p *Pool) ShortRecords() uint64 {
	return p.shortRecords.Load()
}

// LostSamples returns the cumulative kernel-reported lost sample count.
func (p *Pool) LostSamples() uint64 {
	return p.lostSamples.Load()
}
