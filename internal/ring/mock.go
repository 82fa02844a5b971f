package ring

import (
	"context"
	"math/rand"
	"time"

	"github.com/microsentinel/agent/internal/wire"
	"github.com/microsentinel/agent/times"
)

// runMock synthesizes plausible samples on a fixed period, picking a
// random event kind for each. Local testing only.
func (p *Pool) runMock(ctx context.Context, cb Callback) {
	defer p.wg.Done()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(p.cfg.MockPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sample := wire.Sample{
			TSC:            uint64(times.GetKTime()),
			CPU:            0,
			PID:            42,
			TID:            42,
			PMUEvent:       wire.PmuEvent(rng.Intn(int(wire.EventRemoteDRAM)) + 1),
			IP:             0x1,
			DataAddr:       0x1000,
			FlowID:         uint64(rng.Intn(1_000_000) + 1),
			GSOSegs:        1,
			IngressIfindex: 1,
			L4Proto:        6,
		}
		cb(sample, nil)
	}
}
