// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times // import "github.com/microsentinel/agent/times"

import (
	"context"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"github.com/microsentinel/agent/periodiccaller"
)

const (
	// Number of timing samples to use when retrieving system boot time.
	sampleSize = 5
)

// Compile time check for interface adherence
var _ IntervalsAndTimers = (*Times)(nil)

var (
	// Monotonic-to-unixtime delta that can be added to a monotonic (CLOCK_MONOTONIC)
	// timestamp to convert it to time-since-epoch.
	bootTimeUnixNano atomic.Int64
)

// Times holds all the intervals and timeouts used across the agent in a
// central place, with getters to read them.
type Times struct {
	monitorInterval  time.Duration
	flushInterval    time.Duration
	rotationWindow   time.Duration
	anomalySampleInt time.Duration
	skewTolerance    time.Duration
	mapsTTL          time.Duration
}

// IntervalsAndTimers is a meta-interface that exists purely to document its functionality.
type IntervalsAndTimers interface {
	// MonitorInterval defines the interval for host-level monitoring bookkeeping.
	MonitorInterval() time.Duration
	// FlushInterval defines the period at which the Flush Scheduler drains the
	// Aggregator and detectors.
	FlushInterval() time.Duration
	// RotationWindow defines how long the PMU Rotator dwells on a group.
	RotationWindow() time.Duration
	// AnomalySampleInterval defines the poll period for the anomaly monitor.
	AnomalySampleInterval() time.Duration
	// SkewTolerance defines the skid window used by the Skew Adjuster.
	SkewTolerance() time.Duration
	// MapsTTL defines how long the symbolizer trusts a cached process map.
	MapsTTL() time.Duration
}

func (t *Times) MonitorInterval() time.Duration { return t.monitorInterval }

func (t *Times) FlushInterval() time.Duration { return t.flushInterval }

func (t *Times) RotationWindow() time.Duration { return t.rotationWindow }

func (t *Times) AnomalySampleInterval() time.Duration { return t.anomalySampleInt }

func (t *Times) SkewTolerance() time.Duration { return t.skewTolerance }

func (t *Times) MapsTTL() time.Duration { return t.mapsTTL }

// StartRealtimeSync calculates a delta between the monotonic clock
// (CLOCK_MONOTONIC, rebased to unixtime) and the realtime clock. If syncInterval is
// greater than zero, it also starts a goroutine to perform that calculation periodically.
func StartRealtimeSync(ctx context.Context, syncInterval time.Duration) {
	bootTimeUnixNano.Store(getBootTimeUnixNano())

	if syncInterval > 0 {
		periodiccaller.Start(ctx, syncInterval, func() {
			bootTimeUnixNano.Store(getBootTimeUnixNano())
		})
	}
}

// New returns a Times instance carrying the agent-wide interval defaults.
func New(flushInterval, monitorInterval, rotationWindow time.Duration) *Times {
	t := &Times{
		flushInterval:    flushInterval,
		monitorInterval:  monitorInterval,
		rotationWindow:   rotationWindow,
		anomalySampleInt: 500 * time.Millisecond,
		skewTolerance:    2 * time.Microsecond,
		mapsTTL:          5 * time.Second,
	}
	if t.flushInterval <= 0 {
		t.flushInterval = 200 * time.Millisecond
	}
	if t.monitorInterval <= 0 {
		t.monitorInterval = 5 * time.Second
	}
	if t.rotationWindow <= 0 {
		t.rotationWindow = 5 * time.Second
	}
	return t
}

// getBootTimeUnixNano returns system boot time in nanoseconds since the
// epoch, temporarily locking the calling goroutine to its OS thread.
func getBootTimeUnixNano() int64 {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	samples := make([]struct {
		t1    time.Time
		ktime int64
		t2    time.Time
	}, sampleSize)

	for i := range samples {
		// To avoid noise from scheduling / other delays, we perform a
		// series of measurements and pick the one with the lowest delta.
		samples[i].t1 = time.Now()
		samples[i].ktime = int64(GetKTime())
		samples[i].t2 = time.Now()
	}

	sort.Slice(samples, func(i, j int) bool {
		di := samples[i].t2.UnixNano() - samples[i].t1.UnixNano()
		dj := samples[j].t2.UnixNano() - samples[j].t1.UnixNano()
		if di < 0 {
			di = -di
		}
		if dj < 0 {
			dj = -dj
		}
		return di < dj
	})

	// This should never be negative, as t1.UnixNano() >> ktime
	return samples[0].t1.UnixNano() - samples[0].ktime
}
