package mode

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUpdateEscalatesAndRelaxes(t *testing.T) {
	c := New(DefaultThresholds())
	assert.Equal(t, Sentinel, c.Mode())

	assert.Equal(t, Diagnostic, c.Update(1.2))
	assert.Equal(t, Diagnostic, c.Mode())

	assert.Equal(t, Sentinel, c.Update(0.5))
}

func TestUpdateStaysDiagnosticDuringAnomalyHold(t *testing.T) {
	th := DefaultThresholds()
	th.AnomalyQuietPeriod = time.Hour
	c := New(th)

	c.NotifyAnomaly(AnomalySignal{Type: ThroughputDrop, Ratio: 0.5})
	assert.Equal(t, Diagnostic, c.Mode())

	assert.Equal(t, Diagnostic, c.Update(0.1), "quiet period must hold diagnostic mode")
}

func TestNotifyAnomalyThroughputDropTriggersDiagnostic(t *testing.T) {
	c := New(DefaultThresholds())
	mode := c.NotifyAnomaly(AnomalySignal{Type: ThroughputDrop, Ratio: 0.5})
	assert.Equal(t, Diagnostic, mode)
}

func TestNotifyAnomalyThroughputRatioZeroIsIgnored(t *testing.T) {
	c := New(DefaultThresholds())
	mode := c.NotifyAnomaly(AnomalySignal{Type: ThroughputDrop, Ratio: 0})
	assert.Equal(t, Sentinel, mode, "a zero ratio must not be treated as a real drop")
}

func TestNotifyAnomalyLatencySpikeTriggersDiagnostic(t *testing.T) {
	c := New(DefaultThresholds())
	mode := c.NotifyAnomaly(AnomalySignal{Type: LatencySpike, Ratio: 2.0})
	assert.Equal(t, Diagnostic, mode)
}

func TestForceOverridesState(t *testing.T) {
	c := New(DefaultThresholds())
	c.Force(Diagnostic)
	assert.Equal(t, Diagnostic, c.Mode())
}
