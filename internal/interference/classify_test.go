package interference

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/microsentinel/agent/internal/wire"
)

func TestClassifyTable(t *testing.T) {
	cases := []struct {
		evt  wire.PmuEvent
		want Class
	}{
		{wire.EventL3Miss, DataPath},
		{wire.EventBranchMispred, ControlPath},
		{wire.EventICacheStall, ControlPath},
		{wire.EventAVXDownclock, ExecutionResource},
		{wire.EventStallBackend, ExecutionResource},
		{wire.EventXSNPHitm, TopologyInterconnect},
		{wire.EventRemoteDRAM, TopologyInterconnect},
		{wire.PmuEvent(0), Unknown},
		{wire.PmuEvent(99), Unknown},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.evt), "event %s", c.evt)
	}
}

func TestClassStringNames(t *testing.T) {
	assert.Equal(t, "data_path", DataPath.String())
	assert.Equal(t, "control_path", ControlPath.String())
	assert.Equal(t, "execution_resource", ExecutionResource.String())
	assert.Equal(t, "topology", TopologyInterconnect.String())
	assert.Equal(t, "unknown", Unknown.String())
}
