// Package interference maps a sampled PMU event kind to the broader
// interference class it represents, for aggregation and reporting.
package interference // import "github.com/microsentinel/agent/internal/interference"

import "github.com/microsentinel/agent/internal/wire"

// Class is the coarse interference category a PMU event belongs to.
type Class uint8

const (
	DataPath Class = iota
	ControlPath
	ExecutionResource
	TopologyInterconnect
	Unknown Class = 255
)

func (c Class) String() string {
	switch c {
	case DataPath:
		return "data_path"
	case ControlPath:
		return "control_path"
	case ExecutionResource:
		return "execution_resource"
	case TopologyInterconnect:
		return "topology"
	default:
		return "unknown"
	}
}

// Classify maps a sampled event kind onto its interference class.
func Classify(evt wire.PmuEvent) Class {
	switch evt {
	case wire.EventL3Miss:
		return DataPath
	case wire.EventBranchMispred, wire.EventICacheStall:
		return ControlPath
	case wire.EventAVXDownclock, wire.EventStallBackend:
		return ExecutionResource
	case wire.EventXSNPHitm, wire.EventRemoteDRAM:
		return TopologyInterconnect
	default:
		return Unknown
	}
}
