package orchestrator

import "dronecore/protocol"

// validTransitions defines which mission status transitions are allowed.
// ABORTED is reachable from every non-terminal status.
var validTransitions = map[protocol.MissionStatus][]protocol.MissionStatus{
	protocol.MissionCreated:    {protocol.MissionPlanned, protocol.MissionAborted},
	protocol.MissionPlanned:    {protocol.MissionAssigned, protocol.MissionAborted},
	protocol.MissionAssigned:   {protocol.MissionUploaded, protocol.MissionAborted},
	protocol.MissionUploaded:   {protocol.MissionInProgress, protocol.MissionAborted},
	protocol.MissionInProgress: {protocol.MissionCompleted, protocol.MissionAborted},
}

// IsValidTransition checks if a status transition is allowed.
func IsValidTransition(from, to protocol.MissionStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
