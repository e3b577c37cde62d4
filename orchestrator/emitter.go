package orchestrator

import (
	"dronecore/protocol"
	"dronecore/store"
)

// Emitter is the interface adapters must satisfy to bridge orchestrator events to the engine.
type Emitter interface {
	EmitMissionPlanned(m *store.Mission)
	EmitMissionAssigned(missionID, vehicleID string)
	EmitMissionStatus(missionID string, status protocol.MissionStatus, detail string)
	EmitNoCapacity(missionID string)
}

type nopEmitter struct{}

func (nopEmitter) EmitMissionPlanned(*store.Mission)                        {}
func (nopEmitter) EmitMissionAssigned(string, string)                       {}
func (nopEmitter) EmitMissionStatus(string, protocol.MissionStatus, string) {}
func (nopEmitter) EmitNoCapacity(string)                                    {}
