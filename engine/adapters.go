package engine

import (
	"dronecore/protocol"
	"dronecore/store"
)

// missionEmitter bridges the orchestrator's emitter interface to the EventBus.
type missionEmitter struct {
	bus *EventBus
}

func (e *missionEmitter) EmitMissionPlanned(m *store.Mission) {
	e.bus.Emit(Event{Type: EventMissionPlanned, Payload: MissionPlannedEvent{Mission: m.Clone()}})
}

func (e *missionEmitter) EmitMissionAssigned(missionID, vehicleID string) {
	e.bus.Emit(Event{Type: EventMissionAssigned, Payload: MissionAssignedEvent{
		MissionID: missionID,
		VehicleID: vehicleID,
	}})
}

func (e *missionEmitter) EmitMissionStatus(missionID string, status protocol.MissionStatus, detail string) {
	e.bus.Emit(Event{Type: EventMissionStatusChanged, Payload: MissionStatusEvent{
		MissionID: missionID,
		Status:    status,
		Detail:    detail,
	}})
}

func (e *missionEmitter) EmitNoCapacity(missionID string) {
	e.bus.Emit(Event{Type: EventMissionNoCapacity, Payload: NoCapacityEvent{MissionID: missionID}})
}

// fleetEmitter bridges the ingestor's vehicle events to the EventBus.
type fleetEmitter struct {
	bus *EventBus
}

func (e *fleetEmitter) EmitVehicleRegistered(vehicleID string) {
	e.bus.Emit(Event{Type: EventVehicleRegistered, Payload: VehicleEvent{VehicleID: vehicleID}})
}

func (e *fleetEmitter) EmitVehicleStatus(vehicleID string, status protocol.VehicleStatus, detail string) {
	e.bus.Emit(Event{Type: EventVehicleStatusChanged, Payload: VehicleEvent{
		VehicleID: vehicleID,
		Status:    status,
		Detail:    detail,
	}})
}
