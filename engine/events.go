package engine

import (
	"dronecore/protocol"
	"dronecore/store"
)

const (
	EventMissionPlanned EventType = iota + 1
	EventMissionAssigned
	EventMissionStatusChanged
	EventMissionNoCapacity
	EventVehicleRegistered
	EventVehicleStatusChanged
	EventMessagingConnected
	EventMessagingDisconnected
)

var eventNames = map[EventType]string{
	EventMissionPlanned:        "mission-planned",
	EventMissionAssigned:       "mission-assigned",
	EventMissionStatusChanged:  "mission-status",
	EventMissionNoCapacity:     "mission-no-capacity",
	EventVehicleRegistered:     "vehicle-registered",
	EventVehicleStatusChanged:  "vehicle-status",
	EventMessagingConnected:    "messaging-connected",
	EventMessagingDisconnected: "messaging-disconnected",
}

// String is the SSE event name.
func (t EventType) String() string {
	if s, ok := eventNames[t]; ok {
		return s
	}
	return "unknown"
}

// --- Event payloads ---

type MissionPlannedEvent struct {
	Mission *store.Mission `json:"mission"`
}

type MissionAssignedEvent struct {
	MissionID string `json:"mission_id"`
	VehicleID string `json:"vehicle_id"`
}

type MissionStatusEvent struct {
	MissionID string                 `json:"mission_id"`
	Status    protocol.MissionStatus `json:"status"`
	Detail    string                 `json:"detail,omitempty"`
}

type NoCapacityEvent struct {
	MissionID string `json:"mission_id"`
}

type VehicleEvent struct {
	VehicleID string                 `json:"vehicle_id"`
	Status    protocol.VehicleStatus `json:"status,omitempty"`
	Detail    string                 `json:"detail,omitempty"`
}

type ConnectionEvent struct {
	Detail string `json:"detail"`
}
