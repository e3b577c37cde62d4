package protocol

import (
	"fmt"
	"strings"
)

// Vehicle operating status.
type VehicleStatus string

const (
	VehicleIdle    VehicleStatus = "IDLE"
	VehicleBusy    VehicleStatus = "BUSY"
	VehicleOffline VehicleStatus = "OFFLINE"
	VehicleError   VehicleStatus = "ERROR"
)

// ParseVehicleStatus accepts the canonical names plus FLYING as a synonym for BUSY.
func ParseVehicleStatus(s string) (VehicleStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "IDLE", "FREE":
		return VehicleIdle, nil
	case "BUSY", "FLYING":
		return VehicleBusy, nil
	case "OFFLINE":
		return VehicleOffline, nil
	case "ERROR":
		return VehicleError, nil
	}
	return "", fmt.Errorf("%w: unknown vehicle status %q", ErrMalformed, s)
}

// Mission lifecycle status.
type MissionStatus string

const (
	MissionCreated    MissionStatus = "CREATED"
	MissionPlanned    MissionStatus = "PLANNED"
	MissionAssigned   MissionStatus = "ASSIGNED"
	MissionUploaded   MissionStatus = "UPLOADED"
	MissionInProgress MissionStatus = "IN_PROGRESS"
	MissionCompleted  MissionStatus = "COMPLETED"
	MissionAborted    MissionStatus = "ABORTED"
)

// IsTerminal reports whether no further transitions are possible.
func (s MissionStatus) IsTerminal() bool {
	return s == MissionCompleted || s == MissionAborted
}

func ParseMissionStatus(s string) (MissionStatus, error) {
	switch st := MissionStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case MissionCreated, MissionPlanned, MissionAssigned, MissionUploaded,
		MissionInProgress, MissionCompleted, MissionAborted:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown mission status %q", ErrMalformed, s)
}

type WaypointKind string

const (
	KindTakeoff WaypointKind = "TAKEOFF"
	KindNav     WaypointKind = "NAV"
	KindLand    WaypointKind = "LAND"
	KindRTL     WaypointKind = "RTL"
)

// ParseWaypointKind maps the alternate planner naming (HOME, PICKUP, DROP, HOME_RTL)
// onto the canonical kinds.
func ParseWaypointKind(s string) (WaypointKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TAKEOFF", "HOME":
		return KindTakeoff, nil
	case "NAV", "PICKUP", "DROP":
		return KindNav, nil
	case "LAND":
		return KindLand, nil
	case "RTL", "HOME_RTL":
		return KindRTL, nil
	}
	return "", fmt.Errorf("%w: unknown waypoint kind %q", ErrMalformed, s)
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

func ParsePriority(s string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(s))); p {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return p, nil
	case "":
		return PriorityNormal, nil
	}
	return "", fmt.Errorf("%w: unknown priority %q", ErrMalformed, s)
}

// Position is a WGS84 latitude/longitude with altitude in metres.
type Position struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Alt float64 `json:"alt"`
}

// DefaultAltitude is applied to positions that omit alt.
const DefaultAltitude = 60.0

func (p Position) Validate() error {
	if p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrMalformed, p.Lat)
	}
	if p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrMalformed, p.Lon)
	}
	return nil
}
