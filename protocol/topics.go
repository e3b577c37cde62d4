package protocol

import (
	"fmt"
	"strings"
)

const (
	TopicOrdersNew   = "orders/new"
	TopicFleetActive = "fleet/active"

	TopicAllTelemetry     = "telem/+/+"
	TopicAllCommands      = "cmd/+/+"
	TopicAllAcks          = "ack/+/+"
	TopicAllMissionEvents = "mission/+/+"
	TopicMissionPlanned   = "mission/+/planned"
	TopicMissionAssigned  = "mission/+/assigned"
	TopicMissionStatus    = "mission/+/status"
)

type Action string

const (
	ActionUpload  Action = "mission.upload"
	ActionArm     Action = "arm"
	ActionTakeoff Action = "takeoff"
	ActionGoto    Action = "goto"
	ActionLand    Action = "land"
	ActionRTL     Action = "rtl"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionUpload, ActionArm, ActionTakeoff, ActionGoto, ActionLand, ActionRTL:
		return a, nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrMalformed, s)
}

type TelemetryKind string

const (
	TelemetryPose    TelemetryKind = "pose"
	TelemetryBattery TelemetryKind = "battery"
	TelemetryHealth  TelemetryKind = "health"
	TelemetryStatus  TelemetryKind = "status"
)

type MissionEvent string

const (
	EventPlanned  MissionEvent = "planned"
	EventAssigned MissionEvent = "assigned"
	EventStatus   MissionEvent = "status"
)

func CommandTopic(vehicleID string, a Action) string {
	return "cmd/" + vehicleID + "/" + string(a)
}

func AckTopic(vehicleID string, a Action) string {
	return "ack/" + vehicleID + "/" + string(a)
}

func TelemetryTopic(vehicleID string, k TelemetryKind) string {
	return "telem/" + vehicleID + "/" + string(k)
}

func MissionTopic(missionID string, e MissionEvent) string {
	return "mission/" + missionID + "/" + string(e)
}

// ParseTelemetryTopic splits telem/{vehicle}/{kind}.
func ParseTelemetryTopic(topic string) (string, TelemetryKind, error) {
	veh, last, err := splitTopic(topic, "telem")
	if err != nil {
		return "", "", err
	}
	switch k := TelemetryKind(last); k {
	case TelemetryPose, TelemetryBattery, TelemetryHealth, TelemetryStatus:
		return veh, k, nil
	}
	return "", "", fmt.Errorf("%w: unknown telemetry kind %q", ErrMalformed, last)
}

// ParseCommandTopic splits cmd/{vehicle}/{action}.
func ParseCommandTopic(topic string) (string, Action, error) {
	veh, last, err := splitTopic(topic, "cmd")
	if err != nil {
		return "", "", err
	}
	a, err := ParseAction(last)
	return veh, a, err
}

// ParseAckTopic splits ack/{vehicle}/{action}.
func ParseAckTopic(topic string) (string, Action, error) {
	veh, last, err := splitTopic(topic, "ack")
	if err != nil {
		return "", "", err
	}
	a, err := ParseAction(last)
	return veh, a, err
}

func splitTopic(topic, root string) (string, string, error) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != root || parts[1] == "" || parts[2] == "" {
		return "", "", fmt.Errorf("%w: bad %s topic %q", ErrMalformed, root, topic)
	}
	return parts[1], parts[2], nil
}
