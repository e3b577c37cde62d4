package protocol

import "fmt"

// Command is one tagged variant per action published on cmd/{vehicle}/{action}.
type Command interface {
	Action() Action
	Mission() string
}

// WaypointSpec is the wire form of a waypoint inside a mission upload.
type WaypointSpec struct {
	Seq   int          `json:"seq"`
	Kind  WaypointKind `json:"kind"`
	Lat   float64      `json:"lat"`
	Lon   float64      `json:"lon"`
	Alt   float64      `json:"alt"`
	HoldS float64      `json:"hold_s"`
}

type UploadCommand struct {
	MissionID string         `json:"mission_id"`
	Waypoints []WaypointSpec `json:"waypoints"`
}

type ArmCommand struct {
	MissionID string `json:"mission_id"`
}

type TakeoffCommand struct {
	MissionID string  `json:"mission_id"`
	Alt       float64 `json:"alt"`
}

type GotoCommand struct {
	MissionID string  `json:"mission_id"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lon"`
	Alt       float64 `json:"alt"`
	HoldS     float64 `json:"hold_s"`
}

type LandCommand struct {
	MissionID string `json:"mission_id"`
}

type RTLCommand struct {
	MissionID string `json:"mission_id"`
	Reason    string `json:"reason,omitempty"`
}

func (UploadCommand) Action() Action  { return ActionUpload }
func (ArmCommand) Action() Action     { return ActionArm }
func (TakeoffCommand) Action() Action { return ActionTakeoff }
func (GotoCommand) Action() Action    { return ActionGoto }
func (LandCommand) Action() Action    { return ActionLand }
func (RTLCommand) Action() Action     { return ActionRTL }

func (c UploadCommand) Mission() string  { return c.MissionID }
func (c ArmCommand) Mission() string     { return c.MissionID }
func (c TakeoffCommand) Mission() string { return c.MissionID }
func (c GotoCommand) Mission() string    { return c.MissionID }
func (c LandCommand) Mission() string    { return c.MissionID }
func (c RTLCommand) Mission() string     { return c.MissionID }

// DecodeCommand decodes the payload for the given action into its variant.
func DecodeCommand(action Action, data []byte) (Command, error) {
	var (
		cmd Command
		err error
	)
	switch action {
	case ActionUpload:
		var c UploadCommand
		if err = decodeStrict(data, &c); err == nil {
			err = validateWaypoints(c.Waypoints)
		}
		cmd = c
	case ActionArm:
		var c ArmCommand
		err = decodeStrict(data, &c)
		cmd = c
	case ActionTakeoff:
		var c TakeoffCommand
		err = decodeStrict(data, &c)
		cmd = c
	case ActionGoto:
		var c GotoCommand
		if err = decodeStrict(data, &c); err == nil {
			err = Position{Lat: c.Lat, Lon: c.Lon}.Validate()
		}
		cmd = c
	case ActionLand:
		var c LandCommand
		err = decodeStrict(data, &c)
		cmd = c
	case ActionRTL:
		var c RTLCommand
		err = decodeStrict(data, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("%w: unknown action %q", ErrMalformed, action)
	}
	if err != nil {
		return nil, err
	}
	if cmd.Mission() == "" {
		return nil, missing("mission_id")
	}
	return cmd, nil
}

func validateWaypoints(wps []WaypointSpec) error {
	if len(wps) == 0 {
		return missing("waypoints")
	}
	for i := range wps {
		k, err := ParseWaypointKind(string(wps[i].Kind))
		if err != nil {
			return err
		}
		wps[i].Kind = k
		if err := (Position{Lat: wps[i].Lat, Lon: wps[i].Lon}).Validate(); err != nil {
			return err
		}
	}
	return nil
}
