package store

import (
	"encoding/json"
	"time"

	"dronecore/protocol"
)

type Vehicle struct {
	ID            string                 `json:"id"`
	Name          string                 `json:"name"`
	MaxPayloadKg  float64                `json:"max_payload_kg"`
	Home          protocol.Position      `json:"home"`
	Status        protocol.VehicleStatus `json:"status"`
	Pos           *protocol.Position     `json:"pos,omitempty"`
	Charge        *float64               `json:"soc,omitempty"`
	Mode          string                 `json:"mode,omitempty"`
	Armed         bool                   `json:"armed"`
	LastTelemetry *time.Time             `json:"last_telemetry,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

func (v *Vehicle) Clone() *Vehicle {
	c := *v
	if v.Pos != nil {
		p := *v.Pos
		c.Pos = &p
	}
	if v.Charge != nil {
		ch := *v.Charge
		c.Charge = &ch
	}
	if v.LastTelemetry != nil {
		ts := *v.LastTelemetry
		c.LastTelemetry = &ts
	}
	return &c
}

// Telemetry is a partial update of the telemetry-owned vehicle fields. Nil
// fields are left unchanged. Status is never part of it.
type Telemetry struct {
	Name         *string
	MaxPayloadKg *float64
	Pos          *protocol.Position
	Charge       *float64
	Mode         *string
	Armed        *bool
	At           time.Time
}

func (t Telemetry) apply(v *Vehicle) {
	if t.Name != nil {
		v.Name = *t.Name
	}
	if t.MaxPayloadKg != nil {
		v.MaxPayloadKg = *t.MaxPayloadKg
	}
	if t.Pos != nil {
		p := *t.Pos
		v.Pos = &p
	}
	if t.Charge != nil {
		c := *t.Charge
		v.Charge = &c
	}
	if t.Mode != nil {
		v.Mode = *t.Mode
	}
	if t.Armed != nil {
		v.Armed = *t.Armed
	}
	if !t.At.IsZero() {
		at := t.At
		v.LastTelemetry = &at
	}
}

type Waypoint struct {
	Seq   int                   `json:"seq"`
	Kind  protocol.WaypointKind `json:"kind"`
	Pos   protocol.Position     `json:"pos"`
	HoldS float64               `json:"hold_s"`
}

type Mission struct {
	ID           string                 `json:"id"`
	PayloadKg    float64                `json:"payload_kg"`
	Priority     protocol.Priority      `json:"priority"`
	VehicleID    string                 `json:"vehicle_id,omitempty"`
	Status       protocol.MissionStatus `json:"status"`
	Waypoints    []Waypoint             `json:"waypoints"`
	DistanceM    float64                `json:"distance_m"`
	EstDurationS float64                `json:"est_duration_s"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Pickup is the first intermediate waypoint, or nil for routes without one.
func (m *Mission) Pickup() *protocol.Position {
	if len(m.Waypoints) < 3 {
		return nil
	}
	p := m.Waypoints[1].Pos
	return &p
}

// Dropoff is the last intermediate waypoint.
func (m *Mission) Dropoff() *protocol.Position {
	if len(m.Waypoints) < 3 {
		return nil
	}
	p := m.Waypoints[len(m.Waypoints)-2].Pos
	return &p
}

// MarshalJSON adds the derived pickup/dropoff for older consumers.
func (m *Mission) MarshalJSON() ([]byte, error) {
	type plain Mission
	return json.Marshal(struct {
		*plain
		Pickup  *protocol.Position `json:"pickup,omitempty"`
		Dropoff *protocol.Position `json:"dropoff,omitempty"`
	}{(*plain)(m), m.Pickup(), m.Dropoff()})
}

func (m *Mission) Clone() *Mission {
	c := *m
	c.Waypoints = append([]Waypoint(nil), m.Waypoints...)
	return &c
}

type MissionHistory struct {
	ID        int64                  `json:"id"`
	MissionID string                 `json:"mission_id"`
	Status    protocol.MissionStatus `json:"status"`
	Detail    string                 `json:"detail"`
	CreatedAt time.Time              `json:"created_at"`
}
