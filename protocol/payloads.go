package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultPayloadKg is used when an order omits payload_kg.
const DefaultPayloadKg = 2.0

// Order is a delivery request: fly from base through two stops and back.
type Order struct {
	ID        string   `json:"id"`
	Base      Position `json:"base"`
	Addr1     Position `json:"addr1"`
	Addr2     Position `json:"addr2"`
	PayloadKg float64  `json:"payload_kg"`
	Priority  Priority `json:"priority"`
}

type orderWire struct {
	ID        string        `json:"id"`
	Base      *positionWire `json:"base"`
	Addr1     *positionWire `json:"addr1"`
	Addr2     *positionWire `json:"addr2"`
	PayloadKg *float64      `json:"payload_kg"`
	Priority  string        `json:"priority"`
}

// DecodeOrder parses an orders/new payload. Missing id, payload and priority take defaults.
func DecodeOrder(data []byte) (Order, error) {
	var w orderWire
	if err := decodeStrict(data, &w); err != nil {
		return Order{}, err
	}
	var o Order
	var err error
	if o.Base, err = w.Base.position("base"); err != nil {
		return Order{}, err
	}
	if o.Addr1, err = w.Addr1.position("addr1"); err != nil {
		return Order{}, err
	}
	if o.Addr2, err = w.Addr2.position("addr2"); err != nil {
		return Order{}, err
	}
	o.PayloadKg = DefaultPayloadKg
	if w.PayloadKg != nil {
		if *w.PayloadKg < 0 {
			return Order{}, fmt.Errorf("%w: negative payload_kg", ErrMalformed)
		}
		o.PayloadKg = *w.PayloadKg
	}
	if o.Priority, err = ParsePriority(w.Priority); err != nil {
		return Order{}, err
	}
	o.ID = w.ID
	if o.ID == "" {
		o.ID = NewOrderID()
	}
	return o, nil
}

func NewOrderID() string   { return "ord_" + shortID() }
func NewMissionID() string { return "mis_" + shortID() }

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Presence is a fleet/active announcement.
type Presence struct {
	ID           string        `json:"id"`
	Name         string        `json:"name,omitempty"`
	Status       VehicleStatus `json:"status"`
	Lat          float64       `json:"lat"`
	Lon          float64       `json:"lon"`
	Alt          float64       `json:"alt"`
	MaxPayloadKg *float64      `json:"max_payload_kg,omitempty"`
	Ts           float64       `json:"ts,omitempty"`
}

func DecodePresence(data []byte) (Presence, error) {
	var w struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Status       string   `json:"status"`
		Lat          *float64 `json:"lat"`
		Lon          *float64 `json:"lon"`
		Alt          *float64 `json:"alt"`
		MaxPayloadKg *float64 `json:"max_payload_kg"`
		Ts           float64  `json:"ts"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return Presence{}, err
	}
	if w.ID == "" {
		return Presence{}, missing("id")
	}
	pos, err := (&positionWire{Lat: w.Lat, Lon: w.Lon, Alt: w.Alt}).position("position")
	if err != nil {
		return Presence{}, err
	}
	p := Presence{ID: w.ID, Name: w.Name, Lat: pos.Lat, Lon: pos.Lon, Alt: pos.Alt, MaxPayloadKg: w.MaxPayloadKg, Ts: w.Ts}
	p.Status = VehicleIdle
	if w.Status != "" {
		if p.Status, err = ParseVehicleStatus(w.Status); err != nil {
			return Presence{}, err
		}
	}
	if p.MaxPayloadKg != nil && *p.MaxPayloadKg < 0 {
		return Presence{}, fmt.Errorf("%w: negative max_payload_kg", ErrMalformed)
	}
	return p, nil
}

// AssignedEvent is published on mission/{id}/assigned.
type AssignedEvent struct {
	MissionID string `json:"mission_id"`
	VehicleID string `json:"vehicle_id"`
}

// StatusEvent is published on mission/{id}/status.
type StatusEvent struct {
	MissionID string        `json:"mission_id"`
	Status    MissionStatus `json:"status"`
	Detail    string        `json:"detail,omitempty"`
}

func DecodeStatusEvent(data []byte) (StatusEvent, error) {
	var w struct {
		MissionID string `json:"mission_id"`
		Status    string `json:"status"`
		Detail    string `json:"detail"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return StatusEvent{}, err
	}
	if w.MissionID == "" {
		return StatusEvent{}, missing("mission_id")
	}
	st, err := ParseMissionStatus(w.Status)
	if err != nil {
		return StatusEvent{}, err
	}
	return StatusEvent{MissionID: w.MissionID, Status: st, Detail: w.Detail}, nil
}

// Ack is a vehicle's confirmation of a command, published on ack/{vehicle}/{action}.
type Ack struct {
	MissionID string `json:"mission_id"`
	Action    Action `json:"action"`
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
}

func DecodeAck(data []byte) (Ack, error) {
	var w struct {
		MissionID string `json:"mission_id"`
		Action    string `json:"action"`
		OK        *bool  `json:"ok"`
		Detail    string `json:"detail"`
	}
	if err := decodeStrict(data, &w); err != nil {
		return Ack{}, err
	}
	if w.MissionID == "" {
		return Ack{}, missing("mission_id")
	}
	if w.OK == nil {
		return Ack{}, missing("ok")
	}
	a, err := ParseAction(w.Action)
	if err != nil {
		return Ack{}, err
	}
	return Ack{MissionID: w.MissionID, Action: a, OK: *w.OK, Detail: w.Detail}, nil
}

// Encode marshals any protocol value for publishing.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
