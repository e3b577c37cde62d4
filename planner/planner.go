// Package planner turns a delivery order into a straight-line mission:
// base, first stop, second stop, back to base.
package planner

import (
	"math"

	"dronecore/protocol"
	"dronecore/store"
)

const earthRadiusM = 6371000.0

// Params tunes the duration estimate and stop holds. Durations are in time-units.
type Params struct {
	CruiseSpeedMps   float64
	GroundAllowanceS float64
	HoldS            float64
}

func DefaultParams() Params {
	return Params{CruiseSpeedMps: 10, GroundAllowanceS: 60, HoldS: 3}
}

// minCruiseMps keeps the estimate finite for a zero or negative speed.
const minCruiseMps = 0.1

// Haversine returns the great-circle distance in metres, ignoring altitude.
func Haversine(a, b protocol.Position) float64 {
	p1 := a.Lat * math.Pi / 180
	p2 := b.Lat * math.Pi / 180
	dphi := (b.Lat - a.Lat) * math.Pi / 180
	dlmb := (b.Lon - a.Lon) * math.Pi / 180
	h := math.Sin(dphi/2)*math.Sin(dphi/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dlmb/2)*math.Sin(dlmb/2)
	return 2 * earthRadiusM * math.Asin(math.Sqrt(h))
}

// Legs returns the three segment distances of the route.
func Legs(o protocol.Order) [3]float64 {
	return [3]float64{
		Haversine(o.Base, o.Addr1),
		Haversine(o.Addr1, o.Addr2),
		Haversine(o.Addr2, o.Base),
	}
}

// Plan builds a PLANNED mission for the order. It has no side effects apart
// from drawing a fresh mission id.
func Plan(o protocol.Order, p Params) *store.Mission {
	wps := []store.Waypoint{
		{Seq: 0, Kind: protocol.KindTakeoff, Pos: o.Base},
		{Seq: 1, Kind: protocol.KindNav, Pos: o.Addr1, HoldS: p.HoldS},
		{Seq: 2, Kind: protocol.KindNav, Pos: o.Addr2, HoldS: p.HoldS},
		{Seq: 3, Kind: protocol.KindLand, Pos: o.Base},
	}

	var dist float64
	for _, d := range Legs(o) {
		dist += d
	}
	speed := math.Max(p.CruiseSpeedMps, minCruiseMps)

	priority := o.Priority
	if priority == "" {
		priority = protocol.PriorityNormal
	}
	return &store.Mission{
		ID:           protocol.NewMissionID(),
		PayloadKg:    o.PayloadKg,
		Priority:     priority,
		Status:       protocol.MissionPlanned,
		Waypoints:    wps,
		DistanceM:    dist,
		EstDurationS: dist/speed + p.GroundAllowanceS,
	}
}
