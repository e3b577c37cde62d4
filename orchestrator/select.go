package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"dronecore/protocol"
	"dronecore/store"
)

// Candidates filters free vehicles to those eligible for a mission and orders
// them best first: highest charge, ties in registration order. A vehicle that
// has not reported charge yet is eligible but ranked last. A MaxPayloadKg of
// zero means the capacity is unknown and is not checked.
func Candidates(free []*store.Vehicle, minCharge, payloadKg float64) []*store.Vehicle {
	out := make([]*store.Vehicle, 0, len(free))
	for _, v := range free {
		if v.Status != protocol.VehicleIdle {
			continue
		}
		if v.Charge != nil && *v.Charge <= minCharge {
			continue
		}
		if v.MaxPayloadKg > 0 && payloadKg > v.MaxPayloadKg {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return chargeRank(out[i]) > chargeRank(out[j])
	})
	return out
}

func chargeRank(v *store.Vehicle) float64 {
	if v.Charge == nil {
		return -1
	}
	return *v.Charge
}

// SelectVehicle claims the best eligible vehicle by switching it IDLE -> BUSY.
// A candidate claimed concurrently by another mission is skipped.
func (o *Orchestrator) SelectVehicle(ctx context.Context, payloadKg float64) (*store.Vehicle, error) {
	free, err := o.fleet.ListFree(ctx)
	if err != nil {
		return nil, fmt.Errorf("list free vehicles: %w", err)
	}
	for _, v := range Candidates(free, o.cfg.MinCharge, payloadKg) {
		ok, err := o.fleet.CompareAndSetStatus(ctx, v.ID, protocol.VehicleIdle, protocol.VehicleBusy)
		if err != nil {
			o.log.Warn().Err(err).Str("vehicle", v.ID).Msg("claim vehicle")
			continue
		}
		if ok {
			v.Status = protocol.VehicleBusy
			return v, nil
		}
	}
	return nil, ErrNoVehicle
}
