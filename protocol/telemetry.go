package protocol

import "fmt"

// Telemetry is one tagged variant per telem/{vehicle}/{kind} topic.
type Telemetry interface {
	Kind() TelemetryKind
}

// Pose reports the vehicle position. Simulators send abs_alt_m/rel_alt_m instead of alt.
type Pose struct {
	Lat     float64  `json:"lat"`
	Lon     float64  `json:"lon"`
	Alt     *float64 `json:"alt,omitempty"`
	AbsAltM *float64 `json:"abs_alt_m,omitempty"`
	RelAltM *float64 `json:"rel_alt_m,omitempty"`
	Ts      float64  `json:"ts,omitempty"`
}

// Altitude prefers alt, then the absolute and relative readings.
func (p Pose) Altitude() float64 {
	switch {
	case p.Alt != nil:
		return *p.Alt
	case p.AbsAltM != nil:
		return *p.AbsAltM
	case p.RelAltM != nil:
		return *p.RelAltM
	}
	return 0
}

type Battery struct {
	SoC      float64  `json:"soc"`
	VoltageV *float64 `json:"voltage_v,omitempty"`
	Ts       float64  `json:"ts,omitempty"`
}

type Health struct {
	OK     bool    `json:"ok"`
	Online *bool   `json:"online,omitempty"`
	Detail string  `json:"detail,omitempty"`
	Ts     float64 `json:"ts,omitempty"`
}

type Status struct {
	Armed *bool   `json:"armed,omitempty"`
	Mode  *string `json:"mode,omitempty"`
	Ts    float64 `json:"ts,omitempty"`
}

func (Pose) Kind() TelemetryKind    { return TelemetryPose }
func (Battery) Kind() TelemetryKind { return TelemetryBattery }
func (Health) Kind() TelemetryKind  { return TelemetryHealth }
func (Status) Kind() TelemetryKind  { return TelemetryStatus }

// DecodeTelemetry decodes a telemetry payload of the given kind.
func DecodeTelemetry(kind TelemetryKind, data []byte) (Telemetry, error) {
	switch kind {
	case TelemetryPose:
		var w struct {
			Lat     *float64 `json:"lat"`
			Lon     *float64 `json:"lon"`
			Alt     *float64 `json:"alt"`
			AbsAltM *float64 `json:"abs_alt_m"`
			RelAltM *float64 `json:"rel_alt_m"`
			Ts      float64  `json:"ts"`
		}
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		if w.Lat == nil || w.Lon == nil {
			return nil, missing("lat/lon")
		}
		if err := (Position{Lat: *w.Lat, Lon: *w.Lon}).Validate(); err != nil {
			return nil, err
		}
		return Pose{Lat: *w.Lat, Lon: *w.Lon, Alt: w.Alt, AbsAltM: w.AbsAltM, RelAltM: w.RelAltM, Ts: w.Ts}, nil

	case TelemetryBattery:
		var w struct {
			SoC      *float64 `json:"soc"`
			VoltageV *float64 `json:"voltage_v"`
			Ts       float64  `json:"ts"`
		}
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		if w.SoC == nil {
			return nil, missing("soc")
		}
		if *w.SoC < 0 || *w.SoC > 100 {
			return nil, fmt.Errorf("%w: soc %v out of range", ErrMalformed, *w.SoC)
		}
		return Battery{SoC: *w.SoC, VoltageV: w.VoltageV, Ts: w.Ts}, nil

	case TelemetryHealth:
		var w struct {
			OK     *bool   `json:"ok"`
			Online *bool   `json:"online"`
			Detail string  `json:"detail"`
			Ts     float64 `json:"ts"`
		}
		if err := decodeStrict(data, &w); err != nil {
			return nil, err
		}
		if w.OK == nil {
			return nil, missing("ok")
		}
		return Health{OK: *w.OK, Online: w.Online, Detail: w.Detail, Ts: w.Ts}, nil

	case TelemetryStatus:
		var s Status
		if err := decodeStrict(data, &s); err != nil {
			return nil, err
		}
		if s.Armed == nil && s.Mode == nil {
			return nil, missing("armed/mode")
		}
		return s, nil
	}
	return nil, fmt.Errorf("%w: unknown telemetry kind %q", ErrMalformed, kind)
}
