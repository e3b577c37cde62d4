package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrMalformed marks a payload that could not be decoded into its schema.
var ErrMalformed = errors.New("malformed payload")

// decodeStrict unmarshals a single JSON object, rejecting unknown fields and trailing data.
func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data", ErrMalformed)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: missing %s", ErrMalformed, field)
}

// positionWire distinguishes omitted coordinates from zero ones.
type positionWire struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
	Alt *float64 `json:"alt"`
}

func (w *positionWire) position(field string) (Position, error) {
	if w == nil {
		return Position{}, missing(field)
	}
	if w.Lat == nil || w.Lon == nil {
		return Position{}, missing(field + ".lat/lon")
	}
	p := Position{Lat: *w.Lat, Lon: *w.Lon, Alt: DefaultAltitude}
	if w.Alt != nil {
		p.Alt = *w.Alt
	}
	return p, p.Validate()
}
