package www

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"dronecore/protocol"
	"dronecore/store"
)

func (h *Handlers) apiListVehicles(w http.ResponseWriter, r *http.Request) {
	vehicles, err := h.engine.Fleet().ListAll(r.Context())
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if vehicles == nil {
		vehicles = []*store.Vehicle{}
	}
	h.jsonOK(w, vehicles)
}

func (h *Handlers) apiGetVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := h.engine.Fleet().Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, v)
}

type registerVehicleRequest struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	MaxPayloadKg float64            `json:"max_payload_kg"`
	Home         *protocol.Position `json:"home"`
}

// apiRegisterVehicle adds a vehicle ahead of its first presence announcement.
func (h *Handlers) apiRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var req registerVehicleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		h.jsonError(w, "id is required", http.StatusBadRequest)
		return
	}
	if req.MaxPayloadKg < 0 {
		h.jsonError(w, "max_payload_kg must not be negative", http.StatusBadRequest)
		return
	}
	v := &store.Vehicle{
		ID:           req.ID,
		Name:         req.Name,
		MaxPayloadKg: req.MaxPayloadKg,
		Status:       protocol.VehicleIdle,
	}
	if req.Home != nil {
		if err := req.Home.Validate(); err != nil {
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		v.Home = *req.Home
	} else {
		b := h.engine.AppConfig().Fleet.Base
		v.Home = protocol.Position{Lat: b.Lat, Lon: b.Lon, Alt: b.Alt}
	}
	if v.Name == "" {
		v.Name = v.ID
	}

	err := h.engine.Fleet().Add(r.Context(), v)
	if errors.Is(err, store.ErrExists) {
		h.jsonError(w, "vehicle already registered", http.StatusConflict)
		return
	}
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.log.Info().Str("vehicle", v.ID).Msg("vehicle registered via api")

	created, err := h.engine.Fleet().Get(r.Context(), v.ID)
	if err != nil {
		created = v
	}
	h.jsonStatus(w, created, http.StatusCreated)
}
