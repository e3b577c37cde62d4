package www

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"dronecore/protocol"
	"dronecore/store"
)

func (h *Handlers) apiListActiveMissions(w http.ResponseWriter, r *http.Request) {
	missions, err := h.engine.Missions().ListActive(r.Context())
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, nonNil(missions))
}

func (h *Handlers) apiListRecentMissions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	missions, err := h.engine.Missions().ListRecent(r.Context(), limit)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, nonNil(missions))
}

func (h *Handlers) apiGetMission(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.Missions().Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.jsonOK(w, m)
}

func (h *Handlers) apiMissionHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := h.engine.Missions().History(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		h.jsonError(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if hist == nil {
		hist = []*store.MissionHistory{}
	}
	h.jsonOK(w, hist)
}

type submitOrderRequest struct {
	Base      *protocol.Position `json:"base"`
	Addr1     *protocol.Position `json:"addr1"`
	Addr2     *protocol.Position `json:"addr2"`
	PayloadKg float64            `json:"payload_kg"`
	Priority  string             `json:"priority"`
}

// apiSubmitOrder publishes the order to orders/new. The mission is created
// asynchronously by the orchestrator, so the response only carries the order.
func (h *Handlers) apiSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Addr1 == nil || req.Addr2 == nil {
		h.jsonError(w, "addr1 and addr2 are required", http.StatusBadRequest)
		return
	}
	if req.PayloadKg < 0 {
		h.jsonError(w, "payload_kg must not be negative", http.StatusBadRequest)
		return
	}
	prio, err := protocol.ParsePriority(req.Priority)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	o := protocol.Order{
		Addr1:     *req.Addr1,
		Addr2:     *req.Addr2,
		PayloadKg: req.PayloadKg,
		Priority:  prio,
	}
	if req.Base != nil {
		o.Base = *req.Base
	}
	o, err = h.engine.SubmitOrder(o)
	if errors.Is(err, protocol.ErrMalformed) {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	h.log.Info().Str("order", o.ID).Msg("order submitted via api")
	h.jsonStatus(w, o, http.StatusAccepted)
}

func nonNil(ms []*store.Mission) []*store.Mission {
	if ms == nil {
		return []*store.Mission{}
	}
	return ms
}
