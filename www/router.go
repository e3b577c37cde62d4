// Package www serves the dashboard backend: a JSON API over the repositories,
// an SSE stream of engine events and a WebSocket relay of bus traffic.
package www

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"dronecore/engine"
)

type Handlers struct {
	engine   *engine.Engine
	eventHub *EventHub
	relay    *Relay
	log      zerolog.Logger
}

func NewRouter(eng *engine.Engine, log zerolog.Logger) (http.Handler, func()) {
	log = log.With().Str("component", "www").Logger()

	hub := NewEventHub(log)
	hub.Start()
	hub.SetupEngineListeners(eng)

	relay := NewRelay(eng.Bus(), log)
	if err := relay.Start(); err != nil {
		log.Warn().Err(err).Msg("bus relay disabled")
	}

	h := &Handlers{
		engine:   eng,
		eventHub: hub,
		relay:    relay,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Get("/events", hub.SSEHandler)
	r.Get("/ws", relay.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.apiHealthCheck)
		r.Get("/vehicles", h.apiListVehicles)
		r.Post("/vehicles", h.apiRegisterVehicle)
		r.Get("/vehicles/{id}", h.apiGetVehicle)
		r.Get("/missions", h.apiListActiveMissions)
		r.Get("/missions/recent", h.apiListRecentMissions)
		r.Get("/missions/{id}", h.apiGetMission)
		r.Get("/missions/{id}/history", h.apiMissionHistory)
		r.Post("/orders", h.apiSubmitOrder)
	})

	stopFn := func() {
		relay.Stop()
		hub.Stop()
	}

	return r, stopFn
}
