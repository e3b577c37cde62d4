package engine

func (e *Engine) wireEventHandlers() {
	// Terminal mission outcomes
	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(MissionStatusEvent)
		if !ev.Status.IsTerminal() {
			return
		}
		e.log.Info().Str("mission", ev.MissionID).Str("status", string(ev.Status)).Str("detail", ev.Detail).Msg("mission finished")
	}, EventMissionStatusChanged)

	// No capacity: the mission waits in PLANNED for an operator
	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(NoCapacityEvent)
		e.log.Warn().Str("mission", ev.MissionID).Msg("mission left unassigned")
	}, EventMissionNoCapacity)

	// Vehicle state reported by the ingestor
	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(VehicleEvent)
		e.log.Info().Str("vehicle", ev.VehicleID).Str("status", string(ev.Status)).Str("detail", ev.Detail).Msg("vehicle status changed")
	}, EventVehicleStatusChanged)

	e.Events.Subscribe(func(evt Event) {
		ev := evt.Payload.(ConnectionEvent)
		if evt.Type == EventMessagingConnected {
			e.log.Info().Msg(ev.Detail)
		} else {
			e.log.Warn().Msg(ev.Detail)
		}
	}, EventMessagingConnected, EventMessagingDisconnected)
}
