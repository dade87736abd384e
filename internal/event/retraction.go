package event

// RetractedIDs scans an event history for event.retracted records and
// returns the set of event IDs they nullify. Retraction events that name no
// target are ignored.
func RetractedIDs(events []Event) map[string]struct{} {
	out := make(map[string]struct{})
	for _, e := range events {
		if e.Type != TypeRetracted {
			continue
		}
		if id := e.Data.String("retracted_event_id"); id != "" {
			out[id] = struct{}{}
		}
	}
	return out
}

// ActiveEvents returns the history with retraction records and the events
// they reference removed. Retractions are never observed as domain facts.
func ActiveEvents(events []Event) []Event {
	retracted := RetractedIDs(events)
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Type == TypeRetracted {
			continue
		}
		if _, gone := retracted[e.ID]; gone {
			continue
		}
		out = append(out, e)
	}
	return out
}

// DropRetracted removes the events whose ID is in retracted, keeping
// retraction records out as well. Used when the retracted set was fetched
// separately from the handler's source events.
func DropRetracted(events []Event, retracted map[string]struct{}) []Event {
	out := make([]Event, 0, len(events))
	for _, e := range events {
		if e.Type == TypeRetracted {
			continue
		}
		if _, gone := retracted[e.ID]; gone {
			continue
		}
		out = append(out, e)
	}
	return out
}
