package event

import (
	"fmt"
	"testing"
	"time"

	"github.com/kurahq/kura/internal/payload"
)

func at(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func ev(id, typ string, ts time.Time, data payload.Doc) Event {
	return Event{ID: id, UserID: "u1", Timestamp: ts, Type: typ, Data: data, Metadata: payload.Doc{}}
}

func retract(id string, ts time.Time, target string) Event {
	return ev(id, TypeRetracted, ts, payload.Doc{"retracted_event_id": target})
}

func TestActiveEventsDropsTargetsAndRetractions(t *testing.T) {
	t0 := at(t, "2026-03-01T10:00:00Z")
	history := []Event{
		ev("e1", TypeBodyweightLogged, t0, payload.Doc{"weight_kg": 150.0}),
		retract("e2", t0.Add(time.Minute), "e1"),
		ev("e3", TypeBodyweightLogged, t0.Add(2*time.Minute), payload.Doc{"weight_kg": 85.0}),
	}

	active := ActiveEvents(history)
	if len(active) != 1 {
		t.Fatalf("active events = %d, want 1", len(active))
	}
	if active[0].ID != "e3" {
		t.Fatalf("surviving event = %s, want e3", active[0].ID)
	}
}

func TestActiveEventsRetractionOfRetraction(t *testing.T) {
	// Retracting a retraction does not resurrect the original target:
	// the retracted set is computed before filtering.
	t0 := at(t, "2026-03-01T10:00:00Z")
	history := []Event{
		ev("e1", TypeSetLogged, t0, payload.Doc{"exercise": "squat"}),
		retract("e2", t0.Add(time.Minute), "e1"),
		retract("e3", t0.Add(2*time.Minute), "e2"),
	}

	active := ActiveEvents(history)
	if len(active) != 0 {
		t.Fatalf("active events = %d, want 0", len(active))
	}
}

func TestRetractionMonotonicity(t *testing.T) {
	// h(H ∪ {retract(E)}) must observe the same facts as h(H \ {E}).
	t0 := at(t, "2026-03-01T08:00:00Z")
	var history []Event
	for i := 0; i < 10; i++ {
		history = append(history, ev(fmt.Sprintf("e%d", i), TypeSetLogged, t0.Add(time.Duration(i)*time.Minute), payload.Doc{"reps": float64(i)}))
	}

	for victim := 0; victim < 10; victim++ {
		withRetract := append(append([]Event{}, history...),
			retract("r", t0.Add(time.Hour), fmt.Sprintf("e%d", victim)))
		without := make([]Event, 0, 9)
		for i, e := range history {
			if i != victim {
				without = append(without, e)
			}
		}

		got := ActiveEvents(withRetract)
		if len(got) != len(without) {
			t.Fatalf("victim e%d: got %d active, want %d", victim, len(got), len(without))
		}
		for i := range got {
			if got[i].ID != without[i].ID {
				t.Fatalf("victim e%d: active[%d] = %s, want %s", victim, i, got[i].ID, without[i].ID)
			}
		}
	}
}

func TestTimezonePreference(t *testing.T) {
	t0 := at(t, "2026-03-01T10:00:00Z")
	tests := []struct {
		name   string
		events []Event
		want   string
		ok     bool
	}{
		{"missing", nil, "UTC", true},
		{"set", []Event{ev("e1", TypePreferenceSet, t0, payload.Doc{"key": "timezone", "value": "Europe/Berlin"})}, "Europe/Berlin", true},
		{"underscore key", []Event{ev("e1", TypePreferenceSet, t0, payload.Doc{"key": "time_zone", "value": "America/New_York"})}, "America/New_York", true},
		{"invalid falls back", []Event{ev("e1", TypePreferenceSet, t0, payload.Doc{"key": "timezone", "value": "Mars/Olympus"})}, "UTC", false},
		{"latest wins", []Event{
			ev("e1", TypePreferenceSet, t0, payload.Doc{"key": "timezone", "value": "Europe/Berlin"}),
			ev("e2", TypePreferenceSet, t0.Add(time.Hour), payload.Doc{"key": "timezone", "value": "Asia/Tokyo"}),
		}, "Asia/Tokyo", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			loc, ok := Timezone(tc.events)
			if loc.String() != tc.want || ok != tc.ok {
				t.Fatalf("Timezone = (%s, %v), want (%s, %v)", loc, ok, tc.want, tc.ok)
			}
		})
	}
}
