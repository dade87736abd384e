package quality

import (
	"context"
	"testing"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

const testUser = "user-1"

func tAt(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func draft(eventType string, ts time.Time, data payload.Doc) event.Draft {
	return event.Draft{Timestamp: ts, Type: eventType, Data: data}
}

func seed(t *testing.T, st *store.Memory, drafts ...event.Draft) {
	t.Helper()
	if _, err := st.AppendEvents(context.Background(), testUser, drafts); err != nil {
		t.Fatalf("append events: %v", err)
	}
}

func activeEvents(t *testing.T, st *store.Memory) []event.Event {
	t.Helper()
	events, err := st.EventsByTypes(context.Background(), testUser)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	return event.ActiveEvents(events)
}

func runEngine(t *testing.T, g *Engine, st *store.Memory) {
	t.Helper()
	req := registry.Request{UserID: testUser, EventID: "evt-test", Tx: st}
	if err := g.Recompute(context.Background(), req); err != nil {
		t.Fatalf("quality recompute: %v", err)
	}
}

func fetchOverview(t *testing.T, st *store.Memory) payload.Doc {
	t.Helper()
	row, err := st.Projection(context.Background(), testUser, TypeQualityHealth, overviewKey)
	if err != nil {
		t.Fatalf("quality_health/overview: %v", err)
	}
	return row.Data
}
