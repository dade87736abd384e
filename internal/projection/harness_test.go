package projection

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

func ctx() context.Context { return context.Background() }

func tAt(t *testing.T, value string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("parse %q: %v", value, err)
	}
	return ts
}

func seed(t *testing.T, st *store.Memory, drafts ...event.Draft) []event.Event {
	t.Helper()
	inserted, err := st.AppendEvents(context.Background(), testUser, drafts)
	if err != nil {
		t.Fatalf("append events: %v", err)
	}
	return inserted
}

func draft(eventType string, ts time.Time, data payload.Doc) event.Draft {
	return event.Draft{Timestamp: ts, Type: eventType, Data: data}
}

func request(st store.Ops) registry.Request {
	return registry.Request{UserID: testUser, EventID: "evt-test", Tx: st}
}

func recompute(t *testing.T, h registry.Handler, st *store.Memory) {
	t.Helper()
	if err := h.Recompute(context.Background(), request(st)); err != nil {
		t.Fatalf("%s recompute: %v", h.Dimension().Name, err)
	}
}

func fetch(t *testing.T, st *store.Memory, projType, key string) payload.Doc {
	t.Helper()
	row, err := st.Projection(context.Background(), testUser, projType, key)
	if err != nil {
		t.Fatalf("projection %s/%s: %v", projType, key, err)
	}
	return row.Data
}

func missing(t *testing.T, st *store.Memory, projType, key string) {
	t.Helper()
	_, err := st.Projection(context.Background(), testUser, projType, key)
	if err != store.ErrNotFound {
		t.Fatalf("projection %s/%s: err = %v, want ErrNotFound", projType, key, err)
	}
}

// firstDoc digs into a list-of-docs field.
func firstDoc(t *testing.T, d payload.Doc, field string) payload.Doc {
	t.Helper()
	list, ok := d.List(field)
	if !ok || len(list) == 0 {
		t.Fatalf("%s: empty or missing, have keys %v", field, d.Keys())
	}
	doc, ok := list[0].(payload.Doc)
	if !ok {
		t.Fatalf("%s[0]: not a doc: %T", field, list[0])
	}
	return doc
}
