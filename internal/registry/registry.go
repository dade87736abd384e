// Package registry maps event types to projection handlers and records the
// dimension metadata each handler declares. The registry is populated once
// at startup and read-only afterwards; it is passed by reference into the
// worker, never held as a mutable global.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/store"
)

// Request identifies the job a handler recompute runs for. Tx is the
// per-job transaction's operation set; everything the handler reads and
// writes shares the job's commit or rollback.
type Request struct {
	UserID    string
	EventID   string
	EventType string
	Tx        store.Ops
}

// Dimension describes one user-facing projection dimension.
type Dimension struct {
	// Name is the dimension identifier, e.g. "exercise_progression".
	Name string
	// Description for the user-profile system layer.
	Description string
	// ProjectionTypes the handler owns; it may write no others.
	ProjectionTypes []string
	// EventTypes the handler consumes. Appending any of these triggers a
	// recompute.
	EventTypes []string
	// KeyShape documents the projection key convention:
	// "fixed:<key>", "per_exercise" or "per_rule".
	KeyShape string
	// Granularity tags, e.g. "daily", "weekly", "per_session".
	Granularity []string
	// Related dimension names.
	Related []string
	// ContextSeeds are question prompts the agent can seed conversations
	// with for this dimension.
	ContextSeeds []string
	// OutputSchema is a human-readable sketch of the projection payload.
	OutputSchema string
	// Manifest summarizes the dimension's projection rows for the user
	// profile. Nil means the dimension contributes nothing.
	Manifest func(rows []store.Projection) payload.Doc
}

// Handler is one projection builder. Recompute performs a full idempotent
// recompute of the handler's projections from filtered event history.
type Handler interface {
	Dimension() Dimension
	Recompute(ctx context.Context, req Request) error
}

// Registry is the process-wide handler table.
type Registry struct {
	handlers   []Handler
	byEvent    map[string][]Handler
	dimensions map[string]Dimension
	sealed     bool
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byEvent:    make(map[string][]Handler),
		dimensions: make(map[string]Dimension),
	}
}

// Register adds a handler for every event type its dimension declares.
// Registration order is preserved and is the dispatch order. Register
// panics after Seal and on duplicate dimension names: both are wiring bugs,
// not runtime conditions.
func (r *Registry) Register(h Handler) {
	if r.sealed {
		panic("registry: register after seal")
	}
	dim := h.Dimension()
	if dim.Name == "" {
		panic("registry: dimension without name")
	}
	if _, dup := r.dimensions[dim.Name]; dup {
		panic(fmt.Sprintf("registry: duplicate dimension %q", dim.Name))
	}
	r.dimensions[dim.Name] = dim
	r.handlers = append(r.handlers, h)
	for _, et := range dim.EventTypes {
		r.byEvent[et] = append(r.byEvent[et], h)
	}
}

// Seal freezes the registry. Further Register calls panic.
func (r *Registry) Seal() { r.sealed = true }

// HandlersFor returns the handlers registered for an event type in
// registration order. Unknown types return nil: the event persists but
// routes nowhere.
func (r *Registry) HandlersFor(eventType string) []Handler {
	return r.byEvent[eventType]
}

// Handlers returns every handler in registration order.
func (r *Registry) Handlers() []Handler {
	return r.handlers
}

// Dimensions returns the dimension metadata keyed by name.
func (r *Registry) Dimensions() map[string]Dimension {
	out := make(map[string]Dimension, len(r.dimensions))
	for k, v := range r.dimensions {
		out[k] = v
	}
	return out
}

// RegisteredEventTypes returns the sorted set of event types any handler
// consumes. Event types outside this set are orphaned and surfaced to the
// agent by the user profile.
func (r *Registry) RegisteredEventTypes() []string {
	out := make([]string, 0, len(r.byEvent))
	for et := range r.byEvent {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}

// IsRegistered reports whether any handler consumes the event type.
func (r *Registry) IsRegistered(eventType string) bool {
	_, ok := r.byEvent[eventType]
	return ok
}
