package projection

import (
	"sort"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

// QualityReport collects the data_quality subsection every handler output
// carries: anomalies, observed-but-unknown attributes by event type,
// temporal conflicts and handler-specific hints.
type QualityReport struct {
	anomalies []payload.Doc
	observed  map[string]map[string]int
	conflicts map[string]int
	hints     payload.Doc
}

// NewQualityReport creates an empty report.
func NewQualityReport() *QualityReport {
	return &QualityReport{
		observed:  make(map[string]map[string]int),
		conflicts: make(map[string]int),
		hints:     payload.Doc{},
	}
}

// Anomaly records one anomaly with a machine code and human detail.
func (q *QualityReport) Anomaly(code, detail string, fields payload.Doc) {
	entry := payload.Doc{"code": code, "detail": detail}
	for k, v := range fields {
		entry[k] = v
	}
	q.anomalies = append(q.anomalies, entry)
}

// Observe counts an event's data fields that are not in the handler's known
// set. Unknown fields persist and surface here for introspection.
func (q *QualityReport) Observe(e event.Event, known ...string) {
	knownSet := make(map[string]struct{}, len(known))
	for _, k := range known {
		knownSet[k] = struct{}{}
	}
	for field := range e.Data {
		if _, ok := knownSet[field]; ok {
			continue
		}
		byField := q.observed[e.Type]
		if byField == nil {
			byField = make(map[string]int)
			q.observed[e.Type] = byField
		}
		byField[field]++
	}
}

// Conflict counts one temporal conflict of the given kind.
func (q *QualityReport) Conflict(kind string) {
	q.conflicts[kind]++
}

// Hint attaches a handler-specific hint field.
func (q *QualityReport) Hint(key string, value any) {
	q.hints[key] = value
}

// Doc renders the report. Anomalies keep insertion order; maps render with
// stable keys.
func (q *QualityReport) Doc() payload.Doc {
	anomalies := make([]any, len(q.anomalies))
	for i, a := range q.anomalies {
		anomalies[i] = a
	}

	observed := payload.Doc{}
	for et, byField := range q.observed {
		fields := payload.Doc{}
		for f, n := range byField {
			fields[f] = float64(n)
		}
		observed[et] = fields
	}

	conflicts := payload.Doc{}
	for kind, n := range q.conflicts {
		conflicts[kind] = float64(n)
	}

	out := payload.Doc{
		"anomalies":           anomalies,
		"observed_attributes": observed,
		"temporal_conflicts":  conflicts,
	}
	for _, k := range q.hints.Keys() {
		out[k] = q.hints[k]
	}
	return out
}

// sortedKeys is a shared helper for deterministic map iteration.
func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
