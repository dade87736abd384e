package event

import "github.com/kurahq/kura/internal/payload"

// CorrectionEntry records one field patch applied to a set.
type CorrectionEntry struct {
	EventID   string      `json:"correction_event_id"`
	Field     string      `json:"field"`
	Value     any         `json:"value"`
	Timestamp string      `json:"timestamp"`
	Prov      payload.Doc `json:"repair_provenance,omitempty"`
}

// CorrectedSet is a set.logged event with its correction overlay applied.
// EffectiveData starts as a copy of the original data; corrections overwrite
// fields in ascending (timestamp, event_id) order, latest value winning.
type CorrectedSet struct {
	Event           Event
	EffectiveData   payload.Doc
	History         []CorrectionEntry
	FieldProvenance map[string]payload.Doc
}

// ApplyCorrections overlays set.corrected patches onto their target sets.
// Sets keep their input order; corrections are applied in canonical
// (timestamp, event_id) order regardless of input order. Corrections whose
// target is not among the sets are dropped.
func ApplyCorrections(sets []Event, corrections []Event) []CorrectedSet {
	out := make([]CorrectedSet, len(sets))
	index := make(map[string]int, len(sets))
	for i, s := range sets {
		out[i] = CorrectedSet{
			Event:           s,
			EffectiveData:   s.Data.Clone(),
			FieldProvenance: map[string]payload.Doc{},
		}
		if out[i].EffectiveData == nil {
			out[i].EffectiveData = payload.Doc{}
		}
		index[s.ID] = i
	}

	ordered := make([]Event, len(corrections))
	copy(ordered, corrections)
	SortChronological(ordered)

	for _, c := range ordered {
		target := c.Data.String("target_event_id")
		i, ok := index[target]
		if !ok {
			continue
		}
		changed, ok := c.Data.Doc("changed_fields")
		if !ok {
			continue
		}
		for _, field := range changed.Keys() {
			value := changed[field]
			var prov payload.Doc
			// A patch value is either the raw value or a
			// {value, repair_provenance} envelope.
			if env, ok := changed.Doc(field); ok && env.Has("value") {
				value = env["value"]
				if p, ok := env.Doc("repair_provenance"); ok {
					prov = p
				}
			}
			out[i].EffectiveData[field] = value
			out[i].History = append(out[i].History, CorrectionEntry{
				EventID:   c.ID,
				Field:     field,
				Value:     value,
				Timestamp: c.Timestamp.UTC().Format(timeLayout),
				Prov:      prov,
			})
			if prov != nil {
				out[i].FieldProvenance[field] = prov
			}
		}
	}
	return out
}

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00"

// HistoryDocs renders the correction history as payload documents for
// inclusion in projection output.
func (s CorrectedSet) HistoryDocs() []any {
	if len(s.History) == 0 {
		return nil
	}
	out := make([]any, 0, len(s.History))
	for _, h := range s.History {
		d := payload.Doc{
			"correction_event_id": h.EventID,
			"field":               h.Field,
			"value":               h.Value,
			"timestamp":           h.Timestamp,
		}
		if h.Prov != nil {
			d["repair_provenance"] = h.Prov
		}
		out = append(out, d)
	}
	return out
}
