package projection

import (
	"context"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

// Rule shapes a projection_rule.created event may declare.
const (
	RuleFieldTracking       = "field_tracking"
	RuleCategorizedTracking = "categorized_tracking"
)

// categoryEntryLimit caps per-category recent entries.
const categoryEntryLimit = 10

// CustomEngine materializes user-defined projections from projection_rule
// lifecycle events. Rule events recompute everything; for regular events the
// router calls RecomputeMatching so only affected rules rebuild.
type CustomEngine struct{}

// NewCustomEngine creates the engine.
func NewCustomEngine() *CustomEngine { return &CustomEngine{} }

var _ registry.Handler = (*CustomEngine)(nil)

func (c *CustomEngine) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            TypeCustom,
		Description:     "User-defined tracking projections: numeric field extraction or categorized grouping over chosen event types.",
		ProjectionTypes: []string{TypeCustom},
		EventTypes: []string{
			event.TypeRuleCreated,
			event.TypeRuleArchived,
		},
		KeyShape:    "per_rule",
		Granularity: []string{"daily", "weekly", "per_category"},
		Related:     []string{TypeUserProfile},
		ContextSeeds: []string{
			"What custom metrics is the user tracking?",
		},
		OutputSchema: "rule{}, daily[] | categories{}, stats{}, data_quality",
		Manifest:     customManifest,
	}
}

// customRule is one active rule reconstructed from the event log.
type customRule struct {
	id         string
	ruleType   string
	name       string
	eventTypes []string
	fields     []string
	groupBy    string
	createdAt  time.Time
}

// Recompute implements registry.Handler: full rebuild of every active rule,
// deleting rows of archived or retracted rules.
func (c *CustomEngine) Recompute(ctx context.Context, req registry.Request) error {
	return c.recompute(ctx, req, "")
}

// RecomputeMatching rebuilds only the rules whose event types include the
// arriving event's type. Reports whether any rule matched.
func (c *CustomEngine) RecomputeMatching(ctx context.Context, req registry.Request) (bool, error) {
	if req.EventType == "" {
		return false, nil
	}
	matched, err := c.recomputeRules(ctx, req, req.EventType)
	return matched, err
}

func (c *CustomEngine) recompute(ctx context.Context, req registry.Request, onlyEventType string) error {
	_, err := c.recomputeRules(ctx, req, onlyEventType)
	return err
}

func (c *CustomEngine) recomputeRules(ctx context.Context, req registry.Request, onlyEventType string) (bool, error) {
	scope, err := LoadScope(ctx, req, event.TypeRuleCreated, event.TypeRuleArchived)
	if err != nil {
		return false, err
	}
	rules := activeRules(scope.Events)

	matched := false
	wanted := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		wanted[rule.id] = struct{}{}
		if onlyEventType != "" && !ruleMatches(rule, onlyEventType) {
			continue
		}
		matched = true
		if err := c.buildRule(ctx, req, rule); err != nil {
			return matched, err
		}
	}

	// Full rebuilds also reconcile rows: archived or retracted rules leave
	// orphans behind.
	if onlyEventType == "" {
		existing, err := req.Tx.ProjectionsByType(ctx, req.UserID, TypeCustom)
		if err != nil {
			return matched, err
		}
		for _, row := range existing {
			if _, keep := wanted[row.Key]; !keep {
				if err := req.Tx.DeleteProjection(ctx, req.UserID, TypeCustom, row.Key); err != nil {
					return matched, err
				}
			}
		}
	}
	return matched, nil
}

// activeRules folds rule lifecycle events: created minus archived, in rule
// id order.
func activeRules(events []event.Event) []customRule {
	byID := map[string]customRule{}
	archived := map[string]struct{}{}
	for _, e := range events {
		switch e.Type {
		case event.TypeRuleCreated:
			id := e.Data.String("rule_id")
			if id == "" {
				continue
			}
			rule := customRule{
				id:        id,
				ruleType:  e.Data.String("rule_type"),
				name:      e.Data.String("name"),
				groupBy:   e.Data.String("group_by"),
				createdAt: e.Timestamp,
			}
			if list, ok := e.Data.List("event_types"); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						rule.eventTypes = append(rule.eventTypes, s)
					}
				}
			}
			if list, ok := e.Data.List("fields"); ok {
				for _, v := range list {
					if s, ok := v.(string); ok {
						rule.fields = append(rule.fields, s)
					}
				}
			}
			byID[id] = rule
		case event.TypeRuleArchived:
			if id := e.Data.String("rule_id"); id != "" {
				archived[id] = struct{}{}
			}
		}
	}
	var out []customRule
	for _, id := range sortedKeys(byID) {
		if _, gone := archived[id]; gone {
			continue
		}
		out = append(out, byID[id])
	}
	return out
}

func ruleMatches(rule customRule, eventType string) bool {
	for _, t := range rule.eventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

func (c *CustomEngine) buildRule(ctx context.Context, req registry.Request, rule customRule) error {
	scope, err := LoadScope(ctx, req, rule.eventTypes...)
	if err != nil {
		return err
	}

	quality := NewQualityReport()
	switch rule.ruleType {
	case RuleFieldTracking:
		if len(rule.fields) == 0 {
			quality.Anomaly("rule_without_fields", "field_tracking rule declares no fields", payload.Doc{"rule_id": rule.id})
		}
	case RuleCategorizedTracking:
		if rule.groupBy == "" || !contains(rule.fields, rule.groupBy) {
			quality.Anomaly("invalid_group_by", "categorized_tracking group_by must be one of the rule's fields",
				payload.Doc{"rule_id": rule.id, "group_by": rule.groupBy})
		}
	default:
		quality.Anomaly("unknown_rule_type", "rule declares an unknown shape", payload.Doc{"rule_id": rule.id, "rule_type": rule.ruleType})
	}

	data := payload.Doc{
		"rule": payload.Doc{
			"rule_id":     rule.id,
			"rule_type":   rule.ruleType,
			"name":        rule.name,
			"event_types": anyStrings(rule.eventTypes),
			"fields":      anyStrings(rule.fields),
			"created_at":  rule.createdAt.UTC().Format(time.RFC3339),
		},
	}

	switch rule.ruleType {
	case RuleFieldTracking:
		c.fieldTracking(scope, rule, data)
	case RuleCategorizedTracking:
		c.categorizedTracking(scope, rule, data)
	}

	if asOf, ok := scope.AsOf(); ok {
		data["as_of"] = asOf.UTC().Format(time.RFC3339)
	}
	data["data_quality"] = quality.Doc()
	_, err = req.Tx.UpsertProjection(ctx, req.UserID, TypeCustom, rule.id, data, req.EventID)
	return err
}

// fieldTracking extracts the rule's numeric fields into daily averages,
// weekly rollups and all-time stats.
func (c *CustomEngine) fieldTracking(scope *Scope, rule customRule, data payload.Doc) {
	type fieldStat struct {
		count float64
		sum   float64
		min   float64
		max   float64
	}
	stats := map[string]*fieldStat{}
	days := map[string]map[string][]float64{}
	weekly := map[string]payload.Doc{}

	for _, e := range scope.Events {
		for _, f := range rule.fields {
			v, ok := e.Data.Float(f)
			if !ok {
				continue
			}
			st := stats[f]
			if st == nil {
				st = &fieldStat{min: v, max: v}
				stats[f] = st
			}
			st.count++
			st.sum += v
			if v < st.min {
				st.min = v
			}
			if v > st.max {
				st.max = v
			}

			dk := dayKey(e.Timestamp, scope.Loc)
			if days[dk] == nil {
				days[dk] = map[string][]float64{}
			}
			days[dk][f] = append(days[dk][f], v)

			week := event.ISOWeek(e.Timestamp, scope.Loc)
			w := weekly[week]
			if w == nil {
				w = payload.Doc{"week": week}
				weekly[week] = w
			}
			w[f+"_sum"] = round2f(w.FloatOr(f+"_sum", 0) + v)
			w[f+"_count"] = w.FloatOr(f+"_count", 0) + 1
		}
	}

	dayKeys := sortedKeys(days)
	if len(dayKeys) > recentDaysWindow {
		dayKeys = dayKeys[len(dayKeys)-recentDaysWindow:]
	}
	daily := make([]any, 0, len(dayKeys))
	for i := len(dayKeys) - 1; i >= 0; i-- {
		entry := payload.Doc{"date": dayKeys[i]}
		for _, f := range sortedKeys(days[dayKeys[i]]) {
			vals := days[dayKeys[i]][f]
			sum := 0.0
			for _, v := range vals {
				sum += v
			}
			entry[f] = round2f(sum / float64(len(vals)))
		}
		daily = append(daily, entry)
	}

	weekKeys := sortedKeys(weekly)
	if len(weekKeys) > weeklyWindow {
		weekKeys = weekKeys[len(weekKeys)-weeklyWindow:]
	}
	weeks := make([]any, 0, len(weekKeys))
	for _, k := range weekKeys {
		weeks = append(weeks, weekly[k])
	}

	allTime := payload.Doc{}
	for _, f := range sortedKeys(stats) {
		st := stats[f]
		allTime[f] = payload.Doc{
			"count": st.count,
			"mean":  round2f(st.sum / st.count),
			"min":   st.min,
			"max":   st.max,
		}
	}

	data["daily"] = daily
	data["weekly"] = weeks
	data["stats"] = allTime
}

// categorizedTracking groups events by the group_by field value.
func (c *CustomEngine) categorizedTracking(scope *Scope, rule customRule, data payload.Doc) {
	type category struct {
		count   float64
		entries []payload.Doc
		sums    map[string]float64
		counts  map[string]float64
	}
	categories := map[string]*category{}

	for _, e := range scope.Events {
		group := e.Data.String(rule.groupBy)
		if group == "" {
			continue
		}
		cat := categories[group]
		if cat == nil {
			cat = &category{sums: map[string]float64{}, counts: map[string]float64{}}
			categories[group] = cat
		}
		cat.count++
		entry := payload.Doc{"timestamp": e.Timestamp.UTC().Format(time.RFC3339)}
		for _, f := range rule.fields {
			if f == rule.groupBy {
				continue
			}
			if v, ok := e.Data.Float(f); ok {
				entry[f] = v
				cat.sums[f] += v
				cat.counts[f]++
			} else if s := e.Data.String(f); s != "" {
				entry[f] = s
			}
		}
		cat.entries = append(cat.entries, entry)
	}

	out := payload.Doc{}
	for _, group := range sortedKeys(categories) {
		cat := categories[group]
		entries := cat.entries
		if len(entries) > categoryEntryLimit {
			entries = entries[len(entries)-categoryEntryLimit:]
		}
		recent := make([]any, 0, len(entries))
		for i := len(entries) - 1; i >= 0; i-- {
			recent = append(recent, entries[i])
		}
		aggregates := payload.Doc{}
		for _, f := range sortedKeys(cat.sums) {
			aggregates[f] = payload.Doc{
				"mean":  round2f(cat.sums[f] / cat.counts[f]),
				"count": cat.counts[f],
			}
		}
		out[group] = payload.Doc{
			"count":      cat.count,
			"recent":     recent,
			"aggregates": aggregates,
		}
	}
	data["categories"] = out
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func anyStrings(list []string) []any {
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = v
	}
	return out
}

func customManifest(rows []store.Projection) payload.Doc {
	tracked := make([]any, 0, len(rows))
	for _, row := range rows {
		rule, _ := row.Data.Doc("rule")
		tracked = append(tracked, payload.Doc{
			"rule_id":   row.Key,
			"rule_type": rule.String("rule_type"),
			"name":      rule.String("name"),
		})
	}
	return payload.Doc{
		"active_rules": float64(len(rows)),
		"rules":        tracked,
	}
}
