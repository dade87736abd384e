package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

// Memory is an in-memory Store. It backs every test in the repo and is
// usable by embedders; the worker itself requires Postgres.
//
// RunJob takes a snapshot of the whole state and restores it when the
// transaction function fails, which gives the same rollback semantics the
// Postgres per-job transaction provides. Transactions are serialized.
type Memory struct {
	// Now supplies timestamps for claims and row metadata. Tests override
	// it for deterministic schedules.
	Now func() time.Time

	// JobMaxRetries is the retry budget stamped onto jobs enqueued by
	// AppendEvents.
	JobMaxRetries int

	txMu sync.Mutex

	mu          sync.Mutex
	events      map[string][]event.Event
	idem        map[string]map[string]struct{}
	projections map[string]Projection
	jobs        map[string]Job
	runs        []InferenceRun
	notify      chan struct{}
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		Now:           func() time.Time { return time.Now().UTC() },
		JobMaxRetries: 3,
		events:        make(map[string][]event.Event),
		idem:          make(map[string]map[string]struct{}),
		projections:   make(map[string]Projection),
		jobs:          make(map[string]Job),
		notify:        make(chan struct{}, 1),
	}
}

var _ Store = (*Memory)(nil)

func projKey(userID, projType, key string) string {
	return userID + "\x00" + projType + "\x00" + key
}

func (m *Memory) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// AppendEvents implements Ops.
func (m *Memory) AppendEvents(_ context.Context, userID string, drafts []event.Draft) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := m.idem[userID]
	if keys == nil {
		keys = make(map[string]struct{})
		m.idem[userID] = keys
	}

	var inserted []event.Event
	for _, d := range drafts {
		if k := d.IdempotencyKey(); k != "" {
			if _, dup := keys[k]; dup {
				continue
			}
			keys[k] = struct{}{}
		}
		ts := d.Timestamp
		if ts.IsZero() {
			ts = m.Now()
		}
		e := event.Event{
			ID:        uuid.NewString(),
			UserID:    userID,
			Timestamp: ts.UTC(),
			Type:      d.Type,
			Data:      d.Data.Clone(),
			Metadata:  d.Metadata.Clone(),
		}
		m.events[userID] = append(m.events[userID], e)
		inserted = append(inserted, e)

		job := Job{
			ID:           uuid.NewString(),
			UserID:       userID,
			Type:         JobProjectionUpdate,
			Payload:      ProjectionUpdatePayload(e),
			Status:       JobPending,
			MaxRetries:   m.JobMaxRetries,
			ScheduledFor: m.Now(),
			CreatedAt:    m.Now(),
		}
		m.jobs[job.ID] = job
	}
	event.SortChronological(m.events[userID])
	if len(inserted) > 0 {
		m.signal()
	}
	return inserted, nil
}

// EventsByTypes implements Ops.
func (m *Memory) EventsByTypes(_ context.Context, userID string, types ...string) ([]event.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	all := m.events[userID]
	var out []event.Event
	if len(types) == 0 {
		out = make([]event.Event, len(all))
		copy(out, all)
	} else {
		out = event.FilterTypes(all, types...)
	}
	// Rows are already sorted; hand out copies so handlers cannot mutate
	// the log through shared payload maps.
	for i := range out {
		out[i].Data = out[i].Data.Clone()
		out[i].Metadata = out[i].Metadata.Clone()
	}
	return out, nil
}

// UpsertProjection implements Ops.
func (m *Memory) UpsertProjection(_ context.Context, userID, projType, key string, data payload.Doc, lastEventID string) (Projection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := projKey(userID, projType, key)
	row := m.projections[k]
	row.UserID = userID
	row.Type = projType
	row.Key = key
	row.Data = data.Clone()
	row.Version++
	row.LastEventID = lastEventID
	row.UpdatedAt = m.Now()
	m.projections[k] = row
	return row, nil
}

// DeleteProjection implements Ops.
func (m *Memory) DeleteProjection(_ context.Context, userID, projType, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.projections, projKey(userID, projType, key))
	return nil
}

// Projection implements Ops.
func (m *Memory) Projection(_ context.Context, userID, projType, key string) (Projection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.projections[projKey(userID, projType, key)]
	if !ok {
		return Projection{}, ErrNotFound
	}
	row.Data = row.Data.Clone()
	return row, nil
}

// ProjectionsByType implements Ops.
func (m *Memory) ProjectionsByType(_ context.Context, userID, projType string) ([]Projection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Projection
	for _, row := range m.projections {
		if row.UserID == userID && row.Type == projType {
			row.Data = row.Data.Clone()
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ProjectionsForUser implements Ops.
func (m *Memory) ProjectionsForUser(_ context.Context, userID string) ([]Projection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Projection
	for _, row := range m.projections {
		if row.UserID == userID {
			row.Data = row.Data.Clone()
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// EnqueueJob implements Ops.
func (m *Memory) EnqueueJob(_ context.Context, job Job) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = m.Now()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = m.Now()
	}
	job.Payload = job.Payload.Clone()
	m.jobs[job.ID] = job
	m.signal()
	return job, nil
}

// RecordInferenceRun implements Ops.
func (m *Memory) RecordInferenceRun(_ context.Context, run InferenceRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.Diagnostics = run.Diagnostics.Clone()
	m.runs = append(m.runs, run)
	return nil
}

// ClaimJobs implements Store.
func (m *Memory) ClaimJobs(_ context.Context, limit int, now time.Time) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []Job
	for _, job := range m.jobs {
		if job.Status == JobPending && !job.ScheduledFor.After(now) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if !a.ScheduledFor.Equal(b.ScheduledFor) {
			return a.ScheduledFor.Before(b.ScheduledFor)
		}
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = JobProcessing
		due[i].StartedAt = now
		due[i].Attempt++
		m.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

// RunJob implements Store.
func (m *Memory) RunJob(ctx context.Context, job Job, fn func(Ops) error) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	snap := m.snapshot()
	if err := fn(m); err != nil {
		m.restore(snap)
		return err
	}

	m.mu.Lock()
	if row, ok := m.jobs[job.ID]; ok {
		row.Status = JobCompleted
		row.CompletedAt = m.Now()
		row.ErrorMessage = ""
		m.jobs[job.ID] = row
	}
	m.mu.Unlock()
	return nil
}

type memorySnapshot struct {
	events      map[string][]event.Event
	idem        map[string]map[string]struct{}
	projections map[string]Projection
	jobs        map[string]Job
	runs        []InferenceRun
}

func (m *Memory) snapshot() memorySnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := memorySnapshot{
		events:      make(map[string][]event.Event, len(m.events)),
		idem:        make(map[string]map[string]struct{}, len(m.idem)),
		projections: make(map[string]Projection, len(m.projections)),
		jobs:        make(map[string]Job, len(m.jobs)),
		runs:        append([]InferenceRun(nil), m.runs...),
	}
	for u, evs := range m.events {
		s.events[u] = append([]event.Event(nil), evs...)
	}
	for u, keys := range m.idem {
		cp := make(map[string]struct{}, len(keys))
		for k := range keys {
			cp[k] = struct{}{}
		}
		s.idem[u] = cp
	}
	for k, v := range m.projections {
		v.Data = v.Data.Clone()
		s.projections[k] = v
	}
	for k, v := range m.jobs {
		s.jobs[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = s.events
	m.idem = s.idem
	m.projections = s.projections
	m.jobs = s.jobs
	m.runs = s.runs
}

// MarkJobRetry implements Store.
func (m *Memory) MarkJobRetry(_ context.Context, job Job, errMsg string, runAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	row.Status = JobPending
	row.ErrorMessage = errMsg
	row.ScheduledFor = runAt
	m.jobs[job.ID] = row
	return nil
}

// MarkJobDead implements Store.
func (m *Memory) MarkJobDead(_ context.Context, job Job, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	row.Status = JobDead
	row.ErrorMessage = errMsg
	row.CompletedAt = m.Now()
	m.jobs[job.ID] = row
	return nil
}

// WaitForJobs implements Store.
func (m *Memory) WaitForJobs(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-m.notify:
		return nil
	case <-timer.C:
		return nil
	}
}

// InferenceRuns implements Store.
func (m *Memory) InferenceRuns(_ context.Context, userID string) ([]InferenceRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []InferenceRun
	for _, r := range m.runs {
		if r.UserID == userID {
			r.Diagnostics = r.Diagnostics.Clone()
			out = append(out, r)
		}
	}
	return out, nil
}

// PruneJobs implements Store.
func (m *Memory) PruneJobs(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, job := range m.jobs {
		terminal := job.Status == JobCompleted || job.Status == JobDead
		if terminal && !job.CompletedAt.IsZero() && job.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// PruneInferenceRuns implements Store.
func (m *Memory) PruneInferenceRuns(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.runs[:0]
	var n int64
	for _, r := range m.runs {
		if !r.CompletedAt.IsZero() && r.CompletedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.runs = kept
	return n, nil
}

// PurgeUser implements Store.
func (m *Memory) PurgeUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, userID)
	delete(m.idem, userID)
	for k := range m.projections {
		if strings.HasPrefix(k, userID+"\x00") {
			delete(m.projections, k)
		}
	}
	for id, job := range m.jobs {
		if job.UserID == userID && job.Status != JobProcessing {
			delete(m.jobs, id)
		}
	}
	kept := m.runs[:0]
	for _, r := range m.runs {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	m.runs = kept
	return nil
}

// Close implements Store.
func (m *Memory) Close() {}

// Jobs returns a copy of every job row, for tests and diagnostics.
func (m *Memory) Jobs() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
