package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

func newTestStore(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	base, err := time.Parse(time.RFC3339, "2026-03-01T10:00:00Z")
	if err != nil {
		t.Fatalf("parse base time: %v", err)
	}
	m.Now = func() time.Time { return base }
	return m
}

func draft(t *testing.T, typ, ts string, data payload.Doc, meta payload.Doc) event.Draft {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		t.Fatalf("parse %q: %v", ts, err)
	}
	if meta == nil {
		meta = payload.Doc{}
	}
	return event.Draft{Timestamp: parsed, Type: typ, Data: data, Metadata: meta}
}

func TestAppendEventsEnqueuesAndDeduplicates(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	d := draft(t, event.TypeSetLogged, "2026-03-01T09:00:00Z",
		payload.Doc{"exercise": "squat"}, payload.Doc{"idempotency_key": "k1"})

	first, err := m.AppendEvents(ctx, "u1", []event.Draft{d})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("inserted = %d, want 1", len(first))
	}
	second, err := m.AppendEvents(ctx, "u1", []event.Draft{d})
	if err != nil {
		t.Fatalf("append replay: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("replay inserted = %d, want 0 (idempotency key dedup)", len(second))
	}

	jobs := m.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Type != JobProjectionUpdate || jobs[0].Payload.String("event_id") != first[0].ID {
		t.Fatalf("job = %+v", jobs[0])
	}
}

func TestEventsByTypesOrderAndFilter(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	_, err := m.AppendEvents(ctx, "u1", []event.Draft{
		draft(t, event.TypeSleepLogged, "2026-03-02T08:00:00Z", payload.Doc{"hours": 8.0}, nil),
		draft(t, event.TypeSetLogged, "2026-03-01T09:00:00Z", payload.Doc{"exercise": "squat"}, nil),
		draft(t, event.TypeSetLogged, "2026-03-03T09:00:00Z", payload.Doc{"exercise": "bench"}, nil),
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	sets, err := m.EventsByTypes(ctx, "u1", event.TypeSetLogged)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(sets) != 2 {
		t.Fatalf("sets = %d, want 2", len(sets))
	}
	if sets[0].Data.String("exercise") != "squat" || sets[1].Data.String("exercise") != "bench" {
		t.Fatalf("order wrong: %s, %s", sets[0].Data.String("exercise"), sets[1].Data.String("exercise"))
	}

	all, err := m.EventsByTypes(ctx, "u1")
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
}

func TestClaimJobsOrderAndEligibility(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := m.Now()

	early, _ := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate, ScheduledFor: now.Add(-2 * time.Minute)})
	highPrio, _ := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate, ScheduledFor: now.Add(-time.Minute), Priority: 5})
	lowPrio, _ := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate, ScheduledFor: now.Add(-time.Minute)})
	if _, err := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate, ScheduledFor: now.Add(time.Hour)}); err != nil {
		t.Fatalf("enqueue future: %v", err)
	}

	claimed, err := m.ClaimJobs(ctx, 10, now)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed = %d, want 3 (future job ineligible)", len(claimed))
	}
	wantOrder := []string{early.ID, highPrio.ID, lowPrio.ID}
	for i, want := range wantOrder {
		if claimed[i].ID != want {
			t.Fatalf("claim order[%d] = %s, want %s", i, claimed[i].ID, want)
		}
	}
	for _, j := range claimed {
		if j.Status != JobProcessing || j.Attempt != 1 {
			t.Fatalf("claimed job %+v, want processing attempt 1", j)
		}
	}

	again, err := m.ClaimJobs(ctx, 10, now)
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("reclaimed processing jobs: %d", len(again))
	}
}

func TestClaimJobsAtMostOnce(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := m.Now()

	for i := 0; i < 50; i++ {
		if _, err := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate, ScheduledFor: now.Add(-time.Minute)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := m.ClaimJobs(ctx, 3, now)
				if err != nil || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, j := range claimed {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 50 {
		t.Fatalf("claimed %d distinct jobs, want 50", len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestRunJobCommitAndRollback(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := m.Now()

	job, err := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate, ScheduledFor: now})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := m.ClaimJobs(ctx, 1, now); err != nil {
		t.Fatalf("claim: %v", err)
	}

	boom := errors.New("boom")
	err = m.RunJob(ctx, job, func(ops Ops) error {
		if _, err := ops.UpsertProjection(ctx, "u1", "recovery", "overview", payload.Doc{"x": 1.0}, "e1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("RunJob error = %v, want boom", err)
	}
	if _, err := m.Projection(ctx, "u1", "recovery", "overview"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("projection survived rollback: %v", err)
	}

	err = m.RunJob(ctx, job, func(ops Ops) error {
		_, err := ops.UpsertProjection(ctx, "u1", "recovery", "overview", payload.Doc{"x": 1.0}, "e1")
		return err
	})
	if err != nil {
		t.Fatalf("RunJob: %v", err)
	}
	row, err := m.Projection(ctx, "u1", "recovery", "overview")
	if err != nil {
		t.Fatalf("projection after commit: %v", err)
	}
	if row.Version != 1 {
		t.Fatalf("version = %d, want 1", row.Version)
	}
	for _, j := range m.Jobs() {
		if j.ID == job.ID && j.Status != JobCompleted {
			t.Fatalf("job status = %s, want completed", j.Status)
		}
	}
}

func TestUpsertProjectionVersionMonotonic(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		row, err := m.UpsertProjection(ctx, "u1", "recovery", "overview", payload.Doc{"n": float64(i)}, "e1")
		if err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
		if row.Version != int64(i) {
			t.Fatalf("version = %d, want %d", row.Version, i)
		}
	}
}

func TestPruneAndPurge(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()
	now := m.Now()

	job, _ := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate, ScheduledFor: now})
	if err := m.MarkJobDead(ctx, job, "no handler"); err != nil {
		t.Fatalf("dead: %v", err)
	}
	if err := m.RecordInferenceRun(ctx, InferenceRun{UserID: "u1", Engine: "ols_trend_v1", Status: "success", CompletedAt: now}); err != nil {
		t.Fatalf("record run: %v", err)
	}

	n, err := m.PruneJobs(ctx, now.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune jobs = %d, %v", n, err)
	}
	n, err = m.PruneInferenceRuns(ctx, now.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune runs = %d, %v", n, err)
	}

	if _, err := m.AppendEvents(ctx, "u2", []event.Draft{
		draft(t, event.TypeSetLogged, "2026-03-01T09:00:00Z", payload.Doc{"exercise": "squat"}, nil),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := m.UpsertProjection(ctx, "u2", "recovery", "overview", payload.Doc{}, "e"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := m.PurgeUser(ctx, "u2"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	events, _ := m.EventsByTypes(ctx, "u2")
	if len(events) != 0 {
		t.Fatalf("events survived purge: %d", len(events))
	}
	if _, err := m.Projection(ctx, "u2", "recovery", "overview"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("projection survived purge")
	}
}

func TestWaitForJobsWakesOnEnqueue(t *testing.T) {
	m := newTestStore(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- m.WaitForJobs(ctx, 5*time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	if _, err := m.EnqueueJob(ctx, Job{UserID: "u1", Type: JobProjectionUpdate}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("wait: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not wake on notification")
	}
}
