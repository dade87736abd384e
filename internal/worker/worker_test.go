package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kurahq/kura/internal/config"
	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
)

const testUser = "user-1"

// fakeHandler is a scriptable projection handler.
type fakeHandler struct {
	name      string
	eventType string
	calls     int
	fail      error
	panics    bool
}

func (f *fakeHandler) Dimension() registry.Dimension {
	return registry.Dimension{
		Name:            f.name,
		ProjectionTypes: []string{f.name},
		EventTypes:      []string{f.eventType},
		KeyShape:        "fixed:overview",
	}
}

func (f *fakeHandler) Recompute(ctx context.Context, req registry.Request) error {
	f.calls++
	if f.panics {
		panic("handler exploded")
	}
	if f.fail != nil {
		return f.fail
	}
	_, err := req.Tx.UpsertProjection(ctx, req.UserID, f.name, "overview",
		payload.Doc{"calls": float64(f.calls)}, req.EventID)
	return err
}

type clock struct{ now time.Time }

func (c *clock) advance(d time.Duration) { c.now = c.now.Add(d) }

func testWorker(t *testing.T, handlers ...registry.Handler) (*Worker, *store.Memory, *clock) {
	t.Helper()
	start, err := time.Parse(time.RFC3339, "2026-03-02T10:00:00Z")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	c := &clock{now: start}
	st := store.NewMemory()
	st.Now = func() time.Time { return c.now }

	reg := registry.New()
	for _, h := range handlers {
		reg.Register(h)
	}
	reg.Seal()

	w := New(st, reg, nil, config.Default(), zap.NewNop())
	w.now = st.Now
	return w, st, c
}

func seedEvent(t *testing.T, st *store.Memory, eventType string) {
	t.Helper()
	_, err := st.AppendEvents(context.Background(), testUser, []event.Draft{{
		Type: eventType,
		Data: payload.Doc{"value": 1.0},
	}})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
}

func singleJob(t *testing.T, st *store.Memory) store.Job {
	t.Helper()
	jobs := st.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	return jobs[0]
}

func TestProjectionUpdateCompletes(t *testing.T) {
	h := &fakeHandler{name: "energy_stats", eventType: event.TypeEnergyLogged}
	w, st, _ := testWorker(t, h)
	seedEvent(t, st, event.TypeEnergyLogged)

	n, err := w.ProcessBatch(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("n = %d err = %v, want 1 claimed", n, err)
	}
	if h.calls != 1 {
		t.Fatalf("handler calls = %d, want 1", h.calls)
	}
	if _, err := st.Projection(context.Background(), testUser, "energy_stats", "overview"); err != nil {
		t.Fatalf("projection missing: %v", err)
	}
	if job := singleJob(t, st); job.Status != store.JobCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
}

func TestUnsubscribedEventTypeStillCompletes(t *testing.T) {
	h := &fakeHandler{name: "energy_stats", eventType: event.TypeEnergyLogged}
	w, st, _ := testWorker(t, h)
	seedEvent(t, st, "wearable.hrv_sampled")

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if h.calls != 0 {
		t.Fatalf("handler called for unsubscribed type")
	}
	// The event persists and the job completes; orphaned types route nowhere.
	if job := singleJob(t, st); job.Status != store.JobCompleted {
		t.Fatalf("job status = %s, want completed", job.Status)
	}
}

// A failing job walks the 2s/4s/8s ladder and dead-letters on the fourth
// claim, before the handler runs again.
func TestRetryLadderThenDead(t *testing.T) {
	h := &fakeHandler{name: "energy_stats", eventType: event.TypeEnergyLogged, fail: errors.New("boom")}
	w, st, c := testWorker(t, h)
	seedEvent(t, st, event.TypeEnergyLogged)

	wantDelays := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, want := range wantDelays {
		if _, err := w.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("batch %d: %v", i+1, err)
		}
		job := singleJob(t, st)
		if job.Status != store.JobPending {
			t.Fatalf("batch %d: status = %s, want pending", i+1, job.Status)
		}
		if got := job.ScheduledFor.Sub(c.now); got != want {
			t.Fatalf("batch %d: backoff = %v, want %v", i+1, got, want)
		}
		c.advance(want)
	}

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("final batch: %v", err)
	}
	job := singleJob(t, st)
	if job.Status != store.JobDead {
		t.Fatalf("status = %s, want dead", job.Status)
	}
	if job.ErrorMessage != "retry budget exhausted" {
		t.Fatalf("error = %q", job.ErrorMessage)
	}
	if h.calls != 3 {
		t.Fatalf("handler calls = %d, want 3 (budget check precedes the handler)", h.calls)
	}
}

func TestUnknownJobTypeDeadImmediately(t *testing.T) {
	w, st, _ := testWorker(t)
	if _, err := st.EnqueueJob(context.Background(), store.Job{
		UserID: testUser,
		Type:   "cache.warmup",
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	job := singleJob(t, st)
	if job.Status != store.JobDead {
		t.Fatalf("status = %s, want dead", job.Status)
	}
}

// A panicking handler is contained: the job fails like any error, and the
// transaction rolls its writes back.
func TestPanicRollsBackAndRetries(t *testing.T) {
	h := &fakeHandler{name: "energy_stats", eventType: event.TypeEnergyLogged, panics: true}
	w, st, _ := testWorker(t, h)
	seedEvent(t, st, event.TypeEnergyLogged)

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	job := singleJob(t, st)
	if job.Status != store.JobPending {
		t.Fatalf("status = %s, want pending", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatalf("panic left no error message")
	}
	if _, err := st.Projection(context.Background(), testUser, "energy_stats", "overview"); err != store.ErrNotFound {
		t.Fatalf("partial write survived rollback: %v", err)
	}
}

// Multi-handler dispatch is transactional: when a later handler fails, the
// earlier handler's writes roll back with it.
func TestFailureRollsBackSiblingWrites(t *testing.T) {
	ok := &fakeHandler{name: "energy_stats", eventType: event.TypeEnergyLogged}
	bad := &fakeHandler{name: "energy_trend", eventType: event.TypeEnergyLogged, fail: errors.New("boom")}
	w, st, _ := testWorker(t, ok, bad)
	seedEvent(t, st, event.TypeEnergyLogged)

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if _, err := st.Projection(context.Background(), testUser, "energy_stats", "overview"); err != store.ErrNotFound {
		t.Fatalf("first handler's write survived rollback: %v", err)
	}
}

func TestDeepInsightRecomputesEverything(t *testing.T) {
	a := &fakeHandler{name: "energy_stats", eventType: event.TypeEnergyLogged}
	b := &fakeHandler{name: "sleep_stats", eventType: event.TypeSleepLogged}
	w, st, _ := testWorker(t, a, b)
	if _, err := st.EnqueueJob(context.Background(), store.Job{
		UserID: testUser,
		Type:   store.JobDeepInsight,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", a.calls, b.calls)
	}
}

func TestLogRetentionPrunes(t *testing.T) {
	w, st, c := testWorker(t)
	// A completed job finished 60 days ago.
	old, err := st.EnqueueJob(context.Background(), store.Job{UserID: testUser, Type: store.JobProjectionUpdate})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.RunJob(context.Background(), old, func(store.Ops) error { return nil }); err != nil {
		t.Fatalf("complete: %v", err)
	}
	c.advance(60 * 24 * time.Hour)

	if _, err := st.EnqueueJob(context.Background(), store.Job{Type: store.JobLogRetention}); err != nil {
		t.Fatalf("enqueue retention: %v", err)
	}
	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	for _, job := range st.Jobs() {
		if job.ID == old.ID {
			t.Fatalf("old job survived retention")
		}
	}
}

func TestHardDeletePurgesUser(t *testing.T) {
	h := &fakeHandler{name: "energy_stats", eventType: event.TypeEnergyLogged}
	w, st, _ := testWorker(t, h)
	seedEvent(t, st, event.TypeEnergyLogged)
	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if _, err := st.EnqueueJob(context.Background(), store.Job{
		UserID: testUser,
		Type:   store.JobHardDelete,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	events, err := st.EventsByTypes(context.Background(), testUser)
	if err != nil || len(events) != 0 {
		t.Fatalf("events = %d err = %v, want empty log", len(events), err)
	}
	if _, err := st.Projection(context.Background(), testUser, "energy_stats", "overview"); err != store.ErrNotFound {
		t.Fatalf("projection survived purge: %v", err)
	}
}

func TestMaintenanceCronSpecValidated(t *testing.T) {
	st := store.NewMemory()
	if _, err := NewMaintenance(st, "not a cron spec", zap.NewNop()); err == nil {
		t.Fatalf("invalid cron spec accepted")
	}
	m, err := NewMaintenance(st, "0 3 * * *", zap.NewNop())
	if err != nil {
		t.Fatalf("valid spec rejected: %v", err)
	}
	m.Start()
	m.Stop()
}

func TestBackoffLadder(t *testing.T) {
	for attempt, want := range map[int]time.Duration{
		1: 2 * time.Second,
		2: 4 * time.Second,
		3: 8 * time.Second,
	} {
		if got := backoff(attempt); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	w, _, _ := testWorker(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}
