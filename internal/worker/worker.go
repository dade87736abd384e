// Package worker drains the background job queue: it claims due jobs,
// routes them to projection handlers inside per-job transactions and
// applies the retry ladder. One worker process can run many goroutines of
// Run against the same store; SKIP LOCKED claiming keeps them disjoint.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kurahq/kura/internal/config"
	"github.com/kurahq/kura/internal/metrics"
	"github.com/kurahq/kura/internal/projection"
	"github.com/kurahq/kura/internal/registry"
	"github.com/kurahq/kura/internal/store"
	"github.com/kurahq/kura/internal/telemetry"
)

// errUnknownJobType dead-letters immediately; retrying cannot help.
var errUnknownJobType = errors.New("unknown job type")

// Worker claims and processes queue jobs.
type Worker struct {
	store    store.Store
	registry *registry.Registry
	custom   *projection.CustomEngine
	cfg      config.Config
	log      *zap.Logger

	// now is overridable for deterministic retry schedules in tests.
	now func() time.Time
}

// New creates a worker over a sealed registry. custom may be nil when no
// rule engine is wired.
func New(st store.Store, reg *registry.Registry, custom *projection.CustomEngine, cfg config.Config, log *zap.Logger) *Worker {
	return &Worker{
		store:    st,
		registry: reg,
		custom:   custom,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Run processes jobs until ctx is cancelled. Between batches it blocks on
// the store's job notification with the poll interval as an upper bound, so
// a LISTEN/NOTIFY wakeup and a plain poll tick look the same here.
func (w *Worker) Run(ctx context.Context) error {
	wait := time.Duration(w.cfg.PollIntervalSeconds * float64(time.Second))
	w.log.Info("worker started",
		zap.Int("batch_size", w.cfg.BatchSize),
		zap.Duration("poll_interval", wait))
	for {
		if err := ctx.Err(); err != nil {
			w.log.Info("worker stopping", zap.Error(err))
			return err
		}
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			w.log.Error("claim batch", zap.Error(err))
		}
		if n > 0 {
			// Drain without waiting while there is work.
			continue
		}
		_ = w.store.WaitForJobs(ctx, wait)
	}
}

// ProcessBatch claims one batch of due jobs and processes each to a
// terminal or rescheduled state. Returns the number of claimed jobs.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := w.store.ClaimJobs(ctx, w.cfg.BatchSize, w.now())
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job store.Job) {
	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("job_type", job.Type),
		zap.String("user_id", job.UserID),
		zap.Int("attempt", job.Attempt))
	metrics.ActiveJobs.Inc()
	defer metrics.ActiveJobs.Dec()
	metrics.RecordQueueLag(job.Type, w.now().Sub(job.ScheduledFor))

	// The budget check precedes the handler so a poison job cannot burn
	// another attempt.
	if job.Attempt > job.MaxRetries {
		metrics.RecordJob(job.Type, "dead", 0)
		if err := w.store.MarkJobDead(ctx, job, "retry budget exhausted"); err != nil {
			log.Error("dead-letter", zap.Error(err))
			return
		}
		log.Warn("job dead-lettered", zap.String("last_error", job.ErrorMessage))
		return
	}

	spanCtx, span := telemetry.StartJobSpan(ctx, job.Type, job.ID, job.Attempt)
	start := w.now()
	err := w.runJob(spanCtx, job)
	telemetry.EndSpan(span, err)
	duration := w.now().Sub(start)

	switch {
	case err == nil:
		metrics.RecordJob(job.Type, "completed", duration)
		log.Debug("job completed", zap.Duration("duration", duration))
	case errors.Is(err, errUnknownJobType):
		metrics.RecordJob(job.Type, "dead", duration)
		if markErr := w.store.MarkJobDead(ctx, job, err.Error()); markErr != nil {
			log.Error("dead-letter", zap.Error(markErr))
			return
		}
		log.Warn("job dead-lettered", zap.Error(err))
	default:
		delay := backoff(job.Attempt)
		metrics.RecordJob(job.Type, "retried", duration)
		if markErr := w.store.MarkJobRetry(ctx, job, err.Error(), w.now().Add(delay)); markErr != nil {
			log.Error("schedule retry", zap.Error(markErr))
			return
		}
		log.Warn("job failed, retry scheduled",
			zap.Error(err),
			zap.Duration("backoff", delay))
	}
}

// backoff is the exponential retry delay: 2s, 4s, 8s, ...
func backoff(attempt int) time.Duration {
	return time.Duration(math.Pow(2, float64(attempt))) * time.Second
}

// runJob executes the job inside the store's per-job transaction. A handler
// panic is converted to an error so one malformed history cannot take the
// worker down; the transaction rolls back like any other failure.
func (w *Worker) runJob(ctx context.Context, job store.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.store.RunJob(ctx, job, func(tx store.Ops) error {
		return w.dispatch(ctx, job, tx)
	})
}

func (w *Worker) dispatch(ctx context.Context, job store.Job, tx store.Ops) error {
	switch job.Type {
	case store.JobProjectionUpdate:
		return w.projectionUpdate(ctx, job, tx)
	case store.JobDeepInsight:
		return w.deepInsight(ctx, job, tx)
	case store.JobLogRetention:
		return w.logRetention(ctx)
	case store.JobHardDelete:
		return w.hardDelete(ctx, job)
	default:
		return fmt.Errorf("%w: %s", errUnknownJobType, job.Type)
	}
}

// projectionUpdate recomputes every handler subscribed to the event type,
// in registration order, plus any matching custom rules.
func (w *Worker) projectionUpdate(ctx context.Context, job store.Job, tx store.Ops) error {
	req := registry.Request{
		UserID:    job.UserID,
		EventID:   job.Payload.String("event_id"),
		EventType: job.Payload.String("event_type"),
		Tx:        tx,
	}
	for _, h := range w.registry.HandlersFor(req.EventType) {
		if err := w.recompute(ctx, h, req); err != nil {
			return err
		}
	}
	if w.custom != nil {
		if _, err := w.custom.RecomputeMatching(ctx, req); err != nil {
			metrics.RecordRecompute(projection.TypeCustom, "error")
			return fmt.Errorf("custom rules: %w", err)
		}
	}
	return nil
}

// deepInsight recomputes every dimension for the user regardless of event
// type, the full-refresh path behind scheduled insight generation.
func (w *Worker) deepInsight(ctx context.Context, job store.Job, tx store.Ops) error {
	req := registry.Request{
		UserID:  job.UserID,
		EventID: job.Payload.String("event_id"),
		Tx:      tx,
	}
	for _, h := range w.registry.Handlers() {
		if err := w.recompute(ctx, h, req); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) logRetention(ctx context.Context) error {
	cutoff := w.now().AddDate(0, 0, -w.cfg.RetentionDays)
	jobs, err := w.store.PruneJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune jobs: %w", err)
	}
	metrics.RecordPruned("jobs", jobs)
	runs, err := w.store.PruneInferenceRuns(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune inference runs: %w", err)
	}
	metrics.RecordPruned("inference_runs", runs)
	w.log.Info("retention pass complete",
		zap.Int64("jobs_pruned", jobs),
		zap.Int64("inference_runs_pruned", runs),
		zap.Time("cutoff", cutoff))
	return nil
}

func (w *Worker) hardDelete(ctx context.Context, job store.Job) error {
	if job.UserID == "" {
		return fmt.Errorf("%w: hard delete without user id", errUnknownJobType)
	}
	if err := w.store.PurgeUser(ctx, job.UserID); err != nil {
		return fmt.Errorf("purge user: %w", err)
	}
	w.log.Info("user purged", zap.String("user_id", job.UserID))
	return nil
}

func (w *Worker) recompute(ctx context.Context, h registry.Handler, req registry.Request) error {
	name := h.Dimension().Name
	spanCtx, span := telemetry.StartRecomputeSpan(ctx, name, req.EventType)
	err := h.Recompute(spanCtx, req)
	telemetry.EndSpan(span, err)
	if err != nil {
		metrics.RecordRecompute(name, "error")
		return fmt.Errorf("%s: %w", name, err)
	}
	metrics.RecordRecompute(name, "ok")
	return nil
}
