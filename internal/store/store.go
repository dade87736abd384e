// Package store defines the persistence contract the kura core consumes:
// an append-only event log, derived projections, the background job queue
// and inference-run telemetry. Two implementations exist: Postgres (pgx,
// LISTEN/NOTIFY, SKIP LOCKED claims) and Memory (tests and embedders).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// NotifyChannel is the logical channel job notifications are emitted on.
// The payload is informational only; the queue table stays authoritative.
const NotifyChannel = "kura_jobs"

// JobStatus is the lifecycle state of a background job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobDead       JobStatus = "dead"
)

// Well-known job types.
const (
	JobProjectionUpdate = "projection.update"
	JobDeepInsight      = "analysis.deep_insight"
	JobLogRetention     = "maintenance.log_retention"
	JobHardDelete       = "account.hard_delete"
)

// Job is one unit of background work.
type Job struct {
	ID           string
	UserID       string
	Type         string
	Payload      payload.Doc
	Status       JobStatus
	Attempt      int
	MaxRetries   int
	ScheduledFor time.Time
	Priority     int
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Projection is one derived read-model row, keyed (user, type, key).
type Projection struct {
	UserID      string
	Type        string
	Key         string
	Data        payload.Doc
	Version     int64
	LastEventID string
	UpdatedAt   time.Time
}

// InferenceRun is append-only telemetry for one inference engine invocation.
type InferenceRun struct {
	UserID        string
	ProjType      string
	Key           string
	Engine        string
	Status        string
	Diagnostics   payload.Doc
	ErrorMessage  string
	ErrorTaxonomy string
	StartedAt     time.Time
	CompletedAt   time.Time
}

// Ops is the operation set available inside a transaction. Handlers receive
// an Ops scoped to the per-job transaction; everything they read and write
// commits or rolls back atomically with the job outcome.
type Ops interface {
	// AppendEvents persists drafts for a user, deduplicating per user by
	// metadata.idempotency_key. Each inserted event enqueues one
	// projection.update job and a notification fires after commit. Returns
	// the inserted events (skipped duplicates are absent).
	AppendEvents(ctx context.Context, userID string, drafts []event.Draft) ([]event.Event, error)

	// EventsByTypes returns the user's events of the given types in
	// (timestamp, id) ascending order. No types means all events.
	EventsByTypes(ctx context.Context, userID string, types ...string) ([]event.Event, error)

	// UpsertProjection writes a projection row, incrementing its version.
	UpsertProjection(ctx context.Context, userID, projType, key string, data payload.Doc, lastEventID string) (Projection, error)

	// DeleteProjection removes a projection row; deleting an absent row is
	// not an error.
	DeleteProjection(ctx context.Context, userID, projType, key string) error

	// Projection fetches one row or ErrNotFound.
	Projection(ctx context.Context, userID, projType, key string) (Projection, error)

	// ProjectionsByType returns the user's rows of one projection type,
	// ordered by key.
	ProjectionsByType(ctx context.Context, userID, projType string) ([]Projection, error)

	// ProjectionsForUser returns all the user's rows ordered by (type, key).
	ProjectionsForUser(ctx context.Context, userID string) ([]Projection, error)

	// EnqueueJob adds a job to the queue and fires a notification.
	EnqueueJob(ctx context.Context, job Job) (Job, error)

	// RecordInferenceRun appends one telemetry row.
	RecordInferenceRun(ctx context.Context, run InferenceRun) error
}

// Store is the full contract, adding queue claiming, per-job transactions,
// notification waits and maintenance to Ops. Ops calls outside RunJob
// auto-commit.
type Store interface {
	Ops

	// ClaimJobs atomically transitions up to limit pending, due jobs to
	// processing, ordered by (scheduled_for, priority DESC, id), skipping
	// rows locked by concurrent workers. Claims commit immediately and
	// increment each job's attempt counter.
	ClaimJobs(ctx context.Context, limit int, now time.Time) ([]Job, error)

	// RunJob runs fn inside one transaction and, when fn succeeds, marks
	// the job completed in that same transaction. On error everything fn
	// did rolls back and the job is left processing for the caller to
	// retry or dead-letter.
	RunJob(ctx context.Context, job Job, fn func(Ops) error) error

	// MarkJobRetry returns a processing job to pending with an error
	// message and a new scheduled time.
	MarkJobRetry(ctx context.Context, job Job, errMsg string, runAt time.Time) error

	// MarkJobDead dead-letters a job.
	MarkJobDead(ctx context.Context, job Job, errMsg string) error

	// WaitForJobs blocks until a job notification arrives, the timeout
	// elapses or ctx is done. A nil return means "possibly work to do".
	WaitForJobs(ctx context.Context, timeout time.Duration) error

	// InferenceRuns returns the user's telemetry rows, oldest first.
	InferenceRuns(ctx context.Context, userID string) ([]InferenceRun, error)

	// PruneJobs deletes completed and dead jobs finished before cutoff.
	PruneJobs(ctx context.Context, cutoff time.Time) (int64, error)

	// PruneInferenceRuns deletes telemetry completed before cutoff.
	PruneInferenceRuns(ctx context.Context, cutoff time.Time) (int64, error)

	// PurgeUser hard-deletes every row belonging to the user.
	PurgeUser(ctx context.Context, userID string) error

	// Close releases connections.
	Close()
}

// ProjectionUpdatePayload builds the payload for a projection.update job.
func ProjectionUpdatePayload(e event.Event) payload.Doc {
	return payload.Doc{
		"event_id":   e.ID,
		"event_type": e.Type,
	}
}
