package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kurahq/kura/internal/event"
	"github.com/kurahq/kura/internal/payload"
)

// listenReconnectBackoff is how long a dropped LISTEN connection stays down
// before a reconnect is attempted.
const listenReconnectBackoff = 5 * time.Second

// workerRole is the database role workers elevate to; it may read events and
// projections across users. Writes that append events stamp the acting user
// via app.current_user_id instead.
const workerRole = "kura_worker"

// Postgres is the production Store on pgx. Job claims use FOR UPDATE SKIP
// LOCKED so concurrent workers never block on each other; job notifications
// ride LISTEN/NOTIFY on the kura_jobs channel.
type Postgres struct {
	pool   *pgxpool.Pool
	dsn    string
	logger *zap.Logger

	// JobMaxRetries is stamped onto jobs enqueued by AppendEvents.
	JobMaxRetries int

	listenMu      sync.Mutex
	listenConn    *pgx.Conn
	nextReconnect time.Time
}

// NewPostgres connects a pool, elevates new connections to the worker role
// and verifies connectivity.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if _, err := conn.Exec(ctx, "SET ROLE "+workerRole); err != nil {
			return fmt.Errorf("set worker role: %w", err)
		}
		return nil
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{
		pool:          pool,
		dsn:           dsn,
		logger:        logger,
		JobMaxRetries: 3,
	}, nil
}

var _ Store = (*Postgres)(nil)

// querier is satisfied by both pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// txOps scopes Ops to one open transaction.
type txOps struct {
	p  *Postgres
	tx pgx.Tx
}

var _ Ops = txOps{}

func (o txOps) AppendEvents(ctx context.Context, userID string, drafts []event.Draft) ([]event.Event, error) {
	return o.p.appendEvents(ctx, o.tx, userID, drafts)
}

func (o txOps) EventsByTypes(ctx context.Context, userID string, types ...string) ([]event.Event, error) {
	return o.p.eventsByTypes(ctx, o.tx, userID, types...)
}

func (o txOps) UpsertProjection(ctx context.Context, userID, projType, key string, data payload.Doc, lastEventID string) (Projection, error) {
	return o.p.upsertProjection(ctx, o.tx, userID, projType, key, data, lastEventID)
}

func (o txOps) DeleteProjection(ctx context.Context, userID, projType, key string) error {
	return o.p.deleteProjection(ctx, o.tx, userID, projType, key)
}

func (o txOps) Projection(ctx context.Context, userID, projType, key string) (Projection, error) {
	return o.p.projection(ctx, o.tx, userID, projType, key)
}

func (o txOps) ProjectionsByType(ctx context.Context, userID, projType string) ([]Projection, error) {
	return o.p.projectionsByType(ctx, o.tx, userID, projType)
}

func (o txOps) ProjectionsForUser(ctx context.Context, userID string) ([]Projection, error) {
	return o.p.projectionsForUser(ctx, o.tx, userID)
}

func (o txOps) EnqueueJob(ctx context.Context, job Job) (Job, error) {
	return o.p.enqueueJob(ctx, o.tx, job)
}

func (o txOps) RecordInferenceRun(ctx context.Context, run InferenceRun) error {
	return o.p.recordInferenceRun(ctx, o.tx, run)
}

// Auto-commit Ops on the pool. AppendEvents needs a transaction for the
// current_user_id stamp, so it opens one of its own.

func (p *Postgres) AppendEvents(ctx context.Context, userID string, drafts []event.Draft) ([]event.Event, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted, err := p.appendEvents(ctx, tx, userID, drafts)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append: %w", err)
	}
	return inserted, nil
}

func (p *Postgres) EventsByTypes(ctx context.Context, userID string, types ...string) ([]event.Event, error) {
	return p.eventsByTypes(ctx, p.pool, userID, types...)
}

func (p *Postgres) UpsertProjection(ctx context.Context, userID, projType, key string, data payload.Doc, lastEventID string) (Projection, error) {
	return p.upsertProjection(ctx, p.pool, userID, projType, key, data, lastEventID)
}

func (p *Postgres) DeleteProjection(ctx context.Context, userID, projType, key string) error {
	return p.deleteProjection(ctx, p.pool, userID, projType, key)
}

func (p *Postgres) Projection(ctx context.Context, userID, projType, key string) (Projection, error) {
	return p.projection(ctx, p.pool, userID, projType, key)
}

func (p *Postgres) ProjectionsByType(ctx context.Context, userID, projType string) ([]Projection, error) {
	return p.projectionsByType(ctx, p.pool, userID, projType)
}

func (p *Postgres) ProjectionsForUser(ctx context.Context, userID string) ([]Projection, error) {
	return p.projectionsForUser(ctx, p.pool, userID)
}

func (p *Postgres) EnqueueJob(ctx context.Context, job Job) (Job, error) {
	return p.enqueueJob(ctx, p.pool, job)
}

func (p *Postgres) RecordInferenceRun(ctx context.Context, run InferenceRun) error {
	return p.recordInferenceRun(ctx, p.pool, run)
}

func (p *Postgres) appendEvents(ctx context.Context, tx pgx.Tx, userID string, drafts []event.Draft) ([]event.Event, error) {
	// Row-level scoping: the writer path acts as the user.
	if _, err := tx.Exec(ctx, `SELECT set_config('app.current_user_id', $1, true)`, userID); err != nil {
		return nil, fmt.Errorf("bind current user: %w", err)
	}

	var inserted []event.Event
	for _, d := range drafts {
		if key := d.IdempotencyKey(); key != "" {
			var dup bool
			err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM events WHERE user_id = $1 AND metadata->>'idempotency_key' = $2)`,
				userID, key).Scan(&dup)
			if err != nil {
				return nil, fmt.Errorf("check idempotency key: %w", err)
			}
			if dup {
				continue
			}
		}
		ts := d.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		e := event.Event{
			ID:        uuid.NewString(),
			UserID:    userID,
			Timestamp: ts.UTC(),
			Type:      d.Type,
			Data:      d.Data,
			Metadata:  d.Metadata,
		}
		dataRaw, err := e.Data.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode event data: %w", err)
		}
		metaRaw, err := e.Metadata.Marshal()
		if err != nil {
			return nil, fmt.Errorf("encode event metadata: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO events (id, user_id, timestamp, event_type, data, metadata)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.ID, e.UserID, e.Timestamp, e.Type, dataRaw, metaRaw); err != nil {
			return nil, fmt.Errorf("insert event: %w", err)
		}
		inserted = append(inserted, e)

		job := Job{
			UserID:       userID,
			Type:         JobProjectionUpdate,
			Payload:      ProjectionUpdatePayload(e),
			MaxRetries:   p.JobMaxRetries,
			ScheduledFor: e.Timestamp,
		}
		if _, err := p.enqueueJob(ctx, tx, job); err != nil {
			return nil, err
		}
	}
	return inserted, nil
}

func (p *Postgres) eventsByTypes(ctx context.Context, q querier, userID string, types ...string) ([]event.Event, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if len(types) == 0 {
		rows, err = q.Query(ctx,
			`SELECT id, user_id, timestamp, event_type, data, metadata
			 FROM events WHERE user_id = $1
			 ORDER BY timestamp ASC, id ASC`, userID)
	} else {
		rows, err = q.Query(ctx,
			`SELECT id, user_id, timestamp, event_type, data, metadata
			 FROM events WHERE user_id = $1 AND event_type = ANY($2)
			 ORDER BY timestamp ASC, id ASC`, userID, types)
	}
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			e        event.Event
			dataRaw  []byte
			metaRaw  []byte
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Timestamp, &e.Type, &dataRaw, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if e.Data, err = payload.Unmarshal(dataRaw); err != nil {
			return nil, fmt.Errorf("event %s data: %w", e.ID, err)
		}
		if e.Metadata, err = payload.Unmarshal(metaRaw); err != nil {
			return nil, fmt.Errorf("event %s metadata: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) upsertProjection(ctx context.Context, q querier, userID, projType, key string, data payload.Doc, lastEventID string) (Projection, error) {
	raw, err := data.Marshal()
	if err != nil {
		return Projection{}, fmt.Errorf("encode projection: %w", err)
	}
	row := Projection{UserID: userID, Type: projType, Key: key, Data: data, LastEventID: lastEventID}
	err = q.QueryRow(ctx,
		`INSERT INTO projections (user_id, projection_type, key, data, version, last_event_id, updated_at)
		 VALUES ($1, $2, $3, $4, 1, $5, now())
		 ON CONFLICT (user_id, projection_type, key) DO UPDATE
		 SET data = EXCLUDED.data,
		     version = projections.version + 1,
		     last_event_id = EXCLUDED.last_event_id,
		     updated_at = now()
		 RETURNING version, updated_at`,
		userID, projType, key, raw, lastEventID).Scan(&row.Version, &row.UpdatedAt)
	if err != nil {
		return Projection{}, fmt.Errorf("upsert projection %s/%s: %w", projType, key, err)
	}
	return row, nil
}

func (p *Postgres) deleteProjection(ctx context.Context, q querier, userID, projType, key string) error {
	_, err := q.Exec(ctx,
		`DELETE FROM projections WHERE user_id = $1 AND projection_type = $2 AND key = $3`,
		userID, projType, key)
	if err != nil {
		return fmt.Errorf("delete projection %s/%s: %w", projType, key, err)
	}
	return nil
}

func (p *Postgres) projection(ctx context.Context, q querier, userID, projType, key string) (Projection, error) {
	row := Projection{UserID: userID, Type: projType, Key: key}
	var raw []byte
	err := q.QueryRow(ctx,
		`SELECT data, version, last_event_id, updated_at
		 FROM projections WHERE user_id = $1 AND projection_type = $2 AND key = $3`,
		userID, projType, key).Scan(&raw, &row.Version, &row.LastEventID, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Projection{}, ErrNotFound
	}
	if err != nil {
		return Projection{}, fmt.Errorf("query projection %s/%s: %w", projType, key, err)
	}
	if row.Data, err = payload.Unmarshal(raw); err != nil {
		return Projection{}, fmt.Errorf("projection %s/%s data: %w", projType, key, err)
	}
	return row, nil
}

func (p *Postgres) projectionsByType(ctx context.Context, q querier, userID, projType string) ([]Projection, error) {
	rows, err := q.Query(ctx,
		`SELECT key, data, version, last_event_id, updated_at
		 FROM projections WHERE user_id = $1 AND projection_type = $2
		 ORDER BY key`, userID, projType)
	if err != nil {
		return nil, fmt.Errorf("query projections: %w", err)
	}
	defer rows.Close()

	var out []Projection
	for rows.Next() {
		row := Projection{UserID: userID, Type: projType}
		var raw []byte
		if err := rows.Scan(&row.Key, &raw, &row.Version, &row.LastEventID, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		if row.Data, err = payload.Unmarshal(raw); err != nil {
			return nil, fmt.Errorf("projection %s/%s data: %w", projType, row.Key, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) projectionsForUser(ctx context.Context, q querier, userID string) ([]Projection, error) {
	rows, err := q.Query(ctx,
		`SELECT projection_type, key, data, version, last_event_id, updated_at
		 FROM projections WHERE user_id = $1
		 ORDER BY projection_type, key`, userID)
	if err != nil {
		return nil, fmt.Errorf("query projections: %w", err)
	}
	defer rows.Close()

	var out []Projection
	for rows.Next() {
		row := Projection{UserID: userID}
		var raw []byte
		if err := rows.Scan(&row.Type, &row.Key, &raw, &row.Version, &row.LastEventID, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan projection: %w", err)
		}
		if row.Data, err = payload.Unmarshal(raw); err != nil {
			return nil, fmt.Errorf("projection %s/%s data: %w", row.Type, row.Key, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *Postgres) enqueueJob(ctx context.Context, q querier, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = JobPending
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = p.JobMaxRetries
	}
	if job.ScheduledFor.IsZero() {
		job.ScheduledFor = time.Now().UTC()
	}
	raw, err := job.Payload.Marshal()
	if err != nil {
		return Job{}, fmt.Errorf("encode job payload: %w", err)
	}
	err = q.QueryRow(ctx,
		`INSERT INTO background_jobs
		   (id, user_id, job_type, payload, status, attempt, max_retries, scheduled_for, priority, created_at)
		 VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, now())
		 RETURNING created_at`,
		job.ID, job.UserID, job.Type, raw, job.Status, job.MaxRetries, job.ScheduledFor, job.Priority).
		Scan(&job.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue job: %w", err)
	}
	if _, err := q.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, job.Type); err != nil {
		return Job{}, fmt.Errorf("notify jobs: %w", err)
	}
	return job, nil
}

func (p *Postgres) recordInferenceRun(ctx context.Context, q querier, run InferenceRun) error {
	raw, err := run.Diagnostics.Marshal()
	if err != nil {
		return fmt.Errorf("encode diagnostics: %w", err)
	}
	_, err = q.Exec(ctx,
		`INSERT INTO inference_runs
		   (user_id, projection_type, key, engine, status, diagnostics, error_message, error_taxonomy, started_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.UserID, run.ProjType, run.Key, run.Engine, run.Status, raw,
		run.ErrorMessage, run.ErrorTaxonomy, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("record inference run: %w", err)
	}
	return nil
}

// ClaimJobs implements Store. The claim transaction commits before any
// handler runs, so claims survive a worker crash.
func (p *Postgres) ClaimJobs(ctx context.Context, limit int, now time.Time) ([]Job, error) {
	rows, err := p.pool.Query(ctx,
		`UPDATE background_jobs
		 SET status = 'processing', started_at = $2, attempt = attempt + 1
		 WHERE id IN (
		   SELECT id FROM background_jobs
		   WHERE status = 'pending' AND scheduled_for <= $2
		   ORDER BY scheduled_for, priority DESC, id
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING id, user_id, job_type, payload, status, attempt, max_retries,
		           scheduled_for, priority, COALESCE(error_message, ''), created_at, started_at`,
		limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			job Job
			raw []byte
		)
		if err := rows.Scan(&job.ID, &job.UserID, &job.Type, &raw, &job.Status, &job.Attempt,
			&job.MaxRetries, &job.ScheduledFor, &job.Priority, &job.ErrorMessage,
			&job.CreatedAt, &job.StartedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		if job.Payload, err = payload.Unmarshal(raw); err != nil {
			return nil, fmt.Errorf("job %s payload: %w", job.ID, err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// RunJob implements Store.
func (p *Postgres) RunJob(ctx context.Context, job Job, fn func(Ops) error) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin job tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(txOps{p: p, tx: tx}); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE background_jobs
		 SET status = 'completed', completed_at = now(), error_message = NULL
		 WHERE id = $1`, job.ID); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit job: %w", err)
	}
	return nil
}

// MarkJobRetry implements Store.
func (p *Postgres) MarkJobRetry(ctx context.Context, job Job, errMsg string, runAt time.Time) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE background_jobs
		 SET status = 'pending', error_message = $2, scheduled_for = $3
		 WHERE id = $1`, job.ID, errMsg, runAt)
	if err != nil {
		return fmt.Errorf("mark job retry: %w", err)
	}
	return nil
}

// MarkJobDead implements Store.
func (p *Postgres) MarkJobDead(ctx context.Context, job Job, errMsg string) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE background_jobs
		 SET status = 'dead', error_message = $2, completed_at = now()
		 WHERE id = $1`, job.ID, errMsg)
	if err != nil {
		return fmt.Errorf("mark job dead: %w", err)
	}
	return nil
}

// WaitForJobs implements Store using a dedicated LISTEN connection. A
// dropped connection is retried after a fixed backoff; while down, the wait
// degrades to a plain sleep so the poll path keeps the worker live.
func (p *Postgres) WaitForJobs(ctx context.Context, timeout time.Duration) error {
	conn := p.acquireListener(ctx)
	if conn == nil {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	_, err := conn.WaitForNotification(waitCtx)
	if err == nil || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	p.dropListener(conn)
	p.logger.Warn("listen connection lost", zap.Error(err))
	return nil
}

func (p *Postgres) acquireListener(ctx context.Context) *pgx.Conn {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()

	if p.listenConn != nil {
		return p.listenConn
	}
	if time.Now().Before(p.nextReconnect) {
		return nil
	}
	conn, err := pgx.Connect(ctx, p.dsn)
	if err != nil {
		p.nextReconnect = time.Now().Add(listenReconnectBackoff)
		p.logger.Warn("listen connect failed", zap.Error(err))
		return nil
	}
	if _, err := conn.Exec(ctx, "LISTEN "+NotifyChannel); err != nil {
		conn.Close(ctx)
		p.nextReconnect = time.Now().Add(listenReconnectBackoff)
		p.logger.Warn("listen failed", zap.Error(err))
		return nil
	}
	p.listenConn = conn
	return conn
}

func (p *Postgres) dropListener(conn *pgx.Conn) {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	if p.listenConn == conn {
		p.listenConn = nil
		p.nextReconnect = time.Now().Add(listenReconnectBackoff)
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	conn.Close(closeCtx)
}

// InferenceRuns implements Store.
func (p *Postgres) InferenceRuns(ctx context.Context, userID string) ([]InferenceRun, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT user_id, projection_type, key, engine, status, diagnostics,
		        COALESCE(error_message, ''), COALESCE(error_taxonomy, ''), started_at, completed_at
		 FROM inference_runs WHERE user_id = $1
		 ORDER BY started_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query inference runs: %w", err)
	}
	defer rows.Close()

	var out []InferenceRun
	for rows.Next() {
		var (
			run InferenceRun
			raw []byte
		)
		if err := rows.Scan(&run.UserID, &run.ProjType, &run.Key, &run.Engine, &run.Status,
			&raw, &run.ErrorMessage, &run.ErrorTaxonomy, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan inference run: %w", err)
		}
		if run.Diagnostics, err = payload.Unmarshal(raw); err != nil {
			return nil, fmt.Errorf("inference run diagnostics: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// PruneJobs implements Store.
func (p *Postgres) PruneJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM background_jobs
		 WHERE status IN ('completed', 'dead') AND completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PruneInferenceRuns implements Store.
func (p *Postgres) PruneInferenceRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM inference_runs WHERE completed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune inference runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeUser implements Store. Processing jobs are left for their worker to
// finish; everything else the user owns is removed.
func (p *Postgres) PurgeUser(ctx context.Context, userID string) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, stmt := range []string{
		`DELETE FROM events WHERE user_id = $1`,
		`DELETE FROM projections WHERE user_id = $1`,
		`DELETE FROM inference_runs WHERE user_id = $1`,
		`DELETE FROM background_jobs WHERE user_id = $1 AND status <> 'processing'`,
	} {
		if _, err := tx.Exec(ctx, stmt, userID); err != nil {
			return fmt.Errorf("purge user: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit purge: %w", err)
	}
	return nil
}

// Close implements Store.
func (p *Postgres) Close() {
	p.listenMu.Lock()
	if p.listenConn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		p.listenConn.Close(closeCtx)
		cancel()
		p.listenConn = nil
	}
	p.listenMu.Unlock()
	p.pool.Close()
}
