package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kurahq/kura/internal/store"
)

// Maintenance enqueues recurring upkeep jobs on a cron schedule. The cron
// only enqueues; the jobs run through the normal queue so they share its
// retry ladder and observability.
type Maintenance struct {
	cron  *cron.Cron
	store store.Store
	log   *zap.Logger
}

// NewMaintenance schedules the retention job with the given cron spec
// (standard five-field syntax).
func NewMaintenance(st store.Store, spec string, log *zap.Logger) (*Maintenance, error) {
	m := &Maintenance{cron: cron.New(), store: st, log: log}
	if _, err := m.cron.AddFunc(spec, m.enqueueRetention); err != nil {
		return nil, fmt.Errorf("maintenance cron %q: %w", spec, err)
	}
	return m, nil
}

func (m *Maintenance) enqueueRetention() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	job, err := m.store.EnqueueJob(ctx, store.Job{
		Type:       store.JobLogRetention,
		MaxRetries: 1,
	})
	if err != nil {
		m.log.Error("enqueue retention job", zap.Error(err))
		return
	}
	m.log.Info("retention job enqueued", zap.String("job_id", job.ID))
}

// Start begins the schedule.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts the schedule; running enqueues finish.
func (m *Maintenance) Stop() { m.cron.Stop() }
