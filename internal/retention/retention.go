package retention

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "0 0 3 * * *"

// Pruner deletes readings created before cutoff and reports how many went.
type Pruner interface {
	DeleteReadingsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Job struct {
	pruner   Pruner
	maxAge   time.Duration
	schedule string
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New returns nil when maxAge is zero or negative; a nil *Job is a no-op.
func New(p Pruner, maxAge time.Duration, schedule string) *Job {
	if maxAge <= 0 {
		return nil
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Job{pruner: p, maxAge: maxAge, schedule: schedule, now: time.Now}
}

// RunOnce prunes everything older than maxAge.
func (j *Job) RunOnce(ctx context.Context) (int64, error) {
	if j == nil {
		return 0, nil
	}
	cutoff := j.now().UTC().Add(-j.maxAge)
	n, err := j.pruner.DeleteReadingsBefore(ctx, cutoff)
	if err != nil {
		slog.Error("retention prune failed", "cutoff", cutoff, "error", err)
		return 0, err
	}
	if n > 0 {
		slog.Info("retention pruned readings", "deleted", n, "cutoff", cutoff)
	}
	return n, nil
}

// Start schedules RunOnce on the cron spec (seconds field included). ctx bounds each run.
func (j *Job) Start(ctx context.Context) error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		return nil
	}
	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(j.schedule, func() {
		_, _ = j.RunOnce(ctx)
	}); err != nil {
		return fmt.Errorf("retention schedule %q: %w", j.schedule, err)
	}
	c.Start()
	j.cron = c
	slog.Info("retention scheduled", "schedule", j.schedule, "max_age", j.maxAge.String())
	return nil
}

func (j *Job) Stop() {
	if j == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cron != nil {
		<-j.cron.Stop().Done()
		j.cron = nil
	}
}
