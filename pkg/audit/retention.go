package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Purger deletes stored events
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// Archiver copies events somewhere durable before they are purged
type Archiver interface {
	Archive(ctx context.Context, before time.Time) (int, error)
}

// RetentionJob archives then purges expired events on a cron schedule
type RetentionJob struct {
	policy   RetentionPolicy
	purger   Purger
	archiver Archiver
	logger   *observability.Logger
	now      func() time.Time

	cron *cron.Cron
}

// NewRetentionJob creates a job. archiver may be nil.
func NewRetentionJob(policy RetentionPolicy, purger Purger, archiver Archiver, logger *observability.Logger) *RetentionJob {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &RetentionJob{
		policy:   policy,
		purger:   purger,
		archiver: archiver,
		logger:   logger,
		now:      time.Now,
	}
}

// RunOnce applies the policy once. A failed archive skips the purge so no
// event is deleted before it has been copied.
func (j *RetentionJob) RunOnce(ctx context.Context) error {
	cutoff := j.policy.Cutoff(j.now())

	if j.policy.ArchiveEnabled && j.archiver != nil {
		n, err := j.archiver.Archive(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("audit archive failed after %d events: %w", n, err)
		}
		j.logger.WithField("events", n).Info("Archived audit events")
	}

	purged, err := j.purger.Purge(ctx, cutoff)
	if err != nil {
		return err
	}
	j.logger.WithFields(map[string]interface{}{
		"events": purged,
		"cutoff": cutoff.Format(time.RFC3339),
	}).Info("Purged audit events")
	return nil
}

// Start schedules the job. The context bounds each run.
func (j *RetentionJob) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		defer observability.RecoverPanic(j.logger, "audit retention")
		if err := j.RunOnce(ctx); err != nil {
			j.logger.WithError(err).Error("Audit retention run failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", schedule, err)
	}
	j.cron = c
	c.Start()
	return nil
}

// Stop halts scheduling and waits for a running job to finish
func (j *RetentionJob) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
}
