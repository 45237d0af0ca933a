package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"tracking-scan-service/internal/config"
	"tracking-scan-service/internal/models"
	"tracking-scan-service/internal/store"
	"tracking-scan-service/internal/telemetry"
)

// SyncStore is the slice of the store the worker needs.
type SyncStore interface {
	GetQueueJob(ctx context.Context, id string) (models.QueueJob, error)
	TrackingsByIDs(ctx context.Context, ids []string) (map[string]models.Tracking, error)
	BeginSync(ctx context.Context, jobID, trackingID string) error
	CompleteSyncJob(ctx context.Context, job models.QueueJob, ext store.ExternalIDs) error
	FailSyncJob(ctx context.Context, job models.QueueJob, msg string) error
	RetrySyncJob(ctx context.Context, jobID, msg string) error
	MarkQueueJobsFailed(ctx context.Context, ids []string, msg string) error
}

// JobQueue is the slice of the Redis queue the worker needs.
type JobQueue interface {
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, batchID, jobID string) error
	Schedule(ctx context.Context, jobID string, runAt time.Time) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ReadyDepth(ctx context.Context) (int64, error)
}

// Processor drives the sync worker loop: lease a job, push its tracking
// definition to the external platforms, record the outcome.
type Processor struct {
	cfg    config.Config
	queue  JobQueue
	store  SyncStore
	client SyncClient
	log    zerolog.Logger
}

func NewProcessor(cfg config.Config, q JobQueue, st SyncStore, client SyncClient, log zerolog.Logger) *Processor {
	return &Processor{
		cfg:    cfg,
		queue:  q,
		store:  st,
		client: client,
		log:    log,
	}
}

// Run polls until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if worked, err := p.Tick(ctx); err != nil || !worked {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// Tick performs one poll iteration. It reports whether a job was handled
// so Run can skip the idle sleep while the queue has work.
func (p *Processor) Tick(ctx context.Context) (bool, error) {
	now := time.Now()
	_, _ = p.queue.PromoteScheduled(ctx, now, 100)
	if reclaimed, _ := p.queue.RequeueExpired(ctx, now, 100); len(reclaimed) > 0 {
		telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
		for _, id := range reclaimed {
			_ = p.store.RetrySyncJob(ctx, id, "visibility lease expired")
		}
		p.log.Warn().Int("count", len(reclaimed)).Msg("reclaimed expired sync leases")
	}
	if depth, err := p.queue.ReadyDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}

	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil {
		return false, err
	}
	if jobID == "" {
		return false, nil
	}

	job, err := p.store.GetQueueJob(ctx, jobID)
	if err != nil {
		// Redis outlived the row; drop the orphan.
		_ = p.queue.Ack(ctx, "", jobID)
		p.log.Warn().Str("job_id", jobID).Err(err).Msg("dropping job with no row")
		return true, nil
	}
	if job.Status == models.JobCompleted || job.Status == models.JobFailed {
		_ = p.queue.Ack(ctx, job.BatchID, jobID)
		return true, nil
	}
	if job.BatchStatus == models.BatchCancelled {
		_ = p.store.MarkQueueJobsFailed(ctx, []string{job.ID}, "batch cancelled")
		_ = p.queue.Ack(ctx, job.BatchID, jobID)
		p.log.Info().Str("job_id", jobID).Str("batch_id", job.BatchID).Msg("skipping job from cancelled batch")
		return true, nil
	}

	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	if err := p.store.BeginSync(ctx, job.ID, job.TrackingID); err != nil {
		return true, err
	}

	ext, err := p.syncTracking(ctx, job)
	if err == nil {
		if err := p.store.CompleteSyncJob(ctx, job, ext); err != nil {
			return true, err
		}
		_ = p.queue.Ack(ctx, job.BatchID, job.ID)
		telemetry.SyncSuccess.Inc()
		p.log.Info().Str("job_id", job.ID).Str("tracking_id", job.TrackingID).Msg("tracking synced")
		return true, nil
	}

	attempts := job.Attempts + 1
	if attempts >= p.cfg.SyncMaxAttempts {
		if ferr := p.store.FailSyncJob(ctx, job, err.Error()); ferr != nil {
			return true, ferr
		}
		_ = p.queue.Ack(ctx, job.BatchID, job.ID)
		telemetry.SyncFailures.Inc()
		p.log.Error().Str("job_id", job.ID).Str("tracking_id", job.TrackingID).
			Int("attempts", attempts).Err(err).Msg("tracking sync failed permanently")
		return true, nil
	}

	backoff := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	_ = p.store.RetrySyncJob(ctx, job.ID, err.Error())
	_ = p.queue.Schedule(ctx, job.ID, time.Now().Add(backoff))
	p.log.Warn().Str("job_id", job.ID).Int("attempts", attempts).
		Dur("backoff", backoff).Err(err).Msg("tracking sync retry scheduled")
	return true, nil
}

func (p *Processor) syncTracking(ctx context.Context, job models.QueueJob) (store.ExternalIDs, error) {
	trackings, err := p.store.TrackingsByIDs(ctx, []string{job.TrackingID})
	if err != nil {
		return store.ExternalIDs{}, fmt.Errorf("load tracking: %w", err)
	}
	tracking, ok := trackings[job.TrackingID]
	if !ok {
		return store.ExternalIDs{}, fmt.Errorf("tracking %s not found", job.TrackingID)
	}
	return p.client.Sync(ctx, tracking)
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
