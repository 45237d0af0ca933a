package lifecycle

import (
	"context"

	"github.com/rs/zerolog"

	"tracking-scan-service/internal/models"
	"tracking-scan-service/internal/telemetry"
)

// ReconcileStore is the slice of the store the reconciler needs.
type ReconcileStore interface {
	TrackingsByIDs(ctx context.Context, ids []string) (map[string]models.Tracking, error)
	LatestQueueJobs(ctx context.Context, trackingIDs []string) (map[string]models.QueueJob, error)
	UpdateRecommendationStatuses(ctx context.Context, ids []string, status string, detach bool) error
}

// Reconciler corrects recommendation status to match tracking/job reality.
// It runs as a read-time side effect on every recommendation listing, so
// it must be idempotent, cheap, and safe to run concurrently with the
// sync worker mutating the same tracking and job rows.
type Reconciler struct {
	store ReconcileStore
	log   zerolog.Logger
}

func NewReconciler(st ReconcileStore, log zerolog.Logger) *Reconciler {
	return &Reconciler{store: st, log: log}
}

// verdict groups flips by target status. Every repair flip detaches the
// tracking reference so a later bulk-accept creates a fresh tracking
// instead of reusing a broken one.
type verdict struct {
	repair   []string
	failed   []string
	promoted []string
}

// Reconcile inspects the given recommendations, persists any corrections,
// and returns the slice with corrected statuses. It never deletes data
// and never fails the surrounding read: when truth cannot be resolved the
// recommendation is left in repair, the conservative "needs a human"
// state, and storage errors leave everything untouched.
func (r *Reconciler) Reconcile(ctx context.Context, recs []models.Recommendation) []models.Recommendation {
	var trackingIDs []string
	for _, rec := range recs {
		if rec.TrackingID != nil && (rec.Status == models.RecCreated || rec.Status == models.RecCreating) {
			trackingIDs = append(trackingIDs, *rec.TrackingID)
		}
	}

	needsWork := false
	for _, rec := range recs {
		if rec.Status == models.RecCreated || rec.Status == models.RecCreating {
			needsWork = true
			break
		}
	}
	if !needsWork {
		return recs
	}

	trackings, err := r.store.TrackingsByIDs(ctx, trackingIDs)
	if err != nil {
		r.log.Error().Err(err).Msg("reconcile: load trackings")
		return recs
	}

	// Only genuinely in-flight trackings need job inspection.
	var pendingTrackingIDs []string
	for _, rec := range recs {
		if rec.Status != models.RecCreating || rec.TrackingID == nil {
			continue
		}
		if t, ok := trackings[*rec.TrackingID]; ok &&
			(t.Status == models.TrackingPending || t.Status == models.TrackingCreating) {
			pendingTrackingIDs = append(pendingTrackingIDs, t.ID)
		}
	}
	jobs, err := r.store.LatestQueueJobs(ctx, pendingTrackingIDs)
	if err != nil {
		r.log.Error().Err(err).Msg("reconcile: load queue jobs")
		return recs
	}

	var v verdict
	out := make([]models.Recommendation, len(recs))
	for i, rec := range recs {
		out[i] = r.judge(rec, trackings, jobs, &v)
	}

	r.apply(ctx, v)
	return out
}

// judge decides one recommendation's corrected state and records the flip.
func (r *Reconciler) judge(rec models.Recommendation, trackings map[string]models.Tracking, jobs map[string]models.QueueJob, v *verdict) models.Recommendation {
	switch rec.Status {
	case models.RecCreated:
		return r.judgeCreated(rec, trackings, v)
	case models.RecCreating:
		return r.judgeCreating(rec, trackings, jobs, v)
	}
	return rec
}

// judgeCreated verifies a previously synced recommendation has not
// degraded: the tracking must still exist, be active, and carry every
// external id its destinations require.
func (r *Reconciler) judgeCreated(rec models.Recommendation, trackings map[string]models.Tracking, v *verdict) models.Recommendation {
	if rec.TrackingID == nil {
		return repair(rec, v)
	}
	t, ok := trackings[*rec.TrackingID]
	if !ok {
		return repair(rec, v)
	}
	switch t.Status {
	case models.TrackingActive:
		if !t.SyncComplete() {
			return repair(rec, v)
		}
		return rec
	case models.TrackingFailed, models.TrackingPending:
		return repair(rec, v)
	}
	// creating: the worker is re-syncing it, leave the record as is.
	return rec
}

// judgeCreating settles an in-flight recommendation. Fully synced
// trackings promote to created; explicit failures propagate; everything
// ambiguous (orphaned, stalled under a terminated batch, job missing)
// resolves to repair, never to failed.
func (r *Reconciler) judgeCreating(rec models.Recommendation, trackings map[string]models.Tracking, jobs map[string]models.QueueJob, v *verdict) models.Recommendation {
	if rec.TrackingID == nil {
		return repair(rec, v)
	}
	t, ok := trackings[*rec.TrackingID]
	if !ok {
		return repair(rec, v)
	}

	switch t.Status {
	case models.TrackingFailed:
		v.failed = append(v.failed, rec.ID)
		rec.Status = models.RecFailed
		return rec
	case models.TrackingActive:
		if t.SyncComplete() {
			v.promoted = append(v.promoted, rec.ID)
			rec.Status = models.RecCreated
			return rec
		}
		return repair(rec, v)
	}

	// Tracking still pending/creating: the job decides.
	job, ok := jobs[t.ID]
	if !ok {
		return repair(rec, v)
	}
	if job.Status == models.JobFailed {
		v.failed = append(v.failed, rec.ID)
		rec.Status = models.RecFailed
		return rec
	}
	if batchTerminal(job.BatchStatus) && job.Status != models.JobCompleted {
		return repair(rec, v)
	}
	// Live batch, job queued or processing: legitimately in progress.
	return rec
}

func batchTerminal(status string) bool {
	return status == models.BatchCompleted || status == models.BatchCancelled
}

func repair(rec models.Recommendation, v *verdict) models.Recommendation {
	v.repair = append(v.repair, rec.ID)
	rec.Status = models.RecRepair
	rec.TrackingID = nil
	return rec
}

// apply persists the grouped flips, one bulk update per target status.
func (r *Reconciler) apply(ctx context.Context, v verdict) {
	if len(v.repair) > 0 {
		if err := r.store.UpdateRecommendationStatuses(ctx, v.repair, models.RecRepair, true); err != nil {
			r.log.Error().Err(err).Msg("reconcile: mark repair")
		} else {
			telemetry.ReconcilerRepairs.Add(float64(len(v.repair)))
		}
	}
	if len(v.failed) > 0 {
		if err := r.store.UpdateRecommendationStatuses(ctx, v.failed, models.RecFailed, false); err != nil {
			r.log.Error().Err(err).Msg("reconcile: mark failed")
		} else {
			telemetry.ReconcilerFailures.Add(float64(len(v.failed)))
		}
	}
	if len(v.promoted) > 0 {
		if err := r.store.UpdateRecommendationStatuses(ctx, v.promoted, models.RecCreated, false); err != nil {
			r.log.Error().Err(err).Msg("reconcile: mark created")
		} else {
			telemetry.ReconcilerPromotions.Add(float64(len(v.promoted)))
		}
	}
	if n := len(v.repair) + len(v.failed) + len(v.promoted); n > 0 {
		r.log.Info().
			Int("repair", len(v.repair)).
			Int("failed", len(v.failed)).
			Int("created", len(v.promoted)).
			Msg("reconciled recommendation drift")
	}
}
