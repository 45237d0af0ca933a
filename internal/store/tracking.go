package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"tracking-scan-service/internal/models"
)

// RecommendationFilter narrows ListRecommendations. Empty fields match all.
type RecommendationFilter struct {
	Severity string
	Status   string
	RecType  string
}

// ListRecommendations returns a scan's recommendations, optionally filtered.
func (s *Store) ListRecommendations(ctx context.Context, scanID string, f RecommendationFilter) ([]models.Recommendation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scan_id, page_url, name, rec_type, severity, status, destinations,
		       event_name, selector, selector_confidence, tracking_id, created_at, updated_at
		FROM recommendations
		WHERE scan_id = $1
		  AND ($2 = '' OR severity = $2)
		  AND ($3 = '' OR status = $3)
		  AND ($4 = '' OR rec_type = $4)
		ORDER BY created_at, id
	`, scanID, f.Severity, f.Status, f.RecType)
	if err != nil {
		return nil, fmt.Errorf("query recommendations: %w", err)
	}
	defer rows.Close()
	return collectRecommendations(rows)
}

// RecommendationsByIDs returns the scan's recommendations matching ids.
// Ids belonging to other scans are simply absent from the result.
func (s *Store) RecommendationsByIDs(ctx context.Context, scanID string, ids []string) ([]models.Recommendation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, scan_id, page_url, name, rec_type, severity, status, destinations,
		       event_name, selector, selector_confidence, tracking_id, created_at, updated_at
		FROM recommendations
		WHERE scan_id = $1 AND id = ANY($2)
	`, scanID, ids)
	if err != nil {
		return nil, fmt.Errorf("query recommendations by id: %w", err)
	}
	defer rows.Close()
	return collectRecommendations(rows)
}

func collectRecommendations(rows pgx.Rows) ([]models.Recommendation, error) {
	var recs []models.Recommendation
	for rows.Next() {
		var r models.Recommendation
		if err := rows.Scan(&r.ID, &r.ScanID, &r.PageURL, &r.Name, &r.RecType, &r.Severity,
			&r.Status, &r.Destinations, &r.EventName, &r.Selector, &r.SelectorConfidence,
			&r.TrackingID, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// UpdateRecommendationStatuses flips a group of recommendations to one
// target status with a single statement. When detach is set the tracking
// reference is cleared so a later bulk-accept creates a fresh tracking.
func (s *Store) UpdateRecommendationStatuses(ctx context.Context, ids []string, status string, detach bool) error {
	if len(ids) == 0 {
		return nil
	}
	var err error
	if detach {
		_, err = s.pool.Exec(ctx, `
			UPDATE recommendations SET status = $2, tracking_id = NULL, updated_at = NOW()
			WHERE id = ANY($1)
		`, ids, status)
	} else {
		_, err = s.pool.Exec(ctx, `
			UPDATE recommendations SET status = $2, updated_at = NOW()
			WHERE id = ANY($1)
		`, ids, status)
	}
	if err != nil {
		return fmt.Errorf("update recommendation statuses: %w", err)
	}
	return nil
}

// BatchWrite carries every row produced by one bulk-accept call. Ids are
// assigned by the caller so trackings, jobs, and recommendation updates
// can reference each other before anything is written.
type BatchWrite struct {
	Batch     models.Batch
	Trackings []models.Tracking
	Jobs      []models.QueueJob
	// RecommendationIDs[i] is accepted and linked to Trackings[i].
	RecommendationIDs []string
}

// CreateTrackingBatch persists a bulk-accept as one short transaction:
// batch insert, set-oriented tracking and job inserts via CopyFrom, and a
// single unnest-keyed update flipping the recommendations to creating.
// Per-row statements inside the transaction are deliberately avoided so
// the transaction stays short regardless of batch size.
func (s *Store) CreateTrackingBatch(ctx context.Context, w BatchWrite) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO batches (id, customer_id, scan_id, status, total_jobs, completed_jobs, failed_jobs, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, 0, $6, $6)
	`, w.Batch.ID, w.Batch.CustomerID, w.Batch.ScanID, models.BatchActive, w.Batch.TotalJobs, now)
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}

	trackingRows := make([][]any, len(w.Trackings))
	for i, t := range w.Trackings {
		trackingRows[i] = []any{
			t.ID, t.CustomerID, t.ScanID, t.Name, t.TrackingType, t.Selector,
			t.EventName, t.Destinations, models.TrackingPending, now, now,
		}
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"trackings"},
		[]string{"id", "customer_id", "scan_id", "name", "tracking_type", "selector",
			"event_name", "destinations", "status", "created_at", "updated_at"},
		pgx.CopyFromRows(trackingRows))
	if err != nil {
		return fmt.Errorf("copy trackings: %w", err)
	}

	jobRows := make([][]any, len(w.Jobs))
	for i, j := range w.Jobs {
		jobRows[i] = []any{j.ID, j.BatchID, j.TrackingID, j.RecommendationID, models.JobQueued, 0, now, now}
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"queue_jobs"},
		[]string{"id", "batch_id", "tracking_id", "recommendation_id", "status", "attempts", "created_at", "updated_at"},
		pgx.CopyFromRows(jobRows))
	if err != nil {
		return fmt.Errorf("copy queue jobs: %w", err)
	}

	trackingIDs := make([]string, len(w.Trackings))
	for i, t := range w.Trackings {
		trackingIDs[i] = t.ID
	}
	_, err = tx.Exec(ctx, `
		UPDATE recommendations r
		SET status = $3, tracking_id = u.tracking_id, updated_at = NOW()
		FROM (SELECT unnest($1::text[]) AS id, unnest($2::text[]) AS tracking_id) u
		WHERE r.id = u.id
	`, w.RecommendationIDs, trackingIDs, models.RecCreating)
	if err != nil {
		return fmt.Errorf("mark recommendations creating: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// TrackingsByIDs fetches trackings keyed by id. Missing ids are absent
// from the map, which the reconciler treats as a repair condition.
func (s *Store) TrackingsByIDs(ctx context.Context, ids []string) (map[string]models.Tracking, error) {
	out := make(map[string]models.Tracking, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, customer_id, scan_id, name, tracking_type, selector, event_name, destinations,
		       status, COALESCE(gtm_tag_id, ''), COALESCE(gtm_trigger_id, ''),
		       COALESCE(ads_conversion_label, ''), COALESCE(ads_tag_id, ''), created_at, updated_at
		FROM trackings WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("query trackings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t models.Tracking
		if err := rows.Scan(&t.ID, &t.CustomerID, &t.ScanID, &t.Name, &t.TrackingType, &t.Selector,
			&t.EventName, &t.Destinations, &t.Status, &t.GTMTagID, &t.GTMTriggerID,
			&t.AdsConversionLabel, &t.AdsTagID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tracking: %w", err)
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

// LatestQueueJobs returns each tracking's most recent queue job with the
// parent batch status joined in, keyed by tracking id.
func (s *Store) LatestQueueJobs(ctx context.Context, trackingIDs []string) (map[string]models.QueueJob, error) {
	out := make(map[string]models.QueueJob, len(trackingIDs))
	if len(trackingIDs) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT ON (j.tracking_id)
		       j.id, j.batch_id, j.tracking_id, j.recommendation_id, j.status, j.attempts,
		       j.last_error, b.status, j.created_at, j.updated_at
		FROM queue_jobs j
		JOIN batches b ON b.id = j.batch_id
		WHERE j.tracking_id = ANY($1)
		ORDER BY j.tracking_id, j.created_at DESC
	`, trackingIDs)
	if err != nil {
		return nil, fmt.Errorf("query queue jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var j models.QueueJob
		if err := rows.Scan(&j.ID, &j.BatchID, &j.TrackingID, &j.RecommendationID, &j.Status,
			&j.Attempts, &j.LastError, &j.BatchStatus, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan queue job: %w", err)
		}
		out[j.TrackingID] = j
	}
	return out, rows.Err()
}

// GetQueueJob fetches one queue job with its batch status.
func (s *Store) GetQueueJob(ctx context.Context, id string) (models.QueueJob, error) {
	var j models.QueueJob
	err := s.pool.QueryRow(ctx, `
		SELECT j.id, j.batch_id, j.tracking_id, j.recommendation_id, j.status, j.attempts,
		       j.last_error, b.status, j.created_at, j.updated_at
		FROM queue_jobs j
		JOIN batches b ON b.id = j.batch_id
		WHERE j.id = $1
	`, id).Scan(&j.ID, &j.BatchID, &j.TrackingID, &j.RecommendationID, &j.Status,
		&j.Attempts, &j.LastError, &j.BatchStatus, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.QueueJob{}, ErrNotFound
		}
		return models.QueueJob{}, fmt.Errorf("scan queue job: %w", err)
	}
	return j, nil
}

// MarkQueueJobsFailed fails a set of jobs in one statement. Used when the
// Redis push after a committed bulk-accept cannot be completed.
func (s *Store) MarkQueueJobsFailed(ctx context.Context, ids []string, msg string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET status = $2, last_error = $3, updated_at = NOW()
		WHERE id = ANY($1) AND status NOT IN ($4, $2)
	`, ids, models.JobFailed, msg, models.JobCompleted)
	if err != nil {
		return fmt.Errorf("mark queue jobs failed: %w", err)
	}
	return nil
}

// BeginSync marks a leased job processing and its tracking creating.
func (s *Store) BeginSync(ctx context.Context, jobID, trackingID string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE queue_jobs SET status = $2, attempts = attempts + 1, updated_at = NOW() WHERE id = $1
	`, jobID, models.JobProcessing); err != nil {
		return fmt.Errorf("mark job processing: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE trackings SET status = $2, updated_at = NOW() WHERE id = $1
	`, trackingID, models.TrackingCreating); err != nil {
		return fmt.Errorf("mark tracking creating: %w", err)
	}
	return tx.Commit(ctx)
}

// ExternalIDs carries the platform resource identifiers reported by a
// successful sync.
type ExternalIDs struct {
	GTMTagID           string
	GTMTriggerID       string
	AdsConversionLabel string
	AdsTagID           string
}

// CompleteSyncJob records a successful sync: tracking goes active with its
// external ids, the job completes, and the batch accounting advances,
// closing the batch once every job is terminal.
func (s *Store) CompleteSyncJob(ctx context.Context, job models.QueueJob, ext ExternalIDs) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE trackings
		SET status = $2, gtm_tag_id = $3, gtm_trigger_id = $4,
		    ads_conversion_label = $5, ads_tag_id = $6, updated_at = NOW()
		WHERE id = $1
	`, job.TrackingID, models.TrackingActive, nullable(ext.GTMTagID), nullable(ext.GTMTriggerID),
		nullable(ext.AdsConversionLabel), nullable(ext.AdsTagID)); err != nil {
		return fmt.Errorf("activate tracking: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE queue_jobs SET status = $2, last_error = NULL, updated_at = NOW() WHERE id = $1
	`, job.ID, models.JobCompleted); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if err := advanceBatch(ctx, tx, job.BatchID, false); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// FailSyncJob records a permanently failed sync for a job and its tracking.
func (s *Store) FailSyncJob(ctx context.Context, job models.QueueJob, msg string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE trackings SET status = $2, updated_at = NOW() WHERE id = $1
	`, job.TrackingID, models.TrackingFailed); err != nil {
		return fmt.Errorf("fail tracking: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE queue_jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, job.ID, models.JobFailed, msg); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if err := advanceBatch(ctx, tx, job.BatchID, true); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetBatch fetches one batch by id.
func (s *Store) GetBatch(ctx context.Context, id string) (models.Batch, error) {
	var b models.Batch
	err := s.pool.QueryRow(ctx, `
		SELECT id, customer_id, scan_id, status, total_jobs, completed_jobs, failed_jobs,
		       created_at, updated_at
		FROM batches WHERE id = $1
	`, id).Scan(&b.ID, &b.CustomerID, &b.ScanID, &b.Status, &b.TotalJobs,
		&b.CompletedJobs, &b.FailedJobs, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Batch{}, ErrNotFound
	}
	if err != nil {
		return models.Batch{}, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// CancelBatch flips an active batch to cancelled. Returns false when the
// batch is already terminal or does not exist.
func (s *Store) CancelBatch(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, models.BatchCancelled, models.BatchActive)
	if err != nil {
		return false, fmt.Errorf("cancel batch: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// RetrySyncJob puts a job back in the queued state after a retryable failure.
func (s *Store) RetrySyncJob(ctx context.Context, jobID, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE queue_jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, jobID, models.JobQueued, msg)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	return nil
}

// advanceBatch bumps the completed or failed counter and closes the batch
// when the last job terminates. The CASE reads the pre-increment counters,
// hence the +1 in the comparison.
func advanceBatch(ctx context.Context, tx pgx.Tx, batchID string, failed bool) error {
	column := "completed_jobs"
	if failed {
		column = "failed_jobs"
	}
	query := fmt.Sprintf(`
		UPDATE batches
		SET %s = %s + 1,
		    status = CASE WHEN completed_jobs + failed_jobs + 1 >= total_jobs AND status = '%s'
		                  THEN '%s' ELSE status END,
		    updated_at = NOW()
		WHERE id = $1
	`, column, column, models.BatchActive, models.BatchCompleted)
	if _, err := tx.Exec(ctx, query, batchID); err != nil {
		return fmt.Errorf("advance batch: %w", err)
	}
	return nil
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
