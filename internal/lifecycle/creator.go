// Package lifecycle owns the recommendation state machine: bulk-accepting
// recommendations into tracking batches, and reconciling recorded status
// against tracking/job truth on every read.
package lifecycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tracking-scan-service/internal/models"
	"tracking-scan-service/internal/store"
	"tracking-scan-service/internal/telemetry"
)

var (
	// ErrScanNotFound covers both a missing scan and a tenant mismatch.
	ErrScanNotFound = errors.New("scan not found")
	// ErrNoConnectedAccount rejects bulk-accept before any write when the
	// customer has not linked the platform(s) the destination requires.
	ErrNoConnectedAccount = errors.New("no connected external account for requested destination")
	// ErrNoRecommendations rejects an empty bulk-accept.
	ErrNoRecommendations = errors.New("no recommendation ids given")
	// ErrBadDestination rejects an unknown destination choice.
	ErrBadDestination = errors.New("unknown destination choice")
)

// AcceptStore is the slice of the store the batch creator needs.
type AcceptStore interface {
	GetCustomer(ctx context.Context, id string) (models.Customer, error)
	ScanForCustomer(ctx context.Context, id, customerID string) (models.Scan, error)
	RecommendationsByIDs(ctx context.Context, scanID string, ids []string) ([]models.Recommendation, error)
	CreateTrackingBatch(ctx context.Context, w store.BatchWrite) error
	MarkQueueJobsFailed(ctx context.Context, ids []string, msg string) error
}

// JobQueue pushes committed queue job ids to the sync worker.
type JobQueue interface {
	Push(ctx context.Context, batchID string, jobIDs []string) error
}

// Skipped reports one candidate that was not converted, with the reason.
type Skipped struct {
	RecommendationID string `json:"recommendation_id"`
	Reason           string `json:"reason"`
}

// AcceptResult is returned to the operator after a bulk-accept call.
type AcceptResult struct {
	BatchID     string    `json:"batch_id,omitempty"`
	TrackingIDs []string  `json:"tracking_ids"`
	Queued      int       `json:"queued"`
	Skipped     []Skipped `json:"skipped"`
}

// Creator turns accepted recommendations into trackings plus sync jobs.
type Creator struct {
	store AcceptStore
	queue JobQueue
	log   zerolog.Logger
}

func NewCreator(st AcceptStore, q JobQueue, log zerolog.Logger) *Creator {
	return &Creator{store: st, queue: q, log: log}
}

// acceptable statuses may be re-triggered: repair, failed and even created
// recommendations can be re-accepted to produce a fresh tracking.
func acceptable(status string) bool {
	switch status {
	case models.RecPending, models.RecRepair, models.RecFailed, models.RecCreated:
		return true
	}
	return false
}

// Accept converts the given recommendations of a scan into one batch of
// trackings and queue jobs, atomically, and flips them to creating. The
// external sync itself happens later, off-request, in the sync worker.
func (c *Creator) Accept(ctx context.Context, customerID, scanID string, recIDs []string, destination string) (AcceptResult, error) {
	if len(recIDs) == 0 {
		return AcceptResult{}, ErrNoRecommendations
	}
	destinations := models.DestinationsFor(destination)
	if destinations == nil {
		return AcceptResult{}, fmt.Errorf("%w: %q", ErrBadDestination, destination)
	}

	customer, err := c.store.GetCustomer(ctx, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AcceptResult{}, ErrScanNotFound
		}
		return AcceptResult{}, fmt.Errorf("load customer: %w", err)
	}
	for _, d := range destinations {
		if d == models.DestinationGTM && !customer.GTMConnected {
			return AcceptResult{}, ErrNoConnectedAccount
		}
		if d == models.DestinationAds && !customer.AdsConnected {
			return AcceptResult{}, ErrNoConnectedAccount
		}
	}

	scan, err := c.store.ScanForCustomer(ctx, scanID, customerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return AcceptResult{}, ErrScanNotFound
		}
		return AcceptResult{}, fmt.Errorf("load scan: %w", err)
	}

	recs, err := c.store.RecommendationsByIDs(ctx, scan.ID, recIDs)
	if err != nil {
		return AcceptResult{}, fmt.Errorf("load recommendations: %w", err)
	}
	byID := make(map[string]models.Recommendation, len(recs))
	for _, r := range recs {
		byID[r.ID] = r
	}

	result := AcceptResult{TrackingIDs: []string{}, Skipped: []Skipped{}}
	var accepted []models.Recommendation
	var trackingTypes []string
	for _, id := range recIDs {
		r, ok := byID[id]
		if !ok {
			result.Skipped = append(result.Skipped, Skipped{id, "not part of this scan"})
			continue
		}
		if !acceptable(r.Status) {
			result.Skipped = append(result.Skipped, Skipped{id, fmt.Sprintf("status %s is not eligible", r.Status)})
			continue
		}
		trackingType, ok := models.TrackingTypeFor(r.RecType)
		if !ok {
			result.Skipped = append(result.Skipped, Skipped{id, fmt.Sprintf("unmapped tracking type %s", r.RecType)})
			continue
		}
		accepted = append(accepted, r)
		trackingTypes = append(trackingTypes, trackingType)
	}
	telemetry.RecommendationsSkipped.Add(float64(len(result.Skipped)))
	if len(accepted) == 0 {
		return result, nil
	}

	batchID := uuid.New().String()
	write := store.BatchWrite{
		Batch: models.Batch{ID: batchID, CustomerID: customerID, ScanID: scan.ID, TotalJobs: len(accepted)},
	}
	jobIDs := make([]string, 0, len(accepted))
	for i, r := range accepted {
		trackingID := uuid.New().String()
		jobID := uuid.New().String()
		write.Trackings = append(write.Trackings, models.Tracking{
			ID:           trackingID,
			CustomerID:   customerID,
			ScanID:       scan.ID,
			Name:         r.Name,
			TrackingType: trackingTypes[i],
			Selector:     r.Selector,
			EventName:    r.EventName,
			Destinations: destinations,
		})
		write.Jobs = append(write.Jobs, models.QueueJob{
			ID:               jobID,
			BatchID:          batchID,
			TrackingID:       trackingID,
			RecommendationID: r.ID,
		})
		write.RecommendationIDs = append(write.RecommendationIDs, r.ID)
		jobIDs = append(jobIDs, jobID)
		result.TrackingIDs = append(result.TrackingIDs, trackingID)
	}

	if err := c.store.CreateTrackingBatch(ctx, write); err != nil {
		return AcceptResult{}, fmt.Errorf("create tracking batch: %w", err)
	}

	// The transaction is committed; the Redis push is best effort. A push
	// failure is recorded on the job rows so the next reconciler pass
	// surfaces the recommendations as failed instead of stuck in creating.
	if err := c.queue.Push(ctx, batchID, jobIDs); err != nil {
		c.log.Error().Err(err).Str("batch_id", batchID).Msg("push sync jobs")
		if markErr := c.store.MarkQueueJobsFailed(ctx, jobIDs, "queue push failed: "+err.Error()); markErr != nil {
			c.log.Error().Err(markErr).Str("batch_id", batchID).Msg("mark queue jobs failed")
		}
	}

	telemetry.RecommendationsAccepted.Add(float64(len(accepted)))
	c.log.Info().
		Str("batch_id", batchID).
		Str("scan_id", scan.ID).
		Int("queued", len(accepted)).
		Int("skipped", len(result.Skipped)).
		Msg("bulk-accept batch created")

	result.BatchID = batchID
	result.Queued = len(accepted)
	return result, nil
}
