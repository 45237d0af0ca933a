package lifecycle

import (
	"context"
	"errors"
	"sort"
	"time"

	"tracking-scan-service/internal/models"
	"tracking-scan-service/internal/store"
)

// fakeStore is an in-memory stand-in for the Postgres store, covering the
// slices the creator and reconciler depend on.
type fakeStore struct {
	customers map[string]models.Customer
	scans     map[string]models.Scan
	recs      map[string]*models.Recommendation
	trackings map[string]models.Tracking
	batches   map[string]models.Batch
	jobs      map[string]models.QueueJob

	failCreate    bool
	statusUpdates int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		customers: map[string]models.Customer{},
		scans:     map[string]models.Scan{},
		recs:      map[string]*models.Recommendation{},
		trackings: map[string]models.Tracking{},
		batches:   map[string]models.Batch{},
		jobs:      map[string]models.QueueJob{},
	}
}

func (f *fakeStore) GetCustomer(_ context.Context, id string) (models.Customer, error) {
	c, ok := f.customers[id]
	if !ok {
		return models.Customer{}, store.ErrNotFound
	}
	return c, nil
}

func (f *fakeStore) ScanForCustomer(_ context.Context, id, customerID string) (models.Scan, error) {
	s, ok := f.scans[id]
	if !ok || s.CustomerID != customerID {
		return models.Scan{}, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeStore) RecommendationsByIDs(_ context.Context, scanID string, ids []string) ([]models.Recommendation, error) {
	var out []models.Recommendation
	for _, id := range ids {
		if r, ok := f.recs[id]; ok && r.ScanID == scanID {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateTrackingBatch(_ context.Context, w store.BatchWrite) error {
	if f.failCreate {
		return errors.New("tx rolled back")
	}
	b := w.Batch
	b.Status = models.BatchActive
	f.batches[b.ID] = b
	for _, t := range w.Trackings {
		t.Status = models.TrackingPending
		f.trackings[t.ID] = t
	}
	now := time.Now()
	for i, j := range w.Jobs {
		j.Status = models.JobQueued
		j.CreatedAt = now.Add(time.Duration(i) * time.Millisecond)
		f.jobs[j.ID] = j
	}
	for i, id := range w.RecommendationIDs {
		rec := f.recs[id]
		rec.Status = models.RecCreating
		trackingID := w.Trackings[i].ID
		rec.TrackingID = &trackingID
	}
	return nil
}

func (f *fakeStore) MarkQueueJobsFailed(_ context.Context, ids []string, msg string) error {
	for _, id := range ids {
		j := f.jobs[id]
		j.Status = models.JobFailed
		j.LastError = &msg
		f.jobs[id] = j
	}
	return nil
}

func (f *fakeStore) TrackingsByIDs(_ context.Context, ids []string) (map[string]models.Tracking, error) {
	out := make(map[string]models.Tracking)
	for _, id := range ids {
		if t, ok := f.trackings[id]; ok {
			out[id] = t
		}
	}
	return out, nil
}

func (f *fakeStore) LatestQueueJobs(_ context.Context, trackingIDs []string) (map[string]models.QueueJob, error) {
	out := make(map[string]models.QueueJob)
	var all []models.QueueJob
	for _, j := range f.jobs {
		all = append(all, j)
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.Before(all[k].CreatedAt) })
	for _, id := range trackingIDs {
		for _, j := range all {
			if j.TrackingID == id {
				j.BatchStatus = f.batches[j.BatchID].Status
				out[id] = j
			}
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRecommendationStatuses(_ context.Context, ids []string, status string, detach bool) error {
	f.statusUpdates++
	for _, id := range ids {
		rec := f.recs[id]
		rec.Status = status
		if detach {
			rec.TrackingID = nil
		}
	}
	return nil
}

// fakeQueue records pushed job ids and can be told to fail.
type fakeQueue struct {
	pushed  []string
	pushErr error
}

func (q *fakeQueue) Push(_ context.Context, _ string, jobIDs []string) error {
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushed = append(q.pushed, jobIDs...)
	return nil
}

func (f *fakeStore) addRecommendation(id, scanID, recType, status string) *models.Recommendation {
	rec := &models.Recommendation{
		ID:      id,
		ScanID:  scanID,
		Name:    "rec " + id,
		RecType: recType,
		Status:  status,
	}
	f.recs[id] = rec
	return rec
}

func (f *fakeStore) seedScan(customerID, scanID string, gtm, ads bool) {
	f.customers[customerID] = models.Customer{ID: customerID, Name: "acme", GTMConnected: gtm, AdsConnected: ads}
	f.scans[scanID] = models.Scan{ID: scanID, CustomerID: customerID, Status: models.ScanCompleted}
}
