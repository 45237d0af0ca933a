package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"tracking-scan-service/internal/models"
)

func newReconciler(f *fakeStore) *Reconciler {
	return NewReconciler(f, zerolog.Nop())
}

func (f *fakeStore) seedLinkedRec(recID, recStatus, trackingStatus string, destinations []string, ext models.Tracking) *models.Recommendation {
	rec := f.addRecommendation(recID, "scan", "button_click", recStatus)
	trackingID := "t-" + recID
	f.trackings[trackingID] = models.Tracking{
		ID:                 trackingID,
		ScanID:             "scan",
		Status:             trackingStatus,
		Destinations:       destinations,
		GTMTagID:           ext.GTMTagID,
		GTMTriggerID:       ext.GTMTriggerID,
		AdsConversionLabel: ext.AdsConversionLabel,
		AdsTagID:           ext.AdsTagID,
	}
	rec.TrackingID = &trackingID
	return rec
}

func (f *fakeStore) seedJob(trackingID, recID, batchID, jobStatus, batchStatus string) {
	if _, ok := f.batches[batchID]; !ok {
		f.batches[batchID] = models.Batch{ID: batchID, Status: batchStatus, TotalJobs: 1}
	}
	f.jobs["j-"+trackingID] = models.QueueJob{
		ID: "j-" + trackingID, BatchID: batchID, TrackingID: trackingID,
		RecommendationID: recID, Status: jobStatus, CreatedAt: time.Now(),
	}
}

func (f *fakeStore) reconcileAll(t *testing.T) []models.Recommendation {
	t.Helper()
	var recs []models.Recommendation
	for _, r := range f.recs {
		recs = append(recs, *r)
	}
	return newReconciler(f).Reconcile(context.Background(), recs)
}

func statusOf(recs []models.Recommendation, id string) models.Recommendation {
	for _, r := range recs {
		if r.ID == id {
			return r
		}
	}
	return models.Recommendation{}
}

var gtmOnly = []string{models.DestinationGTM}
var bothDest = []string{models.DestinationGTM, models.DestinationAds}

var completeBoth = models.Tracking{GTMTagID: "tag", GTMTriggerID: "trg", AdsConversionLabel: "lbl", AdsTagID: "adstag"}
var completeGTM = models.Tracking{GTMTagID: "tag", GTMTriggerID: "trg"}

func TestReconcileCreatedDrift(t *testing.T) {
	cases := []struct {
		name           string
		trackingStatus string
		destinations   []string
		ext            models.Tracking
		dropTracking   bool
		want           string
		wantDetached   bool
	}{
		{"healthy gtm tracking stays created", models.TrackingActive, gtmOnly, completeGTM, false, models.RecCreated, false},
		{"healthy dual tracking stays created", models.TrackingActive, bothDest, completeBoth, false, models.RecCreated, false},
		{"tracking row vanished", models.TrackingActive, gtmOnly, completeGTM, true, models.RecRepair, true},
		{"tracking degraded to failed", models.TrackingFailed, gtmOnly, completeGTM, false, models.RecRepair, true},
		{"tracking regressed to pending", models.TrackingPending, gtmOnly, completeGTM, false, models.RecRepair, true},
		{"missing gtm trigger", models.TrackingActive, gtmOnly, models.Tracking{GTMTagID: "tag"}, false, models.RecRepair, true},
		{"missing ads label on dual destination", models.TrackingActive, bothDest, models.Tracking{GTMTagID: "tag", GTMTriggerID: "trg", AdsTagID: "adstag"}, false, models.RecRepair, true},
		{"ads ids not required for gtm-only", models.TrackingActive, gtmOnly, completeGTM, false, models.RecCreated, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeStore()
			rec := f.seedLinkedRec("r1", models.RecCreated, tc.trackingStatus, tc.destinations, tc.ext)
			if tc.dropTracking {
				delete(f.trackings, *rec.TrackingID)
			}

			out := f.reconcileAll(t)

			got := statusOf(out, "r1")
			if got.Status != tc.want {
				t.Fatalf("status = %s, want %s", got.Status, tc.want)
			}
			if tc.wantDetached && got.TrackingID != nil {
				t.Fatal("repair must detach the tracking reference")
			}
			if f.recs["r1"].Status != tc.want {
				t.Fatalf("persisted status = %s, want %s", f.recs["r1"].Status, tc.want)
			}
		})
	}
}

func TestReconcileCreatingDrift(t *testing.T) {
	type seed func(f *fakeStore) *models.Recommendation

	cases := []struct {
		name         string
		seed         seed
		want         string
		wantDetached bool
	}{
		{
			"orphaned without tracking reference",
			func(f *fakeStore) *models.Recommendation {
				return f.addRecommendation("r1", "scan", "button_click", models.RecCreating)
			},
			models.RecRepair, true,
		},
		{
			"tracking row missing from storage",
			func(f *fakeStore) *models.Recommendation {
				rec := f.seedLinkedRec("r1", models.RecCreating, models.TrackingPending, gtmOnly, models.Tracking{})
				delete(f.trackings, *rec.TrackingID)
				return rec
			},
			models.RecRepair, true,
		},
		{
			"tracking failed",
			func(f *fakeStore) *models.Recommendation {
				return f.seedLinkedRec("r1", models.RecCreating, models.TrackingFailed, gtmOnly, models.Tracking{})
			},
			models.RecFailed, false,
		},
		{
			"tracking active and complete promotes",
			func(f *fakeStore) *models.Recommendation {
				return f.seedLinkedRec("r1", models.RecCreating, models.TrackingActive, bothDest, completeBoth)
			},
			models.RecCreated, false,
		},
		{
			"tracking active but incomplete",
			func(f *fakeStore) *models.Recommendation {
				return f.seedLinkedRec("r1", models.RecCreating, models.TrackingActive, bothDest, completeGTM)
			},
			models.RecRepair, true,
		},
		{
			"job failed",
			func(f *fakeStore) *models.Recommendation {
				rec := f.seedLinkedRec("r1", models.RecCreating, models.TrackingPending, gtmOnly, models.Tracking{})
				f.seedJob(*rec.TrackingID, "r1", "b1", models.JobFailed, models.BatchActive)
				return rec
			},
			models.RecFailed, false,
		},
		{
			"batch completed but job stalled",
			func(f *fakeStore) *models.Recommendation {
				rec := f.seedLinkedRec("r1", models.RecCreating, models.TrackingPending, gtmOnly, models.Tracking{})
				f.seedJob(*rec.TrackingID, "r1", "b1", models.JobProcessing, models.BatchCompleted)
				return rec
			},
			models.RecRepair, true,
		},
		{
			"batch cancelled",
			func(f *fakeStore) *models.Recommendation {
				rec := f.seedLinkedRec("r1", models.RecCreating, models.TrackingPending, gtmOnly, models.Tracking{})
				f.seedJob(*rec.TrackingID, "r1", "b1", models.JobQueued, models.BatchCancelled)
				return rec
			},
			models.RecRepair, true,
		},
		{
			"no job at all",
			func(f *fakeStore) *models.Recommendation {
				return f.seedLinkedRec("r1", models.RecCreating, models.TrackingPending, gtmOnly, models.Tracking{})
			},
			models.RecRepair, true,
		},
		{
			"live batch with queued job stays creating",
			func(f *fakeStore) *models.Recommendation {
				rec := f.seedLinkedRec("r1", models.RecCreating, models.TrackingPending, gtmOnly, models.Tracking{})
				f.seedJob(*rec.TrackingID, "r1", "b1", models.JobQueued, models.BatchActive)
				return rec
			},
			models.RecCreating, false,
		},
		{
			"live batch with processing job stays creating",
			func(f *fakeStore) *models.Recommendation {
				rec := f.seedLinkedRec("r1", models.RecCreating, models.TrackingCreating, gtmOnly, models.Tracking{})
				f.seedJob(*rec.TrackingID, "r1", "b1", models.JobProcessing, models.BatchActive)
				return rec
			},
			models.RecCreating, false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeStore()
			tc.seed(f)

			out := f.reconcileAll(t)

			got := statusOf(out, "r1")
			if got.Status != tc.want {
				t.Fatalf("status = %s, want %s", got.Status, tc.want)
			}
			if tc.wantDetached && got.TrackingID != nil {
				t.Fatal("repair must detach the tracking reference")
			}
			if f.recs["r1"].Status != tc.want {
				t.Fatalf("persisted status = %s, want %s", f.recs["r1"].Status, tc.want)
			}
		})
	}
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFakeStore()
	f.seedLinkedRec("promote", models.RecCreating, models.TrackingActive, gtmOnly, completeGTM)
	f.seedLinkedRec("degrade", models.RecCreated, models.TrackingFailed, gtmOnly, completeGTM)
	inflight := f.seedLinkedRec("inflight", models.RecCreating, models.TrackingPending, gtmOnly, models.Tracking{})
	f.seedJob(*inflight.TrackingID, "inflight", "b1", models.JobQueued, models.BatchActive)

	first := f.reconcileAll(t)
	updatesAfterFirst := f.statusUpdates
	second := f.reconcileAll(t)

	for _, id := range []string{"promote", "degrade", "inflight"} {
		a, b := statusOf(first, id), statusOf(second, id)
		if a.Status != b.Status {
			t.Fatalf("rec %s changed between passes: %s then %s", id, a.Status, b.Status)
		}
	}
	if f.statusUpdates != updatesAfterFirst {
		t.Fatalf("second pass issued %d extra updates, want 0", f.statusUpdates-updatesAfterFirst)
	}
	if statusOf(second, "promote").Status != models.RecCreated {
		t.Fatalf("promote = %s, want created", statusOf(second, "promote").Status)
	}
	if statusOf(second, "degrade").Status != models.RecRepair {
		t.Fatalf("degrade = %s, want repair", statusOf(second, "degrade").Status)
	}
	if statusOf(second, "inflight").Status != models.RecCreating {
		t.Fatalf("inflight = %s, want creating", statusOf(second, "inflight").Status)
	}
}

func TestReconcileLeavesSettledStatesAlone(t *testing.T) {
	f := newFakeStore()
	f.addRecommendation("pending", "scan", "button_click", models.RecPending)
	f.addRecommendation("failed", "scan", "button_click", models.RecFailed)
	f.addRecommendation("repair", "scan", "button_click", models.RecRepair)

	out := f.reconcileAll(t)
	for _, id := range []string{"pending", "failed", "repair"} {
		if statusOf(out, id).Status != f.recs[id].Status {
			t.Fatalf("rec %s mutated", id)
		}
	}
	if f.statusUpdates != 0 {
		t.Fatalf("settled recommendations triggered %d updates", f.statusUpdates)
	}
}

// Mirrors the full operator flow: accept three recommendations, let the
// external sync land in three different places, reconcile.
func TestAcceptThenReconcileEndToEnd(t *testing.T) {
	f := newFakeStore()
	f.seedScan("cust", "scan", true, true)
	f.addRecommendation("good", "scan", "button_click", models.RecPending)
	f.addRecommendation("partial", "scan", "form_submit", models.RecPending)
	f.addRecommendation("broken", "scan", "purchase", models.RecPending)

	res, err := newCreator(f, &fakeQueue{}).Accept(context.Background(), "cust", "scan",
		[]string{"good", "partial", "broken"}, "both")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if res.Queued != 3 || len(f.jobs) != 3 || len(f.trackings) != 3 {
		t.Fatalf("queued=%d jobs=%d trackings=%d, want 3 each", res.Queued, len(f.jobs), len(f.trackings))
	}

	// Simulate the external sync worker.
	finish := func(recID string, mutate func(*models.Tracking), jobStatus string) {
		rec := f.recs[recID]
		tr := f.trackings[*rec.TrackingID]
		mutate(&tr)
		f.trackings[tr.ID] = tr
		for id, j := range f.jobs {
			if j.RecommendationID == recID {
				j.Status = jobStatus
				f.jobs[id] = j
			}
		}
	}
	finish("good", func(tr *models.Tracking) {
		tr.Status = models.TrackingActive
		tr.GTMTagID, tr.GTMTriggerID = "tag-1", "trg-1"
		tr.AdsConversionLabel, tr.AdsTagID = "lbl-1", "ads-1"
	}, models.JobCompleted)
	finish("partial", func(tr *models.Tracking) {
		tr.Status = models.TrackingActive
		tr.GTMTagID, tr.GTMTriggerID = "tag-2", "trg-2"
		tr.AdsTagID = "ads-2" // conversion label never arrived
	}, models.JobCompleted)
	finish("broken", func(tr *models.Tracking) {
		tr.Status = models.TrackingFailed
	}, models.JobFailed)

	out := f.reconcileAll(t)

	if got := statusOf(out, "good"); got.Status != models.RecCreated {
		t.Fatalf("good = %s, want created", got.Status)
	}
	if got := statusOf(out, "partial"); got.Status != models.RecRepair || got.TrackingID != nil {
		t.Fatalf("partial = %s tracking=%v, want detached repair", got.Status, got.TrackingID)
	}
	if got := statusOf(out, "broken"); got.Status != models.RecFailed {
		t.Fatalf("broken = %s, want failed", got.Status)
	}
}
