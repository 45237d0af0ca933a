// Package scan holds the orchestration boundary invoked when a crawl's
// analysis chunks are done. It is the only place a scan becomes completed.
package scan

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"tracking-scan-service/internal/models"
	"tracking-scan-service/internal/scoring"
	"tracking-scan-service/internal/store"
	"tracking-scan-service/internal/telemetry"
)

// ErrScanNotFound reports a missing scan.
var ErrScanNotFound = errors.New("scan not found")

// StateError rejects a finalize call against a scan that is not in an
// analyzable state, naming the state it actually was in.
type StateError struct {
	ScanID string
	Actual string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("scan %s cannot be finalized from state %q", e.ScanID, e.Actual)
}

// FinalizeStore is the slice of the store finalization needs.
type FinalizeStore interface {
	TransitionScan(ctx context.Context, id, to string, allowedFrom []string) (current string, ok bool, err error)
	PagesForScan(ctx context.Context, scanID string) ([]models.Page, error)
	ListRecommendations(ctx context.Context, scanID string, f store.RecommendationFilter) ([]models.Recommendation, error)
	UpdatePageImportance(ctx context.Context, ids []string, importances []float64) error
	CompleteScan(ctx context.Context, id string, score int, summary string, counts map[string]int, total int) error
}

// ReportArchiver stores the finalized readiness report somewhere an
// operator dashboard can fetch it. Archiving is best effort.
type ReportArchiver interface {
	Archive(ctx context.Context, scanID string, result scoring.Result) error
}

// Finalizer scores a finished crawl and persists the results.
type Finalizer struct {
	store    FinalizeStore
	archiver ReportArchiver
	log      zerolog.Logger
}

// NewFinalizer builds a finalizer. archiver may be nil.
func NewFinalizer(st FinalizeStore, archiver ReportArchiver, log zerolog.Logger) *Finalizer {
	return &Finalizer{store: st, archiver: archiver, log: log}
}

// finalizable are the two pre-terminal states a scan may be in when its
// crawl/analysis chunks finish.
var finalizable = []string{models.ScanCrawling, models.ScanAnalyzing}

// Finalize scores the scan's pages and recommendations and marks it
// completed. The scoring marker is set first so a concurrent finalize of
// the same scan is rejected by the state precondition.
func (f *Finalizer) Finalize(ctx context.Context, scanID string) (scoring.Result, error) {
	current, ok, err := f.store.TransitionScan(ctx, scanID, models.ScanScoring, finalizable)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return scoring.Result{}, ErrScanNotFound
		}
		return scoring.Result{}, fmt.Errorf("mark scan scoring: %w", err)
	}
	if !ok {
		return scoring.Result{}, &StateError{ScanID: scanID, Actual: current}
	}

	pages, err := f.store.PagesForScan(ctx, scanID)
	if err != nil {
		return scoring.Result{}, fmt.Errorf("load pages: %w", err)
	}
	recs, err := f.store.ListRecommendations(ctx, scanID, store.RecommendationFilter{})
	if err != nil {
		return scoring.Result{}, fmt.Errorf("load recommendations: %w", err)
	}

	result := scoring.Score(recs, pages)

	ids := make([]string, 0, len(result.PageImportance))
	importances := make([]float64, 0, len(result.PageImportance))
	for _, p := range pages {
		ids = append(ids, p.ID)
		importances = append(importances, result.PageImportance[p.ID])
	}
	if err := f.store.UpdatePageImportance(ctx, ids, importances); err != nil {
		return scoring.Result{}, fmt.Errorf("persist page importance: %w", err)
	}

	if err := f.store.CompleteScan(ctx, scanID, result.ReadinessScore, result.Summary, result.SeverityCounts, result.Total); err != nil {
		return scoring.Result{}, fmt.Errorf("complete scan: %w", err)
	}

	if f.archiver != nil {
		if err := f.archiver.Archive(ctx, scanID, result); err != nil {
			f.log.Warn().Err(err).Str("scan_id", scanID).Msg("archive readiness report")
		}
	}

	telemetry.ScansFinalized.Inc()
	f.log.Info().
		Str("scan_id", scanID).
		Int("readiness", result.ReadinessScore).
		Int("recommendations", result.Total).
		Int("pages", len(pages)).
		Msg("scan finalized")
	return result, nil
}
