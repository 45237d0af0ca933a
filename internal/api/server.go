package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tracking-scan-service/internal/config"
	"tracking-scan-service/internal/lifecycle"
	"tracking-scan-service/internal/models"
	"tracking-scan-service/internal/ratelimit"
	"tracking-scan-service/internal/scan"
	"tracking-scan-service/internal/scoring"
	"tracking-scan-service/internal/store"
	"tracking-scan-service/internal/telemetry"
)

// ScanStore is the slice of the store the HTTP layer reads from.
type ScanStore interface {
	GetScan(ctx context.Context, id string) (models.Scan, error)
	ListRecommendations(ctx context.Context, scanID string, f store.RecommendationFilter) ([]models.Recommendation, error)
	GetBatch(ctx context.Context, id string) (models.Batch, error)
	CancelBatch(ctx context.Context, id string) (bool, error)
	MarkQueueJobsFailed(ctx context.Context, ids []string, msg string) error
}

// Accepter turns selected recommendations into a tracking batch.
type Accepter interface {
	Accept(ctx context.Context, customerID, scanID string, recIDs []string, destination string) (lifecycle.AcceptResult, error)
}

// Reconciler trues up recommendation statuses before they are served.
type Reconciler interface {
	Reconcile(ctx context.Context, recs []models.Recommendation) []models.Recommendation
}

// Finalizer scores a finished crawl.
type Finalizer interface {
	Finalize(ctx context.Context, scanID string) (scoring.Result, error)
}

// BatchQueue removes cancelled work from Redis.
type BatchQueue interface {
	CancelBatch(ctx context.Context, batchID string) ([]string, error)
}

// Server wires the HTTP handlers for the scan lifecycle API.
type Server struct {
	cfg        config.Config
	store      ScanStore
	accepter   Accepter
	reconciler Reconciler
	finalizer  Finalizer
	queue      BatchQueue
	limiter    *ratelimit.TokenBucket
	log        zerolog.Logger
}

func New(cfg config.Config, st ScanStore, accepter Accepter, reconciler Reconciler,
	finalizer Finalizer, q BatchQueue, limiter *ratelimit.TokenBucket, log zerolog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		store:      st,
		accepter:   accepter,
		reconciler: reconciler,
		finalizer:  finalizer,
		queue:      q,
		limiter:    limiter,
		log:        log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/scans/{scanID}", s.handleGetScan)
	r.Post("/scans/{scanID}/finalize", s.handleFinalize)
	r.Get("/scans/{scanID}/recommendations", s.handleListRecommendations)
	r.Post("/scans/{scanID}/recommendations/accept", s.handleAccept)
	r.Get("/batches/{batchID}", s.handleGetBatch)
	r.Post("/batches/{batchID}/cancel", s.handleCancelBatch)
	return r
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scanID")
	sc, err := s.store.GetScan(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "scan not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load scan", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

type finalizeResponse struct {
	ScanID         string         `json:"scan_id"`
	ReadinessScore int            `json:"readiness_score"`
	Summary        string         `json:"summary"`
	SeverityCounts map[string]int `json:"severity_counts"`
	Total          int            `json:"total_recommendations"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "scanID")
	result, err := s.finalizer.Finalize(r.Context(), id)
	if err != nil {
		var stateErr *scan.StateError
		switch {
		case errors.Is(err, scan.ErrScanNotFound):
			http.Error(w, "scan not found", http.StatusNotFound)
		case errors.As(err, &stateErr):
			http.Error(w, stateErr.Error(), http.StatusConflict)
		default:
			s.log.Error().Str("scan_id", id).Err(err).Msg("finalize failed")
			http.Error(w, "finalize failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{
		ScanID:         id,
		ReadinessScore: result.ReadinessScore,
		Summary:        result.Summary,
		SeverityCounts: result.SeverityCounts,
		Total:          result.Total,
	})
}

func (s *Server) handleListRecommendations(w http.ResponseWriter, r *http.Request) {
	scanID := chi.URLParam(r, "scanID")
	if _, err := s.store.GetScan(r.Context(), scanID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "scan not found", http.StatusNotFound)
			return
		}
		http.Error(w, "failed to load scan", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	// The status filter is applied after reconciliation so callers see the
	// trued-up lifecycle state, not the stored one.
	recs, err := s.store.ListRecommendations(r.Context(), scanID, store.RecommendationFilter{
		Severity: q.Get("severity"),
		RecType:  q.Get("type"),
	})
	if err != nil {
		http.Error(w, "failed to load recommendations", http.StatusInternalServerError)
		return
	}
	recs = s.reconciler.Reconcile(r.Context(), recs)
	if status := q.Get("status"); status != "" {
		filtered := recs[:0]
		for _, rec := range recs {
			if rec.Status == status {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	if recs == nil {
		recs = []models.Recommendation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"recommendations": recs})
}

type acceptRequest struct {
	RecommendationIDs []string `json:"recommendation_ids"`
	Destination       string   `json:"destination"`
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	customerID := r.Header.Get("X-Customer-ID")
	if customerID == "" {
		http.Error(w, "missing X-Customer-ID header", http.StatusUnauthorized)
		return
	}
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), customerID)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	var req acceptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	scanID := chi.URLParam(r, "scanID")
	result, err := s.accepter.Accept(r.Context(), customerID, scanID, req.RecommendationIDs, req.Destination)
	if err != nil {
		switch {
		case errors.Is(err, lifecycle.ErrScanNotFound):
			http.Error(w, "scan not found", http.StatusNotFound)
		case errors.Is(err, lifecycle.ErrNoConnectedAccount):
			http.Error(w, err.Error(), http.StatusPreconditionFailed)
		case errors.Is(err, lifecycle.ErrNoRecommendations), errors.Is(err, lifecycle.ErrBadDestination):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			s.log.Error().Str("scan_id", scanID).Err(err).Msg("accept failed")
			http.Error(w, "accept failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	batch, err := s.store.GetBatch(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to load batch", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "batchID")
	cancelled, err := s.store.CancelBatch(r.Context(), id)
	if err != nil {
		http.Error(w, "failed to cancel batch", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "batch is not active", http.StatusConflict)
		return
	}
	dropped, err := s.queue.CancelBatch(r.Context(), id)
	if err != nil {
		s.log.Error().Str("batch_id", id).Err(err).Msg("failed to drop cancelled batch from queue")
	}
	if len(dropped) > 0 {
		_ = s.store.MarkQueueJobsFailed(r.Context(), dropped, "batch cancelled")
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": models.BatchCancelled, "dropped_jobs": len(dropped)})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
