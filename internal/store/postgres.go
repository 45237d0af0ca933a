package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tracking-scan-service/internal/models"
)

// ErrNotFound is returned when a row does not exist or is not visible to
// the requesting customer.
var ErrNotFound = errors.New("not found")

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// GetCustomer fetches a customer row.
func (s *Store) GetCustomer(ctx context.Context, id string) (models.Customer, error) {
	var c models.Customer
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, gtm_connected, ads_connected, created_at
		FROM customers WHERE id = $1
	`, id).Scan(&c.ID, &c.Name, &c.GTMConnected, &c.AdsConnected, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Customer{}, ErrNotFound
	}
	if err != nil {
		return models.Customer{}, fmt.Errorf("scan customer: %w", err)
	}
	return c, nil
}

// GetScan fetches a scan by id.
func (s *Store) GetScan(ctx context.Context, id string) (models.Scan, error) {
	return s.scanRow(ctx, `
		SELECT id, customer_id, status, total_recommendations, readiness_score, readiness_summary, severity_counts, created_at, updated_at
		FROM scans WHERE id = $1
	`, id)
}

// ScanForCustomer fetches a scan only if it belongs to the customer.
// A tenant mismatch is indistinguishable from a missing scan.
func (s *Store) ScanForCustomer(ctx context.Context, id, customerID string) (models.Scan, error) {
	return s.scanRow(ctx, `
		SELECT id, customer_id, status, total_recommendations, readiness_score, readiness_summary, severity_counts, created_at, updated_at
		FROM scans WHERE id = $1 AND customer_id = $2
	`, id, customerID)
}

func (s *Store) scanRow(ctx context.Context, query string, args ...any) (models.Scan, error) {
	var sc models.Scan
	var countsJSON []byte
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&sc.ID, &sc.CustomerID, &sc.Status, &sc.TotalRecommendations,
		&sc.ReadinessScore, &sc.ReadinessSummary, &countsJSON, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Scan{}, ErrNotFound
	}
	if err != nil {
		return models.Scan{}, fmt.Errorf("scan scan row: %w", err)
	}
	if len(countsJSON) > 0 {
		if err := json.Unmarshal(countsJSON, &sc.SeverityCounts); err != nil {
			return models.Scan{}, fmt.Errorf("unmarshal severity counts: %w", err)
		}
	}
	return sc, nil
}

// TransitionScan flips a scan's status only when its current status is one
// of the allowed states. It returns the status the scan was actually in;
// ok is false when no row was updated because of a state mismatch.
func (s *Store) TransitionScan(ctx context.Context, id, to string, allowedFrom []string) (current string, ok bool, err error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scans SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, id, to, allowedFrom)
	if err != nil {
		return "", false, fmt.Errorf("transition scan: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return to, true, nil
	}
	err = s.pool.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, ErrNotFound
	}
	if err != nil {
		return "", false, fmt.Errorf("read scan status: %w", err)
	}
	return current, false, nil
}

// CompleteScan writes the scoring results and marks the scan completed.
func (s *Store) CompleteScan(ctx context.Context, id string, score int, summary string, counts map[string]int, total int) error {
	countsJSON, err := json.Marshal(counts)
	if err != nil {
		return fmt.Errorf("marshal severity counts: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE scans
		SET status = $2, readiness_score = $3, readiness_summary = $4, severity_counts = $5,
		    total_recommendations = $6, updated_at = NOW()
		WHERE id = $1
	`, id, models.ScanCompleted, score, summary, countsJSON, total)
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	return nil
}

// PagesForScan returns every crawled page of a scan.
func (s *Store) PagesForScan(ctx context.Context, scanID string) ([]models.Page, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, scan_id, url, page_type, depth, has_form, has_cta, has_phone_link, has_email_link, importance, created_at
		FROM pages WHERE scan_id = $1 ORDER BY depth, url
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var pages []models.Page
	for rows.Next() {
		var p models.Page
		if err := rows.Scan(&p.ID, &p.ScanID, &p.URL, &p.PageType, &p.Depth,
			&p.HasForm, &p.HasCTA, &p.HasPhoneLink, &p.HasEmailLink, &p.Importance, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

// UpdatePageImportance writes computed importance scores for a scan's
// pages in a single set-based statement.
func (s *Store) UpdatePageImportance(ctx context.Context, ids []string, importances []float64) error {
	if len(ids) == 0 {
		return nil
	}
	if len(ids) != len(importances) {
		return fmt.Errorf("mismatched importance update: %d ids, %d scores", len(ids), len(importances))
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE pages p
		SET importance = u.importance
		FROM (SELECT unnest($1::text[]) AS id, unnest($2::float8[]) AS importance) u
		WHERE p.id = u.id
	`, ids, importances)
	if err != nil {
		return fmt.Errorf("update page importance: %w", err)
	}
	return nil
}
