// Package scoring computes a scanned site's tracking readiness. It is
// pure: the caller persists whatever it returns.
package scoring

import (
	"fmt"
	"strings"

	"tracking-scan-service/internal/models"
)

// Per-bucket point values and caps. Critical gaps dominate the score but
// no single bucket alone can reach 100.
const (
	criticalPoints    = 10
	criticalCap       = 40
	importantPoints   = 6
	importantCap      = 30
	recommendedPoints = 4
	recommendedCap    = 20
	optionalPoints    = 2
	optionalCap       = 10
)

// Result is everything scan finalization persists.
type Result struct {
	ReadinessScore int
	Summary        string
	SeverityCounts map[string]int
	Total          int
	// PageImportance maps page id to its clamped importance score.
	PageImportance map[string]float64
}

// Score evaluates a completed scan's recommendations and pages.
func Score(recs []models.Recommendation, pages []models.Page) Result {
	counts := map[string]int{
		models.SeverityCritical:    0,
		models.SeverityImportant:   0,
		models.SeverityRecommended: 0,
		models.SeverityOptional:    0,
	}
	for _, r := range recs {
		counts[r.Severity]++
	}

	score := capped(counts[models.SeverityCritical]*criticalPoints, criticalCap) +
		capped(counts[models.SeverityImportant]*importantPoints, importantCap) +
		capped(counts[models.SeverityRecommended]*recommendedPoints, recommendedCap) +
		capped(counts[models.SeverityOptional]*optionalPoints, optionalCap)
	if score > 100 {
		score = 100
	}

	importance := make(map[string]float64, len(pages))
	for _, p := range pages {
		importance[p.ID] = PageImportance(p, recs)
	}

	return Result{
		ReadinessScore: score,
		Summary:        summary(score, counts, len(recs)),
		SeverityCounts: counts,
		Total:          len(recs),
		PageImportance: importance,
	}
}

func capped(v, limit int) int {
	if v > limit {
		return limit
	}
	return v
}

func summary(score int, counts map[string]int, total int) string {
	var clauses []string
	if c := counts[models.SeverityCritical]; c > 0 {
		clauses = append(clauses, fmt.Sprintf("%d critical tracking gaps", c))
	}
	if i := counts[models.SeverityImportant]; i > 0 {
		clauses = append(clauses, fmt.Sprintf("%d important opportunities", i))
	}
	clauses = append(clauses, fmt.Sprintf("%d recommendations in total", total))

	var verdict string
	switch {
	case score >= 80:
		verdict = "This site has excellent conversion tracking potential."
	case score >= 60:
		verdict = "This site has good conversion tracking potential."
	case score >= 40:
		verdict = "This site has moderate conversion tracking potential."
	default:
		verdict = "This site has basic conversion tracking potential."
	}

	return fmt.Sprintf("Found %s. %s", strings.Join(clauses, ", "), verdict)
}

// Base importance per page type. Commerce-adjacent pages score highest,
// informational pages lowest; unclassified pages get a low default.
var pageTypeWeights = map[string]float64{
	"checkout": 1.0,
	"cart":     0.95,
	"pricing":  0.9,
	"product":  0.85,
	"landing":  0.8,
	"signup":   0.8,
	"contact":  0.75,
	"home":     0.7,
	"about":    0.4,
	"blog":     0.3,
	"faq":      0.25,
	"terms":    0.1,
}

const defaultPageWeight = 0.35

// Signal and recommendation bonuses.
const (
	formBonus      = 0.15
	ctaBonus       = 0.1
	phoneBonus     = 0.05
	emailBonus     = 0.05
	criticalBonus  = 0.15
	importantBonus = 0.08
	depthPenalty   = 0.1
)

// PageImportance scores a single page in [0,1]. Interaction signals and
// recommendations targeting the page raise it; link depth discounts it.
func PageImportance(p models.Page, recs []models.Recommendation) float64 {
	w, ok := pageTypeWeights[p.PageType]
	if !ok {
		w = defaultPageWeight
	}

	if p.HasForm {
		w += formBonus
	}
	if p.HasCTA {
		w += ctaBonus
	}
	if p.HasPhoneLink {
		w += phoneBonus
	}
	if p.HasEmailLink {
		w += emailBonus
	}

	for _, r := range recs {
		if r.PageURL != p.URL {
			continue
		}
		switch r.Severity {
		case models.SeverityCritical:
			w += criticalBonus
		case models.SeverityImportant:
			w += importantBonus
		}
	}

	w *= 1 - float64(p.Depth)*depthPenalty

	if w < 0 {
		return 0
	}
	if w > 1 {
		return 1
	}
	return w
}
