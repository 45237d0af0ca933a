package models

import (
	"time"
)

// Scan lifecycle states persisted in Postgres. A scan is finalized out of
// crawling/analyzing through the scoring marker and ends at completed.
const (
	ScanPending   = "pending"
	ScanCrawling  = "crawling"
	ScanAnalyzing = "analyzing"
	ScanScoring   = "scoring"
	ScanCompleted = "completed"
	ScanFailed    = "failed"
)

// Recommendation lifecycle states.
const (
	RecPending  = "pending"
	RecCreating = "creating"
	RecCreated  = "created"
	RecFailed   = "failed"
	RecRepair   = "repair"
)

// Recommendation severities.
const (
	SeverityCritical    = "CRITICAL"
	SeverityImportant   = "IMPORTANT"
	SeverityRecommended = "RECOMMENDED"
	SeverityOptional    = "OPTIONAL"
)

// Tracking sync states, owned by the sync worker.
const (
	TrackingPending  = "pending"
	TrackingCreating = "creating"
	TrackingActive   = "active"
	TrackingFailed   = "failed"
)

// Batch states. A batch closes once every job reached a terminal state;
// cancelled is set operationally and tells the reconciler to stop waiting.
const (
	BatchActive    = "active"
	BatchCompleted = "completed"
	BatchCancelled = "cancelled"
)

// Queue job states, mutated only by the sync worker.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// Customer is the owning tenant of scans and trackings. The connected
// flags gate bulk-accept: no tracking is created for a platform the
// customer has not linked.
type Customer struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	GTMConnected bool      `json:"gtm_connected"`
	AdsConnected bool      `json:"ads_connected"`
	CreatedAt    time.Time `json:"created_at"`
}

// Scan is one crawl-and-analyze run for a site.
type Scan struct {
	ID                   string         `json:"id"`
	CustomerID           string         `json:"customer_id"`
	Status               string         `json:"status"`
	TotalRecommendations int            `json:"total_recommendations"`
	ReadinessScore       int            `json:"readiness_score"`
	ReadinessSummary     string         `json:"readiness_summary"`
	SeverityCounts       map[string]int `json:"severity_counts"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Page is one crawled URL belonging to a scan. Importance is the only
// field written after the crawl, by scan finalization.
type Page struct {
	ID           string    `json:"id"`
	ScanID       string    `json:"scan_id"`
	URL          string    `json:"url"`
	PageType     string    `json:"page_type"`
	Depth        int       `json:"depth"`
	HasForm      bool      `json:"has_form"`
	HasCTA       bool      `json:"has_cta"`
	HasPhoneLink bool      `json:"has_phone_link"`
	HasEmailLink bool      `json:"has_email_link"`
	Importance   float64   `json:"importance"`
	CreatedAt    time.Time `json:"created_at"`
}

// Recommendation is one candidate trackable interaction discovered during
// a scan. Status and TrackingID are owned by the batch creator and the
// reconciler; the crawler never touches a recommendation after insert.
type Recommendation struct {
	ID                 string    `json:"id"`
	ScanID             string    `json:"scan_id"`
	PageURL            string    `json:"page_url,omitempty"`
	Name               string    `json:"name"`
	RecType            string    `json:"rec_type"`
	Severity           string    `json:"severity"`
	Status             string    `json:"status"`
	Destinations       []string  `json:"destinations"`
	EventName          string    `json:"event_name"`
	Selector           string    `json:"selector"`
	SelectorConfidence float64   `json:"selector_confidence"`
	TrackingID         *string   `json:"tracking_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Tracking is an operator-approved configuration synced to the external
// tag/ads platforms. External resource ids stay empty until the sync
// worker reports success for the corresponding platform.
type Tracking struct {
	ID                 string    `json:"id"`
	CustomerID         string    `json:"customer_id"`
	ScanID             string    `json:"scan_id"`
	Name               string    `json:"name"`
	TrackingType       string    `json:"tracking_type"`
	Selector           string    `json:"selector"`
	EventName          string    `json:"event_name"`
	Destinations       []string  `json:"destinations"`
	Status             string    `json:"status"`
	GTMTagID           string    `json:"gtm_tag_id,omitempty"`
	GTMTriggerID       string    `json:"gtm_trigger_id,omitempty"`
	AdsConversionLabel string    `json:"ads_conversion_label,omitempty"`
	AdsTagID           string    `json:"ads_tag_id,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Batch groups the trackings created by one bulk-accept call.
type Batch struct {
	ID            string    `json:"id"`
	CustomerID    string    `json:"customer_id"`
	ScanID        string    `json:"scan_id"`
	Status        string    `json:"status"`
	TotalJobs     int       `json:"total_jobs"`
	CompletedJobs int       `json:"completed_jobs"`
	FailedJobs    int       `json:"failed_jobs"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// QueueJob is one unit of async sync work. BatchStatus is populated on
// read by joining the parent batch so the reconciler can judge stalled
// jobs in one fetch.
type QueueJob struct {
	ID               string    `json:"id"`
	BatchID          string    `json:"batch_id"`
	TrackingID       string    `json:"tracking_id"`
	RecommendationID string    `json:"recommendation_id"`
	Status           string    `json:"status"`
	Attempts         int       `json:"attempts"`
	LastError        *string   `json:"last_error,omitempty"`
	BatchStatus      string    `json:"batch_status,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SyncComplete reports whether an active tracking carries every external
// identifier its destination set requires: a GTM tag and trigger always,
// plus the ads conversion label and ads-side tag when ads is targeted.
func (t Tracking) SyncComplete() bool {
	if t.GTMTagID == "" || t.GTMTriggerID == "" {
		return false
	}
	if t.TargetsAds() && (t.AdsConversionLabel == "" || t.AdsTagID == "") {
		return false
	}
	return true
}

// TargetsAds reports whether the ads platform is in the destination set.
func (t Tracking) TargetsAds() bool {
	for _, d := range t.Destinations {
		if d == DestinationAds {
			return true
		}
	}
	return false
}
