package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tracking-scan-service/internal/config"
	"tracking-scan-service/internal/models"
	"tracking-scan-service/internal/store"
)

// SyncClient provisions a tracking's configuration in the external
// tag-management and ads systems, returning the identifiers they assign.
type SyncClient interface {
	Sync(ctx context.Context, tracking models.Tracking) (store.ExternalIDs, error)
}

// HTTPSyncClient posts tracking definitions to the provisioning endpoint.
type HTTPSyncClient struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPSyncClient(cfg config.Config) *HTTPSyncClient {
	timeout := cfg.SyncTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPSyncClient{
		endpoint: cfg.SyncEndpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type syncRequest struct {
	TrackingID   string   `json:"tracking_id"`
	CustomerID   string   `json:"customer_id"`
	Name         string   `json:"name"`
	TrackingType string   `json:"tracking_type"`
	Selector     string   `json:"selector,omitempty"`
	EventName    string   `json:"event_name"`
	Destinations []string `json:"destinations"`
}

type syncResponse struct {
	GTMTagID           string `json:"gtm_tag_id"`
	GTMTriggerID       string `json:"gtm_trigger_id"`
	AdsConversionLabel string `json:"ads_conversion_label"`
	AdsTagID           string `json:"ads_tag_id"`
}

func (c *HTTPSyncClient) Sync(ctx context.Context, tracking models.Tracking) (store.ExternalIDs, error) {
	body, err := json.Marshal(syncRequest{
		TrackingID:   tracking.ID,
		CustomerID:   tracking.CustomerID,
		Name:         tracking.Name,
		TrackingType: tracking.TrackingType,
		Selector:     tracking.Selector,
		EventName:    tracking.EventName,
		Destinations: tracking.Destinations,
	})
	if err != nil {
		return store.ExternalIDs{}, fmt.Errorf("marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return store.ExternalIDs{}, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return store.ExternalIDs{}, fmt.Errorf("sync request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return store.ExternalIDs{}, fmt.Errorf("sync endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	var out syncResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return store.ExternalIDs{}, fmt.Errorf("decode sync response: %w", err)
	}
	return store.ExternalIDs{
		GTMTagID:           out.GTMTagID,
		GTMTriggerID:       out.GTMTriggerID,
		AdsConversionLabel: out.AdsConversionLabel,
		AdsTagID:           out.AdsTagID,
	}, nil
}
