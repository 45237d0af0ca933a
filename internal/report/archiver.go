// Package report archives finalized readiness reports to object storage
// so the customer dashboard can serve them without hitting Postgres.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"tracking-scan-service/internal/config"
	"tracking-scan-service/internal/scoring"
)

// S3Archiver uploads one JSON document per finalized scan.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

// NewS3Archiver builds the archiver, or returns nil when no bucket is
// configured so callers can wire it straight through.
func NewS3Archiver(ctx context.Context, cfg config.Config) (*S3Archiver, error) {
	if cfg.ReportS3Bucket == "" {
		return nil, nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.ReportS3Region),
	}
	if cfg.ReportS3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.ReportS3Endpoint,
					HostnameImmutable: cfg.ReportS3PathStyle,
					SigningRegion:     cfg.ReportS3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ReportS3PathStyle
	})
	return &S3Archiver{client: client, bucket: cfg.ReportS3Bucket}, nil
}

type reportDocument struct {
	ScanID         string         `json:"scan_id"`
	ReadinessScore int            `json:"readiness_score"`
	Summary        string         `json:"summary"`
	SeverityCounts map[string]int `json:"severity_counts"`
	Total          int            `json:"total_recommendations"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Archive uploads the readiness report under scans/<id>/report.json.
func (a *S3Archiver) Archive(ctx context.Context, scanID string, result scoring.Result) error {
	doc := reportDocument{
		ScanID:         scanID,
		ReadinessScore: result.ReadinessScore,
		Summary:        result.Summary,
		SeverityCounts: result.SeverityCounts,
		Total:          result.Total,
		GeneratedAt:    time.Now().UTC(),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := fmt.Sprintf("scans/%s/report.json", scanID)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("put report: %w", err)
	}
	return nil
}
