package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	cfg "appforge/internal/config"
	"appforge/internal/logging"
	"appforge/pkg/models"
)

// Archiver ships validation reports to S3 for long-term audit retention.
// It is optional: when no bucket is configured NewArchiver returns nil and
// callers skip archiving entirely.
type Archiver struct {
	uploader *manager.Uploader
	bucket   string
	prefix   string
	log      *zap.Logger
}

// NewArchiver builds an S3-backed archiver from the audit configuration.
// Returns (nil, nil) when archiving is not configured.
func NewArchiver(ctx context.Context, c cfg.AuditConfig) (*Archiver, error) {
	if c.S3Bucket == "" {
		return nil, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.S3Region),
	}
	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg)
	return &Archiver{
		uploader: manager.NewUploader(client),
		bucket:   c.S3Bucket,
		prefix:   c.S3Prefix,
		log:      logging.L(),
	}, nil
}

// ArchiveRun uploads the full set of validation records for a run as a single
// JSON document keyed by run ID and date.
func (a *Archiver) ArchiveRun(ctx context.Context, runID string, records []models.ValidationRecord) error {
	if a == nil {
		return nil
	}

	doc := struct {
		RunID      string                    `json:"run_id"`
		ArchivedAt time.Time                 `json:"archived_at"`
		Records    []models.ValidationRecord `json:"records"`
	}{
		RunID:      runID,
		ArchivedAt: time.Now().UTC(),
		Records:    records,
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal validation report: %w", err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, time.Now().UTC().Format("2006/01/02"), runID)
	contentType := "application/json"
	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      &a.bucket,
		Key:         &key,
		Body:        bytes.NewReader(body),
		ContentType: &contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to upload validation report: %w", err)
	}

	a.log.Info("Archived validation report",
		zap.String("run_id", runID),
		zap.String("key", key),
		zap.Int("records", len(records)))
	return nil
}
