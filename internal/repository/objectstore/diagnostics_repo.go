// Package objectstore keeps diagnostic bundles of failed calls in MinIO.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"socialhub-backend/internal/domain"
	"socialhub-backend/pkg/resilience"
)

// Config holds MinIO connection settings
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
}

// Bundle is the archived document for one failed call
type Bundle struct {
	Record     *domain.CallHistoryRecord `json:"record"`
	Events     []*domain.CallEvent       `json:"events"`
	ArchivedAt time.Time                 `json:"archived_at"`
}

// objectPutter is the slice of the MinIO client the archive needs
type objectPutter interface {
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// DiagnosticsRepository uploads failed-call bundles
type DiagnosticsRepository struct {
	client  objectPutter
	bucket  string
	breaker *resilience.Breaker
}

// NewMinioClient connects to MinIO and makes sure the bucket exists
func NewMinioClient(ctx context.Context, cfg Config) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
	}
	return client, nil
}

// NewDiagnosticsRepository creates a repository writing into bucket
func NewDiagnosticsRepository(client *minio.Client, bucket string) *DiagnosticsRepository {
	return newDiagnosticsRepository(client, bucket)
}

func newDiagnosticsRepository(client objectPutter, bucket string) *DiagnosticsRepository {
	return &DiagnosticsRepository{
		client:  client,
		bucket:  bucket,
		breaker: resilience.NewBreaker("minio", resilience.DefaultConfig()),
	}
}

// ObjectName returns where the bundle of a record is stored
func ObjectName(record *domain.CallHistoryRecord) string {
	return fmt.Sprintf("calls/%s/%s/%s.json",
		record.EndedAt.UTC().Format("2006/01/02"), record.RecordedBy, record.SessionID)
}

// Archive uploads the record and its event timeline as one JSON object
func (r *DiagnosticsRepository) Archive(ctx context.Context, record *domain.CallHistoryRecord, events []*domain.CallEvent) error {
	data, err := json.Marshal(Bundle{Record: record, Events: events, ArchivedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal diagnostics bundle: %w", err)
	}

	name := ObjectName(record)
	err = r.breaker.Execute(ctx, "put_object", func(ctx context.Context) error {
		_, err := r.client.PutObject(ctx, r.bucket, name, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
			ContentType: "application/json",
			UserMetadata: map[string]string{
				"session-id": record.SessionID.String(),
				"outcome":    string(record.Outcome),
				"reason":     string(record.Reason),
			},
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive diagnostics %s: %w", name, err)
	}
	return nil
}
