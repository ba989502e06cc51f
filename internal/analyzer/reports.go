package analyzer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Report is the full analysis artifact kept in object storage so the raw
// run details outlive the few columns persisted on the repository row.
type Report struct {
	RepositoryID string `json:"repositoryId"`
	FullName     string `json:"fullName"`
	Result
}

// ReportStore writes analysis reports to an S3-compatible bucket.
type ReportStore struct {
	client *minio.Client
	bucket string
}

func NewReportStore(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*ReportStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create object storage client: %w", err)
	}
	return &ReportStore{client: client, bucket: bucket}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (r *ReportStore) EnsureBucket(ctx context.Context) error {
	exists, err := r.client.BucketExists(ctx, r.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", r.bucket, err)
	}
	if exists {
		return nil
	}
	if err := r.client.MakeBucket(ctx, r.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", r.bucket, err)
	}
	return nil
}

// Save uploads the report as reports/{repositoryID}.json, replacing any
// previous run.
func (r *ReportStore) Save(ctx context.Context, report Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	key := fmt.Sprintf("reports/%s.json", report.RepositoryID)
	_, err = r.client.PutObject(ctx, r.bucket, key, bytes.NewReader(payload), int64(len(payload)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("upload report %s: %w", key, err)
	}
	return nil
}
