package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// JobArchive is the cold-storage side of Job Persistence: terminal job
// snapshots older than a retention window move here out of the hot
// Postgres table, keyed by job id under a flat prefix.
//
// Grounded on the teacher's AWSStorage SaveToS3/GetFromS3/ListBaselinesFromS3
// (internal/storage/aws.go), reusing the same S3 client and JSON envelope
// instead of introducing a second AWS wiring path.
type JobArchive struct {
	aws *AWSStorage
}

// NewJobArchive wraps an existing AWSStorage for job-snapshot archival.
func NewJobArchive(aws *AWSStorage) *JobArchive {
	return &JobArchive{aws: aws}
}

func jobArchiveKey(jobID string) string {
	return fmt.Sprintf("jobs/archive/%s.json", jobID)
}

// Save writes job as the durable terminal snapshot for its id.
func (a *JobArchive) Save(ctx context.Context, job *domain.Job) error {
	return a.aws.SaveToS3(ctx, jobArchiveKey(job.ID), job)
}

// Get retrieves a previously archived job snapshot.
func (a *JobArchive) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	var job domain.Job
	if err := a.aws.GetFromS3(ctx, jobArchiveKey(jobID), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Delete removes an archived snapshot, used after a manual job delete().
func (a *JobArchive) Delete(ctx context.Context, jobID string) error {
	_, err := a.aws.s3Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.aws.bucket),
		Key:    aws.String(jobArchiveKey(jobID)),
	})
	if err != nil {
		return fmt.Errorf("deleting archived job %s: %w", jobID, err)
	}
	return nil
}

// ListOlderThan returns the ids of archived jobs whose S3 object is older
// than cutoff, for retention-window pruning.
func (a *JobArchive) ListOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string

	paginator := s3.NewListObjectsV2Paginator(a.aws.s3Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(a.aws.bucket),
		Prefix: aws.String("jobs/archive/"),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing archived jobs: %w", err)
		}
		for _, obj := range page.Contents {
			if obj.LastModified == nil || obj.LastModified.After(cutoff) {
				continue
			}
			key := *obj.Key
			id := key[len("jobs/archive/") : len(key)-len(".json")]
			ids = append(ids, id)
		}
	}

	return ids, nil
}
