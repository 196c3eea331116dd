package storage

import (
	"context"
	"fmt"

	"github.com/ignite/sparkpost-monitor/internal/config"
)

// Storage is the cold-storage facade handed to the Job Archive: S3 when
// cfg.Type == "aws"; any other type configures no cold storage. Grounded on
// the teacher's aws/local storage switch in New().
type Storage struct {
	config config.StorageConfig
	aws    *AWSStorage
}

// New constructs Storage per cfg.Type ("aws" or "local"). A "local" config
// needs no AWS credentials; job archival then falls back to GetAWSStorage()
// returning nil, which JobArchive treats as archival-disabled.
func New(cfg config.StorageConfig) (*Storage, error) {
	s := &Storage{config: cfg}

	if cfg.Type == "aws" {
		awsStorage, err := NewAWSStorage(context.Background(), cfg.S3Bucket, cfg.AWSRegion, cfg.GetAWSProfile())
		if err != nil {
			return nil, fmt.Errorf("initializing AWS storage: %w", err)
		}
		s.aws = awsStorage
	}

	return s, nil
}

// GetAWSStorage returns the underlying S3-backed storage, or nil when
// running with cfg.Type == "local".
func (s *Storage) GetAWSStorage() *AWSStorage {
	return s.aws
}
