package api

import (
	"database/sql"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/ignite/sparkpost-monitor/internal/config"
	"github.com/ignite/sparkpost-monitor/internal/pmta"
	"github.com/ignite/sparkpost-monitor/internal/worker"
	"github.com/redis/go-redis/v9"
)

// SetMailingDB sets the mailing database connection.
func (s *Server) SetMailingDB(db *sql.DB) {
	s.mailingDB = db
}

// GetMailingDB returns the mailing database
func (s *Server) GetMailingDB() *sql.DB {
	return s.mailingDB
}

// SetArchiveStorage wires the Job Archive's S3 client and bucket onto the
// server so RegisterHealthRoutes can HeadBucket it.
func (s *Server) SetArchiveStorage(s3Client *s3.Client, bucket string) {
	s.s3Client = s3Client
	s.archiveBucket = bucket
}

// SetRedisClient sets the Redis client that the health routes check
func (s *Server) SetRedisClient(client *redis.Client) {
	s.redisClient = client
}

// GetRedisClient returns the Redis client
func (s *Server) GetRedisClient() *redis.Client {
	return s.redisClient
}

// SetJobController wires the Job Controller and Config Store onto the
// server and mounts the Operator Surface (/api/jobs, /api/config) inside
// the authenticated apiRouter.
// bridge may be nil for deployments running the Bridge Tailer in direct
// (local file) mode, which has no remote file-listing endpoint to expose.
func (s *Server) SetJobController(controller *worker.JobController, configs *config.ConfigStore, bridge *pmta.BridgeTailer) {
	jobHandlers := NewJobHandlers(controller, configs)
	if bridge != nil {
		jobHandlers.SetBridge(bridge)
	}
	if s.apiRouter != nil {
		MountJobRoutes(s.apiRouter, jobHandlers)
	}
}

// RegisterHealthRoutes creates a HealthChecker from the server's dependencies
// and registers health routes on the router. Call this after all Set*
// methods (SetMailingDB, SetRedisClient, SetArchiveStorage) have been
// invoked so the checker has access to every available dependency.
func (s *Server) RegisterHealthRoutes() {
	hc := NewHealthChecker(s.mailingDB, s.redisClient, s.s3Client, s.archiveBucket)
	s.router.Get("/health", hc.HandleHealth)
	s.router.Get("/health/live", hc.HandleLiveness)
	s.router.Get("/health/ready", hc.HandleReadiness)
	s.router.Get("/health/db-stats", hc.HandleDBStats)
}
