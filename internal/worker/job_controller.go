package worker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pkg/distlock"
	"github.com/ignite/sparkpost-monitor/internal/pkg/logger"
)

// ConflictError reports a rejected start because the campaign already has
// an active job.
type ConflictError struct {
	CampaignID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("campaign %s already has an active job", e.CampaignID)
}

// NotFoundError reports an operation against a job id the registry does not know.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("job %s not found", e.JobID)
}

// JobRegistry is the durable store backing the Job Controller's lifecycle
// operations. Its method set overlaps pmta.JobLookup by design: the same
// Postgres-backed implementation satisfies both interfaces.
type JobRegistry interface {
	Create(ctx context.Context, job *domain.Job) error
	Get(ctx context.Context, jobID string) (*domain.Job, error)
	ActiveForCampaign(ctx context.Context, campaignID string) (*domain.Job, error)
	Delete(ctx context.Context, jobID string) error
}

// OutcomeDeleter removes all recipient outcome rows for a job, used by
// delete() to fully tear down a job's durable footprint.
type OutcomeDeleter interface {
	DeleteByJob(ctx context.Context, jobID string) error
}

// JobLauncher starts the background Scheduler loop for a freshly created
// job. Launch must return promptly; the scheduler runs in its own goroutine.
type JobLauncher interface {
	Launch(job *domain.Job, spec domain.JobSpec)
}

// JobController implements the public start/pause/resume/stop/delete/status
// surface over a JobRegistry, guarding start() against duplicate concurrent
// submissions for the same campaign.
//
// Grounded on the teacher's internal/pkg/distlock (Redis-preferred,
// Postgres-advisory-lock fallback) and internal/worker/campaign_scheduler.go's
// processCampaign per-campaign locking pattern, generalized from a
// database-row campaign lock to an arbitrary job-spec start() call.
type JobController struct {
	registry JobRegistry
	mutate   JobMutator
	outcomes OutcomeDeleter
	launcher JobLauncher

	redis *redis.Client
	db    *sql.DB

	LockTTL time.Duration
}

// NewJobController constructs a controller. redisClient may be nil, in
// which case the Postgres advisory-lock fallback is used.
func NewJobController(registry JobRegistry, mutate JobMutator, outcomes OutcomeDeleter, launcher JobLauncher, redisClient *redis.Client, db *sql.DB) *JobController {
	return &JobController{
		registry: registry,
		mutate:   mutate,
		outcomes: outcomes,
		launcher: launcher,
		redis:    redisClient,
		db:       db,
		LockTTL:  10 * time.Minute,
	}
}

func (c *JobController) campaignLockKey(campaignID string) string {
	return fmt.Sprintf("job-controller:campaign:%s", campaignID)
}

// Start creates and launches a job for spec. Concurrent starts for the same
// campaign are rejected with ConflictError unless spec.ForceNewJob is set
// and no job is currently active for the campaign.
func (c *JobController) Start(ctx context.Context, spec domain.JobSpec) (*domain.Job, error) {
	lock := distlock.NewLock(c.redis, c.db, c.campaignLockKey(spec.CampaignID), c.LockTTL)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire campaign lock: %w", err)
	}
	if !acquired {
		if !spec.ForceNewJob {
			return nil, &ConflictError{CampaignID: spec.CampaignID}
		}
		active, err := c.registry.ActiveForCampaign(ctx, spec.CampaignID)
		if err != nil {
			return nil, fmt.Errorf("check active job: %w", err)
		}
		if active != nil {
			return nil, &ConflictError{CampaignID: spec.CampaignID}
		}
		// Lock is held by a stale/crashed owner but no active job remains;
		// proceed without it rather than blocking an otherwise-clean start.
	} else {
		defer lock.Release(ctx)
	}

	active, err := c.registry.ActiveForCampaign(ctx, spec.CampaignID)
	if err != nil {
		return nil, fmt.Errorf("check active job: %w", err)
	}
	if active != nil && !spec.ForceNewJob {
		return nil, &ConflictError{CampaignID: spec.CampaignID}
	}

	job := domain.NewJob(uuid.New().String(), spec.CampaignID, spec.SMTPHost)
	job.Total = len(spec.Recipients)
	job.SpamThreshold = spec.SpamThreshold
	job.DomainPlan = planByDomain(spec.Recipients)
	job.Status = domain.JobQueued

	if err := c.registry.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	logger.Info("job started", "job_id", job.ID, "campaign_id", job.CampaignID, "recipients", job.Total)

	if c.launcher != nil {
		c.launcher.Launch(job, spec)
	}
	return job, nil
}

func planByDomain(recipients []string) map[string]int {
	plan := make(map[string]int)
	for _, r := range recipients {
		plan[domainOf(r)]++
	}
	return plan
}

// Pause sets the job's paused flag; the Scheduler honors it at its next checkpoint.
func (c *JobController) Pause(ctx context.Context, jobID string) error {
	return c.transition(ctx, jobID, func(j *domain.Job) {
		j.Paused = true
		j.Status = domain.JobPaused
	})
}

// Resume clears the job's paused flag.
func (c *JobController) Resume(ctx context.Context, jobID string) error {
	return c.transition(ctx, jobID, func(j *domain.Job) {
		j.Paused = false
		if j.Status == domain.JobPaused {
			j.Status = domain.JobRunning
		}
	})
}

// Stop cooperatively halts the job: in-flight sends complete, no new ones start.
func (c *JobController) Stop(ctx context.Context, jobID, reason string) error {
	return c.transition(ctx, jobID, func(j *domain.Job) {
		j.StopRequested = true
		j.LastError = reason
	})
}

func (c *JobController) transition(ctx context.Context, jobID string, fn func(j *domain.Job)) error {
	job, err := c.registry.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return &NotFoundError{JobID: jobID}
	}
	return c.mutate.MutateJob(ctx, jobID, fn)
}

// Delete forces a stop if the job is active, then removes its in-memory
// state, durable snapshot, and outcome rows.
func (c *JobController) Delete(ctx context.Context, jobID string) error {
	job, err := c.registry.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return &NotFoundError{JobID: jobID}
	}

	if job.Status.IsActive() {
		if err := c.Stop(ctx, jobID, "deleted by operator"); err != nil {
			return fmt.Errorf("stop before delete: %w", err)
		}
	}

	if c.outcomes != nil {
		if err := c.outcomes.DeleteByJob(ctx, jobID); err != nil {
			return fmt.Errorf("delete outcomes: %w", err)
		}
	}

	return c.registry.Delete(ctx, jobID)
}

// Status returns the current snapshot of a job.
func (c *JobController) Status(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := c.registry.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if job == nil {
		return nil, &NotFoundError{JobID: jobID}
	}
	return job, nil
}
