package worker

import (
	"context"
	"strings"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pkg/logger"
	"github.com/ignite/sparkpost-monitor/internal/pmta"
)

// maxWaitSlice bounds every sleep the scheduler takes so pause/stop flags
// are re-checked promptly, per the concurrency model's suspension points.
const maxWaitSlice = 350 * time.Millisecond

// JobRuntimeConfig is the live, hot-reloadable per-campaign configuration
// the Scheduler consults at the top of every iteration.
type JobRuntimeConfig struct {
	SMTPHost      string
	SMTPPort      int
	Security      domain.SecurityMode
	Username      string
	Password      string
	ReplyTo       string
	Senders       []domain.SenderIdentity
	Subjects      []string
	Bodies        []string
	URLPool       []string
	SrcPool       []string
	ChunkSize     int
	ThreadWorkers int
	DelaySeconds  float64
	SleepChunks   float64
	SpamThreshold float64
}

// ConfigSource supplies the Scheduler with the current live configuration
// for a job, re-read at every iteration so config edits apply mid-flight.
type ConfigSource interface {
	JobConfig(ctx context.Context, jobID string) (JobRuntimeConfig, error)
}

// JobMutator applies a mutation to a job's in-memory state under its
// per-job lock. Mirrors pmta.JobMutator so the Scheduler and Reconciler can
// share one job-store implementation without the worker package importing
// pmta's interface (avoiding an import cycle the other direction).
type JobMutator interface {
	MutateJob(ctx context.Context, jobID string, fn func(j *domain.Job)) error
}

// MonitorSnapshotSource supplies the MTA monitor snapshot the Pressure
// Controller needs. Returning a zero MonitorSnapshot is treated as "ok".
type MonitorSnapshotSource interface {
	Snapshot(ctx context.Context) pmta.MonitorSnapshot
}

// domainBucket is one receiver domain's FIFO queue of pending recipients.
type domainBucket struct {
	domain       string
	queue        []string
	senderCursor int
	attempts     int
}

// Scheduler partitions a job's recipients into per-receiver-domain FIFO
// buckets and round-robins across them, consulting the Pressure Controller
// and Preflight Gate before handing each chunk to the Sender Pool.
//
// Grounded on the teacher's campaign_scheduler.go (ticker-driven poll loop,
// per-campaign distributed lock, atomic counters) generalized from a
// database-polling campaign queue to an in-memory per-domain bucket walk
// fused with the Pressure Controller/Preflight Gate from SPEC_FULL.md §4.6-7.
type Scheduler struct {
	config   ConfigSource
	monitor  MonitorSnapshotSource
	pressure *pmta.PressureController
	preflight *pmta.PreflightGate
	backoff  ScopedBackoffStore
	sender   SenderPool
	mutate   JobMutator

	BaseBackoffSeconds float64
	CapBackoffSeconds  float64
}

// NewScheduler constructs a Scheduler. monitor/pressure/preflight may be nil,
// in which case caps/gate checks are skipped (treated as unconstrained/allow).
func NewScheduler(config ConfigSource, monitor MonitorSnapshotSource, pressure *pmta.PressureController, preflight *pmta.PreflightGate, backoff ScopedBackoffStore, sender SenderPool, mutate JobMutator) *Scheduler {
	return &Scheduler{
		config:             config,
		monitor:            monitor,
		pressure:           pressure,
		preflight:          preflight,
		backoff:            backoff,
		sender:             sender,
		mutate:             mutate,
		BaseBackoffSeconds: 30,
		CapBackoffSeconds:  1800,
	}
}

// buildBuckets partitions recipients into per-domain FIFO buckets, preserving
// first-seen order both within and across domains (bucket creation order
// follows first sight of each domain).
func buildBuckets(recipients []string) []*domainBucket {
	order := make([]string, 0)
	byDomain := make(map[string]*domainBucket)
	for _, r := range recipients {
		d := domainOf(r)
		b, ok := byDomain[d]
		if !ok {
			b = &domainBucket{domain: d}
			byDomain[d] = b
			order = append(order, d)
		}
		b.queue = append(b.queue, r)
	}
	buckets := make([]*domainBucket, 0, len(order))
	for _, d := range order {
		buckets = append(buckets, byDomain[d])
	}
	return buckets
}

// Run drives job to completion, honoring job.Paused/StopRequested at every
// checkpoint. It returns when all buckets are drained and no scoped backoff
// retries remain pending, or when a stop is requested.
func (s *Scheduler) Run(ctx context.Context, job *domain.Job, recipients []string) error {
	buckets := buildBuckets(recipients)
	cursor := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.stopRequested(ctx, job.ID) {
			return nil
		}
		if s.paused(ctx, job.ID) {
			s.sleepSlice(ctx, maxWaitSlice)
			continue
		}

		cfg, err := s.liveConfig(ctx, job.ID)
		if err != nil {
			logger.Warn("scheduler config read failed, using defaults", "job_id", job.ID, "error", err.Error())
		}

		ready, waitUntil, ok := s.nextReadyBucket(ctx, buckets, cursor, cfg)
		if !ok {
			if allDrained(buckets) {
				return nil
			}
			s.sleepUntil(ctx, waitUntil)
			continue
		}
		cursor = ready + 1

		if err := s.runOneChunk(ctx, job, buckets[ready], cfg); err != nil {
			return err
		}

		s.sleepSlice(ctx, sleepChunksDuration(cfg.SleepChunks))
	}
}

// nextReadyBucket scans buckets starting at cursor (round-robin) for the
// first non-empty bucket whose scoped backoff has cleared. It returns the
// earliest pending retry time across all buckets when none are ready yet.
func (s *Scheduler) nextReadyBucket(ctx context.Context, buckets []*domainBucket, cursor int, cfg JobRuntimeConfig) (idx int, earliestRetry time.Time, ok bool) {
	if len(buckets) == 0 {
		return 0, time.Time{}, false
	}

	senderDomain := senderDomainFor(cfg, 0)
	for i := 0; i < len(buckets); i++ {
		pos := (cursor + i) % len(buckets)
		b := buckets[pos]
		if len(b.queue) == 0 {
			continue
		}

		sd := senderDomainFor(cfg, b.senderCursor)
		if sd != "" {
			senderDomain = sd
		}
		key := domain.ScopedBackoffKey{ReceiverDomain: b.domain, SenderDomain: senderDomain}
		if s.backoff != nil {
			readyNow, retryAt, _, err := s.backoff.Ready(ctx, key)
			if err == nil && !readyNow {
				if earliestRetry.IsZero() || retryAt.Before(earliestRetry) {
					earliestRetry = retryAt
				}
				continue
			}
		}
		return pos, time.Time{}, true
	}
	return 0, earliestRetry, false
}

func allDrained(buckets []*domainBucket) bool {
	for _, b := range buckets {
		if len(b.queue) > 0 {
			return false
		}
	}
	return true
}

// runOneChunk pops up to chunk_size recipients from bucket, applies pressure
// caps, asks the Preflight Gate, and either submits to the Sender Pool or
// requeues the chunk to the bucket head on a block decision.
func (s *Scheduler) runOneChunk(ctx context.Context, job *domain.Job, bucket *domainBucket, cfg JobRuntimeConfig) error {
	caps := s.applyCaps(ctx, job, cfg)

	chunkSize := caps.ChunkSize
	if chunkSize <= 0 {
		chunkSize = len(bucket.queue)
	}
	if chunkSize > len(bucket.queue) {
		chunkSize = len(bucket.queue)
	}
	recipients := bucket.queue[:chunkSize]

	senderIdx := 0
	if len(cfg.Senders) > 0 {
		senderIdx = (bucket.senderCursor + bucket.attempts) % len(cfg.Senders)
	}
	sender := senderFor(cfg, senderIdx)
	variantIdx := senderIdx
	subject := variantFor(cfg.Subjects, variantIdx)
	body := variantFor(cfg.Bodies, variantIdx)

	attempt := pmta.ChunkAttempt{
		FromEmail:    sender.Email,
		Subject:      subject,
		Body:         body,
		SMTPHost:     cfg.SMTPHost,
		TargetDomain: bucket.domain,
	}
	decision := domain.PreflightDecision{Outcome: domain.PreflightAllow}
	if s.preflight != nil {
		decision = s.preflight.Evaluate(ctx, attempt)
	}

	senderDomain := domainOf(sender.Email)
	key := domain.ScopedBackoffKey{ReceiverDomain: bucket.domain, SenderDomain: senderDomain}

	switch decision.Outcome {
	case domain.PreflightBlock:
		bucket.attempts++
		if s.backoff != nil {
			nextRetry, attempts, err := s.backoff.Block(ctx, key)
			if err == nil {
				logger.Info("chunk blocked by preflight gate, requeued",
					"job_id", job.ID, "domain", bucket.domain, "reason", decision.Reason,
					"attempts", attempts, "next_retry_at", nextRetry.Format(time.RFC3339))
			}
		}
		return nil // chunk stays at bucket head (we never removed it)
	case domain.PreflightSlow:
		if decision.WorkerCap > 0 && caps.Workers > decision.WorkerCap {
			caps.Workers = decision.WorkerCap
		}
		if decision.DelayFloor > caps.DelaySec {
			caps.DelaySec = decision.DelayFloor
		}
	}

	// Commit: remove the popped recipients from the bucket now that we're
	// actually sending them.
	bucket.queue = bucket.queue[chunkSize:]
	bucket.attempts = 0

	job.ChunksTotal++
	chunkIndex := job.ChunksTotal

	chunkJob := ChunkJob{
		JobID:        job.ID,
		CampaignID:   job.CampaignID,
		ChunkIndex:   chunkIndex,
		WorkerOffset: bucket.senderCursor,
		ReceiverDomain: bucket.domain,
		Recipients:   recipients,
		Sender:       sender,
		Subject:      subject,
		Body:         body,
		URLPool:      cfg.URLPool,
		SrcPool:      cfg.SrcPool,
		SMTPHost:     cfg.SMTPHost,
		SMTPPort:     cfg.SMTPPort,
		Security:     cfg.Security,
		Username:     cfg.Username,
		Password:     cfg.Password,
		ReplyTo:      cfg.ReplyTo,
		DelaySec:     caps.DelaySec,
		WorkerCount:  maxInt(1, caps.Workers),
	}

	result := s.sender.SendChunk(ctx, chunkJob)

	bucket.senderCursor = (bucket.senderCursor + 1) % maxInt(1, len(cfg.Senders))

	if s.backoff != nil {
		if result.Failed > 0 && result.Sent == 0 {
			s.backoff.Block(ctx, key)
		} else if result.Sent > 0 {
			s.backoff.Clear(ctx, key)
		}
	}

	return s.mutate.MutateJob(ctx, job.ID, func(j *domain.Job) {
		applyChunkResult(j, bucket.domain, result)
		j.ChunkTransitions = append(j.ChunkTransitions, domain.ChunkTransition{
			Index: chunkIndex, ReceiverDomain: bucket.domain, SenderDomain: senderDomain,
			Size: len(recipients), State: domain.ChunkDone, Sender: sender, At: time.Now(),
		})
		if len(j.ChunkTransitions) > 200 {
			j.ChunkTransitions = j.ChunkTransitions[len(j.ChunkTransitions)-200:]
		}
		j.ChunksDone++
		j.UpdatedAt = time.Now()
	})
}

func applyChunkResult(j *domain.Job, receiverDomain string, result ChunkResult) {
	for _, r := range result.PerRecipient {
		j.RecentResults = append(j.RecentResults, domain.RecentResult{
			Recipient: r.Recipient, Domain: r.Domain, Success: r.Success,
			Category: r.Category, MessageID: r.MessageID, At: r.At,
		})
		if r.Success {
			j.Sent++
			j.DomainSent[r.Domain]++
		} else {
			j.Failed++
			j.DomainFailed[r.Domain]++
			j.ErrorCategories[r.Category]++
		}
	}
	if len(j.RecentResults) > 400 {
		j.RecentResults = j.RecentResults[len(j.RecentResults)-400:]
	}
}

// applyCaps fuses the live config's chunk/worker/delay settings with the
// Pressure Controller's policy by element-wise minima (caps) and maxima
// (floors), per §4.4 step 2.
func (s *Scheduler) applyCaps(ctx context.Context, job *domain.Job, cfg JobRuntimeConfig) domain.PressureCaps {
	caps := domain.PressureCaps{
		Workers:     cfg.ThreadWorkers,
		ChunkSize:   cfg.ChunkSize,
		DelaySec:    cfg.DelaySeconds,
		SleepChunks: cfg.SleepChunks,
	}
	if s.pressure == nil {
		return caps
	}

	snap := pmta.MonitorSnapshot{}
	if s.monitor != nil {
		snap = s.monitor.Snapshot(ctx)
	}
	policy := s.pressure.Evaluate(snap, job)

	switch policy.Action {
	case domain.ActionSpeedUp:
		caps.Workers = caps.Workers + 1
		caps.ChunkSize = int(float64(caps.ChunkSize) * 1.2)
		caps.DelaySec = caps.DelaySec * 0.7
	default:
		if policy.Applied.Workers > 0 && policy.Applied.Workers < caps.Workers {
			caps.Workers = policy.Applied.Workers
		}
		if policy.Applied.ChunkSize > 0 && policy.Applied.ChunkSize < caps.ChunkSize {
			caps.ChunkSize = policy.Applied.ChunkSize
		}
		if policy.Applied.DelaySec > caps.DelaySec {
			caps.DelaySec = policy.Applied.DelaySec
		}
		if policy.Applied.SleepChunks > caps.SleepChunks {
			caps.SleepChunks = policy.Applied.SleepChunks
		}
	}
	return caps
}

func (s *Scheduler) liveConfig(ctx context.Context, jobID string) (JobRuntimeConfig, error) {
	if s.config == nil {
		return JobRuntimeConfig{}, nil
	}
	return s.config.JobConfig(ctx, jobID)
}

func (s *Scheduler) stopRequested(ctx context.Context, jobID string) bool {
	stopped := false
	s.mutate.MutateJob(ctx, jobID, func(j *domain.Job) { stopped = j.StopRequested })
	return stopped
}

func (s *Scheduler) paused(ctx context.Context, jobID string) bool {
	paused := false
	s.mutate.MutateJob(ctx, jobID, func(j *domain.Job) { paused = j.Paused })
	return paused
}

func (s *Scheduler) sleepSlice(ctx context.Context, d time.Duration) {
	if d > maxWaitSlice {
		d = maxWaitSlice
	}
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// sleepUntil waits for target in bounded slices so pause/stop checkpoints
// remain responsive even across a long scoped-backoff wait.
func (s *Scheduler) sleepUntil(ctx context.Context, target time.Time) {
	if target.IsZero() {
		s.sleepSlice(ctx, maxWaitSlice)
		return
	}
	remaining := time.Until(target)
	if remaining <= 0 {
		return
	}
	s.sleepSlice(ctx, remaining)
}

func sleepChunksDuration(sleepChunks float64) time.Duration {
	if sleepChunks <= 0 {
		return 0
	}
	return time.Duration(sleepChunks * float64(time.Second))
}

func senderFor(cfg JobRuntimeConfig, idx int) domain.SenderIdentity {
	if len(cfg.Senders) == 0 {
		return domain.SenderIdentity{}
	}
	return cfg.Senders[idx%len(cfg.Senders)]
}

func senderDomainFor(cfg JobRuntimeConfig, cursor int) string {
	s := senderFor(cfg, cursor)
	return domainOf(s.Email)
}

func variantFor(variants []string, idx int) string {
	if len(variants) == 0 {
		return ""
	}
	return variants[idx%len(variants)]
}

func domainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
