package worker

import (
	"context"
	"sync"

	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pkg/logger"
)

// StaticConfigSource holds the JobRuntimeConfig each job was started with.
// It satisfies ConfigSource directly; hot-reload of a live job's rendering
// and throttling knobs is done by calling Update with a new config (e.g.
// from an operator edit), which the Scheduler picks up at its next
// per-chunk liveConfig read.
type StaticConfigSource struct {
	mu      sync.Mutex
	configs map[string]JobRuntimeConfig
}

// NewStaticConfigSource constructs an empty config source.
func NewStaticConfigSource() *StaticConfigSource {
	return &StaticConfigSource{configs: make(map[string]JobRuntimeConfig)}
}

// Set installs or replaces jobID's runtime config.
func (s *StaticConfigSource) Set(jobID string, cfg JobRuntimeConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[jobID] = cfg
}

// Update applies fn to jobID's current config in place, for a partial
// operator edit (e.g. changing thread_workers mid-run).
func (s *StaticConfigSource) Update(jobID string, fn func(cfg *JobRuntimeConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.configs[jobID]
	fn(&cfg)
	s.configs[jobID] = cfg
}

// JobConfig implements ConfigSource.
func (s *StaticConfigSource) JobConfig(ctx context.Context, jobID string) (JobRuntimeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.configs[jobID], nil
}

// Forget drops jobID's config, used after delete().
func (s *StaticConfigSource) Forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, jobID)
}

// JobGetter fetches a job's current durable state by id.
type JobGetter interface {
	Get(ctx context.Context, jobID string) (*domain.Job, error)
}

// StoreBackedStopSource implements PauseStopSource by reading the job's
// persisted stop_requested flag, so the Sender Pool's between-recipient
// cancellation check sees the same durable state the Scheduler's own
// suspension points read.
type StoreBackedStopSource struct {
	store JobGetter
}

// NewStoreBackedStopSource constructs a PauseStopSource over store.
func NewStoreBackedStopSource(store JobGetter) *StoreBackedStopSource {
	return &StoreBackedStopSource{store: store}
}

// ShouldStop implements PauseStopSource.
func (s *StoreBackedStopSource) ShouldStop(jobID string) bool {
	job, err := s.store.Get(context.Background(), jobID)
	if err != nil || job == nil {
		return false
	}
	return job.StopRequested
}

func runtimeConfigFromSpec(spec domain.JobSpec) JobRuntimeConfig {
	return JobRuntimeConfig{
		SMTPHost:      spec.SMTPHost,
		SMTPPort:      spec.SMTPPort,
		Security:      spec.Security,
		Username:      spec.Username,
		Password:      spec.Password,
		ReplyTo:       spec.ReplyTo,
		Senders:       spec.Senders,
		Subjects:      spec.Subjects,
		Bodies:        spec.Bodies,
		URLPool:       spec.URLPool,
		SrcPool:       spec.SrcPool,
		ChunkSize:     spec.ChunkSize,
		ThreadWorkers: spec.ThreadWorkers,
		DelaySeconds:  spec.DelaySeconds,
		SleepChunks:   spec.SleepChunks,
		SpamThreshold: spec.SpamThreshold,
	}
}

// SchedulerLauncher implements JobLauncher by installing the job's runtime
// config into a StaticConfigSource and running the Scheduler loop in its
// own goroutine until the job drains, is stopped, or the process shuts
// down via ctx.
//
// Grounded on the teacher's campaign_scheduler.go processCampaign pattern
// of one goroutine per unit of work tracked by a WaitGroup.
type SchedulerLauncher struct {
	ctx       context.Context
	scheduler *Scheduler
	configs   *StaticConfigSource
	persist   *JobPersistence

	wg sync.WaitGroup
}

// NewSchedulerLauncher constructs a launcher bound to ctx; canceling ctx
// (process shutdown) stops every job's Scheduler loop at its next
// suspension point.
func NewSchedulerLauncher(ctx context.Context, scheduler *Scheduler, configs *StaticConfigSource, persist *JobPersistence) *SchedulerLauncher {
	return &SchedulerLauncher{ctx: ctx, scheduler: scheduler, configs: configs, persist: persist}
}

// Launch starts job's Scheduler loop in a new goroutine.
func (l *SchedulerLauncher) Launch(job *domain.Job, spec domain.JobSpec) {
	l.configs.Set(job.ID, runtimeConfigFromSpec(spec))

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.scheduler.Run(l.ctx, job, spec.Recipients); err != nil {
			logger.Warn("scheduler run ended with error", "job_id", job.ID, "error", err.Error())
		}
		if l.persist != nil {
			if err := l.persist.Record(l.ctx, job, true); err != nil {
				logger.Warn("final job snapshot write failed", "job_id", job.ID, "error", err.Error())
			}
		}
		l.configs.Forget(job.ID)
	}()
}

// Wait blocks until every launched Scheduler loop has returned, for
// graceful shutdown.
func (l *SchedulerLauncher) Wait() {
	l.wg.Wait()
}
