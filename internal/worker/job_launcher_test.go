package worker

import (
	"context"
	"testing"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

func TestStaticConfigSource_SetAndGet(t *testing.T) {
	src := NewStaticConfigSource()
	src.Set("job-1", JobRuntimeConfig{SMTPHost: "mta.example.com", ChunkSize: 200})

	cfg, err := src.JobConfig(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("JobConfig() error: %v", err)
	}
	if cfg.SMTPHost != "mta.example.com" || cfg.ChunkSize != 200 {
		t.Errorf("JobConfig() = %+v, want the installed config", cfg)
	}
}

func TestStaticConfigSource_UnknownJobReturnsZeroValue(t *testing.T) {
	src := NewStaticConfigSource()
	cfg, err := src.JobConfig(context.Background(), "missing")
	if err != nil {
		t.Fatalf("JobConfig() error: %v", err)
	}
	if cfg != (JobRuntimeConfig{}) {
		t.Errorf("JobConfig() for unknown job = %+v, want zero value", cfg)
	}
}

func TestStaticConfigSource_Update(t *testing.T) {
	src := NewStaticConfigSource()
	src.Set("job-1", JobRuntimeConfig{ThreadWorkers: 4})

	src.Update("job-1", func(cfg *JobRuntimeConfig) { cfg.ThreadWorkers = 8 })

	cfg, _ := src.JobConfig(context.Background(), "job-1")
	if cfg.ThreadWorkers != 8 {
		t.Errorf("Update() left ThreadWorkers = %d, want 8", cfg.ThreadWorkers)
	}
}

func TestStaticConfigSource_Forget(t *testing.T) {
	src := NewStaticConfigSource()
	src.Set("job-1", JobRuntimeConfig{ChunkSize: 1})
	src.Forget("job-1")

	cfg, _ := src.JobConfig(context.Background(), "job-1")
	if cfg != (JobRuntimeConfig{}) {
		t.Errorf("JobConfig() after Forget() = %+v, want zero value", cfg)
	}
}

type fakeJobGetter struct {
	job *domain.Job
	err error
}

func (f *fakeJobGetter) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return f.job, f.err
}

func TestStoreBackedStopSource_ReflectsStopRequested(t *testing.T) {
	getter := &fakeJobGetter{job: &domain.Job{ID: "job-1", StopRequested: true}}
	src := NewStoreBackedStopSource(getter)

	if !src.ShouldStop("job-1") {
		t.Error("ShouldStop() = false, want true when StopRequested is set")
	}
}

func TestStoreBackedStopSource_FalseWhenNotRequested(t *testing.T) {
	getter := &fakeJobGetter{job: &domain.Job{ID: "job-1"}}
	src := NewStoreBackedStopSource(getter)

	if src.ShouldStop("job-1") {
		t.Error("ShouldStop() = true, want false")
	}
}

func TestStoreBackedStopSource_FalseOnError(t *testing.T) {
	getter := &fakeJobGetter{err: context.DeadlineExceeded}
	src := NewStoreBackedStopSource(getter)

	if src.ShouldStop("job-1") {
		t.Error("ShouldStop() = true on lookup error, want false (fail open on a single query glitch)")
	}
}

func TestRuntimeConfigFromSpec(t *testing.T) {
	spec := domain.JobSpec{
		SMTPHost:      "mta.example.com",
		SMTPPort:      25,
		ChunkSize:     500,
		ThreadWorkers: 10,
		Recipients:    []string{"a@example.com", "b@example.com"},
	}

	cfg := runtimeConfigFromSpec(spec)
	if cfg.SMTPHost != spec.SMTPHost || cfg.SMTPPort != spec.SMTPPort || cfg.ChunkSize != spec.ChunkSize || cfg.ThreadWorkers != spec.ThreadWorkers {
		t.Errorf("runtimeConfigFromSpec() = %+v, fields don't match spec", cfg)
	}
}
