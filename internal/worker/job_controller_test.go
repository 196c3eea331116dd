package worker

import (
	"context"
	"testing"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

type fakeJobRegistry struct {
	byID       map[string]*domain.Job
	byCampaign map[string]*domain.Job
	created    []*domain.Job
	deleted    []string
}

func newFakeJobRegistry() *fakeJobRegistry {
	return &fakeJobRegistry{byID: make(map[string]*domain.Job), byCampaign: make(map[string]*domain.Job)}
}

func (f *fakeJobRegistry) Create(ctx context.Context, job *domain.Job) error {
	f.byID[job.ID] = job
	f.byCampaign[job.CampaignID] = job
	f.created = append(f.created, job)
	return nil
}

func (f *fakeJobRegistry) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	return f.byID[jobID], nil
}

func (f *fakeJobRegistry) ActiveForCampaign(ctx context.Context, campaignID string) (*domain.Job, error) {
	j := f.byCampaign[campaignID]
	if j != nil && !j.Status.IsActive() {
		return nil, nil
	}
	return j, nil
}

func (f *fakeJobRegistry) Delete(ctx context.Context, jobID string) error {
	f.deleted = append(f.deleted, jobID)
	delete(f.byID, jobID)
	return nil
}

type fakeOutcomeDeleter struct {
	deletedFor []string
}

func (f *fakeOutcomeDeleter) DeleteByJob(ctx context.Context, jobID string) error {
	f.deletedFor = append(f.deletedFor, jobID)
	return nil
}

type fakeJobLauncher struct {
	launched []*domain.Job
}

func (f *fakeJobLauncher) Launch(job *domain.Job, spec domain.JobSpec) {
	f.launched = append(f.launched, job)
}

type controllerJobMutator struct {
	jobs map[string]*domain.Job
}

func (m *controllerJobMutator) MutateJob(ctx context.Context, jobID string, fn func(j *domain.Job)) error {
	j, ok := m.jobs[jobID]
	if !ok {
		return &NotFoundError{JobID: jobID}
	}
	fn(j)
	return nil
}

func newControllerFixture(t *testing.T) (*JobController, *fakeJobRegistry, *fakeJobLauncher, func()) {
	t.Helper()
	client, cleanup := setupTestRedis(t)
	registry := newFakeJobRegistry()
	launcher := &fakeJobLauncher{}
	mutator := &controllerJobMutator{jobs: registry.byID}
	outcomes := &fakeOutcomeDeleter{}
	ctrl := NewJobController(registry, mutator, outcomes, launcher, client, nil)
	return ctrl, registry, launcher, cleanup
}

func TestJobController_StartCreatesAndLaunchesJob(t *testing.T) {
	ctrl, registry, launcher, cleanup := newControllerFixture(t)
	defer cleanup()

	spec := domain.JobSpec{CampaignID: "campaign1", SMTPHost: "smtp.example.com", Recipients: []string{"a@example.com", "b@example.org"}}
	job, err := ctrl.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if job.Total != 2 {
		t.Errorf("Start() job.Total = %d, want 2", job.Total)
	}
	if job.Status != domain.JobQueued {
		t.Errorf("Start() job.Status = %q, want queued", job.Status)
	}
	if len(registry.created) != 1 {
		t.Errorf("Create() called %d times, want 1", len(registry.created))
	}
	if len(launcher.launched) != 1 {
		t.Errorf("Launch() called %d times, want 1", len(launcher.launched))
	}
}

func TestJobController_StartRejectsConcurrentStartForSameCampaign(t *testing.T) {
	ctrl, registry, _, cleanup := newControllerFixture(t)
	defer cleanup()

	active := domain.NewJob("existingjob01", "campaign1", "smtp.example.com")
	active.Status = domain.JobRunning
	registry.byCampaign["campaign1"] = active
	registry.byID[active.ID] = active

	spec := domain.JobSpec{CampaignID: "campaign1", SMTPHost: "smtp.example.com"}
	_, err := ctrl.Start(context.Background(), spec)
	if _, ok := err.(*ConflictError); !ok {
		t.Errorf("Start() error = %v (%T), want *ConflictError", err, err)
	}
}

func TestJobController_StartAllowsForceNewJobWhenNoActiveJobRemains(t *testing.T) {
	ctrl, registry, launcher, cleanup := newControllerFixture(t)
	defer cleanup()

	stale := domain.NewJob("stalejob0001", "campaign1", "smtp.example.com")
	stale.Status = domain.JobDone
	registry.byCampaign["campaign1"] = stale
	registry.byID[stale.ID] = stale

	spec := domain.JobSpec{CampaignID: "campaign1", SMTPHost: "smtp.example.com", ForceNewJob: true}
	job, err := ctrl.Start(context.Background(), spec)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if len(launcher.launched) != 1 || launcher.launched[0].ID != job.ID {
		t.Errorf("Start() did not launch the newly created job")
	}
}

func TestJobController_PauseResumeStopTransitionJobState(t *testing.T) {
	ctrl, registry, _, cleanup := newControllerFixture(t)
	defer cleanup()

	job := domain.NewJob("pauseresume1", "campaign2", "smtp.example.com")
	job.Status = domain.JobRunning
	registry.byID[job.ID] = job

	if err := ctrl.Pause(context.Background(), job.ID); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if !job.Paused || job.Status != domain.JobPaused {
		t.Errorf("after Pause(): Paused=%v Status=%q, want Paused=true Status=paused", job.Paused, job.Status)
	}

	if err := ctrl.Resume(context.Background(), job.ID); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if job.Paused || job.Status != domain.JobRunning {
		t.Errorf("after Resume(): Paused=%v Status=%q, want Paused=false Status=running", job.Paused, job.Status)
	}

	if err := ctrl.Stop(context.Background(), job.ID, "operator request"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if !job.StopRequested || job.LastError != "operator request" {
		t.Errorf("after Stop(): StopRequested=%v LastError=%q", job.StopRequested, job.LastError)
	}
}

func TestJobController_TransitionOnUnknownJobReturnsNotFoundError(t *testing.T) {
	ctrl, _, _, cleanup := newControllerFixture(t)
	defer cleanup()

	err := ctrl.Pause(context.Background(), "doesnotexist")
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("Pause() on unknown job error = %v (%T), want *NotFoundError", err, err)
	}
}

func TestJobController_DeleteStopsActiveJobAndRemovesOutcomes(t *testing.T) {
	ctrl, registry, _, cleanup := newControllerFixture(t)
	defer cleanup()

	job := domain.NewJob("deleteactive", "campaign3", "smtp.example.com")
	job.Status = domain.JobRunning
	registry.byID[job.ID] = job

	outcomes := ctrl.outcomes.(*fakeOutcomeDeleter)
	if err := ctrl.Delete(context.Background(), job.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !job.StopRequested {
		t.Error("Delete() of an active job did not request a stop first")
	}
	if len(outcomes.deletedFor) != 1 || outcomes.deletedFor[0] != job.ID {
		t.Errorf("DeleteByJob() calls = %v, want [%s]", outcomes.deletedFor, job.ID)
	}
	if len(registry.deleted) != 1 || registry.deleted[0] != job.ID {
		t.Errorf("registry.Delete() calls = %v, want [%s]", registry.deleted, job.ID)
	}
}

func TestJobController_StatusReturnsNotFoundForUnknownJob(t *testing.T) {
	ctrl, _, _, cleanup := newControllerFixture(t)
	defer cleanup()

	_, err := ctrl.Status(context.Background(), "doesnotexist")
	if _, ok := err.(*NotFoundError); !ok {
		t.Errorf("Status() error = %v (%T), want *NotFoundError", err, err)
	}
}
