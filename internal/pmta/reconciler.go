package pmta

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/pkg/logger"
)

// messageIDPattern matches the Sender Pool's Message-ID format:
// <opaque.job_id.campaign_id.c<chunk>.w<worker>@host>
var messageIDPattern = regexp.MustCompile(`^<[^.]+\.([0-9a-fA-F]{12})\.([^.]+)\.c\d+\.w\d+@[^>]+>$`)

// legacyMessageIDPattern matches a two-group fallback some older senders emit:
// <job_id.campaign_id@host>
var legacyMessageIDPattern = regexp.MustCompile(`^<([0-9a-fA-F]{12})\.([^.@]+)@[^>]+>$`)

// JobLookup resolves jobs for the Reconciler's correlation chain.
type JobLookup interface {
	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	FindActiveJobByCampaign(ctx context.Context, campaignID string) (*domain.Job, error)
	FindJobByRecipient(ctx context.Context, recipient string) (*domain.Job, error)
}

// OutcomeStore persists per-(job,recipient) outcomes with promotion semantics.
type OutcomeStore interface {
	Get(ctx context.Context, jobID, recipient string) (*domain.RecipientOutcome, error)
	Put(ctx context.Context, outcome *domain.RecipientOutcome) error
}

// JobMutator applies bucket-counter and series mutations to a job. Kept
// separate from JobLookup so the Reconciler can be driven by a cache in
// front of the real job store.
type JobMutator interface {
	MutateJob(ctx context.Context, jobID string, fn func(j *domain.Job)) error
}

const outcomeBucketWidth = 60 * time.Second
const maxOutcomeBuckets = 180
const maxErrorSamples = 80

// Reconciler correlates a normalized accounting event to a job, applies the
// outcome promotion rule, and maintains per-minute and per-error-class
// rolling state on the job.
//
// A per-job mutex guards each job's counters so outcome promotion remains a
// single critical section, preserving the invariant that bucket counts equal
// the number of distinct recipients currently in each status.
type Reconciler struct {
	jobs     JobLookup
	outcomes OutcomeStore
	mutate   JobMutator

	jobLocksMu sync.Mutex
	jobLocks   map[string]*sync.Mutex
}

// NewReconciler constructs a Reconciler over the given stores.
func NewReconciler(jobs JobLookup, outcomes OutcomeStore, mutate JobMutator) *Reconciler {
	return &Reconciler{
		jobs:     jobs,
		outcomes: outcomes,
		mutate:   mutate,
		jobLocks: make(map[string]*sync.Mutex),
	}
}

// Apply resolves ev to a job and applies its outcome transition. It returns
// the resolved job id, or an empty string with a nil error when the event
// was dropped because no job could be resolved.
func (r *Reconciler) Apply(ctx context.Context, ev *domain.AccountingEvent) (string, error) {
	job, err := r.resolveJob(ctx, ev)
	if err != nil {
		return "", err
	}
	if job == nil {
		logger.Debug("reconciler dropped event", "reason", "job_not_found", "recipient", ev.Recipient)
		return "", nil
	}

	incoming := eventKindToOutcome(ev.Kind)
	if incoming == "" {
		return job.ID, nil
	}

	if err := r.applyOutcome(ctx, job.ID, ev, incoming); err != nil {
		return job.ID, err
	}
	return job.ID, nil
}

// resolveJob implements the job-resolution order from the job_id header,
// the message-id pattern, the campaign id, and finally the recipient
// registry.
func (r *Reconciler) resolveJob(ctx context.Context, ev *domain.AccountingEvent) (*domain.Job, error) {
	if ev.JobID != "" {
		job, err := r.jobs.GetJob(ctx, ev.JobID)
		if err == nil && job != nil {
			return job, nil
		}
	}

	if ev.MessageID != "" {
		if jobID, campaignID, ok := parseMessageID(ev.MessageID); ok {
			if job, err := r.jobs.GetJob(ctx, jobID); err == nil && job != nil {
				return job, nil
			}
			if campaignID != "" {
				if job, err := r.jobs.FindActiveJobByCampaign(ctx, campaignID); err == nil && job != nil {
					return job, nil
				}
			}
		}
	}

	if ev.CampaignID != "" {
		if job, err := r.jobs.FindActiveJobByCampaign(ctx, ev.CampaignID); err == nil && job != nil {
			return job, nil
		}
	}

	if ev.Recipient != "" {
		if job, err := r.jobs.FindJobByRecipient(ctx, ev.Recipient); err == nil && job != nil {
			return job, nil
		}
	}

	return nil, nil
}

// parseMessageID extracts (job_id, campaign_id) from a Sender Pool
// Message-ID header, trying the full correlation pattern first and the
// legacy two-group variant second.
func parseMessageID(messageID string) (jobID, campaignID string, ok bool) {
	messageID = strings.TrimSpace(messageID)
	if m := messageIDPattern.FindStringSubmatch(messageID); m != nil {
		return m[1], m[2], true
	}
	if m := legacyMessageIDPattern.FindStringSubmatch(messageID); m != nil {
		return m[1], m[2], true
	}
	return "", "", false
}

func eventKindToOutcome(kind domain.EventKind) domain.OutcomeStatus {
	switch kind {
	case domain.EventDelivered:
		return domain.OutcomeDelivered
	case domain.EventBounced:
		return domain.OutcomeBounced
	case domain.EventDeferred:
		return domain.OutcomeDeferred
	case domain.EventComplained:
		return domain.OutcomeComplained
	default:
		return ""
	}
}

func (r *Reconciler) lockFor(jobID string) *sync.Mutex {
	r.jobLocksMu.Lock()
	defer r.jobLocksMu.Unlock()
	l, ok := r.jobLocks[jobID]
	if !ok {
		l = &sync.Mutex{}
		r.jobLocks[jobID] = l
	}
	return l
}

// applyOutcome performs steps 2-5 of §4.3: promotion, bucket series,
// error-class classification, and marking the job dirty for persistence.
func (r *Reconciler) applyOutcome(ctx context.Context, jobID string, ev *domain.AccountingEvent, incoming domain.OutcomeStatus) error {
	lock := r.lockFor(jobID)
	lock.Lock()
	defer lock.Unlock()

	existing, err := r.outcomes.Get(ctx, jobID, ev.Recipient)
	if err != nil {
		return fmt.Errorf("load outcome: %w", err)
	}

	now := ev.Time
	if now.IsZero() {
		now = time.Now()
	}

	var previous domain.OutcomeStatus
	changed := true
	if existing != nil {
		previous = existing.Status
		changed = incoming.Dominates(previous)
	}

	if !changed && existing != nil {
		existing.UpdatedAt = now
		existing.DSNStatus = ev.DSNStatus
		existing.DSNDiag = ev.DSNDiag
		return r.outcomes.Put(ctx, existing)
	}

	out := &domain.RecipientOutcome{
		JobID:     jobID,
		Recipient: ev.Recipient,
		Status:    incoming,
		FirstAt:   now,
		UpdatedAt: now,
		DSNStatus: ev.DSNStatus,
		DSNDiag:   ev.DSNDiag,
	}
	if existing != nil {
		out.FirstAt = existing.FirstAt
	}
	if err := r.outcomes.Put(ctx, out); err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}

	respClass := classifyResponse(ev)

	return r.mutate.MutateJob(ctx, jobID, func(j *domain.Job) {
		if existing != nil {
			decrementBucket(j, previous)
		}
		incrementBucket(j, incoming)

		appendOutcomeBucket(j, now, incoming)

		if respClass != domain.RespAccepted {
			j.ErrorSamples = append(j.ErrorSamples, domain.ErrorSample{
				Recipient: ev.Recipient,
				Class:     respClass,
				DSNStatus: ev.DSNStatus,
				DSNDiag:   ev.DSNDiag,
				At:        now,
			})
			if len(j.ErrorSamples) > maxErrorSamples {
				j.ErrorSamples = j.ErrorSamples[len(j.ErrorSamples)-maxErrorSamples:]
			}
		}

		j.UpdatedAt = now
	})
}

func decrementBucket(j *domain.Job, status domain.OutcomeStatus) {
	switch status {
	case domain.OutcomeDelivered:
		if j.Delivered > 0 {
			j.Delivered--
		}
	case domain.OutcomeBounced:
		if j.Bounced > 0 {
			j.Bounced--
		}
	case domain.OutcomeDeferred:
		if j.Deferred > 0 {
			j.Deferred--
		}
	case domain.OutcomeComplained:
		if j.Complained > 0 {
			j.Complained--
		}
	}
}

func incrementBucket(j *domain.Job, status domain.OutcomeStatus) {
	switch status {
	case domain.OutcomeDelivered:
		j.Delivered++
	case domain.OutcomeBounced:
		j.Bounced++
	case domain.OutcomeDeferred:
		j.Deferred++
	case domain.OutcomeComplained:
		j.Complained++
	}
}

// appendOutcomeBucket rolls the event into the per-minute series, merging
// into the current bucket when it shares the same floor(time/60s) start.
func appendOutcomeBucket(j *domain.Job, at time.Time, status domain.OutcomeStatus) {
	start := at.Truncate(outcomeBucketWidth)

	var bucket *domain.OutcomeBucket
	if n := len(j.OutcomeSeries); n > 0 && j.OutcomeSeries[n-1].BucketStart.Equal(start) {
		bucket = &j.OutcomeSeries[n-1]
	} else {
		j.OutcomeSeries = append(j.OutcomeSeries, domain.OutcomeBucket{BucketStart: start})
		if len(j.OutcomeSeries) > maxOutcomeBuckets {
			j.OutcomeSeries = j.OutcomeSeries[len(j.OutcomeSeries)-maxOutcomeBuckets:]
		}
		bucket = &j.OutcomeSeries[len(j.OutcomeSeries)-1]
	}

	switch status {
	case domain.OutcomeDelivered:
		bucket.Delivered++
	case domain.OutcomeBounced:
		bucket.Bounced++
	case domain.OutcomeDeferred:
		bucket.Deferred++
	case domain.OutcomeComplained:
		bucket.Complained++
	}
}

// classifyResponse maps DSN/status fields on the event into the
// accepted/temporary_error/blocked taxonomy used for error-rate signals.
func classifyResponse(ev *domain.AccountingEvent) domain.ResponseClass {
	code := ev.DSNStatus
	if code == "" {
		code = ev.DSNAction
	}
	code = strings.TrimSpace(code)

	switch {
	case ev.Kind == domain.EventDelivered:
		return domain.RespAccepted
	case strings.HasPrefix(code, "4"):
		return domain.RespTemporaryError
	case strings.HasPrefix(code, "5"):
		return domain.RespBlocked
	case ev.Kind == domain.EventDeferred:
		return domain.RespTemporaryError
	case ev.Kind == domain.EventBounced, ev.Kind == domain.EventComplained:
		return domain.RespBlocked
	default:
		return domain.RespAccepted
	}
}
