package domain

import "time"

// JobStatus enumerates the lifecycle states of a send job.
type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobBackoff JobStatus = "backoff"
	JobPaused  JobStatus = "paused"
	JobStopped JobStatus = "stopped"
	JobDone    JobStatus = "done"
	JobError   JobStatus = "error"
)

// IsTerminal reports whether status is one from which a job never resumes.
func (s JobStatus) IsTerminal() bool {
	return s == JobDone || s == JobError || s == JobStopped
}

// IsActive reports whether a job in this status is still being worked by a scheduler.
func (s JobStatus) IsActive() bool {
	return s == JobQueued || s == JobRunning || s == JobBackoff || s == JobPaused
}

// SenderIdentity is a (name, email) pair a scheduler rotates through for a job.
type SenderIdentity struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// SecurityMode is the SMTP transport security mode for a Sender Pool connection.
type SecurityMode string

const (
	SecurityNone     SecurityMode = "none"
	SecurityPlain    SecurityMode = "plain"
	SecurityStartTLS SecurityMode = "starttls"
	SecuritySSL      SecurityMode = "ssl"
)

// JobSpec is the caller-supplied definition used to start a job.
type JobSpec struct {
	CampaignID    string           `json:"campaign_id"`
	SMTPHost      string           `json:"smtp_host"`
	SMTPPort      int              `json:"smtp_port"`
	Security      SecurityMode     `json:"security"`
	Username      string           `json:"username"`
	Password      string           `json:"password"`
	Recipients    []string         `json:"recipients"`
	Senders       []SenderIdentity `json:"senders"`
	Subjects      []string         `json:"subjects"`
	Bodies        []string         `json:"bodies"`
	URLPool       []string         `json:"url_pool"`
	SrcPool       []string         `json:"src_pool"`
	ReplyTo       string           `json:"reply_to"`
	ChunkSize     int              `json:"chunk_size"`
	ThreadWorkers int              `json:"thread_workers"`
	DelaySeconds  float64          `json:"delay_s"`
	SleepChunks   float64          `json:"sleep_chunks"`
	SpamThreshold float64          `json:"spam_threshold"`
	ForceNewJob   bool             `json:"force_new_job"`
}

// DomainCounters tracks per-receiver-domain planned/sent/failed totals.
type DomainCounters struct {
	Planned map[string]int `json:"planned"`
	Sent    map[string]int `json:"sent"`
	Failed  map[string]int `json:"failed"`
}

// NewDomainCounters returns an initialized, empty DomainCounters.
func NewDomainCounters() DomainCounters {
	return DomainCounters{
		Planned: make(map[string]int),
		Sent:    make(map[string]int),
		Failed:  make(map[string]int),
	}
}

// ErrorCategory classifies a send failure for the per-category histogram.
type ErrorCategory string

const (
	ErrTimeout    ErrorCategory = "timeout"
	ErrAuth       ErrorCategory = "auth"
	ErrRefused    ErrorCategory = "refused"
	ErrDNS        ErrorCategory = "dns"
	ErrConnection ErrorCategory = "connection"
	ErrOther      ErrorCategory = "other"
)

// RecentResult is one bounded-ring entry of a per-recipient send attempt.
type RecentResult struct {
	Recipient string        `json:"recipient"`
	Domain    string        `json:"domain"`
	Success   bool          `json:"success"`
	Category  ErrorCategory `json:"category,omitempty"`
	MessageID string        `json:"message_id,omitempty"`
	At        time.Time     `json:"at"`
}

// ChunkState is one bounded-ring entry describing a chunk's terminal transition.
type ChunkState string

const (
	ChunkRunning         ChunkState = "running"
	ChunkDone            ChunkState = "done"
	ChunkDoneAfterBackoff ChunkState = "done_after_backoff"
	ChunkBackoff         ChunkState = "backoff"
	ChunkDeferred        ChunkState = "deferred"
	ChunkAbandoned       ChunkState = "abandoned"
)

// ChunkTransition records one chunk's lifecycle event for the bounded ring.
type ChunkTransition struct {
	Index          int            `json:"index"`
	ReceiverDomain string         `json:"receiver_domain"`
	SenderDomain   string         `json:"sender_domain"`
	Size           int            `json:"size"`
	Attempt        int            `json:"attempt"`
	State          ChunkState     `json:"state"`
	Sender         SenderIdentity `json:"sender"`
	At             time.Time      `json:"at"`
}

// OutcomeBucket is one per-minute bucket of the job's outcome time series.
type OutcomeBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Delivered   int       `json:"delivered"`
	Bounced     int       `json:"bounced"`
	Deferred    int       `json:"deferred"`
	Complained  int       `json:"complained"`
}

// ResponseClass classifies a reconciled event's underlying SMTP/DSN response.
type ResponseClass string

const (
	RespAccepted        ResponseClass = "accepted"
	RespTemporaryError  ResponseClass = "temporary_error"
	RespBlocked         ResponseClass = "blocked"
)

// ErrorSample is one bounded-ring entry of a recent non-accepted reconciled response.
type ErrorSample struct {
	Recipient string        `json:"recipient"`
	Class     ResponseClass `json:"class"`
	DSNStatus string        `json:"dsn_status,omitempty"`
	DSNDiag   string        `json:"dsn_diag,omitempty"`
	At        time.Time     `json:"at"`
}

// Job is the mutable aggregate tracked by the Job Controller/Scheduler/Reconciler.
type Job struct {
	ID         string    `json:"id"`
	CampaignID string    `json:"campaign_id"`
	CreatedAt  time.Time `json:"created_at"`
	SMTPHost   string    `json:"smtp_host"`

	Status JobStatus `json:"status"`

	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Invalid   int `json:"invalid"`
	Delivered int `json:"delivered"`
	Bounced   int `json:"bounced"`
	Deferred  int `json:"deferred"`
	Complained int `json:"complained"`

	DomainPlan   map[string]int `json:"domain_plan"`
	DomainSent   map[string]int `json:"domain_sent"`
	DomainFailed map[string]int `json:"domain_failed"`

	ChunksTotal     int `json:"chunks_total"`
	ChunksDone      int `json:"chunks_done"`
	ChunksBackoff   int `json:"chunks_backoff"`
	ChunksAbandoned int `json:"chunks_abandoned"`

	RecentResults    []RecentResult     `json:"recent_results"`
	ChunkTransitions []ChunkTransition  `json:"chunk_transitions"`
	OutcomeSeries    []OutcomeBucket    `json:"outcome_series"`
	ErrorSamples     []ErrorSample      `json:"error_samples"`
	ErrorCategories  map[ErrorCategory]int `json:"error_categories"`

	SpamThreshold float64 `json:"spam_threshold"`
	LastError     string  `json:"last_error,omitempty"`

	Paused        bool `json:"paused"`
	StopRequested bool `json:"stop_requested"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewJob constructs a Job in the queued state with initialized maps/rings.
func NewJob(id, campaignID, smtpHost string) *Job {
	now := time.Now()
	return &Job{
		ID:              id,
		CampaignID:      campaignID,
		CreatedAt:       now,
		UpdatedAt:       now,
		SMTPHost:        smtpHost,
		Status:          JobQueued,
		DomainPlan:      make(map[string]int),
		DomainSent:      make(map[string]int),
		DomainFailed:    make(map[string]int),
		ErrorCategories: make(map[ErrorCategory]int),
	}
}

// OutcomeStatus is the reconciled per-(job,recipient) status.
type OutcomeStatus string

const (
	OutcomeDelivered  OutcomeStatus = "delivered"
	OutcomeDeferred   OutcomeStatus = "deferred"
	OutcomeBounced    OutcomeStatus = "bounced"
	OutcomeComplained OutcomeStatus = "complained"
)

// rank returns the promotion rank of a status: deferred is weakest, the three
// finals are equal rank and overwrite each other by arrival order only across
// distinct kinds.
func (s OutcomeStatus) rank() int {
	if s == OutcomeDeferred {
		return 0
	}
	return 1
}

// Dominates reports whether incoming should replace current under the
// promotion rule in SPEC_FULL.md §3: deferred is dominated by any final; a
// final is replaced only by a *different* final, never by deferred, and a
// repeat of the same kind is idempotent (does not count as a change).
func (incoming OutcomeStatus) Dominates(current OutcomeStatus) bool {
	if incoming == current {
		return false
	}
	if incoming.rank() < current.rank() {
		return false
	}
	if current.rank() == 1 && incoming.rank() == 1 {
		return true
	}
	return incoming.rank() > current.rank()
}

// RecipientOutcome is the row keyed by (JobID, Recipient) in the Outcome Store.
type RecipientOutcome struct {
	JobID      string        `json:"job_id"`
	Recipient  string        `json:"recipient"`
	Status     OutcomeStatus `json:"status"`
	FirstAt    time.Time     `json:"first_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
	DSNStatus  string        `json:"dsn_status,omitempty"`
	DSNDiag    string        `json:"dsn_diag,omitempty"`
}

// RecipientRegistryEntry maps a recipient to a candidate job for correlation
// when an accounting row carries only the recipient address.
type RecipientRegistryEntry struct {
	JobID      string    `json:"job_id"`
	Recipient  string    `json:"recipient"`
	CampaignID string    `json:"campaign_id"`
	FirstSeen  time.Time `json:"first_seen_at"`
	LastSeen   time.Time `json:"last_seen_at"`
}

// EventKind is the normalized kind of an accounting event.
type EventKind string

const (
	EventDelivered EventKind = "delivered"
	EventBounced   EventKind = "bounced"
	EventDeferred  EventKind = "deferred"
	EventComplained EventKind = "complained"
	EventUnknown   EventKind = "unknown"
)

// AccountingEvent is one normalized row produced by the Accounting Parser.
type AccountingEvent struct {
	Kind       EventKind `json:"kind"`
	Recipient  string    `json:"recipient"`
	JobID      string    `json:"job_id,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	DSNAction  string    `json:"dsn_action,omitempty"`
	DSNStatus  string    `json:"dsn_status,omitempty"`
	DSNDiag    string    `json:"dsn_diag,omitempty"`
	SourceFile string    `json:"source_file,omitempty"`
	Offset     int64     `json:"offset,omitempty"`
	Time       time.Time `json:"time,omitempty"`
}

// BridgeCursor is an opaque progress token for one append-only accounting file.
type BridgeCursor struct {
	Path   string `json:"path"`
	Inode  uint64 `json:"inode"`
	Offset int64  `json:"offset"`
	Mtime  int64  `json:"mtime"`
}

// ScopedBackoffKey identifies one (receiver_domain, sender_domain) pair.
type ScopedBackoffKey struct {
	ReceiverDomain string `json:"receiver_domain"`
	SenderDomain   string `json:"sender_domain"`
}

// String renders the key for use as a map/Redis key component.
func (k ScopedBackoffKey) String() string {
	return k.ReceiverDomain + "|" + k.SenderDomain
}

// BackoffState is the value stored per ScopedBackoffKey.
type BackoffState struct {
	NextRetryAt time.Time `json:"next_retry_ts"`
	Attempts    int       `json:"attempts"`
}

// PressureAction is the Pressure Controller's recommended action for a job tick.
type PressureAction string

const (
	ActionSteady       PressureAction = "steady"
	ActionSoftSlowdown PressureAction = "soft_slowdown"
	ActionSlowdown     PressureAction = "slowdown"
	ActionHardSlowdown PressureAction = "hard_slowdown"
	ActionSpeedUp      PressureAction = "speed_up"
)

// PressureCaps are the concrete caps/floors the scheduler must apply.
type PressureCaps struct {
	Workers     int     `json:"workers"`
	ChunkSize   int     `json:"chunk_size"`
	DelaySec    float64 `json:"delay_s"`
	SleepChunks float64 `json:"sleep_chunks"`
}

// PressurePolicy is the Pressure Controller's output for one scheduler tick.
type PressurePolicy struct {
	Level   int            `json:"level"`
	Action  PressureAction `json:"action"`
	Applied PressureCaps   `json:"applied"`
	Reason  string         `json:"reason"`
}

// PreflightOutcome is the Preflight Gate's per-chunk decision.
type PreflightOutcome string

const (
	PreflightAllow PreflightOutcome = "allow"
	PreflightSlow  PreflightOutcome = "slow"
	PreflightBlock PreflightOutcome = "block"
)

// PreflightDecision carries the gate's decision plus supporting detail.
type PreflightDecision struct {
	Outcome   PreflightOutcome `json:"outcome"`
	Reason    string           `json:"reason"`
	Score     float64          `json:"score"`
	Blacklisted bool           `json:"blacklisted"`
	DelayFloor  float64        `json:"delay_floor,omitempty"`
	WorkerCap   int            `json:"worker_cap,omitempty"`
}
