package pmta

import (
	"context"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// PressureThresholds holds the leveling knobs for the Pressure Controller.
// Defaults match SPEC_FULL.md §4.6's indicative values. A controller keeps
// the thresholds it was constructed with; it does not read the Config Store.
type PressureThresholds struct {
	QueuedL1, QueuedL2, QueuedL3     int
	SpoolL1, SpoolL2, SpoolL3        int
	DeferredL1, DeferredL2, DeferredL3 int

	BadRatioL1, BadRatioL2, BadRatioL3 float64
	FourXXRatioL1, FourXXRatioL2      float64
	FiveXXRatioL2, FiveXXRatioL3      float64
	ComplaintsL3                       int

	SpeedUpMinSamples int
	SpeedUpMaxBad     float64
}

// DefaultPressureThresholds returns the SPEC_FULL.md §4.6 defaults.
func DefaultPressureThresholds() PressureThresholds {
	return PressureThresholds{
		QueuedL1: 50_000, QueuedL2: 120_000, QueuedL3: 250_000,
		SpoolL1: 30_000, SpoolL2: 80_000, SpoolL3: 160_000,
		DeferredL1: 200, DeferredL2: 800, DeferredL3: 2000,

		BadRatioL1: 0.10, BadRatioL2: 0.20, BadRatioL3: 0.35,
		FourXXRatioL1: 0.12, FourXXRatioL2: 0.30,
		FiveXXRatioL2: 0.10, FiveXXRatioL3: 0.20,
		ComplaintsL3: 3,

		SpeedUpMinSamples: 80,
		SpeedUpMaxBad:     0.03,
	}
}

// levelCaps maps a pressure level to its per-level caps, indicative
// defaults from SPEC_FULL.md §4.6. Level 0 applies no caps.
var levelCaps = map[int]domain.PressureCaps{
	1: {Workers: 8, ChunkSize: 220, DelaySec: 0.05, SleepChunks: 0},
	2: {Workers: 4, ChunkSize: 120, DelaySec: 0.20, SleepChunks: 0.3},
	3: {Workers: 2, ChunkSize: 60, DelaySec: 0.6, SleepChunks: 1.0},
}

// MonitorSnapshot is the subset of MTA Monitor data the Pressure Controller
// needs, gathered once per evaluation to bound the number of HTTP calls.
type MonitorSnapshot struct {
	QueuedRecipients   int
	SpoolRecipients    int
	DeferredTotal      int
	MonitorUnreachable bool
}

// PressureController derives scheduling caps from MTA monitor signals and
// recent SMTP outcomes, combining the worst of the two per SPEC_FULL.md
// §4.6. It is the Go fusion of the teacher's advanced_throttle.go
// (bounce/complaint-ratio AutoAdjustThrottles tiering) and collector.go
// (monitor polling cadence).
type PressureController struct {
	thresholds PressureThresholds
	client     *Client
}

// NewPressureController constructs a controller. client may be nil, in
// which case monitor-derived levels are always 0 (treated as ok).
func NewPressureController(client *Client, thresholds PressureThresholds) *PressureController {
	return &PressureController{client: client, thresholds: thresholds}
}

// Evaluate computes a PressurePolicy from a monitor snapshot and the job's
// reconciled counters plus recent SMTP send outcomes (bounded to the last
// ~140 results per §4.6).
func (pc *PressureController) Evaluate(snap MonitorSnapshot, job *domain.Job) domain.PressurePolicy {
	monitorLevel := pc.monitorLevel(snap)
	outcomeLevel, bad, fourxx, fivexx, complaints := pc.outcomeLevel(job)

	level := monitorLevel
	if outcomeLevel > level {
		level = outcomeLevel
	}

	if level == 0 && pc.canSpeedUp(job, bad, fivexx) {
		return domain.PressurePolicy{
			Level:  0,
			Action: domain.ActionSpeedUp,
			Applied: domain.PressureCaps{
				Workers:     0, // not read: on ActionSpeedUp the Scheduler raises workers by one and chunk size ×1.2
				ChunkSize:   0,
				DelaySec:    -0.7, // not read: on ActionSpeedUp the Scheduler scales delay ×0.7
				SleepChunks: 0,
			},
			Reason: "speed_up: sustained low bad-ratio and zero 5xx over recent window",
		}
	}

	if level == 0 {
		return domain.PressurePolicy{Level: 0, Action: domain.ActionSteady, Reason: "within all thresholds"}
	}

	action := domain.ActionSoftSlowdown
	switch level {
	case 2:
		action = domain.ActionSlowdown
	case 3:
		action = domain.ActionHardSlowdown
	}

	return domain.PressurePolicy{
		Level:  level,
		Action: action,
		Applied: levelCaps[level],
		Reason: pressureReason(level, snap, bad, fourxx, fivexx, complaints),
	}
}

func (pc *PressureController) monitorLevel(snap MonitorSnapshot) int {
	if snap.MonitorUnreachable {
		return 0
	}
	t := pc.thresholds
	level := 0
	if snap.QueuedRecipients >= t.QueuedL3 || snap.SpoolRecipients >= t.SpoolL3 || snap.DeferredTotal >= t.DeferredL3 {
		level = 3
	} else if snap.QueuedRecipients >= t.QueuedL2 || snap.SpoolRecipients >= t.SpoolL2 || snap.DeferredTotal >= t.DeferredL2 {
		level = 2
	} else if snap.QueuedRecipients >= t.QueuedL1 || snap.SpoolRecipients >= t.SpoolL1 || snap.DeferredTotal >= t.DeferredL1 {
		level = 1
	}
	return level
}

// outcomeLevel computes the bad/4xx/5xx ratios per §4.6: bounced+complained+
// 0.6·deferred over total reconciled outcomes for the job, and the 4xx/5xx
// ratios as shares of the failed results among the last 140 recent SMTP
// send results.
func (pc *PressureController) outcomeLevel(job *domain.Job) (level int, bad, fourxx, fivexx float64, complaints int) {
	if job == nil {
		return 0, 0, 0, 0, 0
	}

	total := float64(job.Delivered + job.Bounced + job.Deferred + job.Complained)
	if total > 0 {
		bad = (float64(job.Bounced) + float64(job.Complained) + 0.6*float64(job.Deferred)) / total
	}
	complaints = job.Complained

	window := job.RecentResults
	if len(window) > 140 {
		window = window[len(window)-140:]
	}

	var failures, fourxxCount, fivexxCount float64
	for _, r := range window {
		if r.Success {
			continue
		}
		failures++
		switch r.Category {
		case domain.ErrRefused:
			fivexxCount++
		case domain.ErrTimeout, domain.ErrConnection:
			fourxxCount++
		}
	}
	if failures > 0 {
		fourxx = fourxxCount / failures
		fivexx = fivexxCount / failures
	}

	t := pc.thresholds
	switch {
	case complaints >= t.ComplaintsL3 || bad >= t.BadRatioL3 || fivexx >= t.FiveXXRatioL3:
		level = 3
	case bad >= t.BadRatioL2 || fivexx >= t.FiveXXRatioL2 || fourxx >= t.FourXXRatioL2:
		level = 2
	case bad >= t.BadRatioL1 || fourxx >= t.FourXXRatioL1:
		level = 1
	}
	return level, bad, fourxx, fivexx, complaints
}

func (pc *PressureController) canSpeedUp(job *domain.Job, bad, fivexx float64) bool {
	if job == nil || len(job.RecentResults) < pc.thresholds.SpeedUpMinSamples {
		return false
	}
	return bad <= pc.thresholds.SpeedUpMaxBad && fivexx == 0
}

func pressureReason(level int, snap MonitorSnapshot, bad, fourxx, fivexx float64, complaints int) string {
	switch {
	case complaints > 0:
		return "complaint count over threshold at this level"
	case snap.QueuedRecipients > 0 || snap.SpoolRecipients > 0 || snap.DeferredTotal > 0:
		return "monitor queue/spool/deferred threshold exceeded"
	default:
		return "outcome bad/4xx/5xx ratio threshold exceeded"
	}
}

// EvaluateChunkPolicy examines a target domain's drilldown data and returns
// a go/slow/block decision for the Preflight Gate, per §4.6's chunk-scoped
// MTA policy. strict controls whether an unreachable monitor is treated as
// blocking (true) or permissive (false, the default).
func (pc *PressureController) EvaluateChunkPolicy(ctx context.Context, targetDomain string, strict bool) domain.PreflightOutcome {
	if pc.client == nil {
		if strict {
			return domain.PreflightBlock
		}
		return domain.PreflightAllow
	}

	detail, err := pc.client.GetDomainDetail(targetDomain)
	if err != nil {
		if strict {
			return domain.PreflightBlock
		}
		return domain.PreflightAllow
	}

	if detail.Deferred >= pc.thresholds.DeferredL3 {
		return domain.PreflightBlock
	}
	if detail.Deferred >= pc.thresholds.DeferredL1 {
		return domain.PreflightSlow
	}
	return domain.PreflightAllow
}
