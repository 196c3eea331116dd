package pmta

import (
	"context"
	"testing"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

func TestPressureController_Evaluate_SteadyWhenWithinAllThresholds(t *testing.T) {
	pc := NewPressureController(nil, DefaultPressureThresholds())
	job := domain.NewJob("abcdef012345", "campaign1", "smtp.example.com")

	policy := pc.Evaluate(MonitorSnapshot{}, job)
	if policy.Level != 0 || policy.Action != domain.ActionSteady {
		t.Errorf("Evaluate() = %+v, want level=0 action=steady", policy)
	}
}

func TestPressureController_Evaluate_MonitorQueueThresholdEscalates(t *testing.T) {
	pc := NewPressureController(nil, DefaultPressureThresholds())
	job := domain.NewJob("abcdef012345", "campaign1", "smtp.example.com")

	snap := MonitorSnapshot{QueuedRecipients: 300_000}
	policy := pc.Evaluate(snap, job)
	if policy.Level != 3 || policy.Action != domain.ActionHardSlowdown {
		t.Errorf("Evaluate() = %+v, want level=3 action=hard_slowdown", policy)
	}
	if policy.Applied != levelCaps[3] {
		t.Errorf("Evaluate() Applied = %+v, want level 3 caps %+v", policy.Applied, levelCaps[3])
	}
}

func TestPressureController_Evaluate_UnreachableMonitorNeverEscalates(t *testing.T) {
	pc := NewPressureController(nil, DefaultPressureThresholds())
	job := domain.NewJob("abcdef012345", "campaign1", "smtp.example.com")

	snap := MonitorSnapshot{QueuedRecipients: 999_999, MonitorUnreachable: true}
	policy := pc.Evaluate(snap, job)
	if policy.Level != 0 {
		t.Errorf("Evaluate() with unreachable monitor level = %d, want 0", policy.Level)
	}
}

func TestPressureController_Evaluate_BadOutcomeRatioEscalates(t *testing.T) {
	pc := NewPressureController(nil, DefaultPressureThresholds())
	job := domain.NewJob("abcdef012345", "campaign1", "smtp.example.com")
	job.Bounced = 40
	job.Delivered = 60

	policy := pc.Evaluate(MonitorSnapshot{}, job)
	if policy.Level != 3 {
		t.Errorf("Evaluate() with 40%% bounce ratio level = %d, want 3 (bad ratio 0.4 >= BadRatioL3 0.35)", policy.Level)
	}
	if policy.Action != domain.ActionHardSlowdown {
		t.Errorf("Evaluate() Action = %q, want hard_slowdown", policy.Action)
	}
}

func TestPressureController_Evaluate_ComplaintCountAloneTriggersLevel3(t *testing.T) {
	pc := NewPressureController(nil, DefaultPressureThresholds())
	job := domain.NewJob("abcdef012345", "campaign1", "smtp.example.com")
	job.Complained = 5
	job.Delivered = 500

	policy := pc.Evaluate(MonitorSnapshot{}, job)
	if policy.Level != 3 {
		t.Errorf("Evaluate() with complaints=5 level = %d, want 3", policy.Level)
	}
}

func TestPressureController_Evaluate_SpeedUpOnSustainedLowBadRatio(t *testing.T) {
	thresholds := DefaultPressureThresholds()
	pc := NewPressureController(nil, thresholds)
	job := domain.NewJob("abcdef012345", "campaign1", "smtp.example.com")
	job.Delivered = 200

	for i := 0; i < thresholds.SpeedUpMinSamples; i++ {
		job.RecentResults = append(job.RecentResults, domain.RecentResult{Recipient: "x@example.com", Success: true})
	}

	policy := pc.Evaluate(MonitorSnapshot{}, job)
	if policy.Level != 0 || policy.Action != domain.ActionSpeedUp {
		t.Errorf("Evaluate() = %+v, want level=0 action=speed_up", policy)
	}
	if policy.Applied.DelaySec >= 0 {
		t.Errorf("Evaluate() speed-up DelaySec = %v, want a negative scale signal", policy.Applied.DelaySec)
	}
}

func TestPressureController_Evaluate_NoSpeedUpBelowMinSamples(t *testing.T) {
	pc := NewPressureController(nil, DefaultPressureThresholds())
	job := domain.NewJob("abcdef012345", "campaign1", "smtp.example.com")
	job.RecentResults = append(job.RecentResults, domain.RecentResult{Recipient: "x@example.com", Success: true})

	policy := pc.Evaluate(MonitorSnapshot{}, job)
	if policy.Action == domain.ActionSpeedUp {
		t.Error("Evaluate() triggered speed_up with too few recent samples")
	}
}

func TestPressureController_EvaluateChunkPolicy_NilClientAllowsUnlessStrict(t *testing.T) {
	pc := NewPressureController(nil, DefaultPressureThresholds())

	if got := pc.EvaluateChunkPolicy(context.Background(), "example.com", false); got != domain.PreflightAllow {
		t.Errorf("EvaluateChunkPolicy(strict=false) = %q, want allow", got)
	}
	if got := pc.EvaluateChunkPolicy(context.Background(), "example.com", true); got != domain.PreflightBlock {
		t.Errorf("EvaluateChunkPolicy(strict=true) = %q, want block", got)
	}
}
