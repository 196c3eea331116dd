package pmta

import (
	"context"
	"net/http"
	"testing"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

type fakeScorer struct {
	score float64
	err   error
}

func (f fakeScorer) Score(ctx context.Context, fromEmail, subject, body string) (float64, string, error) {
	return f.score, "", f.err
}

func TestPreflightGate_Evaluate_AllowsWithinThreshold(t *testing.T) {
	gate := NewPreflightGate(fakeScorer{score: 1.0}, nil, nil)
	gate.BackoffEnabled = true

	decision := gate.Evaluate(context.Background(), ChunkAttempt{FromEmail: "a@example.com", SMTPHost: "mx.example.com"})
	if decision.Outcome != domain.PreflightAllow {
		t.Errorf("Evaluate() = %+v, want allow", decision)
	}
	if decision.Score != 1.0 {
		t.Errorf("Evaluate() Score = %v, want 1.0", decision.Score)
	}
}

func TestPreflightGate_Evaluate_BlocksOnScoreOverThresholdWhenBackoffEnabled(t *testing.T) {
	gate := NewPreflightGate(fakeScorer{score: 9.0}, nil, nil)
	gate.BackoffEnabled = true
	gate.SpamThreshold = 5.0

	decision := gate.Evaluate(context.Background(), ChunkAttempt{FromEmail: "a@example.com", SMTPHost: "mx.example.com"})
	if decision.Outcome != domain.PreflightBlock {
		t.Errorf("Evaluate() = %+v, want block", decision)
	}
	if decision.Reason != "content score above threshold" {
		t.Errorf("Evaluate() Reason = %q, want content score above threshold", decision.Reason)
	}
}

func TestPreflightGate_Evaluate_ScoreOverThresholdDoesNotBlockWhenBackoffDisabled(t *testing.T) {
	gate := NewPreflightGate(fakeScorer{score: 9.0}, nil, nil)
	gate.BackoffEnabled = false
	gate.SpamThreshold = 5.0

	decision := gate.Evaluate(context.Background(), ChunkAttempt{FromEmail: "a@example.com", SMTPHost: "mx.example.com"})
	if decision.Outcome != domain.PreflightAllow {
		t.Errorf("Evaluate() with BackoffEnabled=false = %+v, want allow (advisory-only asymmetry)", decision)
	}
}

func TestPreflightGate_Evaluate_ScorerErrorTreatedAsZeroScore(t *testing.T) {
	gate := NewPreflightGate(fakeScorer{err: context.DeadlineExceeded}, nil, nil)
	gate.BackoffEnabled = true
	gate.SpamThreshold = 5.0

	decision := gate.Evaluate(context.Background(), ChunkAttempt{FromEmail: "a@example.com", SMTPHost: "mx.example.com"})
	if decision.Score != 0 {
		t.Errorf("Evaluate() Score = %v after scorer error, want 0", decision.Score)
	}
	if decision.Outcome != domain.PreflightAllow {
		t.Errorf("Evaluate() = %+v, want allow", decision)
	}
}

func TestPreflightGate_Evaluate_BlocksOnStrictMTAPolicyWithUnreachableMonitor(t *testing.T) {
	pressure := NewPressureController(nil, DefaultPressureThresholds())
	gate := NewPreflightGate(NoopScorer{}, nil, pressure)
	gate.BackoffEnabled = true
	gate.Strict = true

	decision := gate.Evaluate(context.Background(), ChunkAttempt{FromEmail: "a@example.com", SMTPHost: "mx.example.com", TargetDomain: "example.com"})
	if decision.Outcome != domain.PreflightBlock {
		t.Errorf("Evaluate() = %+v, want block (strict MTA policy with no client configured)", decision)
	}
	if decision.Reason != "mta chunk policy: block" {
		t.Errorf("Evaluate() Reason = %q, want mta chunk policy: block", decision.Reason)
	}
}

func TestPreflightGate_Evaluate_SlowOutcomeSetsDelayFloorAndWorkerCap(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"domain":"example.com","queued":0,"delivered":0,"bounced":0,"deferred":400}`))
	})
	pressure := NewPressureController(client, DefaultPressureThresholds())
	gate := NewPreflightGate(NoopScorer{}, nil, pressure)

	decision := gate.Evaluate(context.Background(), ChunkAttempt{FromEmail: "a@example.com", SMTPHost: "mx.example.com", TargetDomain: "example.com"})
	if decision.Outcome != domain.PreflightSlow {
		t.Errorf("Evaluate() = %+v, want slow", decision)
	}
	if decision.DelayFloor <= 0 || decision.WorkerCap <= 0 {
		t.Errorf("Evaluate() slow decision = %+v, want positive DelayFloor/WorkerCap", decision)
	}
}

func TestDomainOf(t *testing.T) {
	if got := domainOf("user@example.com"); got != "example.com" {
		t.Errorf("domainOf() = %q, want example.com", got)
	}
	if got := domainOf("not-an-email"); got != "" {
		t.Errorf("domainOf(no @) = %q, want empty string", got)
	}
}
