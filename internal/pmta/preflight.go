package pmta

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// ContentScorer scores a candidate message, per SPEC_FULL.md §6's pluggable
// content-score back-end contract: a numeric score and a free-form report.
type ContentScorer interface {
	Score(ctx context.Context, fromEmail, subject, body string) (score float64, report string, err error)
}

// SpamdScorer talks to a SpamAssassin-style spamd daemon over its REPORT
// protocol: a CRLF-normalized RFC822-ish payload with a Content-length
// header, and a response line of the form "Spam: True ; 6.6 / 5.0".
type SpamdScorer struct {
	Addr    string
	Timeout time.Duration
}

// NewSpamdScorer constructs a scorer for a spamd instance at addr (host:port).
func NewSpamdScorer(addr string) *SpamdScorer {
	return &SpamdScorer{Addr: addr, Timeout: 10 * time.Second}
}

var spamLineRE = regexp.MustCompile(`Spam:\s*(True|False)\s*;\s*([\-0-9.]+)\s*/\s*([\-0-9.]+)`)

// Score submits the message to spamd and parses its score/required line.
func (s *SpamdScorer) Score(ctx context.Context, fromEmail, subject, body string) (float64, string, error) {
	d := net.Dialer{Timeout: s.Timeout}
	conn, err := d.DialContext(ctx, "tcp", s.Addr)
	if err != nil {
		return 0, "", fmt.Errorf("spamd dial: %w", err)
	}
	defer conn.Close()

	message := fmt.Sprintf("From: %s\r\nSubject: %s\r\n\r\n%s\r\n", fromEmail, subject, body)
	message = strings.ReplaceAll(message, "\r\n", "\n")
	message = strings.ReplaceAll(message, "\n", "\r\n")

	req := fmt.Sprintf("REPORT SPAMC/1.5\r\nContent-length: %d\r\n\r\n%s", len(message), message)

	conn.SetDeadline(time.Now().Add(s.Timeout))
	if _, err := conn.Write([]byte(req)); err != nil {
		return 0, "", fmt.Errorf("spamd write: %w", err)
	}

	var resp bytes.Buffer
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		resp.WriteString(line)
		if err != nil {
			break
		}
	}

	m := spamLineRE.FindStringSubmatch(resp.String())
	if m == nil {
		return 0, resp.String(), fmt.Errorf("spamd response missing Spam: line")
	}
	score, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return 0, resp.String(), fmt.Errorf("spamd score parse: %w", err)
	}
	return score, resp.String(), nil
}

// CLIScorer shells a command-line scorer that prints "score/required" on
// its last non-empty stdout line.
type CLIScorer struct {
	Run func(ctx context.Context, fromEmail, subject, body string) (stdout string, err error)
}

var cliScoreRE = regexp.MustCompile(`([\-0-9.]+)\s*/\s*([\-0-9.]+)`)

// Score invokes the configured Run function and parses its output.
func (c *CLIScorer) Score(ctx context.Context, fromEmail, subject, body string) (float64, string, error) {
	out, err := c.Run(ctx, fromEmail, subject, body)
	if err != nil {
		return 0, out, err
	}
	m := cliScoreRE.FindStringSubmatch(out)
	if m == nil {
		return 0, out, fmt.Errorf("cli scorer output missing score/required")
	}
	score, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, out, fmt.Errorf("cli scorer score parse: %w", err)
	}
	return score, out, nil
}

// NoopScorer always returns a zero score; used when no content-score
// back-end is configured.
type NoopScorer struct{}

// Score always reports a zero score and an empty report.
func (NoopScorer) Score(ctx context.Context, fromEmail, subject, body string) (float64, string, error) {
	return 0, "", nil
}

// PreflightGate computes the per-chunk go/slow/block decision combining
// content score, blacklist survey, and MTA chunk policy.
//
// Grounded on the teacher's health.go CheckDNS/CheckBlacklists reversed-
// octet RBL walk, extended with a domain-DBL lookup (CheckDBL) and fused
// with the Pressure Controller's chunk policy.
type PreflightGate struct {
	scorer   ContentScorer
	health   *HealthChecker
	pressure *PressureController

	SpamThreshold      float64
	BackoffEnabled     bool
	BypassIPBlacklist  bool
	Strict             bool
	Resolver           func(ctx context.Context, host string) ([]string, error)
}

// NewPreflightGate constructs a gate. scorer may be NoopScorer{} when no
// content-score back-end is configured.
func NewPreflightGate(scorer ContentScorer, health *HealthChecker, pressure *PressureController) *PreflightGate {
	return &PreflightGate{
		scorer:        scorer,
		health:        health,
		pressure:      pressure,
		SpamThreshold: 5.0,
		Resolver:      net.DefaultResolver.LookupHost,
	}
}

// ChunkAttempt is the (subject, body, from-email, target) triple under
// evaluation for one chunk attempt.
type ChunkAttempt struct {
	FromEmail    string
	Subject      string
	Body         string
	SMTPHost     string
	TargetDomain string
}

// Evaluate performs the full preflight check for one chunk attempt.
func (g *PreflightGate) Evaluate(ctx context.Context, attempt ChunkAttempt) domain.PreflightDecision {
	score, _, err := g.scorer.Score(ctx, attempt.FromEmail, attempt.Subject, attempt.Body)
	if err != nil {
		score = 0
	}

	blacklisted := g.surveyBlacklists(ctx, attempt)

	policyOutcome := domain.PreflightAllow
	if g.pressure != nil {
		policyOutcome = g.pressure.EvaluateChunkPolicy(ctx, attempt.TargetDomain, g.Strict)
	}

	decision := domain.PreflightDecision{
		Score:       score,
		Blacklisted: blacklisted,
	}

	scoreOver := g.SpamThreshold > 0 && score > g.SpamThreshold
	ipBlocked := blacklisted && !g.BypassIPBlacklist

	switch {
	case g.BackoffEnabled && (scoreOver || ipBlocked || policyOutcome == domain.PreflightBlock):
		decision.Outcome = domain.PreflightBlock
		decision.Reason = blockReason(scoreOver, ipBlocked, policyOutcome)
	case policyOutcome == domain.PreflightSlow:
		decision.Outcome = domain.PreflightSlow
		decision.Reason = "mta chunk policy: slow"
		decision.DelayFloor = 0.2
		decision.WorkerCap = 4
	default:
		decision.Outcome = domain.PreflightAllow
		decision.Reason = "within all thresholds"
	}

	return decision
}

func blockReason(scoreOver, ipBlocked bool, policyOutcome domain.PreflightOutcome) string {
	switch {
	case scoreOver:
		return "content score above threshold"
	case ipBlocked:
		return "sending ip listed on rbl"
	case policyOutcome == domain.PreflightBlock:
		return "mta chunk policy: block"
	default:
		return "blocked"
	}
}

// surveyBlacklists resolves the SMTP host's IPs, queries RBL zones for each,
// and queries DBL zones for the sender domain. Domain-DBL is informational
// only; only IP-RBL participates in the block decision.
func (g *PreflightGate) surveyBlacklists(ctx context.Context, attempt ChunkAttempt) bool {
	if g.health == nil {
		return false
	}

	ips, err := g.Resolver(ctx, attempt.SMTPHost)
	if err != nil {
		return false
	}

	listed := false
	for _, ip := range ips {
		result, err := g.health.CheckBlacklists(ctx, ip)
		if err != nil {
			continue
		}
		if result.Listed {
			listed = true
		}
	}

	if senderDomain := domainOf(attempt.FromEmail); senderDomain != "" {
		_, _ = g.health.CheckDBL(ctx, senderDomain) // informational, logged by caller if desired
	}

	return listed
}

func domainOf(email string) string {
	i := strings.LastIndex(email, "@")
	if i < 0 {
		return ""
	}
	return strings.ToLower(email[i+1:])
}
