package worker

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
	"github.com/ignite/sparkpost-monitor/internal/mailing"
	"github.com/ignite/sparkpost-monitor/internal/pkg/logger"
)

// bodyRenderer is the single Liquid template engine instance every
// SMTPSenderPool worker renders message bodies through, so [URL]/[SRC]
// substitution and any operator-authored {{ merge_tag }} in the same body
// share one engine and filter set.
var bodyRenderer = mailing.NewTemplateService()

// RecipientSendResult is one recipient's outcome within a chunk send.
type RecipientSendResult struct {
	Recipient string
	Domain    string
	Success   bool
	Category  domain.ErrorCategory
	MessageID string
	At        time.Time
}

// ChunkResult aggregates all per-recipient outcomes for one chunk.
type ChunkResult struct {
	Sent         int
	Failed       int
	PerRecipient []RecipientSendResult
}

// ChunkJob is the unit of work the Scheduler hands to the Sender Pool: one
// receiver domain, one sender identity, one subject/body pair.
type ChunkJob struct {
	JobID          string
	CampaignID     string
	ChunkIndex     int
	WorkerOffset   int
	ReceiverDomain string
	Recipients     []string
	Sender         domain.SenderIdentity
	Subject        string
	Body           string
	URLPool        []string
	SrcPool        []string
	SMTPHost       string
	SMTPPort       int
	Security       domain.SecurityMode
	Username       string
	Password       string
	ReplyTo        string
	DelaySec       float64
	WorkerCount    int
}

// SenderPool delivers one MIME message per recipient in a chunk over SMTP.
type SenderPool interface {
	SendChunk(ctx context.Context, job ChunkJob) ChunkResult
}

// PauseStopSource reports the cooperative cancellation flags for a job, so
// Sender Pool workers can check between recipients and between delay slices.
type PauseStopSource interface {
	ShouldStop(jobID string) bool
}

// DiagnosticFetcher optionally attaches an MTA diagnostic snapshot to a
// failed send, rate-limited per receiver domain to avoid hammering the
// monitor API during a bad run.
type DiagnosticFetcher interface {
	Diagnose(ctx context.Context, receiverDomain string) string
}

// SMTPSenderPool is the production SenderPool: one persistent SMTP
// connection per worker, serving its share of the chunk's recipients.
//
// Grounded on the teacher's internal/worker/esp_pmta.go (PMTASender.Send /
// sendSMTP / pmtaPlainAuth), generalized from one connection per message to
// one connection per worker serving many messages, and from a hardcoded
// STARTTLS-if-offered policy to an explicit configurable SecurityMode.
type SMTPSenderPool struct {
	ConnTimeout time.Duration
	Stop        PauseStopSource
	Diagnostics DiagnosticFetcher

	diagMu       sync.Mutex
	lastDiagAt   map[string]time.Time
	diagInterval time.Duration
}

// NewSMTPSenderPool constructs a pool with SPEC_FULL.md default timeouts.
func NewSMTPSenderPool(stop PauseStopSource) *SMTPSenderPool {
	return &SMTPSenderPool{
		ConnTimeout:  30 * time.Second,
		Stop:         stop,
		lastDiagAt:   make(map[string]time.Time),
		diagInterval: 2 * time.Minute,
	}
}

// SendChunk splits job.Recipients across job.WorkerCount workers, each
// opening its own SMTP connection, and blocks until all workers finish or
// the job is stopped.
func (p *SMTPSenderPool) SendChunk(ctx context.Context, job ChunkJob) ChunkResult {
	workerCount := job.WorkerCount
	if workerCount <= 0 {
		workerCount = 1
	}
	if workerCount > len(job.Recipients) {
		workerCount = len(job.Recipients)
	}
	if workerCount == 0 {
		return ChunkResult{}
	}

	shares := splitRecipients(job.Recipients, workerCount)

	var mu sync.Mutex
	var wg sync.WaitGroup
	result := ChunkResult{}

	for w, share := range shares {
		if len(share) == 0 {
			continue
		}
		wg.Add(1)
		go func(workerIndex int, recipients []string) {
			defer wg.Done()
			res := p.runWorker(ctx, job, workerIndex, recipients)
			mu.Lock()
			result.Sent += res.Sent
			result.Failed += res.Failed
			result.PerRecipient = append(result.PerRecipient, res.PerRecipient...)
			mu.Unlock()
		}(w, share)
	}
	wg.Wait()

	return result
}

func splitRecipients(recipients []string, workers int) [][]string {
	shares := make([][]string, workers)
	for i, r := range recipients {
		shares[i%workers] = append(shares[i%workers], r)
	}
	return shares
}

// runWorker opens one SMTP connection and serves its assigned recipients in
// order, substituting placeholders with a deterministic per-chunk-per-worker
// stream so reruns against the same chunk are reproducible.
func (p *SMTPSenderPool) runWorker(ctx context.Context, job ChunkJob, workerIndex int, recipients []string) ChunkResult {
	rng := rand.New(rand.NewSource(chunkWorkerSeed(job.JobID, job.ChunkIndex, workerIndex)))

	client, err := p.dial(ctx, job)
	if err != nil {
		return p.failAll(job, recipients, categorizeSMTPError(err))
	}
	defer client.Close()

	result := ChunkResult{}
	for _, recipient := range recipients {
		if p.Stop != nil && p.Stop.ShouldStop(job.JobID) {
			break
		}

		body := substitutePlaceholders(job.JobID, job.Body, job.URLPool, job.SrcPool, rng)
		messageID := fmt.Sprintf("<%s.%s.%s.c%d.w%d@local>", randomOpaque(rng), job.JobID, job.CampaignID, job.ChunkIndex, workerIndex)

		msg := buildMessage(job, recipient, body, messageID)
		sendErr := p.deliver(client, job.Sender.Email, recipient, msg)

		recv := RecipientSendResult{Recipient: recipient, Domain: domainOf(recipient), At: time.Now()}
		if sendErr == nil {
			recv.Success = true
			recv.MessageID = messageID
			result.Sent++
		} else {
			recv.Category = categorizeSMTPError(sendErr)
			result.Failed++
			p.attachDiagnostic(ctx, job.ReceiverDomain, sendErr)
		}
		result.PerRecipient = append(result.PerRecipient, recv)

		if job.DelaySec > 0 {
			sleepBounded(ctx, time.Duration(job.DelaySec*float64(time.Second)))
		}
	}
	return result
}

func (p *SMTPSenderPool) failAll(job ChunkJob, recipients []string, category domain.ErrorCategory) ChunkResult {
	result := ChunkResult{Failed: len(recipients)}
	now := time.Now()
	for _, r := range recipients {
		result.PerRecipient = append(result.PerRecipient, RecipientSendResult{
			Recipient: r, Domain: domainOf(r), Success: false, Category: category, At: now,
		})
	}
	return result
}

func (p *SMTPSenderPool) attachDiagnostic(ctx context.Context, receiverDomain string, sendErr error) {
	if p.Diagnostics == nil {
		return
	}
	p.diagMu.Lock()
	last, seen := p.lastDiagAt[receiverDomain]
	if seen && time.Since(last) < p.diagInterval {
		p.diagMu.Unlock()
		return
	}
	p.lastDiagAt[receiverDomain] = time.Now()
	p.diagMu.Unlock()

	snapshot := p.Diagnostics.Diagnose(ctx, receiverDomain)
	if snapshot != "" {
		logger.Debug("mta diagnostic snapshot attached", "domain", receiverDomain, "error", sendErr.Error(), "snapshot", snapshot)
	}
}

// dial establishes the SMTP connection and security handshake per
// job.Security. Authenticates if credentials are supplied.
func (p *SMTPSenderPool) dial(ctx context.Context, job ChunkJob) (*smtp.Client, error) {
	addr := fmt.Sprintf("%s:%d", job.SMTPHost, job.SMTPPort)
	dialer := &net.Dialer{Timeout: p.ConnTimeout}

	var conn net.Conn
	var err error
	if job.Security == domain.SecuritySSL {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: job.SMTPHost})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("smtp connect to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, job.SMTPHost)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("smtp client: %w", err)
	}

	if job.Security == domain.SecurityStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if tlsErr := client.StartTLS(&tls.Config{ServerName: job.SMTPHost}); tlsErr != nil {
				client.Close()
				return nil, fmt.Errorf("starttls: %w", tlsErr)
			}
		}
	}

	if job.Security != domain.SecurityNone && job.Username != "" && job.Password != "" {
		if authErr := client.Auth(&pmtaPlainAuth{user: job.Username, pass: job.Password}); authErr != nil {
			client.Close()
			return nil, fmt.Errorf("smtp auth: %w", authErr)
		}
	}

	return client, nil
}

// deliver issues MAIL/RCPT/DATA for one recipient over an already-connected
// client. The teacher's esp_pmta.go opens one connection per message; here
// the connection is reused across the worker's whole recipient list.
func (p *SMTPSenderPool) deliver(client *smtp.Client, from, to string, msg []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return w.Close()
}

func buildMessage(job ChunkJob, recipient, body, messageID string) []byte {
	var buf bytes.Buffer
	buf.WriteString(fmt.Sprintf("From: %s <%s>\r\n", job.Sender.Name, job.Sender.Email))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", recipient))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", job.Subject))
	buf.WriteString(fmt.Sprintf("Message-ID: %s\r\n", messageID))
	buf.WriteString(fmt.Sprintf("X-Job-ID: %s\r\n", job.JobID))
	buf.WriteString(fmt.Sprintf("X-Campaign-ID: %s\r\n", job.CampaignID))
	if job.ReplyTo != "" {
		buf.WriteString(fmt.Sprintf("Reply-To: %s\r\n", job.ReplyTo))
	}
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(body)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// substitutePlaceholders replaces every [URL] and [SRC] token with a value
// drawn from the caller-supplied pool using rng, so the same (job, chunk,
// worker) triple always produces the same substitution sequence. Tokens are
// rewritten into Liquid merge tags and rendered through bodyRenderer, so a
// body can mix [URL]/[SRC] rotation with operator-authored {{ merge_tag }}
// personalization in the same pass.
func substitutePlaceholders(jobID, body string, urlPool, srcPool []string, rng *rand.Rand) string {
	ctx := map[string]interface{}{}
	tmpl := tokenizeToLiquidVars(body, "[URL]", "pmta_url", urlPool, rng, ctx)
	tmpl = tokenizeToLiquidVars(tmpl, "[SRC]", "pmta_src", srcPool, rng, ctx)

	rendered, err := bodyRenderer.Render(jobID+":body", tmpl, ctx)
	if err != nil {
		logger.Warn("liquid body render failed, sending unrendered body", "job_id", jobID, "error", err.Error())
		return body
	}
	return rendered
}

// tokenizeToLiquidVars replaces each occurrence of token with a uniquely
// numbered {{ varPrefixN }} merge tag and records its chosen pool value in
// ctx, so the transformed template string is stable across calls for the
// same body (enabling bodyRenderer's parse cache) while the rendered value
// still varies per call.
func tokenizeToLiquidVars(body, token, varPrefix string, pool []string, rng *rand.Rand, ctx map[string]interface{}) string {
	if len(pool) == 0 {
		return body
	}
	i := 0
	for strings.Contains(body, token) {
		key := fmt.Sprintf("%s%d", varPrefix, i)
		ctx[key] = pool[rng.Intn(len(pool))]
		body = strings.Replace(body, token, "{{ "+key+" }}", 1)
		i++
	}
	return body
}

func chunkWorkerSeed(jobID string, chunkIndex, workerIndex int) int64 {
	h := int64(chunkIndex)*1_000_003 + int64(workerIndex)
	for _, c := range jobID {
		h = h*31 + int64(c)
	}
	return h
}

func randomOpaque(rng *rand.Rand) string {
	const hex = "0123456789abcdef"
	buf := make([]byte, 12)
	for i := range buf {
		buf[i] = hex[rng.Intn(len(hex))]
	}
	return string(buf)
}

// categorizeSMTPError maps a transport/protocol error into the §4.5 error
// category histogram buckets.
func categorizeSMTPError(err error) domain.ErrorCategory {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return domain.ErrTimeout
	case strings.Contains(msg, "auth"):
		return domain.ErrAuth
	case strings.Contains(msg, "refused"), strings.Contains(msg, "550"), strings.Contains(msg, "553"):
		return domain.ErrRefused
	case strings.Contains(msg, "no such host"), strings.Contains(msg, "lookup"):
		return domain.ErrDNS
	case strings.Contains(msg, "connect"), strings.Contains(msg, "connection"), strings.Contains(msg, "reset"):
		return domain.ErrConnection
	default:
		return domain.ErrOther
	}
}

func sleepBounded(ctx context.Context, d time.Duration) {
	for d > 0 {
		slice := d
		if slice > maxWaitSlice {
			slice = maxWaitSlice
		}
		t := time.NewTimer(slice)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		d -= slice
	}
}
