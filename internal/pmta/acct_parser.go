package pmta

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/domain"
)

// AcctParser parses PMTA accounting lines into normalized events.
//
// Two call shapes are supported side by side: ParseFile/ParseReader return
// the AcctRecord shape used by AggregateByIP/AggregateByDomain for IP and
// domain rollups; ParseEventLine returns the normalized domain.AccountingEvent
// the Reconciler consumes, per the header-learning / delimiter-detection /
// kind-normalization contract.
//
// perSourceHeader is keyed per source path because a single tailer instance may
// follow several accounting files (rotations, multiple VMTAs) concurrently,
// each with its own independently-learned header.
type AcctParser struct {
	headerMap map[string]int // legacy single-file header, used by ParseFile/ParseReader

	perSourceHeader map[string][]string // sourcePath -> lowercased header columns
}

// NewAcctParser returns a parser. Call ParseFile/ParseReader or ParseEventLine.
func NewAcctParser() *AcctParser {
	return &AcctParser{perSourceHeader: make(map[string][]string)}
}

// ParseFile reads a PMTA accounting CSV from disk.
func (p *AcctParser) ParseFile(path string) ([]AcctRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open accounting file %s: %w", path, err)
	}
	defer f.Close()
	return p.ParseReader(f)
}

// ParseReader reads accounting records from any io.Reader.
func (p *AcctParser) ParseReader(r io.Reader) ([]AcctRecord, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var records []AcctRecord

	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "#") {
			if strings.HasPrefix(line, "#type,") {
				p.parseHeader(line[1:]) // strip leading #
			}
			continue
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		rec, err := p.parseLine(line)
		if err != nil {
			continue // skip malformed lines
		}
		records = append(records, rec)
	}

	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("error reading accounting data: %w", err)
	}

	return records, nil
}

func (p *AcctParser) parseHeader(line string) {
	fields := strings.Split(line, ",")
	p.headerMap = make(map[string]int, len(fields))
	for i, f := range fields {
		p.headerMap[strings.TrimSpace(f)] = i
	}
}

func (p *AcctParser) field(fields []string, name string) string {
	if p.headerMap == nil {
		return ""
	}
	idx, ok := p.headerMap[name]
	if !ok || idx >= len(fields) {
		return ""
	}
	return strings.TrimSpace(fields[idx])
}

func (p *AcctParser) parseLine(line string) (AcctRecord, error) {
	fields := strings.Split(line, ",")
	if len(fields) < 5 {
		return AcctRecord{}, fmt.Errorf("too few fields: %d", len(fields))
	}

	if p.headerMap != nil {
		return p.parseNamed(fields)
	}
	return p.parsePositional(fields)
}

func (p *AcctParser) parseNamed(fields []string) (AcctRecord, error) {
	ts, err := time.Parse("2006-01-02 15:04:05", p.field(fields, "timeLogged"))
	if err != nil {
		ts = time.Now()
	}

	rcpt := p.field(fields, "rcpt")
	domain := ""
	if idx := strings.LastIndex(rcpt, "@"); idx >= 0 {
		domain = strings.ToLower(rcpt[idx+1:])
	}

	return AcctRecord{
		Type:       p.field(fields, "type"),
		TimeLogged: ts,
		Orig:       p.field(fields, "orig"),
		Rcpt:       rcpt,
		SourceIP:   p.field(fields, "dlvSourceIp"),
		VMTA:       p.field(fields, "vmta"),
		JobID:      p.field(fields, "jobId"),
		Domain:     domain,
		BounceCode: p.field(fields, "dsnStatus"),
		DSNDiag:    p.field(fields, "dsnDiag"),
		BounceCat:  p.field(fields, "bounceCat"),
		MessageID:  p.field(fields, "header_Message-ID"),
		DKIMResult: p.field(fields, "dkimResult"),
	}, nil
}

func (p *AcctParser) parsePositional(fields []string) (AcctRecord, error) {
	ts, err := time.Parse("2006-01-02 15:04:05", fields[1])
	if err != nil {
		ts = time.Now()
	}

	rcpt := ""
	if len(fields) > 3 {
		rcpt = fields[3]
	}
	domain := ""
	if idx := strings.LastIndex(rcpt, "@"); idx >= 0 {
		domain = strings.ToLower(rcpt[idx+1:])
	}

	rec := AcctRecord{
		Type:       fields[0],
		TimeLogged: ts,
		Domain:     domain,
		Rcpt:       rcpt,
	}
	if len(fields) > 2 {
		rec.Orig = fields[2]
	}
	return rec, nil
}

// AggregateByIP groups accounting records by source IP and computes rates.
func AggregateByIP(records []AcctRecord) map[string]*IPHealth {
	byIP := make(map[string]*IPHealth)

	for _, r := range records {
		ip := r.SourceIP
		if ip == "" {
			ip = "unknown"
		}

		h, ok := byIP[ip]
		if !ok {
			h = &IPHealth{IP: ip, Hostname: r.VMTA}
			byIP[ip] = h
		}

		switch r.Type {
		case "d":
			h.TotalDelivered++
			h.TotalSent++
		case "b", "rb":
			h.TotalBounced++
			h.TotalSent++
		case "f":
			h.TotalComplained++
		}
	}

	for _, h := range byIP {
		if h.TotalSent > 0 {
			h.DeliveryRate = float64(h.TotalDelivered) / float64(h.TotalSent) * 100
			h.BounceRate = float64(h.TotalBounced) / float64(h.TotalSent) * 100
		}
		if h.TotalDelivered > 0 {
			h.ComplaintRate = float64(h.TotalComplained) / float64(h.TotalDelivered) * 100
		}

		h.Status = "healthy"
		if h.BounceRate > 5.0 || h.ComplaintRate > 0.1 {
			h.Status = "critical"
		} else if h.BounceRate > 2.0 || h.ComplaintRate > 0.05 {
			h.Status = "warning"
		}

		h.LastChecked = time.Now()
	}

	return byIP
}

// AggregateByDomain groups accounting records by recipient domain.
func AggregateByDomain(records []AcctRecord) map[string]*DomainStatus {
	byDomain := make(map[string]*DomainStatus)

	for _, r := range records {
		d := r.Domain
		if d == "" {
			continue
		}

		ds, ok := byDomain[d]
		if !ok {
			ds = &DomainStatus{Domain: d}
			byDomain[d] = ds
		}

		switch r.Type {
		case "d":
			ds.Delivered++
		case "b", "rb":
			ds.Bounced++
		}
	}

	for _, ds := range byDomain {
		total := ds.Delivered + ds.Bounced
		if total > 0 {
			ds.DeliveryRate = float64(ds.Delivered) / float64(total) * 100
		}
	}

	return byDomain
}

// headerTokens are the column names whose presence in a row identifies it as
// a header row rather than a data row.
var headerTokens = map[string]bool{
	"type": true, "event": true, "rcpt": true, "recipient": true,
	"msgid": true, "message-id": true,
}

// kindFields are tried in order to derive the normalized event kind.
var kindFields = []string{"type", "event", "kind", "record", "status", "result", "state", "dsn_action", "dsn_status", "dsn_diag"}

// legacy9ColumnLayout is the conservative positional fallback for accounting
// files whose header was never learned: type, time, time, mailfrom, rcpt, _,
// status, dsnStatus, dsnDiag.
var legacy9ColumnLayout = []string{"type", "time1", "time2", "mailfrom", "rcpt", "_", "status", "dsnstatus", "dsndiag"}

// ParseEventLine parses one raw accounting line from sourcePath into a
// normalized domain.AccountingEvent. Returns (nil, nil) for lines that are
// empty, a header, or otherwise carry no event (not an error condition).
func (p *AcctParser) ParseEventLine(sourcePath, line string) (*domain.AccountingEvent, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, nil
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return p.parseJSONEvent(sourcePath, trimmed)
	}

	delim := detectDelimiter(trimmed)
	tokens := tokenizeCSV(trimmed, delim)

	if isHeaderRow(tokens) {
		lower := make([]string, len(tokens))
		for i, t := range tokens {
			lower[i] = strings.ToLower(strings.TrimSpace(t))
		}
		p.perSourceHeader[sourcePath] = lower
		return nil, nil
	}

	header := p.perSourceHeader[sourcePath]
	var row map[string]string
	if header != nil && len(header) == len(tokens) {
		row = make(map[string]string, len(tokens))
		for i, col := range header {
			row[col] = strings.TrimSpace(tokens[i])
		}
	} else if len(tokens) == len(legacy9ColumnLayout) {
		row = make(map[string]string, len(tokens))
		for i, col := range legacy9ColumnLayout {
			row[col] = strings.TrimSpace(tokens[i])
		}
	} else {
		return nil, nil
	}

	return rowToEvent(row, sourcePath), nil
}

func (p *AcctParser) parseJSONEvent(sourcePath, line string) (*domain.AccountingEvent, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return nil, nil // malformed JSON line is skipped, not an error
	}
	row := make(map[string]string, len(raw))
	for k, v := range raw {
		row[strings.ToLower(k)] = fmt.Sprintf("%v", v)
	}
	return rowToEvent(row, sourcePath), nil
}

func rowToEvent(row map[string]string, sourcePath string) *domain.AccountingEvent {
	rcpt := firstNonEmpty(row, "rcpt", "recipient")
	if rcpt == "" {
		rcpt = recipientFallback(row)
	}

	kindRaw := ""
	for _, f := range kindFields {
		if v := row[f]; v != "" {
			kindRaw = v
			break
		}
	}

	ev := &domain.AccountingEvent{
		Kind:       normalizeKind(kindRaw),
		Recipient:  strings.ToLower(rcpt),
		JobID:      firstNonEmpty(row, "jobid", "job_id"),
		CampaignID: firstNonEmpty(row, "campaignid", "campaign_id", "header_x-campaign-id"),
		MessageID:  firstNonEmpty(row, "messageid", "message_id", "header_message-id", "msgid"),
		DSNAction:  row["dsnaction"],
		DSNStatus:  firstNonEmpty(row, "dsnstatus", "dsn_status"),
		DSNDiag:    firstNonEmpty(row, "dsndiag", "dsn_diag"),
		SourceFile: sourcePath,
		Time:       time.Now(),
	}
	if ts, err := time.Parse("2006-01-02 15:04:05", firstNonEmpty(row, "timelogged", "time1")); err == nil {
		ev.Time = ts
	}
	return ev
}

func firstNonEmpty(row map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := row[k]; v != "" {
			return v
		}
	}
	return ""
}

// recipientFallback chooses the second email-shaped token when rcpt is absent
// (the first is typically mailfrom), per SPEC_FULL.md §4.1.
func recipientFallback(row map[string]string) string {
	var emailLike []string
	for _, v := range row {
		if strings.Contains(v, "@") {
			emailLike = append(emailLike, v)
		}
	}
	if len(emailLike) >= 2 {
		return emailLike[1]
	}
	if len(emailLike) == 1 {
		return emailLike[0]
	}
	return ""
}

func isHeaderRow(tokens []string) bool {
	for _, t := range tokens {
		if headerTokens[strings.ToLower(strings.TrimSpace(t))] {
			return true
		}
	}
	return false
}

// detectDelimiter chooses among comma, tab, and semicolon by occurrence
// count: tab wins over comma when equal-or-greater; semicolon wins only when
// strictly greater than comma.
func detectDelimiter(line string) rune {
	commas := strings.Count(line, ",")
	tabs := strings.Count(line, "\t")
	semis := strings.Count(line, ";")

	if tabs >= commas && tabs > 0 {
		return '\t'
	}
	if semis > commas {
		return ';'
	}
	return ','
}

// tokenizeCSV splits line on delim, honoring double-quoted fields that may
// contain embedded delimiters or escaped quotes ("").
func tokenizeCSV(line string, delim rune) []string {
	var tokens []string
	var cur strings.Builder
	inQuotes := false
	runes := []rune(line)

	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '"':
			if inQuotes && i+1 < len(runes) && runes[i+1] == '"' {
				cur.WriteRune('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case c == delim && !inQuotes:
			tokens = append(tokens, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(c)
		}
	}
	tokens = append(tokens, cur.String())
	return tokens
}

// normalizeKind maps a raw type/status/dsn field value to a normalized
// EventKind per SPEC_FULL.md §4.1.
func normalizeKind(raw string) domain.EventKind {
	v := strings.ToLower(strings.TrimSpace(raw))
	if v == "" {
		return domain.EventUnknown
	}

	switch v {
	case "d":
		return domain.EventDelivered
	case "b", "rb":
		return domain.EventBounced
	case "t":
		return domain.EventDeferred
	case "c", "f":
		return domain.EventComplained
	}

	switch {
	case strings.Contains(v, "complaint"), strings.Contains(v, "fbl"), strings.Contains(v, "abuse"):
		return domain.EventComplained
	case strings.Contains(v, "deliver"), strings.Contains(v, "relayed"), strings.HasPrefix(v, "2."):
		return domain.EventDelivered
	case strings.Contains(v, "bounce"), strings.HasPrefix(v, "5."):
		return domain.EventBounced
	case strings.Contains(v, "defer"), strings.Contains(v, "transient"), strings.HasPrefix(v, "4."):
		return domain.EventDeferred
	}

	// enhanced status code embedded anywhere, e.g. "550 5.1.1 ..."
	if code := extractEnhancedCode(v); code != "" {
		switch code[0] {
		case '2':
			return domain.EventDelivered
		case '4':
			return domain.EventDeferred
		case '5':
			return domain.EventBounced
		}
	}

	return domain.EventUnknown
}

func extractEnhancedCode(s string) string {
	for _, field := range strings.Fields(s) {
		if len(field) >= 5 && (field[0] == '2' || field[0] == '4' || field[0] == '5') && field[1] == '.' {
			if _, err := strconv.Atoi(string(field[0])); err == nil {
				return field
			}
		}
	}
	return ""
}
