package pmta

import (
	"strings"
	"testing"
)

func TestParseEventLine_LearnsHeaderThenParsesNamedRow(t *testing.T) {
	p := NewAcctParser()

	ev, err := p.ParseEventLine("/var/log/acct.csv", "type,rcpt,jobId,header_Message-ID,dsnStatus")
	if err != nil {
		t.Fatalf("ParseEventLine(header) error = %v", err)
	}
	if ev != nil {
		t.Fatalf("ParseEventLine(header) = %+v, want nil (header row emits no event)", ev)
	}

	ev, err = p.ParseEventLine("/var/log/acct.csv", "d,alice@example.com,abcdef012345,<x.abcdef012345.campaign1.c0.w0@local>,2.0.0")
	if err != nil {
		t.Fatalf("ParseEventLine(row) error = %v", err)
	}
	if ev == nil {
		t.Fatal("ParseEventLine(row) = nil, want an event")
	}
	if ev.Kind != "delivered" {
		t.Errorf("Kind = %q, want delivered", ev.Kind)
	}
	if ev.Recipient != "alice@example.com" {
		t.Errorf("Recipient = %q, want alice@example.com", ev.Recipient)
	}
	if ev.JobID != "abcdef012345" {
		t.Errorf("JobID = %q, want abcdef012345", ev.JobID)
	}
}

func TestParseEventLine_FallsBackToLegacy9ColumnLayout(t *testing.T) {
	p := NewAcctParser()

	line := "b,2024-01-01 00:00:00,2024-01-01 00:00:01,sender@example.com,bob@example.com,-,failed,5.1.1,user unknown"
	ev, err := p.ParseEventLine("/var/log/acct.csv", line)
	if err != nil {
		t.Fatalf("ParseEventLine() error = %v", err)
	}
	if ev == nil {
		t.Fatal("ParseEventLine() = nil, want an event from the legacy 9-column fallback")
	}
	if ev.Kind != "bounced" {
		t.Errorf("Kind = %q, want bounced", ev.Kind)
	}
	if ev.Recipient != "bob@example.com" {
		t.Errorf("Recipient = %q, want bob@example.com", ev.Recipient)
	}
	if ev.DSNStatus != "5.1.1" {
		t.Errorf("DSNStatus = %q, want 5.1.1", ev.DSNStatus)
	}
}

func TestParseEventLine_EmptyAndMalformedLinesProduceNoEvent(t *testing.T) {
	p := NewAcctParser()

	if ev, err := p.ParseEventLine("/var/log/acct.csv", "   "); err != nil || ev != nil {
		t.Errorf("ParseEventLine(blank) = (%v, %v), want (nil, nil)", ev, err)
	}
	if ev, err := p.ParseEventLine("/var/log/acct.csv", "{not valid json"); err != nil || ev != nil {
		t.Errorf("ParseEventLine(malformed json) = (%v, %v), want (nil, nil)", ev, err)
	}
}

func TestParseEventLine_JSONEventLine(t *testing.T) {
	p := NewAcctParser()

	line := `{"type":"t","rcpt":"carol@example.com","jobId":"112233445566","dsnStatus":"4.4.1"}`
	ev, err := p.ParseEventLine("/var/log/acct.ndjson", line)
	if err != nil {
		t.Fatalf("ParseEventLine(json) error = %v", err)
	}
	if ev == nil {
		t.Fatal("ParseEventLine(json) = nil, want an event")
	}
	if ev.Kind != "deferred" {
		t.Errorf("Kind = %q, want deferred", ev.Kind)
	}
	if ev.Recipient != "carol@example.com" {
		t.Errorf("Recipient = %q, want carol@example.com", ev.Recipient)
	}
}

func TestNormalizeKind_CoversWordFormsAndEnhancedCodes(t *testing.T) {
	cases := map[string]string{
		"d":          "delivered",
		"b":          "bounced",
		"rb":         "bounced",
		"t":          "deferred",
		"c":          "complained",
		"f":          "complained",
		"relayed":    "delivered",
		"transient":  "deferred",
		"complaint":  "complained",
		"fbl":        "complained",
		"2.0.0":      "delivered",
		"4.4.1":      "deferred",
		"5.1.1":      "bounced",
		"550 5.1.1 user unknown": "bounced",
		"":           "unknown",
		"gibberish":  "unknown",
	}
	for raw, want := range cases {
		if got := string(normalizeKind(raw)); got != want {
			t.Errorf("normalizeKind(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestDetectDelimiter(t *testing.T) {
	if d := detectDelimiter("a,b,c"); d != ',' {
		t.Errorf("detectDelimiter(comma) = %q, want ,", d)
	}
	if d := detectDelimiter("a\tb\tc"); d != '\t' {
		t.Errorf("detectDelimiter(tab) = %q, want tab", d)
	}
	if d := detectDelimiter("a;b;c,d"); d != ';' {
		t.Errorf("detectDelimiter(semicolon) = %q, want ;", d)
	}
}

func TestTokenizeCSV_HonorsQuotedFieldsWithEmbeddedDelimiterAndEscapedQuote(t *testing.T) {
	tokens := tokenizeCSV(`a,"b,still-b","c""d"`, ',')
	want := []string{"a", "b,still-b", `c"d`}
	if len(tokens) != len(want) {
		t.Fatalf("tokenizeCSV() = %v, want %v", tokens, want)
	}
	for i := range want {
		if tokens[i] != want[i] {
			t.Errorf("tokenizeCSV()[%d] = %q, want %q", i, tokens[i], want[i])
		}
	}
}

func TestParseReader_PositionalLegacyAcctRecords(t *testing.T) {
	p := NewAcctParser()
	input := "d,2024-01-01 00:00:00,sender@example.com,alice@example.com,250\nb,2024-01-01 00:00:01,sender@example.com,bob@example.com,550\n"

	records, err := p.ParseReader(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseReader() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("ParseReader() returned %d records, want 2", len(records))
	}
	if records[0].Domain != "example.com" || records[0].Rcpt != "alice@example.com" {
		t.Errorf("records[0] = %+v, want domain=example.com rcpt=alice@example.com", records[0])
	}
}
