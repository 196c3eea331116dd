package pmta

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ignite/sparkpost-monitor/internal/pkg/httpretry"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ClientConfig configures a Client.
type ClientConfig struct {
	Host   string
	Port   int
	APIKey string

	// AllowInsecureTLS permits a retry with certificate verification
	// disabled when a request fails with a certificate error. Off by
	// default. NewClientWithConfig always builds an http:// base URL, so
	// requests carry no TLS and this retry is not reached.
	AllowInsecureTLS bool

	// OAuth2, when non-nil, is used instead of the static APIKey header.
	OAuth2 *clientcredentials.Config

	CacheTTL time.Duration
}

// Client communicates with the PMTA HTTP management API. Parsing is
// tolerant of version drift: responses are decoded into a generic tree and
// walked for known key names rather than bound to a fixed schema.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
	insecure   httpretry.HTTPDoer // lazily built relaxed-TLS client, nil unless allowed
	allowInsecure bool
	tokenSource oauth2.TokenSource

	cacheTTL time.Duration
	cacheMu  sync.Mutex
	cache    map[string]cacheEntry
}

type cacheEntry struct {
	body    []byte
	expires time.Time
}

// NewClient creates a PMTA management API client using a static API key.
func NewClient(host string, port int, apiKey string) *Client {
	return NewClientWithConfig(ClientConfig{Host: host, Port: port, APIKey: apiKey})
}

// NewClientWithConfig creates a client with optional response caching and
// OAuth2 client-credentials auth. The base URL always uses http://.
func NewClientWithConfig(cfg ClientConfig) *Client {
	c := &Client{
		baseURL:       fmt.Sprintf("http://%s:%d", cfg.Host, cfg.Port),
		apiKey:        cfg.APIKey,
		httpClient:    httpretry.NewRetryClient(&http.Client{Timeout: 15 * time.Second}, 3),
		allowInsecure: cfg.AllowInsecureTLS,
		cacheTTL:      cfg.CacheTTL,
		cache:         make(map[string]cacheEntry),
	}
	if cfg.OAuth2 != nil {
		c.tokenSource = cfg.OAuth2.TokenSource(context.Background())
	}
	return c
}

func (c *Client) authHeader(req *http.Request) error {
	if c.tokenSource != nil {
		tok, err := c.tokenSource.Token()
		if err != nil {
			return fmt.Errorf("oauth2 token: %w", err)
		}
		tok.SetAuthHeader(req)
		return nil
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return nil
}

func (c *Client) get(path string) ([]byte, error) {
	if c.cacheTTL > 0 {
		c.cacheMu.Lock()
		if e, ok := c.cache[path]; ok && time.Now().Before(e.expires) {
			c.cacheMu.Unlock()
			return e.body, nil
		}
		c.cacheMu.Unlock()
	}

	body, err := c.doGet(c.httpClient, path)
	if err != nil && c.allowInsecure && isTLSVerifyError(err) {
		body, err = c.doGet(c.insecureClient(), path)
	}
	if err != nil {
		return nil, err
	}

	if c.cacheTTL > 0 {
		c.cacheMu.Lock()
		c.cache[path] = cacheEntry{body: body, expires: time.Now().Add(c.cacheTTL)}
		c.cacheMu.Unlock()
	}
	return body, nil
}

func (c *Client) doGet(client httpretry.HTTPDoer, path string) ([]byte, error) {
	url := fmt.Sprintf("%s%s", c.baseURL, path)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authHeader(req); err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PMTA API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read PMTA response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("PMTA API returned %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func (c *Client) insecureClient() httpretry.HTTPDoer {
	if c.insecure == nil {
		c.insecure = httpretry.NewRetryClient(&http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		}, 3)
	}
	return c.insecure
}

func isTLSVerifyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "certificate")
}

// GetStatus returns the overall PMTA server status.
func (c *Client) GetStatus() (*ServerStatus, error) {
	body, err := c.get("/status?format=json")
	if err != nil {
		return nil, err
	}

	tree, err := decodeTree(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PMTA status: %w", err)
	}

	return &ServerStatus{
		Version:        stringAt(tree, "version"),
		Uptime:         stringAt(tree, "uptime"),
		TotalQueued:    int(deepInt(tree, "queued", "total")),
		TotalDomains:   int(deepInt(tree, "total_domains")),
		TotalVMTAs:     int(deepInt(tree, "total_vmtas")),
		ConnectionsIn:  int(deepInt(tree, "conn-in", "connections_in")),
		ConnectionsOut: int(deepInt(tree, "conn-out", "connections_out")),
		CheckedAt:      time.Now(),
	}, nil
}

// GetQueues returns the current queue state grouped by domain/VMTA.
func (c *Client) GetQueues() ([]QueueEntry, error) {
	body, err := c.get("/queues?format=json")
	if err != nil {
		return nil, err
	}

	items, err := decodeListOfMaps(body, "queues", "queue")
	if err != nil {
		return nil, fmt.Errorf("failed to parse PMTA queues: %w", err)
	}

	entries := make([]QueueEntry, 0, len(items))
	for _, it := range items {
		entries = append(entries, QueueEntry{
			Domain:     stringAt(it, "domain"),
			VMTA:       stringAt(it, "vmta"),
			Queued:     int(deepInt(it, "queued")),
			Recipients: int(deepInt(it, "rcpts", "recipients")),
			Errors:     int(deepInt(it, "errors")),
			Expired:    int(deepInt(it, "expired")),
		})
	}
	return entries, nil
}

// GetVMTAs returns the status of all Virtual MTAs.
func (c *Client) GetVMTAs() ([]VMTAStatus, error) {
	body, err := c.get("/vmtas?format=json")
	if err != nil {
		return nil, err
	}

	items, err := decodeListOfMaps(body, "vmtas", "vmta")
	if err != nil {
		return nil, fmt.Errorf("failed to parse PMTA vmtas: %w", err)
	}

	vmtas := make([]VMTAStatus, 0, len(items))
	for _, it := range items {
		delivered := deepInt(it, "delivered")
		bounced := deepInt(it, "bounced")
		var rate float64
		if total := delivered + bounced; total > 0 {
			rate = float64(delivered) / float64(total) * 100
		}
		vmtas = append(vmtas, VMTAStatus{
			Name:           stringAt(it, "name"),
			SourceIP:       stringAt(it, "source-ip", "source_ip"),
			Hostname:       stringAt(it, "hostname"),
			ConnectionsOut: int(deepInt(it, "conn-out", "connections_out")),
			Queued:         int(deepInt(it, "queued")),
			Delivered:      int(delivered),
			Bounced:        int(bounced),
			DeliveryRate:   rate,
		})
	}
	return vmtas, nil
}

// GetDomains returns delivery stats for all destination domains.
func (c *Client) GetDomains() ([]DomainStatus, error) {
	body, err := c.get("/domains?format=json")
	if err != nil {
		return nil, err
	}

	items, err := decodeListOfMaps(body, "domains", "domain")
	if err != nil {
		return nil, fmt.Errorf("failed to parse PMTA domains: %w", err)
	}

	domains := make([]DomainStatus, 0, len(items))
	for _, it := range items {
		delivered := deepInt(it, "delivered")
		bounced := deepInt(it, "bounced")
		var rate float64
		if total := delivered + bounced; total > 0 {
			rate = float64(delivered) / float64(total) * 100
		}
		domains = append(domains, DomainStatus{
			Domain:         stringAt(it, "name", "domain"),
			Queued:         int(deepInt(it, "queued")),
			Delivered:      int(delivered),
			Bounced:        int(bounced),
			ConnectionsOut: int(deepInt(it, "conn-out", "connections_out")),
			DeliveryRate:   rate,
		})
	}
	return domains, nil
}

// GetDomainDetail fetches the drilldown for a single destination domain.
func (c *Client) GetDomainDetail(domainName string) (*DomainDetail, error) {
	body, err := c.get(fmt.Sprintf("/domainDetail?format=json&domain=%s", domainName))
	if err != nil {
		return nil, err
	}

	tree, err := decodeTree(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PMTA domain detail: %w", err)
	}

	delivered := deepInt(tree, "delivered")
	bounced := deepInt(tree, "bounced")
	var rate float64
	if total := delivered + bounced; total > 0 {
		rate = float64(delivered) / float64(total) * 100
	}

	detail := &DomainDetail{
		Domain:         stringAt(tree, "domain", "name"),
		Queued:         int(deepInt(tree, "queued")),
		Delivered:      int(delivered),
		Bounced:        int(bounced),
		Deferred:       int(deepInt(tree, "deferred")),
		ConnectionsOut: int(deepInt(tree, "conn-out", "connections_out")),
		DeliveryRate:   rate,
	}
	if errs, ok := tree["recent_errors"].([]any); ok {
		for _, e := range errs {
			if s, ok := e.(string); ok {
				detail.RecentErrors = append(detail.RecentErrors, s)
			}
		}
	}
	return detail, nil
}

// GetQueueDetail fetches the drilldown for a single (domain, vmta) queue.
func (c *Client) GetQueueDetail(queueName string) (*QueueDetail, error) {
	body, err := c.get(fmt.Sprintf("/queueDetail?format=json&queue=%s", queueName))
	if err != nil {
		return nil, err
	}

	tree, err := decodeTree(body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PMTA queue detail: %w", err)
	}

	return &QueueDetail{
		Domain:     stringAt(tree, "domain"),
		VMTA:       stringAt(tree, "vmta"),
		Queued:     int(deepInt(tree, "queued")),
		Recipients: int(deepInt(tree, "rcpts", "recipients")),
		Errors:     int(deepInt(tree, "errors")),
		Expired:    int(deepInt(tree, "expired")),
	}, nil
}

// Reload triggers a configuration reload on the PMTA server.
func (c *Client) Reload() error {
	return c.post("/reload", "", nil)
}

// UploadConfig uploads a config file to PMTA via the management API.
func (c *Client) UploadConfig(configContent string) error {
	return c.post("/configFile", "text/plain", strings.NewReader(configContent))
}

func (c *Client) post(path, contentType string, body io.Reader) error {
	url := fmt.Sprintf("%s%s", c.baseURL, path)
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.authHeader(req); err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PMTA request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("PMTA request to %s returned %d: %s", path, resp.StatusCode, string(respBody))
	}
	return nil
}

// ParseUptime converts PMTA uptime strings like "3d 4h 12m" into a duration.
func ParseUptime(s string) time.Duration {
	var d time.Duration
	parts := strings.Fields(s)
	for _, p := range parts {
		if len(p) < 2 {
			continue
		}
		unit := p[len(p)-1]
		val, err := strconv.Atoi(p[:len(p)-1])
		if err != nil {
			continue
		}
		switch unit {
		case 'd':
			d += time.Duration(val) * 24 * time.Hour
		case 'h':
			d += time.Duration(val) * time.Hour
		case 'm':
			d += time.Duration(val) * time.Minute
		case 's':
			d += time.Duration(val) * time.Second
		}
	}
	return d
}

// --- tolerant JSON tree helpers ---
//
// The monitor's JSON payload shape drifts across PMTA releases (nested vs
// flat, dashed vs underscored keys). Rather than bind to one schema, decode
// into a generic tree and search known key names, falling back to a
// depth-first walk.

func decodeTree(body []byte) (map[string]any, error) {
	var tree map[string]any
	if err := json.Unmarshal(body, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// decodeListOfMaps finds the first list-of-objects under any of the given
// candidate keys, searching depth-first if not found at the top level.
func decodeListOfMaps(body []byte, candidateKeys ...string) ([]map[string]any, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}

	if list := findListOfMaps(raw, candidateKeys); list != nil {
		return list, nil
	}
	// last resort: the payload itself is the array
	if arr, ok := raw.([]any); ok {
		return toMapSlice(arr), nil
	}
	return nil, fmt.Errorf("no list-of-objects found for keys %v", candidateKeys)
}

func findListOfMaps(node any, candidateKeys []string) []map[string]any {
	m, ok := node.(map[string]any)
	if !ok {
		return nil
	}
	for _, k := range candidateKeys {
		if v, ok := m[k]; ok {
			if arr, ok := v.([]any); ok {
				return toMapSlice(arr)
			}
		}
	}
	for _, v := range m {
		if found := findListOfMaps(v, candidateKeys); found != nil {
			return found
		}
	}
	return nil
}

func toMapSlice(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if m, ok := e.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// stringAt returns the first non-empty string value found under any
// candidate key at the top level of tree.
func stringAt(tree map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := tree[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// deepInt finds the first numeric value reachable under any candidate key,
// searching top level first, then depth-first through nested maps.
func deepInt(tree map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if v, ok := tree[k]; ok {
			if n, ok := toInt(v); ok {
				return n
			}
		}
	}
	for _, v := range tree {
		if child, ok := v.(map[string]any); ok {
			if n := deepInt(child, keys...); n != 0 {
				return n
			}
		}
	}
	return 0
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, true
		}
	}
	return 0, false
}
