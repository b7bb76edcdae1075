// Package oracle implements the advisory LLM client specified in section 4.9
// of the design specification: given diagnostics about a stuck worker, it
// returns a recommended fix. The contract is advisory only; callers always
// validate the response and may discard it.
package oracle

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

// FixType is the recommended remediation kind, per section 4.8 step D.3.
type FixType string

const (
	FixRestart FixType = "restart"
	FixConfig  FixType = "config"
	FixCode    FixType = "code"
)

// PatchKind selects the shape of a code patch, per section 9's "structured
// patch interface" redesign note.
type PatchKind string

const (
	PatchFunctionReplace PatchKind = "function_replace"
	PatchReplace         PatchKind = "replace"
	PatchUnifiedDiff     PatchKind = "unified_diff"
)

// Patch is a structured code change, never free-form text, per section 9:
// "the supervisor produces a validated patch artifact".
type Patch struct {
	File string    `json:"file"`
	Kind PatchKind `json:"kind"`

	// PatchFunctionReplace
	FunctionName string `json:"function_name,omitempty"`
	Body         string `json:"body,omitempty"`

	// PatchReplace
	ContextBefore string `json:"context_before,omitempty"`
	Old           string `json:"old,omitempty"`
	New           string `json:"new,omitempty"`
	ContextAfter  string `json:"context_after,omitempty"`

	// PatchUnifiedDiff
	UnifiedDiff string `json:"unified_diff,omitempty"`
}

// Diagnostics is everything the supervisor collects about a stuck worker
// before consulting the oracle, per section 4.8 step D.1.
type Diagnostics struct {
	WorkerID        int               `json:"worker_id"`
	RootCause       string            `json:"root_cause"`
	RecentLogLines  []string          `json:"recent_log_lines,omitempty"`
	ShardKeyLow     int64             `json:"shard_key_low"`
	ShardKeyHigh    int64             `json:"shard_key_high"`
	DiskUtilization float64           `json:"disk_utilization"`
	RecurrenceCount int               `json:"recurrence_count"`
	CodeSnippets    map[string]string `json:"code_snippets,omitempty"`
}

// Recommendation is the oracle's advisory response, per section 4.9's
// analyze(diagnostics) contract.
type Recommendation struct {
	RootCause   string          `json:"root_cause"`
	FixType     FixType         `json:"fix_type"`
	Confidence  float64         `json:"confidence"`
	Description string          `json:"description"`
	Params      map[string]string `json:"params,omitempty"`
	Patch       *Patch          `json:"patch,omitempty"`
}

// unparseableRecommendation is returned whenever the oracle's response body
// cannot be strictly parsed, per section 4.9: "unparseable responses yield
// fix_type = restart, confidence = 0.5".
func unparseableRecommendation() Recommendation {
	return Recommendation{FixType: FixRestart, Confidence: 0.5, Description: "oracle response unparseable, defaulting to restart"}
}

// Client is the advisory oracle contract.
type Client interface {
	Analyze(ctx context.Context, diag Diagnostics) (Recommendation, error)
}

// HTTPClient wraps an HTTP endpoint speaking the analyze(diagnostics)
// contract, in the teacher's plain net/http style (explicit timeout, no
// retry — the supervisor itself decides whether to retry or fall back).
type HTTPClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewHTTPClient builds an HTTPClient against endpoint, authenticating with
// apiKey (may be empty when the oracle requires none).
func NewHTTPClient(endpoint, apiKey string, log *logrus.Entry) *HTTPClient {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &HTTPClient{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// Analyze implements Client.
func (c *HTTPClient) Analyze(ctx context.Context, diag Diagnostics) (Recommendation, error) {
	body, err := json.Marshal(diag)
	if err != nil {
		return Recommendation{}, fmt.Errorf("oracle: encode diagnostics: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Recommendation{}, fmt.Errorf("oracle: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Recommendation{}, fmt.Errorf("oracle: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Recommendation{}, fmt.Errorf("oracle: unexpected status %d", resp.StatusCode)
	}

	var rec Recommendation
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		c.log.WithError(err).Warn("oracle response did not parse, defaulting to restart")
		return unparseableRecommendation(), nil
	}
	if rec.FixType != FixRestart && rec.FixType != FixConfig && rec.FixType != FixCode {
		c.log.WithField("fix_type", rec.FixType).Warn("oracle returned unrecognized fix_type, defaulting to restart")
		return unparseableRecommendation(), nil
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		rec.Confidence = 0.5
	}
	return rec, nil
}

// Signature hashes a worker ID and root-cause string into the cache key
// described in section 4.8's "LLM-request minimization": "(worker_id,
// error-signature-hash)".
func Signature(workerID int, rootCause string) string {
	sum := sha1.Sum([]byte(rootCause))
	return fmt.Sprintf("%d:%s", workerID, hex.EncodeToString(sum[:]))
}

type cacheEntry struct {
	rec       Recommendation
	expiresAt time.Time
}

// CachingClient wraps a Client with the 15-minute result cache from section
// 4.8, keyed by (worker_id, error-signature-hash) so repeated diagnosis of
// the same recurring failure does not re-hit the oracle endpoint.
type CachingClient struct {
	inner Client
	ttl   time.Duration

	mu      sync.Mutex
	entries map[string]cacheEntry
}

// NewCachingClient wraps inner with a TTL cache. A zero ttl defaults to 15
// minutes, the section 4.8 default.
func NewCachingClient(inner Client, ttl time.Duration) *CachingClient {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &CachingClient{inner: inner, ttl: ttl, entries: make(map[string]cacheEntry)}
}

// Analyze implements Client, serving from cache when the signature is fresh.
func (c *CachingClient) Analyze(ctx context.Context, diag Diagnostics) (Recommendation, error) {
	key := Signature(diag.WorkerID, diag.RootCause)

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.rec, nil
	}

	rec, err := c.inner.Analyze(ctx, diag)
	if err != nil {
		return Recommendation{}, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{rec: rec, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return rec, nil
}
