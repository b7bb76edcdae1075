// Package dedup implements the three-layer dedup cache specified in section
// 4.3 of the design specification: a local-progress layer, a peer-progress
// layer, and a remote mirror refreshed from the target service.
package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/singleflight"

	"github.com/zzenonn/ingestd/fingerprint"
	"github.com/zzenonn/ingestd/target"
)

// defaultRefreshCount and defaultRefreshInterval are the remote mirror's
// default refresh triggers: a refresh is forced once N new uploads have been
// recorded through MarkUploaded or T minutes have elapsed since the last
// refresh. Files that end with any other outcome do not count toward N.
const (
	defaultRefreshCount    = 1500
	defaultRefreshInterval = 15 * time.Minute
)

// fingerprintSet is an xxhash-bucketed set of fingerprint keys, avoiding the
// cost of hashing full "hash:size" strings with Go's built-in map hasher on
// every lookup in hot paths with millions of entries.
type fingerprintSet struct {
	mu      sync.RWMutex
	buckets map[uint64]map[string]struct{}
}

func newFingerprintSet() *fingerprintSet {
	return &fingerprintSet{buckets: make(map[uint64]map[string]struct{})}
}

func bucketKey(key string) uint64 {
	return xxhash.Sum64String(key)
}

func (s *fingerprintSet) add(key string) {
	h := bucketKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[h]
	if !ok {
		b = make(map[string]struct{}, 1)
		s.buckets[h] = b
	}
	b[key] = struct{}{}
}

func (s *fingerprintSet) contains(key string) bool {
	h := bucketKey(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[h]
	if !ok {
		return false
	}
	_, ok = b[key]
	return ok
}

func (s *fingerprintSet) replace(keys []string) {
	next := make(map[uint64]map[string]struct{})
	for _, key := range keys {
		h := bucketKey(key)
		b, ok := next[h]
		if !ok {
			b = make(map[string]struct{}, 1)
			next[h] = b
		}
		b[key] = struct{}{}
	}
	s.mu.Lock()
	s.buckets = next
	s.mu.Unlock()
}

// PeerSource supplies the set of fingerprints known to sibling workers, used
// to build the peer-progress layer (section 4.3 layer 2).
type PeerSource interface {
	// PeerFingerprints returns the union of peer workers' completed-file
	// fingerprints, keyed by "hash:size".
	PeerFingerprints(ctx context.Context) ([]string, error)
}

// Cache implements the three consulted-in-order layers from section 4.3.
// Local inserts (after a NewUploaded) are immediate; peer and remote layers
// are refreshed lazily.
type Cache struct {
	client target.Client
	peers  PeerSource

	local  *fingerprintSet
	peer   *fingerprintSet
	mirror *fingerprintSet

	refreshCount    int
	refreshInterval time.Duration

	mu                sync.Mutex
	processedSinceRef int
	lastRefresh       time.Time

	sf singleflight.Group
}

// Option configures a Cache's refresh triggers.
type Option func(*Cache)

// WithRefreshCount overrides the default new-uploads refresh trigger.
func WithRefreshCount(n int) Option {
	return func(c *Cache) { c.refreshCount = n }
}

// WithRefreshInterval overrides the default wall-clock refresh trigger.
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) { c.refreshInterval = d }
}

// New builds a Cache. client is used for the remote mirror bootstrap and
// refresh; peers (may be nil) supplies the peer-progress layer.
func New(client target.Client, peers PeerSource, opts ...Option) *Cache {
	c := &Cache{
		client:          client,
		peers:           peers,
		local:           newFingerprintSet(),
		peer:            newFingerprintSet(),
		mirror:          newFingerprintSet(),
		refreshCount:    defaultRefreshCount,
		refreshInterval: defaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bootstrap performs the initial remote mirror load and peer snapshot
// described in section 4.6's "initializing" state. Failures are non-fatal
// per section 4.3 and merely leave the mirror empty until the next refresh.
func (c *Cache) Bootstrap(ctx context.Context) {
	c.refreshMirror(ctx)
	c.refreshPeers(ctx)
}

// Seen implements the conservative seen(fp) contract from section 4.3:
// false negatives are allowed, false positives are forbidden.
func (c *Cache) Seen(fp fingerprint.Fingerprint) bool {
	key := fp.String()
	return c.local.contains(key) || c.peer.contains(key) || c.mirror.contains(key)
}

// MarkUploaded records fp in the local mirror after a successful
// NewUploaded, per section 4.3's "insert into local mirror" rule, and drives
// the refresh-count trigger.
func (c *Cache) MarkUploaded(fp fingerprint.Fingerprint) {
	c.local.add(fp.String())

	c.mu.Lock()
	c.processedSinceRef++
	due := c.processedSinceRef >= c.refreshCount
	c.mu.Unlock()

	if due {
		go c.refreshMirror(context.Background())
	}
}

// MaybeRefresh checks the wall-clock trigger and, on a zero-new-uploads
// batch, the on-demand trigger from section 4.3 ("refreshed ... on demand
// when a batch produces zero new uploads").
func (c *Cache) MaybeRefresh(ctx context.Context, batchHadZeroNew bool) {
	c.mu.Lock()
	elapsed := time.Since(c.lastRefresh) >= c.refreshInterval
	c.mu.Unlock()

	if elapsed || batchHadZeroNew {
		c.refreshMirror(ctx)
		c.refreshPeers(ctx)
	}
}

// refreshMirror re-pulls the target's full fingerprint set. Concurrent
// callers collapse into a single in-flight request via singleflight.
func (c *Cache) refreshMirror(ctx context.Context) {
	if c.client == nil {
		return
	}

	_, _, _ = c.sf.Do("mirror", func() (any, error) {
		fpChan, errChan := c.client.AllFingerprints(ctx)

		keys := make([]string, 0, 1<<16)
		for fp := range fpChan {
			keys = append(keys, fp.String())
		}
		if err := <-errChan; err != nil {
			return nil, fmt.Errorf("dedup: refresh remote mirror: %w", err)
		}

		c.mirror.replace(keys)
		c.mu.Lock()
		c.processedSinceRef = 0
		c.lastRefresh = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
}

// refreshPeers re-pulls the peer-progress union. Non-fatal on error, per
// section 4.3's "refresh failures are non-fatal" rule.
func (c *Cache) refreshPeers(ctx context.Context) {
	if c.peers == nil {
		return
	}

	_, _, _ = c.sf.Do("peers", func() (any, error) {
		keys, err := c.peers.PeerFingerprints(ctx)
		if err != nil {
			return nil, fmt.Errorf("dedup: refresh peer progress: %w", err)
		}
		c.peer.replace(keys)
		return nil, nil
	})
}
