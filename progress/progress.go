// Package progress implements the durable per-worker progress store
// specified in section 4.4 of the design specification: a checkpoint naming
// the last processed catalog key, the fingerprints this worker has already
// resolved, and (in archive mode) archive-level bookkeeping.
package progress

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	json "github.com/goccy/go-json"

	"github.com/zzenonn/ingestd/internal/awsclient"
)

// FileStatus is the terminal disposition of one fingerprint this worker has
// resolved, as enumerated in section 4.2.
type FileStatus string

const (
	StatusUploaded             FileStatus = "uploaded"
	StatusAlreadyPresentRemote FileStatus = "already_present_remote"
	StatusAlreadyPresentLocal  FileStatus = "already_present_local"
	StatusUnresolvable         FileStatus = "unresolvable"
)

// CompletedFile records one resolved fingerprint, keyed by fingerprint
// string in WorkerProgress.CompletedFiles.
type CompletedFile struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
	TS     time.Time  `json:"ts"`
}

// ArchiveSummary records one archive's extraction/upload outcome for the
// archive worker variant (section 4.7).
type ArchiveSummary struct {
	FilesTotal     int       `json:"files_total"`
	FilesResolved  int       `json:"files_resolved"`
	NewUploaded    int       `json:"new_uploaded"`
	CompletedAt    time.Time `json:"completed_at,omitempty"`
	ReusedFromPeer bool      `json:"reused_from_peer,omitempty"`
}

// WorkerProgress is one worker's durable checkpoint, as defined in section
// 4.2. It is exclusively owned by the worker named by ShardID; all other
// readers (the supervisor, peer workers doing peer-progress lookups or
// orphan-archive recovery) treat it as read-only.
type WorkerProgress struct {
	ShardID               int    `json:"shard_id"`
	LastProcessedShardKey int64  `json:"last_processed_shard_key"`

	CompletedFiles map[string]CompletedFile `json:"completed_files"`

	LastUploadedAt time.Time `json:"last_uploaded_at,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at,omitempty"`
	Status         string    `json:"status"`

	// PID and ProcessStartedAt identify the operating-system process that
	// owns this shard, refreshed on every commit. The supervisor (section
	// 4.8) uses them for liveness checks and the "not yet uploaded" stuck
	// rule; peer workers use them for orphan-archive recovery (section 4.7).
	PID              int       `json:"pid"`
	ProcessStartedAt time.Time `json:"process_started_at,omitempty"`

	// Archive mode only (section 4.7).
	CompletedArchives []string                  `json:"completed_archives,omitempty"`
	CurrentArchive    string                    `json:"current_archive,omitempty"`
	ArchiveProgress   map[string]ArchiveSummary `json:"archive_progress,omitempty"`

	// ZeroNewStreak tracks consecutive batches with zero NewUploaded, driving
	// the skip-ahead policy in section 4.5.
	ZeroNewStreak int `json:"zero_new_streak"`
}

// newWorkerProgress returns the empty starting state for a worker.
func newWorkerProgress(shardID int) WorkerProgress {
	return WorkerProgress{
		ShardID:         shardID,
		CompletedFiles:  make(map[string]CompletedFile),
		ArchiveProgress: make(map[string]ArchiveSummary),
		Status:          "initializing",
	}
}

// Store is the progress persistence contract from section 4.4.
type Store interface {
	// Load returns the given shard's progress, or a fresh empty
	// WorkerProgress if none has ever been committed. It never errors
	// solely because no checkpoint exists yet.
	Load(ctx context.Context, shardID int) (WorkerProgress, error)

	// Save durably commits progress. Implementations must make the commit
	// atomic with respect to concurrent readers: a reader must observe
	// either the old or the new state, never a half-written one.
	Save(ctx context.Context, progress WorkerProgress) error
}

// FileStore implements Store on the local filesystem, one JSON file per
// shard, using the write-to-temp-then-rename pattern so a crash mid-write
// never corrupts the previous commit.
type FileStore struct {
	dir string
}

// NewFileStore builds a FileStore rooted at dir, creating it if absent.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("progress: create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(shardID int) string {
	return filepath.Join(s.dir, fmt.Sprintf("worker-%d.json", shardID))
}

// Load implements Store.Load. On a truncated or corrupt trailing write it
// recovers the last complete JSON object by scanning backward for a valid
// closing brace, per section 4.4; it only returns an error when the file
// exists but no prefix of it parses.
func (s *FileStore) Load(ctx context.Context, shardID int) (WorkerProgress, error) {
	data, err := os.ReadFile(s.path(shardID))
	if err != nil {
		if os.IsNotExist(err) {
			return newWorkerProgress(shardID), nil
		}
		return WorkerProgress{}, fmt.Errorf("progress: read %d: %w", shardID, err)
	}

	progress, err := decodeWithTailRecovery(data)
	if err != nil {
		return WorkerProgress{}, fmt.Errorf("progress: decode %d: %w", shardID, err)
	}
	if progress.CompletedFiles == nil {
		progress.CompletedFiles = make(map[string]CompletedFile)
	}
	if progress.ArchiveProgress == nil {
		progress.ArchiveProgress = make(map[string]ArchiveSummary)
	}
	return progress, nil
}

// decodeWithTailRecovery tries the full buffer first, then progressively
// shorter prefixes ending at each '}' found scanning backward, stopping at
// the first prefix that decodes cleanly.
func decodeWithTailRecovery(data []byte) (WorkerProgress, error) {
	var progress WorkerProgress
	if err := json.Unmarshal(data, &progress); err == nil {
		return progress, nil
	}

	for i := len(data) - 1; i >= 0; i-- {
		if data[i] != '}' {
			continue
		}
		candidate := data[:i+1]
		if err := json.Unmarshal(candidate, &progress); err == nil {
			return progress, nil
		}
	}

	return WorkerProgress{}, fmt.Errorf("no valid JSON object found in %d bytes", len(data))
}

// Save implements Store.Save via the sibling-temp-file-then-rename pattern;
// if the rename fails it falls back to a direct non-atomic write, per
// section 4.4's "flag the event" escape hatch, surfaced here as a wrapped
// error so callers can log and continue.
func (s *FileStore) Save(ctx context.Context, p WorkerProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("progress: encode %d: %w", p.ShardID, err)
	}

	target := s.path(p.ShardID)
	tmp := target + fmt.Sprintf(".tmp-%d", os.Getpid())

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("progress: create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("progress: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("progress: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("progress: close temp file: %w", err)
	}

	if err := os.Rename(tmp, target); err != nil {
		if directErr := os.WriteFile(target, data, 0o644); directErr != nil {
			return fmt.Errorf("progress: rename failed (%v) and direct write failed: %w", err, directErr)
		}
		return fmt.Errorf("progress: atomic rename failed, fell back to direct write: %w", err)
	}

	return nil
}

// S3Store implements Store against an S3 bucket, one object per shard under
// a configurable prefix, for deployments that run workers on ephemeral
// compute with no durable local disk. There is no tail-recovery path here:
// S3 PutObject is already atomic from a reader's perspective, unlike the
// local temp-file-then-rename dance FileStore needs.
type S3Store struct {
	client awsclient.S3Client
	bucket string
	prefix string
}

// NewS3Store builds an S3Store writing objects under s3://bucket/prefix/.
func NewS3Store(client awsclient.S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: filepath.Clean(prefix)}
}

func (s *S3Store) key(shardID int) string {
	return fmt.Sprintf("%s/worker-%d.json", s.prefix, shardID)
}

// Load implements Store.Load.
func (s *S3Store) Load(ctx context.Context, shardID int) (WorkerProgress, error) {
	key := s.key(shardID)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return newWorkerProgress(shardID), nil
		}
		return WorkerProgress{}, fmt.Errorf("progress: get %d: %w", shardID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var p WorkerProgress
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return WorkerProgress{}, fmt.Errorf("progress: decode %d: %w", shardID, err)
	}
	if p.CompletedFiles == nil {
		p.CompletedFiles = make(map[string]CompletedFile)
	}
	if p.ArchiveProgress == nil {
		p.ArchiveProgress = make(map[string]ArchiveSummary)
	}
	return p, nil
}

// Save implements Store.Save.
func (s *S3Store) Save(ctx context.Context, p WorkerProgress) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("progress: encode %d: %w", p.ShardID, err)
	}

	key := s.key(p.ShardID)
	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	}); err != nil {
		return fmt.Errorf("progress: put %d: %w", p.ShardID, err)
	}
	return nil
}

// AllShards lists every shard ID with a committed checkpoint under the
// store's prefix, mirroring FileStore.AllShards for peer-progress lookups.
func (s *S3Store) AllShards(ctx context.Context) ([]int, error) {
	prefix := s.prefix + "/"
	resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("progress: list %s: %w", s.bucket, err)
	}

	var shards []int
	for _, obj := range resp.Contents {
		if obj.Key == nil {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(filepath.Base(*obj.Key), "worker-%d.json", &id); err == nil {
			shards = append(shards, id)
		}
	}
	return shards, nil
}

// MemoryStore is an in-process Store for tests and the supervisor's
// simulated-peer scenarios; it is safe for concurrent use.
type MemoryStore struct {
	mu    sync.Mutex
	state map[int]WorkerProgress
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: make(map[int]WorkerProgress)}
}

// Load implements Store.Load.
func (m *MemoryStore) Load(ctx context.Context, shardID int) (WorkerProgress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.state[shardID]; ok {
		return cloneProgress(p), nil
	}
	return newWorkerProgress(shardID), nil
}

// Save implements Store.Save.
func (m *MemoryStore) Save(ctx context.Context, p WorkerProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[p.ShardID] = cloneProgress(p)
	return nil
}

// AllShards lists every shard ID this store currently holds a checkpoint
// for, mirroring FileStore.AllShards/S3Store.AllShards so MemoryStore can
// stand in wherever tests need the full peer-progress-lookup contract.
func (m *MemoryStore) AllShards(ctx context.Context) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	shards := make([]int, 0, len(m.state))
	for id := range m.state {
		shards = append(shards, id)
	}
	return shards, nil
}

func cloneProgress(p WorkerProgress) WorkerProgress {
	out := p
	out.CompletedFiles = make(map[string]CompletedFile, len(p.CompletedFiles))
	for k, v := range p.CompletedFiles {
		out.CompletedFiles[k] = v
	}
	out.ArchiveProgress = make(map[string]ArchiveSummary, len(p.ArchiveProgress))
	for k, v := range p.ArchiveProgress {
		out.ArchiveProgress[k] = v
	}
	out.CompletedArchives = append([]string(nil), p.CompletedArchives...)
	return out
}

// AllShards lists every shard ID this store currently holds a checkpoint
// for, used by peer-progress lookups (section 4.3 step 2) to discover peers
// without a separate registry.
func (s *FileStore) AllShards(ctx context.Context) ([]int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("progress: list store dir: %w", err)
	}

	var shards []int
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var id int
		if _, err := fmt.Sscanf(e.Name(), "worker-%d.json", &id); err == nil {
			shards = append(shards, id)
		}
	}
	return shards, nil
}
