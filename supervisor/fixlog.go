package supervisor

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
	"github.com/zzenonn/ingestd/oracle"
)

// Outcome is a FixAttempt's terminal verification result, per section 3.
type Outcome string

const (
	OutcomeVerifiedOK    Outcome = "verified_ok"
	OutcomeNotRecovered  Outcome = "not_recovered"
)

// FixAttempt is one supervisor remediation record, per section 3's
// FixAttempt type.
type FixAttempt struct {
	WorkerID     int               `json:"worker_id"`
	TS           time.Time         `json:"ts"`
	RootCause    string            `json:"root_cause"`
	FixType      oracle.FixType    `json:"fix_type"`
	Params       map[string]string `json:"params,omitempty"`
	Patch        *oracle.Patch     `json:"patch,omitempty"`
	Outcome      Outcome           `json:"outcome"`
	AttemptIndex int               `json:"attempt_index"`
}

// FixLog is the append-mostly fix-history store from section 6: "Supervisor
// fix-history file: append-mostly list of FixAttempt records."
type FixLog interface {
	Append(ctx context.Context, attempt FixAttempt) error
	History(ctx context.Context, workerID int) ([]FixAttempt, error)
}

// FileFixLog persists FixAttempt records as a JSON Lines file, one record
// per line, using the same write-temp-then-rename durability discipline as
// progress.FileStore (section 6: "mirroring the same write-temp/rename
// durability discipline").
type FileFixLog struct {
	mu   sync.Mutex
	path string
}

// NewFileFixLog builds a FileFixLog writing to path, creating its parent
// directory if absent.
func NewFileFixLog(path string) (*FileFixLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create fix log dir: %w", err)
	}
	return &FileFixLog{path: path}, nil
}

// Append implements FixLog.
func (l *FileFixLog) Append(ctx context.Context, attempt FixAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	line, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("supervisor: encode fix attempt: %w", err)
	}

	existing, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("supervisor: read fix log: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	buf.Write(line)
	buf.WriteByte('\n')

	tmp := l.path + fmt.Sprintf(".tmp-%d", os.Getpid())
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("supervisor: write temp fix log: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		if directErr := os.WriteFile(l.path, buf.Bytes(), 0o644); directErr != nil {
			return fmt.Errorf("supervisor: rename failed (%v) and direct write failed: %w", err, directErr)
		}
	}
	return nil
}

// History implements FixLog.
func (l *FileFixLog) History(ctx context.Context, workerID int) ([]FixAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("supervisor: read fix log: %w", err)
	}
	return decodeFixLog(data, workerID)
}

func decodeFixLog(data []byte, workerID int) ([]FixAttempt, error) {
	var out []FixAttempt
	for _, line := range bytes.Split(data, []byte("\n")) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var attempt FixAttempt
		if err := json.Unmarshal(line, &attempt); err != nil {
			continue // tolerate a truncated trailing line, same spirit as progress tail recovery
		}
		if attempt.WorkerID == workerID {
			out = append(out, attempt)
		}
	}
	return out, nil
}

// S3FixLog persists the fix-history log as a single JSON Lines object in S3,
// following the same object-per-artifact shape as progress.S3Store.
type S3FixLog struct {
	mu     sync.Mutex
	client awsclient.S3Client
	bucket string
	key    string
}

// NewS3FixLog builds an S3FixLog writing to s3://bucket/key.
func NewS3FixLog(client awsclient.S3Client, bucket, key string) *S3FixLog {
	return &S3FixLog{client: client, bucket: bucket, key: key}
}

// Append implements FixLog.
func (l *S3FixLog) Append(ctx context.Context, attempt FixAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, err := l.getObject(ctx)
	if err != nil {
		return err
	}

	line, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("supervisor: encode fix attempt: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(existing)
	buf.Write(line)
	buf.WriteByte('\n')

	if _, err := l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &l.bucket,
		Key:    &l.key,
		Body:   bytes.NewReader(buf.Bytes()),
	}); err != nil {
		return fmt.Errorf("supervisor: put fix log: %w", err)
	}
	return nil
}

// History implements FixLog.
func (l *S3FixLog) History(ctx context.Context, workerID int) ([]FixAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := l.getObject(ctx)
	if err != nil {
		return nil, err
	}
	return decodeFixLog(data, workerID)
}

func (l *S3FixLog) getObject(ctx context.Context) ([]byte, error) {
	resp, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &l.bucket, Key: &l.key})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("supervisor: get fix log: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("supervisor: read fix log body: %w", err)
	}
	return buf.Bytes(), nil
}

// MemoryFixLog is an in-process FixLog for tests.
type MemoryFixLog struct {
	mu       sync.Mutex
	attempts []FixAttempt
}

// NewMemoryFixLog builds an empty MemoryFixLog.
func NewMemoryFixLog() *MemoryFixLog {
	return &MemoryFixLog{}
}

// Append implements FixLog.
func (l *MemoryFixLog) Append(ctx context.Context, attempt FixAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, attempt)
	return nil
}

// History implements FixLog.
func (l *MemoryFixLog) History(ctx context.Context, workerID int) ([]FixAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []FixAttempt
	for _, a := range l.attempts {
		if a.WorkerID == workerID {
			out = append(out, a)
		}
	}
	return out, nil
}
