package archiveworker

import (
	"archive/zip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zzenonn/ingestd/config"
	"github.com/zzenonn/ingestd/dedup"
	"github.com/zzenonn/ingestd/fingerprint"
	"github.com/zzenonn/ingestd/progress"
	"github.com/zzenonn/ingestd/target"
	"github.com/zzenonn/ingestd/uploader"
)

func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	defer func() { _ = f.Close() }()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip.Create: %v", err)
		}
		if _, err := io.WriteString(w, content); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
}

func newTestConfig(stagingDir string) config.WorkerConfig {
	cfg := config.DefaultWorkerConfig()
	cfg.ShardID = 0
	cfg.ShardCount = 1
	cfg.ParallelUploads = 2
	cfg.FingerprintDegree = 2
	cfg.ArchiveMode = true
	cfg.StagingDir = stagingDir
	return cfg
}

func TestWorker_ExtractsAndUploadsArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "books-001.zip")
	writeTestZip(t, archivePath, map[string]string{
		"a.epub": "content-a",
		"b.epub": "content-b",
		"c.epub": "content-c",
	})

	stagingDir := filepath.Join(dir, "staging")
	cfg := newTestConfig(stagingDir)

	client := target.NewMemoryClient(nil)
	cache := dedup.New(client, nil)
	store := progress.NewMemoryStore()
	up := uploader.New(client, func(p string) (io.ReadCloser, error) { return os.Open(p) }, uploader.Config{}, nil)
	assignments := NewStaticAssignmentSource(map[int][]string{0: {archivePath}})

	w := New(cfg, assignments, TarGzExtractor{}, cache, store, up, nil, nil, nil)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(client.Uploads) != 3 {
		t.Errorf("expected 3 uploads, got %d", len(client.Uploads))
	}

	p, err := store.Load(context.Background(), 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.CompletedArchives) != 1 || p.CompletedArchives[0] != archivePath {
		t.Errorf("CompletedArchives = %v, want [%s]", p.CompletedArchives, archivePath)
	}
	summary, ok := p.ArchiveProgress[archivePath]
	if !ok {
		t.Fatal("expected archive summary to be recorded")
	}
	if summary.NewUploaded != 3 {
		t.Errorf("NewUploaded = %d, want 3", summary.NewUploaded)
	}
	if summary.ReusedFromPeer {
		t.Error("expected a fresh extraction, not reused")
	}

	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		t.Fatalf("ReadDir staging: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected extraction dir to be cleaned up, found %d entries", len(entries))
	}
}

// failingExtractor fails the test if Extract is ever called, used to assert
// folder reuse short-circuits extraction.
type failingExtractor struct{ t *testing.T }

func (f failingExtractor) Extract(ctx context.Context, archivePath, destDir string) error {
	f.t.Fatal("Extract should not be called when an extraction folder can be reused")
	return nil
}

func TestWorker_ReusesExistingExtractionFolder(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "books-002.zip")
	writeTestZip(t, archivePath, map[string]string{"x.epub": "x"})

	stagingDir := filepath.Join(dir, "staging")
	reuseDir := filepath.Join(stagingDir, "books-002_111")
	if err := os.MkdirAll(reuseDir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(reuseDir, "x.epub"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := newTestConfig(stagingDir)
	client := target.NewMemoryClient(nil)
	cache := dedup.New(client, nil)
	store := progress.NewMemoryStore()
	up := uploader.New(client, func(p string) (io.ReadCloser, error) { return os.Open(p) }, uploader.Config{}, nil)
	assignments := NewStaticAssignmentSource(map[int][]string{0: {archivePath}})

	w := New(cfg, assignments, failingExtractor{t: t}, cache, store, up, nil, nil, nil)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p, _ := store.Load(context.Background(), 0)
	summary := p.ArchiveProgress[archivePath]
	if !summary.ReusedFromPeer {
		t.Error("expected the existing extraction folder to be reused")
	}

	if _, err := os.Stat(reuseDir); err != nil {
		t.Errorf("reused extraction dir should survive cleanup: %v", err)
	}
}

// TestWorker_ArchiveNotCompletedWhileMemberTransientlyFails verifies an
// archive is kept off CompletedArchives (and its extraction directory left
// in place) as long as any member file is still TransientFailure, so a
// single flaky upload can't make the whole archive's remaining, genuinely
// unresolved files unreachable.
func TestWorker_ArchiveNotCompletedWhileMemberTransientlyFails(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "books-003.zip")
	writeTestZip(t, archivePath, map[string]string{
		"a.epub": "content-a",
		"b.epub": "content-b",
	})

	stagingDir := filepath.Join(dir, "staging")
	cfg := newTestConfig(stagingDir)

	// Content identity is hash+size only (fingerprint.Compute), so a plain
	// file with the same bytes as the zip's a.epub entry yields the same
	// fingerprint the extracted copy will get.
	probe := filepath.Join(dir, "probe-a.epub")
	if err := os.WriteFile(probe, []byte("content-a"), 0o644); err != nil {
		t.Fatalf("WriteFile probe: %v", err)
	}
	flakyFP, err := fingerprint.Compute(probe)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	client := target.NewMemoryClient(nil)
	client.FailuresBeforeSuccess[flakyFP.String()] = 1

	cache := dedup.New(client, nil)
	store := progress.NewMemoryStore()
	up := uploader.New(client, func(p string) (io.ReadCloser, error) { return os.Open(p) },
		uploader.Config{MaxAttempts: 1, BackoffBase: time.Millisecond}, nil)
	assignments := NewStaticAssignmentSource(map[int][]string{0: {archivePath}})

	w := New(cfg, assignments, TarGzExtractor{}, cache, store, up, nil, nil, nil)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p, err := store.Load(context.Background(), 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.CompletedArchives) != 1 || p.CompletedArchives[0] != archivePath {
		t.Errorf("expected the archive to eventually complete once retried, got %v", p.CompletedArchives)
	}
	if len(client.Uploads) < 3 {
		t.Errorf("expected at least 3 upload attempts (1 failure + 1 retry for a.epub, 1 for b.epub), got %d", len(client.Uploads))
	}
}

// alwaysDeadLiveness reports every PID as dead, simulating a crashed peer.
type alwaysDeadLiveness struct{}

func (alwaysDeadLiveness) IsAlive(pid int) bool { return false }

func TestWorker_ReclaimsOrphanedArchivesFromDeadPeer(t *testing.T) {
	dir := t.TempDir()
	orphanArchive := filepath.Join(dir, "orphan.zip")
	writeTestZip(t, orphanArchive, map[string]string{"o.epub": "o"})

	stagingDir := filepath.Join(dir, "staging")
	cfg := newTestConfig(stagingDir)
	cfg.ShardID = 0
	cfg.ShardCount = 2

	store, err := progress.NewFileStore(filepath.Join(dir, "progress"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	// Shard 1 "died" mid-archive with an unfinished assignment.
	deadPeer := progress.WorkerProgress{
		ShardID:           1,
		CompletedFiles:    map[string]progress.CompletedFile{},
		ArchiveProgress:   map[string]progress.ArchiveSummary{},
		CompletedArchives: nil,
		CurrentArchive:    orphanArchive,
		PID:               999999,
	}
	if err := store.Save(context.Background(), deadPeer); err != nil {
		t.Fatalf("Save dead peer: %v", err)
	}

	client := target.NewMemoryClient(nil)
	cache := dedup.New(client, nil)
	up := uploader.New(client, func(p string) (io.ReadCloser, error) { return os.Open(p) }, uploader.Config{}, nil)
	assignments := NewStaticAssignmentSource(map[int][]string{
		0: {},
		1: {orphanArchive},
	})

	w := New(cfg, assignments, TarGzExtractor{}, cache, store, up, nil, alwaysDeadLiveness{}, nil)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	p, err := store.Load(context.Background(), 0)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(p.CompletedArchives) != 1 || p.CompletedArchives[0] != orphanArchive {
		t.Errorf("expected shard 0 to have claimed and completed %s, got %v", orphanArchive, p.CompletedArchives)
	}
}
