// Package archiveworker implements the archive-mode variant of the worker
// specified in section 4.7 of the design specification: it extends the
// catalog-key worker (package worker) by iterating over an assigned set of
// archive files instead of catalog keys, reusing existing extraction
// folders where possible and reclaiming orphaned archives from dead peers.
package archiveworker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/zzenonn/ingestd/config"
	"github.com/zzenonn/ingestd/dedup"
	"github.com/zzenonn/ingestd/fingerprint"
	"github.com/zzenonn/ingestd/internal/procwatch"
	"github.com/zzenonn/ingestd/metadata"
	"github.com/zzenonn/ingestd/metrics"
	"github.com/zzenonn/ingestd/progress"
	"github.com/zzenonn/ingestd/uploader"
)

// LivenessChecker reports whether a process is still running, used to
// decide whether a peer's unfinished archives are orphaned (section 4.7).
type LivenessChecker interface {
	IsAlive(pid int) bool
}

// procwatchLiveness is the default LivenessChecker, backed by the process
// sampling helpers in internal/procwatch (section 4.14).
type procwatchLiveness struct{}

func (procwatchLiveness) IsAlive(pid int) bool { return procwatch.IsAlive(pid) }

// Worker owns an assigned set of archives, per section 4.7. It shares the
// dedup/progress/uploader collaborators with package worker's catalog-key
// Worker but replaces catalog iteration with archive extraction.
type Worker struct {
	cfg config.WorkerConfig

	assignments AssignmentSource
	extractor   Extractor
	dedupCache  *dedup.Cache
	progress    progress.Store
	uploader    *uploader.Uploader
	metaExtract metadata.Extractor
	liveness    LivenessChecker
	metrics     *metrics.Metrics
	log         *logrus.Entry

	mu         sync.Mutex
	state      progress.WorkerProgress
	lastCommit time.Time
}

// commitInterval mirrors package worker's commit cadence (section 4.4).
const commitInterval = 30 * time.Second

// New builds an archive-mode Worker. liveness may be nil to use the default
// /proc-based checker.
func New(
	cfg config.WorkerConfig,
	assignments AssignmentSource,
	extractor Extractor,
	dedupCache *dedup.Cache,
	progressStore progress.Store,
	up *uploader.Uploader,
	metaExtract metadata.Extractor,
	liveness LivenessChecker,
	log *logrus.Entry,
) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	if liveness == nil {
		liveness = procwatchLiveness{}
	}
	return &Worker{
		cfg:         cfg,
		assignments: assignments,
		extractor:   extractor,
		dedupCache:  dedupCache,
		progress:    progressStore,
		uploader:    up,
		metaExtract: metaExtract,
		liveness:    liveness,
		metrics:     metrics.New(),
		log:         log.WithField("shard_id", cfg.ShardID),
	}
}

// Run processes this worker's assigned archives to completion, then
// attempts orphan recovery once before draining.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.initialize(ctx); err != nil {
		return fmt.Errorf("archiveworker: initialize: %w", err)
	}

	if err := w.drainAssignment(ctx); err != nil {
		return err
	}

	if err := w.reclaimOrphans(ctx); err != nil {
		w.log.WithError(err).Warn("orphan recovery failed, continuing to drain")
	} else if err := w.drainAssignment(ctx); err != nil {
		return err
	}

	return w.drain(ctx)
}

func (w *Worker) initialize(ctx context.Context) error {
	loaded, err := w.progress.Load(ctx, w.cfg.ShardID)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	loaded.PID = os.Getpid()
	loaded.ProcessStartedAt = time.Now()

	w.mu.Lock()
	w.state = loaded
	w.lastCommit = time.Now()
	w.mu.Unlock()

	w.dedupCache.Bootstrap(ctx)
	w.setStatus("initializing")
	return nil
}

// drainAssignment processes every not-yet-completed archive currently
// assigned to this shard.
func (w *Worker) drainAssignment(ctx context.Context) error {
	assigned, err := w.assignments.Assignment(ctx, w.cfg.ShardID)
	if err != nil {
		return fmt.Errorf("archiveworker: load assignment: %w", err)
	}

	for _, archivePath := range assigned {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if w.isCompleted(archivePath) {
			continue
		}
		if err := w.processArchive(ctx, archivePath); err != nil {
			w.log.WithError(err).WithField("archive", archivePath).Error("archive processing failed")
		}
	}
	return nil
}

func (w *Worker) isCompleted(archivePath string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, done := range w.state.CompletedArchives {
		if done == archivePath {
			return true
		}
	}
	return false
}

// processArchive implements section 4.7's three-step procedure for one
// archive: folder reuse or extraction, parallel fingerprinting followed by
// the serialized dedup-upload pipeline, and completion bookkeeping.
func (w *Worker) processArchive(ctx context.Context, archivePath string) error {
	w.setCurrentArchive(archivePath)
	w.setStatus("processing")

	dir, reused, err := w.resolveExtractionDir(ctx, archivePath)
	if err != nil {
		return fmt.Errorf("resolve extraction dir for %s: %w", archivePath, err)
	}

	files, err := listFiles(dir)
	if err != nil {
		return fmt.Errorf("list files under %s: %w", dir, err)
	}

	fingerprinted := w.fingerprintAll(ctx, files)

	newCount, allTerminated := w.uploadAll(ctx, fingerprinted)

	w.mu.Lock()
	summary := w.state.ArchiveProgress[archivePath]
	summary.FilesTotal = len(files)
	summary.FilesResolved = len(files)
	summary.NewUploaded = newCount
	summary.ReusedFromPeer = reused
	if allTerminated {
		summary.CompletedAt = time.Now()
		w.state.CompletedArchives = append(w.state.CompletedArchives, archivePath)
	}
	w.state.ArchiveProgress[archivePath] = summary
	w.state.CurrentArchive = ""
	w.mu.Unlock()

	if err := w.commit(ctx, true); err != nil {
		w.log.WithError(err).Error("failed to commit progress after archive completion")
	}

	if !allTerminated {
		// A member file is still TransientFailure; leave the archive off
		// CompletedArchives and its extraction directory in place so the
		// next drainAssignment pass (isCompleted filters on that list)
		// retries the unresolved members instead of losing them.
		w.log.WithField("archive", archivePath).Warn("archive has unresolved transient failures, will retry")
		return nil
	}

	if !reused {
		if err := os.RemoveAll(dir); err != nil {
			w.log.WithError(err).WithField("dir", dir).Warn("failed to clean up extraction directory")
		}
	}
	return nil
}

// resolveExtractionDir implements section 4.7 step 1: reuse an existing
// extraction folder with the most files (ties broken by most-recent mtime),
// or extract fresh into a timestamped directory.
func (w *Worker) resolveExtractionDir(ctx context.Context, archivePath string) (dir string, reused bool, err error) {
	base := archiveBaseName(archivePath)

	entries, err := os.ReadDir(w.cfg.StagingDir)
	if err != nil && !os.IsNotExist(err) {
		return "", false, fmt.Errorf("list staging dir: %w", err)
	}

	var bestDir string
	var bestCount int
	var bestMod time.Time
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), base) {
			continue
		}
		full := filepath.Join(w.cfg.StagingDir, e.Name())
		count, mod, cerr := countFiles(full)
		if cerr != nil || count == 0 {
			continue
		}
		if count > bestCount || (count == bestCount && mod.After(bestMod)) {
			bestDir, bestCount, bestMod = full, count, mod
		}
	}
	if bestDir != "" {
		return bestDir, true, nil
	}

	if err := os.MkdirAll(w.cfg.StagingDir, 0o755); err != nil {
		return "", false, fmt.Errorf("create staging dir: %w", err)
	}
	if err := checkFreeSpace(w.cfg.StagingDir); err != nil {
		return "", false, err
	}
	dest := filepath.Join(w.cfg.StagingDir, fmt.Sprintf("%s_%d", base, time.Now().UnixNano()))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", false, fmt.Errorf("create extraction dir: %w", err)
	}
	if err := w.extractor.Extract(ctx, archivePath, dest); err != nil {
		return "", false, fmt.Errorf("extract %s: %w", archivePath, err)
	}
	return dest, false, nil
}

func archiveBaseName(archivePath string) string {
	base := filepath.Base(archivePath)
	for _, ext := range []string{".tar.gz", ".tgz", ".tar", ".zip"} {
		if strings.HasSuffix(strings.ToLower(base), ext) {
			return base[:len(base)-len(ext)]
		}
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func countFiles(dir string) (count int, mostRecentMod time.Time, err error) {
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		count++
		info, ierr := d.Info()
		if ierr == nil && info.ModTime().After(mostRecentMod) {
			mostRecentMod = info.ModTime()
		}
		return nil
	})
	return count, mostRecentMod, err
}

func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// fingerprintResult pairs a path with its computed fingerprint, or an error
// if the file could not be read.
type fingerprintResult struct {
	path string
	fp   fingerprint.Fingerprint
	err  error
}

// fingerprintAll implements section 4.7 step 2's parallel fingerprinting
// stage, bounded to cfg.FingerprintDegree concurrent hashes (default 4; the
// worker CLI substitutes cores/2 when it is set below 1), completing before
// the serialized dedup filter begins —
// the two-phase structure chosen over interleaving per the design notes.
func (w *Worker) fingerprintAll(ctx context.Context, files []string) []fingerprintResult {
	results := make([]fingerprintResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.FingerprintDegree)

	for i, path := range files {
		i, path := i, path
		g.Go(func() error {
			select {
			case <-gctx.Done():
				results[i] = fingerprintResult{path: path, err: gctx.Err()}
				return nil
			default:
			}
			fp, err := fingerprint.Compute(path)
			results[i] = fingerprintResult{path: path, fp: fp, err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// uploadAll runs the serialized dedup filter and bounded-concurrency upload
// stage over already-fingerprinted files, returning the NewUploaded count
// and whether every member file reached a terminal outcome (false if any
// ended in TransientFailure, meaning the archive cannot yet be marked done).
func (w *Worker) uploadAll(ctx context.Context, results []fingerprintResult) (int, bool) {
	sem := make(chan struct{}, w.cfg.ParallelUploads)
	var wg sync.WaitGroup
	var newCount int64
	var transientCount int64

	for _, r := range results {
		if r.err != nil {
			w.log.WithError(r.err).WithField("path", r.path).Warn("unreadable archive member, marking unresolvable")
			w.recordCompletion(r.path, progress.StatusUnresolvable, r.path)
			w.metrics.RecordPermanentFailure()
			continue
		}

		key := r.fp.String()
		if w.dedupCache.Seen(r.fp) {
			w.recordCompletion(r.path, progress.StatusAlreadyPresentLocal, key)
			w.metrics.RecordAlreadyPresent()
			continue
		}

		r := r
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			isNew, transient := w.uploadOne(ctx, r)
			if isNew {
				atomic.AddInt64(&newCount, 1)
			}
			if transient {
				atomic.AddInt64(&transientCount, 1)
			}
		}()
	}
	wg.Wait()
	return int(newCount), transientCount == 0
}

func (w *Worker) uploadOne(ctx context.Context, r fingerprintResult) (isNew bool, transient bool) {
	key := r.fp.String()

	format, err := fingerprint.DetectFormat(r.path)
	formatTag := string(format)
	if err != nil {
		formatTag = ""
	}

	rec := metadataFor(ctx, w.metaExtract, r.path)

	start := time.Now()
	result := w.uploader.Upload(ctx, uploader.Record{
		Fingerprint: r.fp,
		Metadata:    rec,
		Format:      formatTag,
		Path:        r.path,
		UseSymlinks: w.cfg.UseSymlinks,
	})
	if slow := w.metrics.RecordUploadDuration(time.Since(start)); slow {
		w.log.WithField("path", r.path).Warn("upload exceeded slow threshold")
	}
	w.touchActivity()

	switch result.Outcome {
	case uploader.OutcomeNewUploaded:
		w.dedupCache.MarkUploaded(r.fp)
		w.recordCompletion(r.path, progress.StatusUploaded, key)
		w.touchUpload()
		w.metrics.RecordNewUploaded()
		return true, false
	case uploader.OutcomeAlreadyPresent:
		w.recordCompletion(r.path, progress.StatusAlreadyPresentRemote, key)
		w.metrics.RecordAlreadyPresent()
		return false, false
	case uploader.OutcomePermanentFailure:
		w.recordCompletion(r.path, progress.StatusUnresolvable, key)
		w.metrics.RecordPermanentFailure()
		return false, false
	default: // OutcomeTransientFailure: non-terminal; the archive stays off
		// CompletedArchives so drainAssignment retries its unresolved members.
		w.metrics.RecordTransientFailure()
		return false, true
	}
}

func metadataFor(ctx context.Context, extractor metadata.Extractor, path string) metadata.Record {
	if extractor == nil {
		return metadata.FromFilename(path)
	}
	rec, err := extractor.Extract(ctx, path)
	if err != nil {
		return metadata.FromFilename(path)
	}
	return rec
}

// reclaimOrphans implements section 4.7's orphan recovery: once this
// worker's own assignment is drained, scan peer progress files for
// unfinished archives belonging to a dead peer that no live peer has
// already claimed (via its current_archive), and append them to this
// worker's assignment.
func (w *Worker) reclaimOrphans(ctx context.Context) error {
	store, ok := w.progress.(peerLister)
	if !ok {
		return nil
	}

	shards, err := store.AllShards(ctx)
	if err != nil {
		return fmt.Errorf("list peer shards: %w", err)
	}

	all, err := w.assignments.AllAssignments(ctx)
	if err != nil {
		return fmt.Errorf("list all assignments: %w", err)
	}

	claimed := make(map[string]bool)
	var orphans []string

	for _, shardID := range shards {
		peerProgress, err := w.progress.Load(ctx, shardID)
		if err != nil {
			continue
		}
		alive := shardID == w.cfg.ShardID || w.liveness.IsAlive(peerProgress.PID)
		if alive && peerProgress.CurrentArchive != "" {
			claimed[peerProgress.CurrentArchive] = true
		}
		if alive {
			continue
		}

		done := make(map[string]bool, len(peerProgress.CompletedArchives))
		for _, a := range peerProgress.CompletedArchives {
			done[a] = true
		}
		for _, a := range all[shardID] {
			if !done[a] {
				orphans = append(orphans, a)
			}
		}
	}

	var toClaim []string
	for _, a := range orphans {
		if !claimed[a] {
			toClaim = append(toClaim, a)
		}
	}
	if len(toClaim) == 0 {
		return nil
	}

	reassigner, ok := w.assignments.(interface {
		Reassign(shardID int, archives []string) error
	})
	if !ok {
		return fmt.Errorf("assignment source does not support reclaiming orphans")
	}
	w.log.WithField("count", len(toClaim)).Info("claiming orphaned archives from dead peers")
	return reassigner.Reassign(w.cfg.ShardID, toClaim)
}

// peerLister is the subset of progress.Store needed to enumerate peers;
// satisfied by both progress.FileStore and progress.S3Store.
type peerLister interface {
	AllShards(ctx context.Context) ([]int, error)
}

func (w *Worker) setCurrentArchive(archivePath string) {
	w.mu.Lock()
	w.state.CurrentArchive = archivePath
	w.mu.Unlock()
}

func (w *Worker) recordCompletion(path string, status progress.FileStatus, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.CompletedFiles[key] = progress.CompletedFile{Path: path, Status: status, TS: time.Now()}
}

func (w *Worker) touchActivity() {
	w.mu.Lock()
	w.state.LastActivityAt = time.Now()
	w.mu.Unlock()
}

func (w *Worker) touchUpload() {
	w.mu.Lock()
	now := time.Now()
	w.state.LastUploadedAt = now
	w.state.LastActivityAt = now
	w.mu.Unlock()
}

func (w *Worker) setStatus(s string) {
	w.mu.Lock()
	w.state.Status = s
	w.mu.Unlock()
}

func (w *Worker) commit(ctx context.Context, force bool) error {
	w.mu.Lock()
	due := force || time.Since(w.lastCommit) >= commitInterval
	snapshot := w.state
	w.mu.Unlock()

	if !due {
		return nil
	}
	if err := w.progress.Save(ctx, snapshot); err != nil {
		return err
	}
	w.mu.Lock()
	w.lastCommit = time.Now()
	w.mu.Unlock()
	return nil
}

func (w *Worker) drain(ctx context.Context) error {
	w.setStatus("draining")
	drainCtx, cancel := context.WithTimeout(ctx, w.cfg.DrainTimeout)
	defer cancel()
	if err := w.commit(drainCtx, true); err != nil {
		return fmt.Errorf("archiveworker: commit during drain: %w", err)
	}
	return nil
}
