// Package worker implements the shard-owning worker process specified in
// section 4.6 of the design specification: it iterates its shard of the
// source catalog in batches, filters candidates through the dedup cache and
// its own progress, uploads in a bounded concurrency pool, and checkpoints.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zzenonn/ingestd/catalog"
	"github.com/zzenonn/ingestd/config"
	"github.com/zzenonn/ingestd/dedup"
	"github.com/zzenonn/ingestd/fingerprint"
	"github.com/zzenonn/ingestd/metadata"
	"github.com/zzenonn/ingestd/metrics"
	"github.com/zzenonn/ingestd/progress"
	"github.com/zzenonn/ingestd/uploader"
)

// State is one value of the section 4.6 state machine.
type State string

const (
	StateInitializing State = "initializing"
	StateDiscovering  State = "discovering"
	StateProcessing   State = "processing"
	StateDraining     State = "draining"
	StatePaused       State = "paused"
)

// skipAheadThreshold and skipAheadStride implement section 4.6's
// skip-ahead policy.
const (
	skipAheadThreshold = 5
	skipAheadStride    = 10000
)

// commitInterval is the minimum age of the last commit before a non-forced
// commit writes. Run commits with force=true after every batch, on pause and
// on drain, and never without force, so no commit happens in the middle of
// a batch.
const commitInterval = 30 * time.Second

// PauseFlagChecker reports whether the supervisor has asked this worker to
// pause, per section 4.6's "paused: file-flag set by supervisor".
type PauseFlagChecker interface {
	Paused(ctx context.Context, shardID int) bool
}

// Worker owns one shard of the migration, per section 4.6.
type Worker struct {
	cfg config.WorkerConfig

	catalog    catalog.Catalog
	dedupCache *dedup.Cache
	progress   progress.Store
	uploader   *uploader.Uploader
	extractor  metadata.Extractor
	pauseCheck PauseFlagChecker
	metrics    *metrics.Metrics
	log        *logrus.Entry

	mu    sync.Mutex
	state progress.WorkerProgress

	lastCommit time.Time
}

// New builds a Worker. pauseCheck may be nil to disable pause support.
func New(
	cfg config.WorkerConfig,
	cat catalog.Catalog,
	dedupCache *dedup.Cache,
	progressStore progress.Store,
	up *uploader.Uploader,
	extractor metadata.Extractor,
	pauseCheck PauseFlagChecker,
	log *logrus.Entry,
) *Worker {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Worker{
		cfg:        cfg,
		catalog:    cat,
		dedupCache: dedupCache,
		progress:   progressStore,
		uploader:   up,
		extractor:  extractor,
		pauseCheck: pauseCheck,
		metrics:    metrics.New(),
		log:        log.WithField("shard_id", cfg.ShardID),
	}
}

// Run drives the state machine until draining completes, context
// cancellation, or an unrecoverable error. It implements section 4.6's
// startup sequence and the SIGTERM drain contract of section 5.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.initialize(ctx); err != nil {
		return fmt.Errorf("worker: initialize: %w", err)
	}

	zeroNewStreak := 0

	for {
		select {
		case <-ctx.Done():
			return w.drain(context.Background())
		default:
		}

		if w.pauseCheck != nil && w.pauseCheck.Paused(ctx, w.cfg.ShardID) {
			w.setStatus(StatePaused)
			if err := w.commit(ctx, true); err != nil {
				w.log.WithError(err).Error("failed to commit progress while pausing")
			}
			return nil
		}

		w.setStatus(StateDiscovering)
		batch, err := w.catalog.NextBatch(ctx, w.cfg.ShardID, w.cfg.ShardCount, w.currentKey(), w.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("worker: discover batch: %w", err)
		}

		if len(batch) == 0 {
			return w.drain(ctx)
		}

		w.setStatus(StateProcessing)
		newUploadedInBatch, advanceKey, err := w.processBatch(ctx, batch)
		if err != nil {
			return fmt.Errorf("worker: process batch: %w", err)
		}

		maxKey := batch[len(batch)-1].ShardKey
		fullyTerminated := advanceKey == maxKey
		if !fullyTerminated {
			// A transient failure left a gap below maxKey; this batch isn't
			// a genuine duplicate-heavy run, so it doesn't feed skip-ahead.
			zeroNewStreak = 0
		} else if newUploadedInBatch == 0 {
			zeroNewStreak++
		} else {
			zeroNewStreak = 0
		}

		w.mu.Lock()
		if fullyTerminated && zeroNewStreak >= skipAheadThreshold {
			w.state.LastProcessedShardKey = maxKey + skipAheadStride
			zeroNewStreak = 0
		} else {
			w.state.LastProcessedShardKey = advanceKey
		}
		w.state.ZeroNewStreak = zeroNewStreak
		w.mu.Unlock()

		w.dedupCache.MaybeRefresh(ctx, newUploadedInBatch == 0)

		if err := w.commit(ctx, true); err != nil {
			w.log.WithError(err).Error("failed to commit progress after batch")
		}

		if w.cfg.Limit > 0 && w.totalResolved() >= w.cfg.Limit {
			return w.drain(ctx)
		}
	}
}

// initialize implements section 4.6's "initializing" state.
func (w *Worker) initialize(ctx context.Context) error {
	loaded, err := w.progress.Load(ctx, w.cfg.ShardID)
	if err != nil {
		return fmt.Errorf("load progress: %w", err)
	}
	if loaded.LastProcessedShardKey == 0 {
		loaded.LastProcessedShardKey = w.cfg.LastKey
	}
	loaded.PID = os.Getpid()
	loaded.ProcessStartedAt = time.Now()

	w.mu.Lock()
	w.state = loaded
	w.lastCommit = time.Now()
	w.mu.Unlock()

	w.dedupCache.Bootstrap(ctx)
	w.setStatus(StateInitializing)
	return nil
}

// currentKey returns the checkpointed last processed shard key.
func (w *Worker) currentKey() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state.LastProcessedShardKey
}

// totalResolved counts how many fingerprints this worker has terminated,
// used for the --limit cutoff.
func (w *Worker) totalResolved() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.state.CompletedFiles))
}

// processBatch implements section 4.6's "processing" state: for each
// record, consult the dedup cache, fingerprint, extract metadata, and
// submit to a bounded concurrency pool invoking the uploader. It returns
// the number of NewUploaded outcomes in this batch and the highest shard
// key the checkpoint may safely advance to — the batch's last key only
// when every record terminated, otherwise one below the lowest key that
// ended in TransientFailure, so the next NextBatch re-discovers it.
func (w *Worker) processBatch(ctx context.Context, batch []catalog.SourceRecord) (int, int64, error) {
	sem := make(chan struct{}, w.cfg.ParallelUploads)
	var wg sync.WaitGroup
	var newCount int64

	var mu sync.Mutex
	minTransientKey := int64(-1)

	for _, rec := range batch {
		rec := rec
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			isNew, transient := w.processOne(ctx, rec)
			if isNew {
				atomic.AddInt64(&newCount, 1)
			}
			if transient {
				mu.Lock()
				if minTransientKey == -1 || rec.ShardKey < minTransientKey {
					minTransientKey = rec.ShardKey
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	advanceKey := batch[len(batch)-1].ShardKey
	if minTransientKey != -1 {
		advanceKey = minTransientKey - 1
	}

	return int(newCount), advanceKey, nil
}

// processOne implements section 4.6's per-record procedure. It returns
// whether the outcome was NewUploaded, and whether it was TransientFailure
// (the only non-terminal outcome: new/duplicate/permanent-failure all
// terminate the record and may safely fall behind the checkpoint).
func (w *Worker) processOne(ctx context.Context, rec catalog.SourceRecord) (isNew bool, transient bool) {
	key := fmt.Sprintf("%s:%d", rec.Path, rec.ShardKey) // placeholder key until fingerprinted

	fp, err := fingerprint.Compute(rec.Path)
	if err != nil {
		w.log.WithError(err).WithField("path", rec.Path).Warn("unreadable source file, marking unresolvable")
		w.recordCompletion(rec, fingerprint.Fingerprint{}, progress.StatusUnresolvable, key)
		w.metrics.RecordPermanentFailure()
		return false, false
	}
	key = fp.String()

	w.mu.Lock()
	_, done := w.state.CompletedFiles[key]
	w.mu.Unlock()
	if done {
		return false, false
	}

	if w.dedupCache.Seen(fp) {
		w.recordCompletion(rec, fp, progress.StatusAlreadyPresentLocal, key)
		w.metrics.RecordAlreadyPresent()
		return false, false
	}

	format := rec.FormatHint
	if format == "" {
		if detected, err := fingerprint.DetectFormat(rec.Path); err == nil {
			format = string(detected)
		}
	}

	rec2 := metadataFor(ctx, w.extractor, rec)

	start := time.Now()
	result := w.uploader.Upload(ctx, uploaderRecord(fp, rec2, format, rec.Path, w.cfg.UseSymlinks))
	slow := w.metrics.RecordUploadDuration(time.Since(start))
	if slow {
		w.log.WithField("path", rec.Path).Warn("upload exceeded slow threshold")
	}

	w.touchActivity()

	switch result.Outcome {
	case uploader.OutcomeNewUploaded:
		w.dedupCache.MarkUploaded(fp)
		w.recordCompletion(rec, fp, progress.StatusUploaded, key)
		w.touchUpload()
		w.metrics.RecordNewUploaded()
		if sample, ok := w.metrics.MaybeEmitRate(); ok {
			w.log.WithField("uploads_per_minute", sample.UploadsPerMinute).Info("upload rate")
		}
		return true, false
	case uploader.OutcomeAlreadyPresent:
		w.recordCompletion(rec, fp, progress.StatusAlreadyPresentRemote, key)
		w.metrics.RecordAlreadyPresent()
		return false, false
	case uploader.OutcomePermanentFailure:
		w.recordCompletion(rec, fp, progress.StatusUnresolvable, key)
		w.metrics.RecordPermanentFailure()
		return false, false
	default: // OutcomeTransientFailure: non-terminal; stays out of CompletedFiles
		// and reported to Run as the batch's minimum unresolved key, so the
		// checkpoint cannot pass it and the next NextBatch re-discovers it.
		w.metrics.RecordTransientFailure()
		return false, true
	}
}

// recordCompletion stores the per-fingerprint outcome under the progress
// lock, per section 4.6's "All mutations of WorkerProgress ... serialized
// through a single mutex" concurrency contract.
func (w *Worker) recordCompletion(rec catalog.SourceRecord, fp fingerprint.Fingerprint, status progress.FileStatus, key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state.CompletedFiles[key] = progress.CompletedFile{Path: rec.Path, Status: status, TS: time.Now()}
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

func (w *Worker) setStatus(s State) {
	w.mu.Lock()
	w.state.Status = string(s)
	w.mu.Unlock()
}

// commit persists progress if force is set or commitInterval has elapsed
// since the last commit, per section 4.4's cadence rule.
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

// drain implements section 4.6's draining state and the SIGTERM contract
// from section 5: let in-flight work finish (already returned by the time
// this is called, since processBatch is synchronous), commit, and exit.
func (w *Worker) drain(ctx context.Context) error {
	w.setStatus(StateDraining)
	drainCtx, cancel := context.WithTimeout(ctx, w.cfg.DrainTimeout)
	defer cancel()
	if err := w.commit(drainCtx, true); err != nil {
		return fmt.Errorf("worker: commit during drain: %w", err)
	}
	return nil
}

// metadataFor extracts metadata for rec, preferring prefetched metadata
// from the catalog when present (section 3: SourceRecord.prefetched_metadata).
func metadataFor(ctx context.Context, extractor metadata.Extractor, rec catalog.SourceRecord) metadata.Record {
	if rec.PrefetchedMetadata != nil {
		return metadata.Record{
			Title:       rec.PrefetchedMetadata.Title,
			Authors:     rec.PrefetchedMetadata.Authors,
			Language:    rec.PrefetchedMetadata.Language,
			Series:      rec.PrefetchedMetadata.Series,
			SeriesIndex: rec.PrefetchedMetadata.SeriesIndex,
		}
	}
	if extractor == nil {
		return metadata.FromFilename(rec.Path)
	}
	rec2, err := extractor.Extract(ctx, rec.Path)
	if err != nil {
		return metadata.FromFilename(rec.Path)
	}
	return rec2
}

// uploaderRecord builds an uploader.Record for a resolved fingerprint.
func uploaderRecord(fp fingerprint.Fingerprint, meta metadata.Record, format, path string, useSymlinks bool) uploader.Record {
	return uploader.Record{
		Fingerprint: fp,
		Metadata:    meta,
		Format:      format,
		Path:        path,
		UseSymlinks: useSymlinks,
	}
}
