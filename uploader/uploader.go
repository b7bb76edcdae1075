// Package uploader implements the bounded-retry, watchdog-guarded upload
// operation specified in section 4.5 of the design specification, wrapping
// a target.Client with the retry/backoff and stuck-detection policy.
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zzenonn/ingestd/fingerprint"
	"github.com/zzenonn/ingestd/metadata"
	"github.com/zzenonn/ingestd/target"
)

// Outcome is the worker-facing classification of one upload attempt, as
// defined in section 3.
type Outcome string

const (
	OutcomeNewUploaded      Outcome = "new_uploaded"
	OutcomeAlreadyPresent   Outcome = "already_present"
	OutcomeTransientFailure Outcome = "transient_failure"
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// Result carries the terminal Outcome plus diagnostic detail for logging
// and progress recording.
type Result struct {
	Outcome           Outcome
	Reason            string
	ServerFingerprint *fingerprint.Fingerprint
}

// Record is everything the uploader needs for one upload attempt.
type Record struct {
	Fingerprint fingerprint.Fingerprint
	Metadata    metadata.Record
	Format      string
	Path        string // source file path
	UseSymlinks bool   // when true, upload by path reference (section 4.5 step 2)
}

// BodyOpener opens the file bytes for a byte-mode upload; callers supply a
// fresh reader per attempt since retries must re-read from the start.
type BodyOpener func(path string) (io.ReadCloser, error)

const (
	maxAttempts           = 3
	backoffBase           = 2 * time.Second
	defaultSampleInterval = 60 * time.Second
	defaultStuckAfter     = 240 * time.Second
	defaultHardCeiling    = 600 * time.Second
)

// Config tunes the retry/backoff and watchdog policy; zero-value fields
// fall back to the section 4.5 defaults.
type Config struct {
	MaxAttempts    int
	BackoffBase    time.Duration
	SampleInterval time.Duration
	StuckAfter     time.Duration
	HardCeiling    time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = maxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = backoffBase
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = defaultSampleInterval
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = defaultStuckAfter
	}
	if c.HardCeiling <= 0 {
		c.HardCeiling = defaultHardCeiling
	}
	return c
}

// Uploader wraps a target.Client with the retry, pre-check, and watchdog
// policy from section 4.5.
type Uploader struct {
	client   target.Client
	openBody BodyOpener
	cfg      Config
	log      *logrus.Entry
}

// New builds an Uploader. openBody may be nil when UseSymlinks is always
// set (no file bytes ever traverse the wire).
func New(client target.Client, openBody BodyOpener, cfg Config, log *logrus.Entry) *Uploader {
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Uploader{client: client, openBody: openBody, cfg: cfg.withDefaults(), log: log}
}

// Upload executes the full procedure from section 4.5: pre-check, transfer,
// classify, and — for TransientFailure — retry with exponential backoff.
func (u *Uploader) Upload(ctx context.Context, rec Record) Result {
	if exists, err := u.client.Exists(ctx, rec.Fingerprint); err == nil && exists {
		return Result{Outcome: OutcomeAlreadyPresent, Reason: "pre-check"}
	} else if err != nil {
		u.log.WithError(err).Debug("exists pre-check failed, proceeding to upload attempt")
	}

	var last Result
	for attempt := 0; attempt < u.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := u.cfg.BackoffBase << uint(attempt-1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return Result{Outcome: OutcomeTransientFailure, Reason: "cancelled during backoff"}
			}
		}

		last = u.attempt(ctx, rec)
		if last.Outcome != OutcomeTransientFailure {
			return last
		}
		u.log.WithField("attempt", attempt+1).WithField("reason", last.Reason).Warn("transient upload failure, retrying")
	}

	return last
}

// attempt performs one upload try under the progress watchdog.
func (u *Uploader) attempt(ctx context.Context, rec Record) Result {
	watchCtx, cancel := context.WithTimeout(ctx, u.cfg.HardCeiling)
	defer cancel()

	w := newWatchdog(u.cfg.SampleInterval, u.cfg.StuckAfter)
	stuckCtx, stopWatch := w.run(watchCtx)
	defer stopWatch()

	req := target.UploadRequest{
		Fingerprint: rec.Fingerprint,
		Metadata:    rec.Metadata,
		Format:      rec.Format,
	}

	if rec.UseSymlinks {
		req.PathRef = rec.Path
	} else {
		if u.openBody == nil {
			return Result{Outcome: OutcomePermanentFailure, Reason: "no body opener configured for byte-mode upload"}
		}
		body, err := u.openBody(rec.Path)
		if err != nil {
			return Result{Outcome: OutcomePermanentFailure, Reason: fmt.Sprintf("open source file: %v", err)}
		}
		defer func() { _ = body.Close() }()
		req.Body = &countingReader{r: body, onRead: w.recordBytes}
	}

	respCh := make(chan target.UploadResponse, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := u.client.Upload(stuckCtx, req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	select {
	case resp := <-respCh:
		return classify(resp)
	case err := <-errCh:
		return Result{Outcome: OutcomeTransientFailure, Reason: err.Error()}
	case <-stuckCtx.Done():
		if errors.Is(watchCtx.Err(), context.DeadlineExceeded) {
			return Result{Outcome: OutcomeTransientFailure, Reason: "hard ceiling exceeded"}
		}
		return Result{Outcome: OutcomeTransientFailure, Reason: "stuck"}
	}
}

// classify maps a target.UploadResponse onto the worker-facing Outcome
// taxonomy using the shared target.Is* helpers.
func classify(resp target.UploadResponse) Result {
	switch {
	case resp.Status == target.StatusNew:
		return Result{Outcome: OutcomeNewUploaded, ServerFingerprint: resp.ServerFingerprint}
	case resp.Status == target.StatusDuplicate:
		return Result{Outcome: OutcomeAlreadyPresent, Reason: resp.Message, ServerFingerprint: resp.ServerFingerprint}
	case target.IsPermanent(resp.Status):
		return Result{Outcome: OutcomePermanentFailure, Reason: resp.Message}
	case target.IsTransient(resp.Status):
		return Result{Outcome: OutcomeTransientFailure, Reason: resp.Message}
	default:
		return Result{Outcome: OutcomePermanentFailure, Reason: fmt.Sprintf("unrecognized status %q", resp.Status)}
	}
}

// countingReader notifies onRead of each chunk's size so the watchdog can
// observe "new bytes on stdout/stderr" equivalent progress for in-process
// HTTP transfers (section 4.5 signal (a)).
type countingReader struct {
	r      io.Reader
	onRead func(n int)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 && c.onRead != nil {
		c.onRead(n)
	}
	return n, err
}
