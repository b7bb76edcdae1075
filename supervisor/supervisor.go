// Package supervisor implements the fleet supervisor from section 4.8: a
// single long-running process that polls every worker's progress checkpoint,
// detects stuck or stopped workers, scales the fleet by disk I/O pressure,
// and applies remediations up to and including an advisory code patch.
package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/zzenonn/ingestd/internal/obslog"
	"github.com/zzenonn/ingestd/internal/procwatch"
	"github.com/zzenonn/ingestd/oracle"
	"github.com/zzenonn/ingestd/progress"
)

// statusInitializing and statusDiscovering mirror worker.StateInitializing/
// StateDiscovering as plain strings: progress.WorkerProgress.Status is an
// untyped string written by a separate process, so the supervisor compares
// against the same literal values rather than importing the worker package.
const (
	statusInitializing = "initializing"
	statusDiscovering  = "discovering"
)

// Step A/B/C/D timing constants from section 4.8.
const (
	stuckAfterUpload     = 5 * time.Minute
	stuckProcessStart    = 10 * time.Minute
	stuckNoSignalWindow  = 20 * time.Minute
	stuckActivityWindow  = 5 * time.Minute

	stoppedRestartCooldown = 2 * time.Minute
	fixCooldown            = 10 * time.Minute
	verificationWindow     = 2 * time.Minute

	scaleDownCooldown = 5 * time.Minute
	scaleUpCooldown   = 10 * time.Minute

	scaleDownUtilization = 0.90
	scaleUpUtilization   = 0.50
)

// PeerStore is the subset of progress.Store the supervisor needs: reading
// every worker's checkpoint. It is named independently of progress.Store so
// a test double need not implement Save.
type PeerStore interface {
	Load(ctx context.Context, shardID int) (progress.WorkerProgress, error)
	AllShards(ctx context.Context) ([]int, error)
}

var _ PeerStore = (*progress.FileStore)(nil)

// schedState is the supervisor's in-memory bookkeeping for one shard,
// guarded by Supervisor.mu. None of it is durable: a supervisor restart
// loses cooldowns and resets attempt counts to zero; FixLog.History is
// read only for recurrence counts.
type schedState struct {
	lastRestartAt time.Time
	lastFixAt     time.Time
	attemptCount  int
	escalated     bool
	pendingFix    *pendingFix
}

// pendingFix tracks a fix applied but not yet past its verification window.
type pendingFix struct {
	attempt   FixAttempt
	appliedAt time.Time
}

// Supervisor polls PeerStore on CheckInterval and drives Steps A-D of
// section 4.8.
type Supervisor struct {
	cfg struct {
		CheckInterval time.Duration
		Threshold     int
		DryRun        bool
		AllowCodeFix  bool
		SourceRoot    string

		MinWorkers    int
		TargetWorkers int
		MaxWorkers    int
	}

	store     PeerStore
	disk      DiskSampler
	restarter Restarter
	oracleCl  oracle.Client
	fixLog    FixLog
	logTailer LogTailer
	log       *logrus.Entry

	mu            sync.Mutex
	state         map[int]*schedState
	lastScaleDown time.Time
	lastScaleUp   time.Time
	nextShardID   int
}

// Options configures New. Oracle, LogTailer, and Log are optional; a nil
// Oracle disables LLM consultation entirely, matching section 4.9's "the
// oracle is advisory and optional."
type Options struct {
	CheckInterval time.Duration
	Threshold     int
	DryRun        bool
	AllowCodeFix  bool
	SourceRoot    string

	MinWorkers    int
	TargetWorkers int
	MaxWorkers    int

	Store     PeerStore
	Disk      DiskSampler
	Restarter Restarter
	Oracle    oracle.Client
	FixLog    FixLog
	LogTailer LogTailer
	Log       *logrus.Entry
}

// New builds a Supervisor from opts.
func New(opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	log = log.WithFields(obslog.SupervisorFields())

	s := &Supervisor{
		store:     opts.Store,
		disk:      opts.Disk,
		restarter: opts.Restarter,
		oracleCl:  opts.Oracle,
		fixLog:    opts.FixLog,
		logTailer: opts.LogTailer,
		log:       log,
		state:     make(map[int]*schedState),
	}
	s.cfg.CheckInterval = opts.CheckInterval
	s.cfg.Threshold = opts.Threshold
	s.cfg.DryRun = opts.DryRun
	s.cfg.AllowCodeFix = opts.AllowCodeFix
	s.cfg.SourceRoot = opts.SourceRoot
	s.cfg.MinWorkers = opts.MinWorkers
	s.cfg.TargetWorkers = opts.TargetWorkers
	s.cfg.MaxWorkers = opts.MaxWorkers
	return s
}

// Run loops RunOnce every CheckInterval (default 60s, section 4.8) until ctx
// is canceled.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.WithError(err).Error("supervisor pass failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes one pass of Steps A-D across every known shard.
func (s *Supervisor) RunOnce(ctx context.Context) error {
	shardIDs, err := s.store.AllShards(ctx)
	if err != nil {
		return fmt.Errorf("supervisor: list shards: %w", err)
	}
	sort.Ints(shardIDs)

	for _, id := range shardIDs {
		if id >= s.nextShardIDLocked() {
			s.setNextShardIDLocked(id + 1)
		}
	}

	stuckCount := 0
	for _, id := range shardIDs {
		p, err := s.store.Load(ctx, id)
		if err != nil {
			s.log.WithError(err).WithField("shard_id", id).Warn("failed to load worker progress")
			continue
		}

		// Step B: a progress file whose owning process is no longer alive is
		// a stopped worker, handled independently of Step A's liveness math.
		if p.PID != 0 && !procwatch.IsAlive(p.PID) {
			s.handleStopped(ctx, p)
			continue
		}

		stuck := s.isStuck(p)
		s.resolvePendingFix(ctx, p, stuck)
		if stuck {
			stuckCount++
			s.handleStuck(ctx, p)
		}
	}

	if s.disk != nil {
		util, err := s.disk.Utilization(ctx)
		if err != nil {
			s.log.WithError(err).Warn("disk utilization sample failed")
		} else {
			s.scaleFleet(ctx, util, len(shardIDs), stuckCount)
		}
	}

	return nil
}

func (s *Supervisor) nextShardIDLocked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextShardID
}

func (s *Supervisor) setNextShardIDLocked(v int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextShardID = v
}

func (s *Supervisor) stateFor(shardID int) *schedState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[shardID]
	if !ok {
		st = &schedState{}
		s.state[shardID] = st
	}
	return st
}

// isStuck implements section 4.8 step A's three-branch liveness check for a
// live worker PID:
//   - if it has ever uploaded: stuck once now-last_uploaded_at exceeds 5 min;
//   - if it hasn't uploaded yet and its status is initializing/discovering:
//     stuck once process_start is 10 min old AND no progress signal has
//     appeared in the last 20 min;
//   - otherwise: stuck once last_activity_at is 5 min stale.
func (s *Supervisor) isStuck(p progress.WorkerProgress) bool {
	now := time.Now()

	if !p.LastUploadedAt.IsZero() {
		return now.Sub(p.LastUploadedAt) > stuckAfterUpload
	}

	if p.Status == statusInitializing || p.Status == statusDiscovering {
		if p.ProcessStartedAt.IsZero() || now.Sub(p.ProcessStartedAt) <= stuckProcessStart {
			return false
		}
		if s.recentProgressSignal(p) {
			return false
		}
		if !p.LastActivityAt.IsZero() && now.Sub(p.LastActivityAt) <= stuckNoSignalWindow {
			return false
		}
		return true
	}

	if p.LastActivityAt.IsZero() {
		return false
	}
	return now.Sub(p.LastActivityAt) > stuckActivityWindow
}

// recentProgressSignal consults LogTailer for a recognized progress-signal
// phrase (section 4.8: "Processed batch", "Found N new files", database
// query lines, archive-extraction lines). A worker with no LogTailer
// configured is assumed not stuck on this branch rather than penalized for
// missing observability.
func (s *Supervisor) recentProgressSignal(p progress.WorkerProgress) bool {
	if s.logTailer == nil {
		return true
	}
	lines, err := s.logTailer.TailLines(p.ShardID, maxLogLines)
	if err != nil {
		return true
	}
	return hasRecentProgressSignal(lines)
}

// handleStopped implements section 4.8 step B: a progress file whose process
// is not alive is restarted from its last checkpoint, honoring a cooldown.
func (s *Supervisor) handleStopped(ctx context.Context, p progress.WorkerProgress) {
	st := s.stateFor(p.ShardID)

	s.mu.Lock()
	onCooldown := time.Since(st.lastRestartAt) < stoppedRestartCooldown
	escalated := st.escalated
	s.mu.Unlock()
	if onCooldown || escalated {
		return
	}

	if s.cfg.DryRun {
		s.log.WithField("shard_id", p.ShardID).Info("dry run: would restart stopped worker")
		return
	}
	if s.restarter == nil {
		return
	}
	if err := s.restarter.Restart(ctx, p.ShardID, p.LastProcessedShardKey); err != nil {
		s.log.WithError(err).WithField("shard_id", p.ShardID).Error("failed to restart stopped worker")
		return
	}

	s.mu.Lock()
	st.lastRestartAt = time.Now()
	s.mu.Unlock()
}

// resolvePendingFix implements section 4.8 step D.4: once verificationWindow
// has elapsed since a fix was applied, stillStuck decides whether the
// attempt is recorded verified_ok (and the attempt counter reset) or
// not_recovered (counted toward escalation).
func (s *Supervisor) resolvePendingFix(ctx context.Context, p progress.WorkerProgress, stillStuck bool) {
	st := s.stateFor(p.ShardID)

	s.mu.Lock()
	pending := st.pendingFix
	s.mu.Unlock()
	if pending == nil {
		return
	}
	if time.Since(pending.appliedAt) < verificationWindow {
		return
	}

	attempt := pending.attempt
	if stillStuck {
		attempt.Outcome = OutcomeNotRecovered
	} else {
		attempt.Outcome = OutcomeVerifiedOK
	}

	if s.fixLog != nil {
		if err := s.fixLog.Append(ctx, attempt); err != nil {
			s.log.WithError(err).WithField("shard_id", p.ShardID).Error("failed to record fix attempt")
		}
	}

	s.mu.Lock()
	st.pendingFix = nil
	if !stillStuck {
		st.attemptCount = 0
	} else if st.attemptCount >= s.cfg.Threshold {
		st.escalated = true
	}
	escalated := st.escalated
	s.mu.Unlock()

	if stillStuck && escalated {
		s.log.WithField("shard_id", p.ShardID).Warn("escalating: fix attempts exhausted, pausing automated remediation")
		if s.restarter != nil && !s.cfg.DryRun {
			_ = s.restarter.Stop(ctx, p.ShardID)
		}
	}
}

// handleStuck implements section 4.8 step D.1-D.3: collect diagnostics,
// optionally consult the oracle, apply a fix, and record it pending
// verification, subject to fixCooldown and the Threshold attempt cap.
func (s *Supervisor) handleStuck(ctx context.Context, p progress.WorkerProgress) {
	st := s.stateFor(p.ShardID)

	s.mu.Lock()
	blocked := st.pendingFix != nil || st.escalated ||
		time.Since(st.lastFixAt) < fixCooldown ||
		st.attemptCount >= s.cfg.Threshold
	s.mu.Unlock()
	if blocked {
		return
	}

	rootCause := classifyRootCause(p)
	diag := s.collectDiagnostics(ctx, p, rootCause)
	rec := s.recommend(ctx, p.ShardID, diag)

	if s.cfg.DryRun {
		s.log.WithFields(logrus.Fields{"shard_id": p.ShardID, "fix_type": rec.FixType}).Info("dry run: would apply fix")
		return
	}

	if err := s.applyFix(ctx, p, rec); err != nil {
		s.log.WithError(err).WithField("shard_id", p.ShardID).Error("failed to apply fix")
		return
	}

	s.mu.Lock()
	st.attemptCount++
	st.lastFixAt = time.Now()
	st.pendingFix = &pendingFix{
		attempt: FixAttempt{
			WorkerID:     p.ShardID,
			TS:           time.Now(),
			RootCause:    rootCause,
			FixType:      rec.FixType,
			Params:       rec.Params,
			Patch:        rec.Patch,
			AttemptIndex: st.attemptCount,
		},
		appliedAt: time.Now(),
	}
	s.mu.Unlock()
}

// classifyRootCause derives a short diagnostic string from the checkpoint's
// observable state; in production this would also weigh the worker's own
// last logged error, surfaced via LogTailer.
func classifyRootCause(p progress.WorkerProgress) string {
	if p.LastUploadedAt.IsZero() {
		return "worker has not completed its first upload"
	}
	if !p.LastActivityAt.IsZero() && p.LastActivityAt.After(p.LastUploadedAt) {
		return "same key range repeats with no new uploads"
	}
	return "upload stalled, no progress since last_uploaded_at"
}

// collectDiagnostics implements section 4.8 step D.1.
func (s *Supervisor) collectDiagnostics(ctx context.Context, p progress.WorkerProgress, rootCause string) oracle.Diagnostics {
	diag := oracle.Diagnostics{
		WorkerID:     p.ShardID,
		RootCause:    rootCause,
		ShardKeyLow:  p.LastProcessedShardKey,
		ShardKeyHigh: p.LastProcessedShardKey,
	}

	if s.logTailer != nil {
		if lines, err := s.logTailer.TailLines(p.ShardID, maxLogLines); err == nil {
			diag.RecentLogLines = lines
		}
	}

	if s.disk != nil {
		if util, err := s.disk.Utilization(ctx); err == nil {
			diag.DiskUtilization = util
		}
	}

	if s.fixLog != nil {
		if history, err := s.fixLog.History(ctx, p.ShardID); err == nil {
			diag.RecurrenceCount = recurrenceCount(history, rootCause)
		}
	}

	if s.cfg.AllowCodeFix {
		diag.CodeSnippets = codeSnippets(s.cfg.SourceRoot, rootCause)
	}

	return diag
}

// recommend implements section 4.8's LLM-request-minimization rule ("skip
// the oracle entirely when the fallback rule suffices") and the recurring
// root cause bias ("count >= 2 biases the next recommendation toward code,
// requires confidence >= 0.7"). The oracle is consulted only once a
// recurrence has actually been observed; a first occurrence always falls
// back to restart without spending an oracle call.
func (s *Supervisor) recommend(ctx context.Context, shardID int, diag oracle.Diagnostics) oracle.Recommendation {
	fallback := oracle.Recommendation{
		RootCause:  diag.RootCause,
		FixType:    oracle.FixRestart,
		Confidence: 1,
	}

	if s.oracleCl == nil || diag.RecurrenceCount < 2 {
		return fallback
	}

	rec, err := s.oracleCl.Analyze(ctx, diag)
	if err != nil {
		s.log.WithError(err).WithField("shard_id", shardID).Warn("oracle consultation failed, falling back to restart")
		return fallback
	}

	if rec.FixType == oracle.FixCode {
		if !s.cfg.AllowCodeFix || rec.Confidence < 0.7 || rec.Patch == nil {
			rec.FixType = oracle.FixRestart
			rec.Patch = nil
		}
	}
	return rec
}

// applyFix dispatches on rec.FixType per section 4.8 step D.3.
func (s *Supervisor) applyFix(ctx context.Context, p progress.WorkerProgress, rec oracle.Recommendation) error {
	switch rec.FixType {
	case oracle.FixCode:
		if rec.Patch == nil {
			return fmt.Errorf("supervisor: code fix recommended with no patch")
		}
		if err := applyPatch(s.cfg.SourceRoot, *rec.Patch); err != nil {
			return err
		}
		if out, err := buildCheck(s.cfg.SourceRoot); err != nil {
			s.log.WithError(err).WithField("build_output", out).Warn("post-patch build check failed or unavailable")
		}
		fallthrough
	case oracle.FixConfig, oracle.FixRestart:
		if s.restarter == nil {
			return fmt.Errorf("supervisor: no restarter configured")
		}
		return s.restarter.Restart(ctx, p.ShardID, p.LastProcessedShardKey)
	default:
		return fmt.Errorf("supervisor: unrecognized fix type %q", rec.FixType)
	}
}

// scaleFleet implements section 4.8 step C's disk-I/O fleet autoscaling.
// Scaling down needs utilization >= 90% and at least one stuck worker. This
// rule is separate from recommend, whose oracle skip depends only on the
// recurrence count and does not look at utilization.
func (s *Supervisor) scaleFleet(ctx context.Context, utilization float64, currentCount, stuckCount int) {
	s.mu.Lock()
	sinceDown := time.Since(s.lastScaleDown)
	sinceUp := time.Since(s.lastScaleUp)
	s.mu.Unlock()

	switch {
	case utilization >= scaleDownUtilization && stuckCount > 0 && currentCount > s.cfg.MinWorkers && sinceDown >= scaleDownCooldown:
		target := currentCount - 1
		s.log.WithFields(logrus.Fields{"utilization": utilization, "from": currentCount, "to": target}).Info("scaling down fleet")
		if !s.cfg.DryRun {
			s.stopHighestShard(ctx, currentCount)
		}
		s.mu.Lock()
		s.lastScaleDown = time.Now()
		s.mu.Unlock()

	case utilization < scaleUpUtilization && currentCount < s.cfg.TargetWorkers && currentCount < s.cfg.MaxWorkers && sinceUp >= scaleUpCooldown:
		newID := s.nextShardIDLocked()
		s.log.WithFields(logrus.Fields{"utilization": utilization, "from": currentCount, "to": currentCount + 1}).Info("scaling up fleet")
		if !s.cfg.DryRun && s.restarter != nil {
			if err := s.restarter.Start(ctx, newID); err != nil {
				s.log.WithError(err).WithField("shard_id", newID).Error("failed to start new worker")
				return
			}
			s.setNextShardIDLocked(newID + 1)
		}
		s.mu.Lock()
		s.lastScaleUp = time.Now()
		s.mu.Unlock()
	}
}

func (s *Supervisor) stopHighestShard(ctx context.Context, currentCount int) {
	if s.restarter == nil {
		return
	}
	highest := currentCount - 1
	if err := s.restarter.Stop(ctx, highest); err != nil {
		s.log.WithError(err).WithField("shard_id", highest).Error("failed to stop worker during scale-down")
	}
}
