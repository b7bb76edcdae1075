// Package config holds the validated configuration for the worker and
// supervisor processes, bound from CLI flags and environment variables via
// cobra/viper in cmd/ingest-worker and cmd/ingest-supervisor, as described
// in section 4.12 of the expanded specification.
package config

import (
	"fmt"
	"time"
)

// WorkerConfig is the ingest-worker CLI surface from section 6.
type WorkerConfig struct {
	SourceLibraryPath string

	ShardID         int
	ShardCount      int
	LastKey         int64
	BatchSize       int
	ParallelUploads int
	UseSymlinks     bool
	Limit           int64 // 0 means unbounded

	Transport    string // "http" or "ws"
	TargetURL    string
	TargetToken  string
	ProgressDir  string
	DrainTimeout time.Duration

	MetadataToolPath string
	MetadataToolArgs []string

	// ArchiveMode switches the worker from catalog-key iteration to the
	// archive-file variant of section 4.7. StagingDir is where archives are
	// extracted (or reused from); FingerprintDegree bounds the parallel
	// fingerprinting stage (default 4; the worker CLI substitutes cores/2
	// when it is set below 1).
	ArchiveMode       bool
	StagingDir        string
	FingerprintDegree int

	LogJSON  bool
	LogLevel string
}

// Validate enforces the CLI surface constraints from section 6 and the
// worker defaults from section 4.6.
func (c *WorkerConfig) Validate() error {
	if c.SourceLibraryPath == "" {
		return fmt.Errorf("source library path is required")
	}
	if c.ShardCount < 1 {
		return fmt.Errorf("shard count must be at least 1")
	}
	if c.ShardID < 0 || c.ShardID >= c.ShardCount {
		return fmt.Errorf("shard id %d out of range [0,%d)", c.ShardID, c.ShardCount)
	}
	if c.LastKey < 0 {
		return fmt.Errorf("last key must be non-negative")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1")
	}
	if c.ParallelUploads < 1 || c.ParallelUploads > 10 {
		return fmt.Errorf("parallel uploads must be between 1 and 10")
	}
	if c.Limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}
	if c.Transport != "http" && c.Transport != "ws" {
		return fmt.Errorf("transport must be http or ws")
	}
	if c.TargetURL == "" {
		return fmt.Errorf("target url is required")
	}
	if c.ProgressDir == "" {
		return fmt.Errorf("progress dir is required")
	}
	if c.DrainTimeout <= 0 {
		return fmt.Errorf("drain timeout must be positive")
	}
	if c.ArchiveMode {
		if c.StagingDir == "" {
			return fmt.Errorf("staging dir is required in archive mode")
		}
		if c.FingerprintDegree < 1 {
			return fmt.Errorf("fingerprint degree must be at least 1 in archive mode")
		}
	}
	return nil
}

// SupervisorConfig is the ingest-supervisor CLI surface from section 6.
type SupervisorConfig struct {
	CheckInterval time.Duration
	Threshold     int // attempt cap before escalation, default 3 (section 4.8 step D.5)
	LLMEnabled    bool
	DryRun        bool

	ProgressDir    string
	FixLogPath     string
	DiskDevice     string
	RestartScript  string
	OracleEndpoint string
	OracleAPIKey   string

	// WorkerLogDir, if set, is a directory holding one log file per shard
	// (worker-<id>.log), tailed for diagnostics (section 4.8 step D.1) and
	// scanned for progress-signal phrases (step A). Diagnosis degrades
	// gracefully without it.
	WorkerLogDir string

	// SourceRoot is the worker source tree root the code-fix path patches
	// and the diagnostic snippet extractor reads from (section 4.8 step
	// D.3, section 4.9). Required only when AllowCodeFix is set.
	SourceRoot string

	// AllowCodeFix gates fix_type=code; defaults to false per SPEC_FULL.md
	// section 9's resolution of the corresponding Open Question.
	AllowCodeFix bool

	MinWorkers    int
	TargetWorkers int
	MaxWorkers    int

	LogJSON  bool
	LogLevel string
}

// Validate enforces the supervisor CLI surface and fleet-scaling bounds
// (section 4.8 step C; P7).
func (c *SupervisorConfig) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check interval must be positive")
	}
	if c.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if c.ProgressDir == "" {
		return fmt.Errorf("progress dir is required")
	}
	if c.FixLogPath == "" {
		return fmt.Errorf("fix log path is required")
	}
	if c.MinWorkers < 0 {
		return fmt.Errorf("min workers must be non-negative")
	}
	if c.TargetWorkers < c.MinWorkers {
		return fmt.Errorf("target workers must be >= min workers")
	}
	if c.MaxWorkers < c.TargetWorkers {
		return fmt.Errorf("max workers must be >= target workers")
	}
	if c.LLMEnabled && c.OracleEndpoint == "" {
		return fmt.Errorf("oracle endpoint is required when llm is enabled")
	}
	if c.AllowCodeFix && c.SourceRoot == "" {
		return fmt.Errorf("source root is required when code fixes are allowed")
	}
	return nil
}

// DefaultWorkerConfig returns the section 4.6/6 defaults with an empty
// identity (caller must still set SourceLibraryPath, TargetURL, ProgressDir).
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		ShardCount:        1,
		BatchSize:         1000,
		ParallelUploads:   1,
		Transport:         "http",
		DrainTimeout:      30 * time.Second,
		FingerprintDegree: 4,
		LogLevel:          "info",
	}
}

// DefaultSupervisorConfig returns the section 4.8 defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		CheckInterval: 60 * time.Second,
		Threshold:     3,
		MinWorkers:    1,
		TargetWorkers: 4,
		MaxWorkers:    8,
		LogLevel:      "info",
	}
}
