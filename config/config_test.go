package config

import (
	"testing"
	"time"
)

func validWorkerConfig() *WorkerConfig {
	c := DefaultWorkerConfig()
	c.SourceLibraryPath = "/library"
	c.TargetURL = "https://target.example"
	c.ProgressDir = "/var/lib/ingestd/progress"
	return &c
}

func TestWorkerConfig_Valid(t *testing.T) {
	if err := validWorkerConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got: %v", err)
	}
}

func TestWorkerConfig_MissingSourcePath(t *testing.T) {
	c := validWorkerConfig()
	c.SourceLibraryPath = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing source library path")
	}
}

func TestWorkerConfig_ShardIDOutOfRange(t *testing.T) {
	c := validWorkerConfig()
	c.ShardCount = 2
	c.ShardID = 2
	if err := c.Validate(); err == nil {
		t.Error("expected error for shard id out of range")
	}
}

func TestWorkerConfig_ParallelUploadsOutOfRange(t *testing.T) {
	for _, n := range []int{0, 11, -1} {
		c := validWorkerConfig()
		c.ParallelUploads = n
		if err := c.Validate(); err == nil {
			t.Errorf("expected error for parallel uploads=%d", n)
		}
	}
}

func TestWorkerConfig_InvalidTransport(t *testing.T) {
	c := validWorkerConfig()
	c.Transport = "grpc"
	if err := c.Validate(); err == nil {
		t.Error("expected error for invalid transport")
	}
}

func TestWorkerConfig_MissingTargetURL(t *testing.T) {
	c := validWorkerConfig()
	c.TargetURL = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for missing target url")
	}
}

func TestWorkerConfig_ArchiveModeRequiresStagingDir(t *testing.T) {
	c := validWorkerConfig()
	c.ArchiveMode = true
	c.StagingDir = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for archive mode without staging dir")
	}
	c.StagingDir = "/staging"
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid config with staging dir set, got: %v", err)
	}
}

func validSupervisorConfig() *SupervisorConfig {
	c := DefaultSupervisorConfig()
	c.ProgressDir = "/var/lib/ingestd/progress"
	c.FixLogPath = "/var/lib/ingestd/fixes.log"
	return &c
}

func TestSupervisorConfig_Valid(t *testing.T) {
	if err := validSupervisorConfig().Validate(); err != nil {
		t.Errorf("expected valid config, got: %v", err)
	}
}

func TestSupervisorConfig_FleetBoundsOrdering(t *testing.T) {
	c := validSupervisorConfig()
	c.MinWorkers = 5
	c.TargetWorkers = 4
	if err := c.Validate(); err == nil {
		t.Error("expected error when target < min")
	}
}

func TestSupervisorConfig_MaxBelowTarget(t *testing.T) {
	c := validSupervisorConfig()
	c.TargetWorkers = 8
	c.MaxWorkers = 6
	if err := c.Validate(); err == nil {
		t.Error("expected error when max < target")
	}
}

func TestSupervisorConfig_LLMRequiresEndpoint(t *testing.T) {
	c := validSupervisorConfig()
	c.LLMEnabled = true
	c.OracleEndpoint = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error when llm enabled without endpoint")
	}
}

func TestSupervisorConfig_AllowCodeFixRequiresSourceRoot(t *testing.T) {
	c := validSupervisorConfig()
	c.AllowCodeFix = true
	c.SourceRoot = ""
	if err := c.Validate(); err == nil {
		t.Error("expected error for code fixes allowed without source root")
	}
	c.SourceRoot = "/src/ingestd"
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid config with source root set, got: %v", err)
	}
}

func TestSupervisorConfig_InvalidCheckInterval(t *testing.T) {
	c := validSupervisorConfig()
	c.CheckInterval = 0
	if err := c.Validate(); err == nil {
		t.Error("expected error for zero check interval")
	}
	c.CheckInterval = -time.Second
	if err := c.Validate(); err == nil {
		t.Error("expected error for negative check interval")
	}
}
