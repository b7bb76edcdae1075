// Command ingest-supervisor runs the fleet supervisor from section 4.8 of
// the design specification: it polls every worker's progress checkpoint,
// detects stuck or stopped workers, scales the fleet by disk I/O pressure,
// and applies remediations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zzenonn/ingestd/config"
	"github.com/zzenonn/ingestd/internal/obslog"
	"github.com/zzenonn/ingestd/oracle"
	"github.com/zzenonn/ingestd/progress"
	"github.com/zzenonn/ingestd/supervisor"
)

var errorHandled bool

var cfg = config.DefaultSupervisorConfig()

var (
	flagProgressBackend string // "file" or "s3"
	flagS3Bucket        string
	flagS3Prefix        string
	flagFixLogBackend   string // "file", "s3", or "memory"
	flagOracleCacheTTL  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "ingest-supervisor: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ingest-supervisor",
	Short:         "Supervise a fleet of ingest-worker processes",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("INGESTD")
		viper.AutomaticEnv()
		if cfg.OracleAPIKey == "" {
			cfg.OracleAPIKey = viper.GetString("ORACLE_API_KEY")
		}
		return nil
	},
	RunE: runSupervisor,
}

func init() {
	f := rootCmd.Flags()
	f.DurationVar(&cfg.CheckInterval, "check-interval", cfg.CheckInterval, "how often to poll worker progress (section 4.8)")
	f.IntVar(&cfg.Threshold, "threshold", cfg.Threshold, "failed fix attempts before escalation (section 4.8 step D.5)")
	f.BoolVar(&cfg.LLMEnabled, "llm-enabled", false, "consult the oracle for recurring stuck workers (section 4.9)")
	f.BoolVar(&cfg.DryRun, "dry-run", false, "detect and log but never restart, patch, or scale")
	f.BoolVar(&cfg.AllowCodeFix, "allow-code-fix", false, "permit fix_type=code recommendations (default restart-only)")
	f.StringVar(&cfg.SourceRoot, "source-root", "", "worker source tree root, required when --allow-code-fix is set")
	f.StringVar(&cfg.WorkerLogDir, "worker-log-dir", "", "directory of per-shard worker logs for diagnostics (optional)")

	f.StringVar(&flagProgressBackend, "progress-backend", "file", "progress checkpoint backend: file or s3")
	f.StringVar(&cfg.ProgressDir, "progress-dir", "", "progress checkpoint directory (file backend)")
	f.StringVar(&flagS3Bucket, "progress-s3-bucket", "", "progress checkpoint bucket (s3 backend)")
	f.StringVar(&flagS3Prefix, "progress-s3-prefix", "ingestd/progress", "progress checkpoint key prefix (s3 backend)")

	f.StringVar(&flagFixLogBackend, "fix-log-backend", "file", "fix history backend: file, s3, or memory")
	f.StringVar(&cfg.FixLogPath, "fix-log-path", "", "fix history file path or s3 key")

	f.StringVar(&cfg.DiskDevice, "disk-device", "", "block device sampled for fleet-scaling utilization (e.g. sda)")
	f.StringVar(&cfg.RestartScript, "restart-script", "", "script invoked to start/stop/restart a shard worker")

	f.StringVar(&cfg.OracleEndpoint, "oracle-endpoint", "", "oracle HTTP endpoint, required when --llm-enabled is set")
	f.StringVar(&cfg.OracleAPIKey, "oracle-api-key", "", "oracle API key (prefer INGESTD_ORACLE_API_KEY)")
	f.StringVar(&flagOracleCacheTTL, "oracle-cache-ttl", "15m", "how long to cache an oracle recommendation per error signature")

	f.IntVar(&cfg.MinWorkers, "min-workers", cfg.MinWorkers, "floor for fleet scale-down (section 4.8 step C)")
	f.IntVar(&cfg.TargetWorkers, "target-workers", cfg.TargetWorkers, "fleet size scale-up grows toward")
	f.IntVar(&cfg.MaxWorkers, "max-workers", cfg.MaxWorkers, "ceiling for fleet scale-up")

	f.BoolVar(&cfg.LogJSON, "log-json", false, "emit structured JSON logs instead of text")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		errorHandled = true
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log := logrus.NewEntry(obslog.NewDefault(cfg.LogJSON, level))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, stopping after the current check")
		cancel()
	}()

	store, err := openProgressStore(ctx)
	if err != nil {
		errorHandled = true
		log.WithError(err).Error("failed to open progress store")
		return err
	}

	fixLog, err := openFixLog(ctx)
	if err != nil {
		errorHandled = true
		log.WithError(err).Error("failed to open fix log")
		return err
	}

	var disk supervisor.DiskSampler
	if cfg.DiskDevice != "" {
		disk = supervisor.NewProcDiskSampler(cfg.DiskDevice)
	}

	var restarter supervisor.Restarter
	if cfg.RestartScript != "" {
		restarter = supervisor.NewScriptRestarter(cfg.RestartScript, log)
	}

	var logTailer supervisor.LogTailer
	if cfg.WorkerLogDir != "" {
		logTailer = supervisor.NewFileLogTailer(cfg.WorkerLogDir)
	}

	var oracleClient oracle.Client
	if cfg.LLMEnabled {
		ttl, perr := time.ParseDuration(flagOracleCacheTTL)
		if perr != nil {
			errorHandled = true
			perr = fmt.Errorf("invalid --oracle-cache-ttl %q: %w", flagOracleCacheTTL, perr)
			log.WithError(perr).Error("invalid oracle cache ttl")
			return perr
		}
		oracleClient = oracle.NewCachingClient(oracle.NewHTTPClient(cfg.OracleEndpoint, cfg.OracleAPIKey, log), ttl)
	}

	sup := supervisor.New(supervisor.Options{
		CheckInterval: cfg.CheckInterval,
		Threshold:     cfg.Threshold,
		DryRun:        cfg.DryRun,
		AllowCodeFix:  cfg.AllowCodeFix,
		SourceRoot:    cfg.SourceRoot,
		MinWorkers:    cfg.MinWorkers,
		TargetWorkers: cfg.TargetWorkers,
		MaxWorkers:    cfg.MaxWorkers,
		Store:         store,
		Disk:          disk,
		Restarter:     restarter,
		Oracle:        oracleClient,
		FixLog:        fixLog,
		LogTailer:     logTailer,
		Log:           log,
	})

	if err := sup.Run(ctx); err != nil && ctx.Err() == nil {
		errorHandled = true
		log.WithError(err).Error("supervisor exited with error")
		return err
	}
	return nil
}

func openProgressStore(ctx context.Context) (supervisor.PeerStore, error) {
	switch flagProgressBackend {
	case "s3":
		if flagS3Bucket == "" {
			return nil, fmt.Errorf("--progress-s3-bucket is required for the s3 progress backend")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return progress.NewS3Store(client, flagS3Bucket, flagS3Prefix), nil
	default:
		if cfg.ProgressDir == "" {
			return nil, fmt.Errorf("--progress-dir is required for the file progress backend")
		}
		return progress.NewFileStore(cfg.ProgressDir)
	}
}

func openFixLog(ctx context.Context) (supervisor.FixLog, error) {
	switch flagFixLogBackend {
	case "memory":
		return supervisor.NewMemoryFixLog(), nil
	case "s3":
		if flagS3Bucket == "" || cfg.FixLogPath == "" {
			return nil, fmt.Errorf("--progress-s3-bucket and --fix-log-path are required for the s3 fix log backend")
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := s3.NewFromConfig(awsCfg)
		return supervisor.NewS3FixLog(client, flagS3Bucket, cfg.FixLogPath), nil
	default:
		if cfg.FixLogPath == "" {
			return nil, fmt.Errorf("--fix-log-path is required for the file fix log backend")
		}
		return supervisor.NewFileFixLog(cfg.FixLogPath)
	}
}
