// Command ingest-worker runs a single shard-owning worker process, per
// section 4.6 (catalog-key mode) and section 4.7 (archive mode) of the
// design specification.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	json "github.com/goccy/go-json"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zzenonn/ingestd/archiveworker"
	"github.com/zzenonn/ingestd/catalog"
	"github.com/zzenonn/ingestd/config"
	"github.com/zzenonn/ingestd/dedup"
	"github.com/zzenonn/ingestd/internal/obslog"
	"github.com/zzenonn/ingestd/internal/pauseflag"
	"github.com/zzenonn/ingestd/metadata"
	"github.com/zzenonn/ingestd/progress"
	"github.com/zzenonn/ingestd/target"
	"github.com/zzenonn/ingestd/uploader"
	"github.com/zzenonn/ingestd/worker"
)

// errorHandled is set by RunE paths that already logged the failure, so
// main doesn't double-report the error.
var errorHandled bool

var cfg = config.DefaultWorkerConfig()

var (
	flagProgressBackend string // "file" or "s3"
	flagS3Bucket        string
	flagS3Prefix        string
	flagPauseFlagDir    string
	flagNoProgressBar   bool
	flagArchiveManifest string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(os.Stderr, "ingest-worker: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "ingest-worker <source-library-path>",
	Short:         "Migrate one shard of a source library into the target service",
	Args:          cobra.ExactArgs(1),
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix("INGESTD")
		viper.AutomaticEnv()
		if cfg.TargetToken == "" {
			cfg.TargetToken = viper.GetString("TARGET_TOKEN")
		}
		return nil
	},
	RunE: runWorker,
}

func init() {
	f := rootCmd.Flags()
	f.IntVar(&cfg.ShardID, "shard-id", 0, "this worker's shard id")
	f.IntVar(&cfg.ShardCount, "shard-count", 1, "total number of shards")
	f.Int64Var(&cfg.LastKey, "last-key", 0, "starting shard key when no checkpoint exists")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "catalog records fetched per discovery batch")
	f.IntVar(&cfg.ParallelUploads, "parallel-uploads", cfg.ParallelUploads, "concurrent uploads in flight (1-10)")
	f.BoolVar(&cfg.UseSymlinks, "use-symlinks", false, "upload by path reference instead of streaming bytes")
	f.Int64Var(&cfg.Limit, "limit", 0, "stop after resolving this many records (0 = unbounded)")

	f.StringVar(&cfg.Transport, "transport", cfg.Transport, "target transport: http or ws")
	f.StringVar(&cfg.TargetURL, "target-url", "", "target service base URL or websocket URL")
	f.StringVar(&cfg.TargetToken, "target-token", "", "target service bearer token (prefer INGESTD_TARGET_TOKEN)")
	f.DurationVar(&cfg.DrainTimeout, "drain-timeout", cfg.DrainTimeout, "max time to finish a commit on SIGTERM")

	f.StringVar(&flagProgressBackend, "progress-backend", "file", "progress checkpoint backend: file or s3")
	f.StringVar(&cfg.ProgressDir, "progress-dir", "", "progress checkpoint directory (file backend)")
	f.StringVar(&flagS3Bucket, "progress-s3-bucket", "", "progress checkpoint bucket (s3 backend)")
	f.StringVar(&flagS3Prefix, "progress-s3-prefix", "ingestd/progress", "progress checkpoint key prefix (s3 backend)")
	f.StringVar(&flagPauseFlagDir, "pause-flag-dir", "", "directory watched for supervisor pause flags (disabled if empty)")

	f.StringVar(&cfg.MetadataToolPath, "metadata-tool", "", "external metadata extraction tool path (disabled if empty)")

	f.BoolVar(&cfg.ArchiveMode, "archive-mode", false, "iterate assigned archive files instead of catalog keys")
	f.StringVar(&cfg.StagingDir, "staging-dir", "", "archive extraction staging directory (archive mode)")
	f.IntVar(&cfg.FingerprintDegree, "fingerprint-degree", cfg.FingerprintDegree, "parallel fingerprinting degree (archive mode)")
	f.StringVar(&flagArchiveManifest, "archive-manifest", "", "JSON file mapping shard id to its assigned archive paths (archive mode; required unless orphan recovery alone supplies work)")

	f.BoolVar(&cfg.LogJSON, "log-json", false, "emit structured JSON logs instead of text")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level: debug, info, warn, error")
	f.BoolVar(&flagNoProgressBar, "no-progress-bar", false, "disable the interactive progress bar on stderr")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg.SourceLibraryPath = args[0]
	if cfg.FingerprintDegree < 1 {
		cfg.FingerprintDegree = max(1, runtime.NumCPU()/2)
	}
	if err := cfg.Validate(); err != nil {
		errorHandled = true
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log := logrus.NewEntry(obslog.NewDefault(cfg.LogJSON, level)).WithFields(obslog.WorkerFields(cfg.ShardID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		log.Info("received shutdown signal, draining")
		cancel()
	}()

	cat, closeCatalog, err := openCatalog(cfg.SourceLibraryPath)
	if err != nil {
		errorHandled = true
		log.WithError(err).Error("failed to open source catalog")
		return err
	}
	defer closeCatalog()

	progressStore, err := openProgressStore(ctx)
	if err != nil {
		errorHandled = true
		log.WithError(err).Error("failed to open progress store")
		return err
	}

	targetClient, err := openTargetClient(ctx)
	if err != nil {
		errorHandled = true
		log.WithError(err).Error("failed to connect to target service")
		return err
	}

	var bodyOpener uploader.BodyOpener
	if !cfg.UseSymlinks {
		bodyOpener = func(path string) (io.ReadCloser, error) { return os.Open(path) }
	}
	up := uploader.New(targetClient, bodyOpener, uploader.Config{}, log)

	var extractor metadata.Extractor
	if cfg.MetadataToolPath != "" {
		extractor = metadata.NewToolExtractor(cfg.MetadataToolPath)
	}

	var pauseCheck worker.PauseFlagChecker
	if flagPauseFlagDir != "" {
		checker, err := pauseflag.New(flagPauseFlagDir, log)
		if err != nil {
			errorHandled = true
			log.WithError(err).Error("failed to start pause flag watcher")
			return err
		}
		defer checker.Close()
		pauseCheck = checker
	}

	peerSource := worker.FileStorePeerSource{Store: progressStore.(worker.PeerProgressStore), SelfID: cfg.ShardID}
	dedupCache := dedup.New(targetClient, peerSource)

	bar := newProgressBar(cat)

	var runErr error
	if cfg.ArchiveMode {
		runErr = runArchiveMode(ctx, progressStore, dedupCache, up, extractor, log)
	} else {
		w := worker.New(cfg, cat, dedupCache, progressStore, up, extractor, pauseCheck, log)
		runErr = runWithProgress(ctx, w.Run, bar)
	}

	if runErr != nil {
		errorHandled = true
		log.WithError(runErr).Error("worker exited with error")
	}
	return runErr
}

// runWithProgress drives run to completion while bar (if non-nil) ticks so
// the terminal shows elapsed time; the bar is cosmetic and never gates
// worker progress.
func runWithProgress(ctx context.Context, run func(context.Context) error, bar *progressbar.ProgressBar) error {
	if bar == nil {
		return run(ctx)
	}
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case err := <-done:
			_ = bar.Finish()
			return err
		case <-ticker.C:
			_ = bar.Add(0) // refresh the spinner/elapsed-time display
		}
	}
}

func newProgressBar(cat catalog.Catalog) *progressbar.ProgressBar {
	if flagNoProgressBar {
		return nil
	}
	total, err := cat.CountTotal(context.Background())
	if err != nil || total <= 0 {
		total = -1 // indeterminate spinner
	}
	return progressbar.NewOptions64(total,
		progressbar.OptionSetDescription(fmt.Sprintf("shard %d", cfg.ShardID)),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(500*time.Millisecond),
		progressbar.OptionShowCount(),
	)
}

// runArchiveMode starts an archive-mode worker, loading the shard-to-archive
// assignment from --archive-manifest (a JSON object mapping shard id to a
// list of archive paths). With no manifest this shard has nothing assigned
// of its own and relies entirely on reclaimOrphans picking up dead peers'
// unfinished archives, which is a legitimate but narrow deployment: most
// fleets should pass a manifest generated alongside the source catalog.
func runArchiveMode(ctx context.Context, progressStore progress.Store, dedupCache *dedup.Cache, up *uploader.Uploader, extractor metadata.Extractor, log *logrus.Entry) error {
	manifest, err := loadArchiveManifest(flagArchiveManifest)
	if err != nil {
		return err
	}
	if len(manifest) == 0 {
		log.Warn("no archive manifest supplied; this shard will only pick up orphaned archives from dead peers")
	}
	assignments := archiveworker.NewStaticAssignmentSource(manifest)
	w := archiveworker.New(cfg, assignments, archiveworker.TarGzExtractor{}, dedupCache, progressStore, up, extractor, nil, log)
	return w.Run(ctx)
}

// loadArchiveManifest reads a JSON object of the form {"0": ["a.tar.gz"]}
// mapping shard id (as a string key, per encoding/json's object-key rules)
// to its assigned archive paths. An empty path returns an empty manifest.
func loadArchiveManifest(path string) (map[int][]string, error) {
	if path == "" {
		return map[int][]string{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read archive manifest %s: %w", path, err)
	}
	var raw map[string][]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse archive manifest %s: %w", path, err)
	}
	manifest := make(map[int][]string, len(raw))
	for k, v := range raw {
		var shardID int
		if _, err := fmt.Sscanf(k, "%d", &shardID); err != nil {
			return nil, fmt.Errorf("archive manifest %s: non-integer shard id %q", path, k)
		}
		manifest[shardID] = v
	}
	return manifest, nil
}

func openCatalog(sourceLibraryPath string) (catalog.Catalog, func(), error) {
	if strings.HasSuffix(sourceLibraryPath, ".db") || strings.HasSuffix(sourceLibraryPath, ".sqlite") {
		c, err := catalog.OpenSQLite(sourceLibraryPath)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unsupported source library path %q: expected a .db or .sqlite catalog file", sourceLibraryPath)
}

func openProgressStore(ctx context.Context) (progress.Store, error) {
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

func openTargetClient(ctx context.Context) (target.Client, error) {
	switch cfg.Transport {
	case "ws":
		return target.DialWS(ctx, cfg.TargetURL, cfg.TargetToken)
	default:
		return target.NewHTTPClient(cfg.TargetURL, cfg.TargetToken), nil
	}
}
