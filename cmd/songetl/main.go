// Command songetl loads song metadata and event logs into the sparkify star
// schema. Settings come from the environment (see internal/config); flags
// override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"songetl/internal/config"
	"songetl/internal/loader"
	"songetl/internal/logging"
	"songetl/internal/metrics"
	"songetl/internal/metrics/datadog"
	"songetl/internal/metrics/prompush"
	"songetl/internal/pipeline"
	"songetl/internal/schema"
	"songetl/internal/storage"

	// Register every store backend; STORE_KIND picks one at runtime.
	_ "songetl/internal/storage/all"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one ETL pass and returns the process exit code.
func run(ctx context.Context, args []string, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	fs := flag.NewFlagSet("songetl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.StoreKind, "store", cfg.StoreKind, "store backend (postgres, sqlite, mssql)")
	fs.StringVar(&cfg.StoreDSN, "dsn", cfg.StoreDSN, "store connection string")
	fs.StringVar(&cfg.SongData, "song-data", cfg.SongData, "root directory of song files")
	fs.StringVar(&cfg.LogData, "log-data", cfg.LogData, "root directory of event log files")
	fs.StringVar(&cfg.Pattern, "pattern", cfg.Pattern, "file name glob")
	fs.BoolVar(&cfg.ResetTables, "reset", cfg.ResetTables, "drop and recreate the tables before loading")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json, console)")
	fs.StringVar(&cfg.MetricsBackend, "metrics-backend", cfg.MetricsBackend, "metrics backend (none, pushgateway, datadog)")
	fs.StringVar(&cfg.PushgatewayURL, "pushgateway-url", cfg.PushgatewayURL, "Pushgateway base URL")
	validate := fs.Bool("validate", false, "validate the configuration and exit")
	verbose := fs.Bool("v", false, "enable debug logs")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintln(stderr, "configuration is invalid")
		return 1
	}
	if *validate {
		fmt.Fprintln(stderr, "configuration is valid")
		return 0
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		fmt.Fprintf(stderr, "logging: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("run_id", uuid.NewString()))

	closeMetrics := setupMetrics(cfg, logger)
	defer closeMetrics()

	start := time.Now()
	if err := load(ctx, cfg, logger); err != nil {
		logger.Error("run failed", zap.Error(err), zap.Bool("connection_lost", storage.IsConnLost(err)))
		return 1
	}
	logger.Info("run completed", zap.Duration("took", time.Since(start).Truncate(time.Millisecond)))
	return 0
}

// load opens the store, prepares the tables and loads song files before log
// files so that plays can resolve against committed songs.
func load(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	store, err := storage.New(ctx, storage.Config{Kind: cfg.StoreKind, DSN: cfg.StoreDSN})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	tables := schema.Tables()
	if cfg.ResetTables {
		if err := pipeline.Step(logger, "reset_tables", func() error {
			return store.DropTables(ctx, tables)
		}); err != nil {
			return fmt.Errorf("drop tables: %w", err)
		}
	}
	if err := pipeline.Step(logger, "ensure_tables", func() error {
		return store.EnsureTables(ctx, tables)
	}); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}

	driver := pipeline.NewDriver(store, logger, cfg.Pattern)
	ld := loader.New(store.Flavor())

	passes := []struct {
		step    string
		root    string
		handler pipeline.Handler
	}{
		{"load_songs", cfg.SongData, pipeline.SongFileHandler{Loader: ld}},
		{"load_logs", cfg.LogData, pipeline.LogFileHandler{Loader: ld}},
	}
	for _, p := range passes {
		var sum pipeline.Summary
		err := pipeline.Step(logger, p.step, func() error {
			var err error
			sum, err = driver.Run(ctx, p.root, p.handler)
			return err
		})
		logSummary(logger, p.step, sum)
		if err != nil {
			return err
		}
	}
	return nil
}

func logSummary(logger *zap.Logger, step string, sum pipeline.Summary) {
	fields := []zap.Field{
		zap.String("step", step),
		zap.Int("files", sum.Files),
		zap.Int("processed", sum.Processed),
		zap.Int("malformed_files", sum.Malformed),
		zap.Int("issues", sum.Issues),
	}
	for _, t := range schema.Tables() {
		if c, ok := sum.Tables[t.Name]; ok {
			fields = append(fields, zap.Int(t.Name+"_written", c.Written), zap.Int(t.Name+"_failed", c.Failed))
		}
	}
	if sum.Matched+sum.Missed > 0 {
		fields = append(fields, zap.Int("songs_matched", sum.Matched), zap.Int("songs_missed", sum.Missed))
	}
	logger.Info("summary", fields...)
}

// setupMetrics installs the configured backend and returns the func that
// flushes it at exit. A backend that fails to start leaves metrics disabled.
func setupMetrics(cfg config.Config, logger *zap.Logger) func() {
	nop := func() {}

	switch cfg.MetricsBackend {
	case "pushgateway":
		b, err := prompush.NewBackend(cfg.JobName, cfg.PushgatewayURL)
		if err != nil {
			logger.Warn("metrics disabled", zap.String("backend", cfg.MetricsBackend), zap.Error(err))
			return nop
		}
		metrics.SetBackend(b)
		logger.Info("metrics enabled", zap.String("backend", cfg.MetricsBackend), zap.String("url", cfg.PushgatewayURL))
		return func() {
			if err := metrics.Flush(); err != nil {
				logger.Warn("metrics flush failed", zap.Error(err))
			}
		}

	case "datadog":
		tags := datadog.ParseTagsCSV(cfg.MetricsTags)
		// Not the run context: the final flush must survive an interrupt.
		b, err := datadog.NewBackend(context.Background(), datadog.Options{
			JobName:    cfg.JobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			logger.Warn("metrics disabled", zap.String("backend", cfg.MetricsBackend), zap.Error(err))
			return nop
		}
		metrics.SetBackend(b)
		logger.Info("metrics enabled", zap.String("backend", cfg.MetricsBackend), zap.Strings("tags", tags))
		return func() {
			// Close stops the flush loop and submits what is left.
			if err := b.Close(); err != nil {
				logger.Warn("metrics flush failed", zap.Error(err))
			}
		}

	default:
		logger.Debug("metrics disabled")
		return nop
	}
}
