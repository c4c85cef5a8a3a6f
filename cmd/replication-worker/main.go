// Package main is the entry point for the replication-worker binary. It
// wires a CLI-supplied config into a replication.Worker, runs one sync to
// completion, and prints its terminal Output as JSON on stdout.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Optionally start the Prometheus /metrics endpoint
//  4. Build config.SyncInput -> replication.Input
//  5. Run the worker, honoring SIGINT/SIGTERM as a cancellation request
//  6. Print the JSON output and exit with a status-derived code
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/airbyte/replication-worker/internal/config"
	"github.com/airbyte/replication-worker/internal/logging"
	"github.com/airbyte/replication-worker/internal/metrics"
	"github.com/airbyte/replication-worker/internal/replication"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type cliConfig struct {
	sourceBin          string
	sourceConfig       string
	destinationBin     string
	destinationConfig  string
	catalogPath        string
	statePath          string
	jobRoot            string
	jobID              string
	attempt            int
	connectionID       string
	fieldSelection     bool
	removeValidationLimit bool
	commitStateAsap    bool
	commitStatsAsap    bool
	heartbeatEnabled   bool
	heartbeatTimeout   time.Duration
	logLevel           string
	metricsAddr        string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &cliConfig{}

	root := &cobra.Command{
		Use:   "replication-worker",
		Short: "Replication worker — moves records from a source connector to a destination connector",
		Long: `replication-worker runs one Airbyte-style connector sync: it launches a
source and destination connector subprocess, pipes records between them
through an optional mapper and schema validator, and reconciles state
checkpoints to report how much of the sync is durably committed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.sourceBin, "source-image", logging.EnvOrDefault("REPL_SOURCE_IMAGE", ""), "path to the source connector executable")
	flags.StringVar(&cfg.sourceConfig, "source-config", logging.EnvOrDefault("REPL_SOURCE_CONFIG", ""), "path to the source connector's JSON config")
	flags.StringVar(&cfg.destinationBin, "destination-image", logging.EnvOrDefault("REPL_DESTINATION_IMAGE", ""), "path to the destination connector executable")
	flags.StringVar(&cfg.destinationConfig, "destination-config", logging.EnvOrDefault("REPL_DESTINATION_CONFIG", ""), "path to the destination connector's JSON config")
	flags.StringVar(&cfg.catalogPath, "catalog", logging.EnvOrDefault("REPL_CATALOG", ""), "path to the configured catalog JSON")
	flags.StringVar(&cfg.statePath, "state", logging.EnvOrDefault("REPL_STATE", ""), "path to the input state JSON (optional)")
	flags.StringVar(&cfg.jobRoot, "job-root", logging.EnvOrDefault("REPL_JOB_ROOT", "."), "working directory for connector processes")
	flags.StringVar(&cfg.jobID, "job-id", logging.EnvOrDefault("REPL_JOB_ID", ""), "job identifier, stamped into log lines")
	flags.IntVar(&cfg.attempt, "attempt", 1, "attempt number, stamped into log lines")
	flags.StringVar(&cfg.connectionID, "connection-id", logging.EnvOrDefault("REPL_CONNECTION_ID", ""), "connection identifier, used for heartbeat flags and state persistence")
	flags.BoolVar(&cfg.fieldSelection, "field-selection", false, "restrict RECORD payloads to each stream's selected fields")
	flags.BoolVar(&cfg.removeValidationLimit, "remove-validation-limit", false, "disable the 10-error-per-stream validation cap")
	flags.BoolVar(&cfg.commitStateAsap, "commit-state-asap", false, "persist destination-acknowledged state checkpoints as they arrive instead of only at the end")
	flags.BoolVar(&cfg.commitStatsAsap, "commit-stats-asap", false, "reserved for a future incremental-stats reporting path; currently informational only")
	flags.BoolVar(&cfg.heartbeatEnabled, "heartbeat-enabled", logging.EnvOrDefault("REPL_HEARTBEAT_ENABLED", "") == "true", "abort the sync if the source goes silent past --heartbeat-timeout")
	flags.DurationVar(&cfg.heartbeatTimeout, "heartbeat-timeout", 6*time.Hour, "maximum source silence before the heartbeat chaperone aborts the sync")
	flags.StringVar(&cfg.logLevel, "log-level", logging.EnvOrDefault("REPL_LOG_LEVEL", "info"), "log level (debug, info, warn, error)")
	flags.StringVar(&cfg.metricsAddr, "metrics-addr", logging.EnvOrDefault("REPL_METRICS_ADDR", ""), "bind address for the Prometheus /metrics endpoint (empty disables it)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("replication-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *cliConfig) error {
	logger, err := logging.Build(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	if cfg.jobID == "" {
		cfg.jobID = uuid.NewString()
	}

	logger.Info("starting replication worker",
		zap.String("version", version),
		zap.String("job_id", cfg.jobID),
		zap.Int("attempt", cfg.attempt),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.New(reg)

	if cfg.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.metricsAddr, Handler: mux}
		go func() {
			if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Warn("metrics server stopped", zap.Error(serveErr))
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		logger.Info("metrics endpoint listening", zap.String("addr", cfg.metricsAddr))
	}

	syncInput := config.SyncInput{
		JobID:                 cfg.jobID,
		Attempt:               cfg.attempt,
		ConnectionID:          cfg.connectionID,
		SourceBin:             cfg.sourceBin,
		SourceConfig:          cfg.sourceConfig,
		DestinationBin:        cfg.destinationBin,
		DestinationConfig:     cfg.destinationConfig,
		CatalogPath:           cfg.catalogPath,
		StatePath:             cfg.statePath,
		JobRoot:               cfg.jobRoot,
		FieldSelectionEnabled: cfg.fieldSelection,
		RemoveValidationLimit: cfg.removeValidationLimit,
		CommitStateAsap:       cfg.commitStateAsap,
		CommitStatsAsap:       cfg.commitStatsAsap,
		HeartbeatEnabled:      cfg.heartbeatEnabled,
		HeartbeatThreshold:    cfg.heartbeatTimeout,
		StateDir:              filepath.Join(cfg.jobRoot, "state"),
	}

	input, err := syncInput.Build()
	if err != nil {
		return fmt.Errorf("failed to build sync input: %w", err)
	}

	worker := replication.New(logger, metricsReg)

	go func() {
		<-ctx.Done()
		worker.Cancel()
	}()

	output, runErr := worker.Run(ctx, input, cfg.jobRoot)
	if runErr != nil {
		return fmt.Errorf("replication worker failed: %w", runErr)
	}

	encoded, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(encoded))

	logger.Info("replication worker finished", zap.String("status", string(output.Status)))

	switch output.Status {
	case replication.StatusCompleted:
		os.Exit(0)
	case replication.StatusCancelled:
		os.Exit(2)
	default:
		os.Exit(1)
	}
	return nil
}
