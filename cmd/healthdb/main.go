// Package main implements the healthdb binary. It imports device files and
// activity summaries, rebuilds the summary tables and serves the report API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/healthdb/healthdb/internal/app"
	"github.com/healthdb/healthdb/internal/config"
	"github.com/healthdb/healthdb/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		envFile     string
		dataDir     string
		httpAddr    string
		doImport    bool
		doRecover   bool
		summarize   int
		serve       bool
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&envFile, "env-file", ".env", "Path to a .env file; ignored when missing")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&httpAddr, "http-addr", "", "Listen address for the report API")
	flag.BoolVar(&doImport, "import", false, "Import new files from the fit and json directories")
	flag.BoolVar(&doRecover, "recover", false, "Re-import files interrupted by a previous run")
	flag.IntVar(&summarize, "summarize", 0, "Rebuild summaries for the last N days")
	flag.BoolVar(&serve, "serve", false, "Serve the report API until interrupted")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "healthdb - personal health and fitness database\n\n")
		fmt.Fprintf(os.Stderr, "Usage: healthdb [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  healthdb --recover --import --summarize 30\n")
		fmt.Fprintf(os.Stderr, "  healthdb --serve --http-addr :8090\n")
		fmt.Fprintf(os.Stderr, "  healthdb --config /etc/healthdb/config.yaml --import\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  HEALTHDB_DATA_DIR       Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  HEALTHDB_TIMEZONE       Zone timestamps are stored in\n")
		fmt.Fprintf(os.Stderr, "  HEALTHDB_HTTP_ADDR      Report API listen address\n")
		fmt.Fprintf(os.Stderr, "  HEALTHDB_ARCHIVE        Archive imported files (true, false)\n")
		fmt.Fprintf(os.Stderr, "  HEALTHDB_STORAGE_TYPE   Archive storage type (local, s3)\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("healthdb version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}
	if !doImport && !doRecover && summarize <= 0 && !serve {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, envFile, dataDir, httpAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger, doRecover, doImport, summarize, serve); err != nil {
		logger.Error("healthdb failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger, doRecover, doImport bool, summarize int, serve bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("starting healthdb",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("timezone", cfg.Timezone),
		zap.String("storage", cfg.Storage.Type))

	if err := application.Open(ctx); err != nil {
		return err
	}
	defer application.Close()

	if doRecover {
		report, err := application.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
		logger.Info("recovery finished", zap.Int("files", report.FilesOK), zap.Int("failed", report.FilesFailed))
	}
	if doImport {
		report, err := application.Import(ctx)
		if err != nil {
			return fmt.Errorf("import: %w", err)
		}
		logger.Info("import finished",
			zap.Int("files", report.FilesOK),
			zap.Int("failed", report.FilesFailed),
			zap.Int("skipped", report.FilesSkipped),
			zap.Strings("failed_paths", report.FailedPaths))
	}
	if summarize > 0 {
		res, err := application.Summarize(ctx, summarize)
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		logger.Info("summaries rebuilt", zap.Int("days", res.Days), zap.Int("weeks", res.Weeks), zap.Int("months", res.Months))
	}
	if serve {
		return application.Serve(ctx)
	}
	return nil
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, envFile, dataDir, httpAddr string) (*config.Config, error) {
	if envFile != "" {
		if err := config.LoadDotEnv(envFile); err != nil {
			return nil, err
		}
	}

	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags win.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	return cfg, nil
}
