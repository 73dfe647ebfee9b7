// Package app wires the healthdb components together for the command line
// binary.
package app

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	httpapi "github.com/healthdb/healthdb/internal/api/http"
	"github.com/healthdb/healthdb/internal/config"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/importer"
	"github.com/healthdb/healthdb/internal/journal"
	"github.com/healthdb/healthdb/internal/server"
	"github.com/healthdb/healthdb/internal/storage"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/internal/summary"
)

// App owns the open databases and the components built on them.
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	loc    *time.Location

	registry *prometheus.Registry
	dbs      *healthdb.DBs
	journal  *journal.Journal
	importer *importer.Importer
	summary  *summary.Builder

	mu     sync.Mutex
	closed bool
}

// New resolves and validates cfg and creates the data directories.
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, loc: loc}, nil
}

// Open opens the databases, the journal and, when archiving is enabled,
// the archive storage.
func (a *App) Open(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dbs, err := healthdb.OpenAll(ctx, a.cfg.DBDir, store.Options{
		Location: a.loc,
		Retry: store.RetryPolicy{
			Attempts:  a.cfg.Retry.Attempts,
			BaseDelay: a.cfg.Retry.BaseDelay,
		},
		Logger: a.logger.Named("store"),
	})
	if err != nil {
		return err
	}
	a.dbs = dbs

	j, err := journal.Open(a.cfg.Import.JournalPath, a.logger.Named("journal"))
	if err != nil {
		a.Close()
		return err
	}
	a.journal = j

	var archiver *storage.Archiver
	if a.cfg.Import.Archive {
		objects, err := storage.New(ctx, a.cfg.Storage)
		if err != nil {
			a.Close()
			return fmt.Errorf("failed to open archive storage: %w", err)
		}
		archiver = storage.NewArchiver(objects, a.logger.Named("archive"))
	}

	a.importer, err = importer.New(importer.Options{
		DBs:        dbs,
		Journal:    j,
		Archiver:   archiver,
		Logger:     a.logger.Named("import"),
		Registerer: a.registry,
	})
	if err != nil {
		a.Close()
		return err
	}
	a.summary, err = summary.NewBuilder(dbs, a.logger.Named("summary"))
	if err != nil {
		a.Close()
		return err
	}
	return nil
}

// Import imports every decoded message file under the fit directory and
// every activity summary under the JSON directory.
func (a *App) Import(ctx context.Context) (importer.Report, error) {
	var report importer.Report
	fitFiles, err := listFiles(a.cfg.Import.FitDir, ".json", ".fit")
	if err != nil {
		return report, err
	}
	report.Add(a.importer.ImportFiles(ctx, fitFiles))

	summaries, err := listFiles(a.cfg.Import.JSONDir, ".json")
	if err != nil {
		return report, err
	}
	report.Add(a.importer.ImportActivitySummaries(ctx, summaries))
	return report, nil
}

// Recover re-imports files interrupted by a crash and compacts the
// journal.
func (a *App) Recover(ctx context.Context) (importer.Report, error) {
	report, err := a.importer.Recover(ctx)
	if err != nil {
		return report, err
	}
	return report, a.journal.Compact()
}

// Summarize rebuilds the summaries of the last days days.
func (a *App) Summarize(ctx context.Context, days int) (summary.RangeResult, error) {
	end := a.summary.Day(time.Now().In(a.loc)).AddDate(0, 0, 1)
	return a.summary.BuildRange(ctx, end.AddDate(0, 0, -days), end)
}

// Serve runs the report API until ctx is cancelled. The app is closed when
// the server shuts down.
func (a *App) Serve(ctx context.Context) error {
	sm := server.NewShutdownManager(server.ShutdownConfig{}, a.logger.Named("shutdown"))
	sm.RegisterCloser("databases", server.CloserFunc(a.Close))

	handler := httpapi.NewRouter(httpapi.Deps{
		DBs:      a.dbs,
		Reports:  a.importer,
		Gatherer: a.registry,
		Logger:   a.logger.Named("http"),
	})
	return server.New(a.cfg.HTTP, handler, sm, a.logger.Named("http")).ListenAndRun(ctx)
}

// Close closes the journal and the databases. It is safe to call twice.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			firstErr = err
		}
	}
	if a.dbs != nil {
		if err := a.dbs.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// listFiles returns the files under dir with one of exts, sorted. A
// missing directory holds no files.
func listFiles(dir string, exts ...string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, e := range exts {
			if ext == e {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}
