// Package importer coordinates importing files into the logical databases.
// Each file is imported inside one write session per database; the
// sessions nest in a fixed order and commit innermost first.
package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spaolacci/murmur3"
	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/fit"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/ingest"
	"github.com/healthdb/healthdb/internal/journal"
	"github.com/healthdb/healthdb/internal/storage"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// Journal sources.
const (
	SourceFit     = "fit"
	SourceSummary = "summary"
)

// Options configures an Importer. DBs is required; everything else has a
// default or is optional.
type Options struct {
	DBs        *healthdb.DBs
	Decoder    fit.Decoder
	Dispatcher *ingest.Dispatcher
	Journal    *journal.Journal
	Archiver   *storage.Archiver
	Logger     *zap.Logger
	Registerer prometheus.Registerer

	// Reimport imports files whose content hash is already recorded.
	Reimport bool

	// Now is the clock; defaults to time.Now.
	Now func() time.Time
}

// Importer imports decoded message files and activity summaries.
type Importer struct {
	dbs        *healthdb.DBs
	decoder    fit.Decoder
	dispatcher *ingest.Dispatcher
	journal    *journal.Journal
	archiver   *storage.Archiver
	logger     *zap.Logger
	metrics    *Metrics
	reimport   bool
	now        func() time.Time
	tally      tally

	seenMu sync.Mutex
	seen   *seenFilter
}

// New creates an importer.
func New(opts Options) (*Importer, error) {
	if opts.DBs == nil || opts.DBs.Garmin == nil || opts.DBs.Monitoring == nil || opts.DBs.Activities == nil {
		return nil, herrors.NewInternalError("importer requires the garmin, monitoring and activities databases", nil)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Decoder == nil {
		opts.Decoder = fit.JSONDecoder{}
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = ingest.NewDefaultDispatcher(opts.Logger.Named("ingest"))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Importer{
		dbs:        opts.DBs,
		decoder:    opts.Decoder,
		dispatcher: opts.Dispatcher,
		journal:    opts.Journal,
		archiver:   opts.Archiver,
		logger:     opts.Logger,
		metrics:    newMetrics(opts.Registerer),
		reimport:   opts.Reimport,
		now:        opts.Now,
	}, nil
}

// Report returns the tally of everything this importer has done.
func (im *Importer) Report() Report {
	return im.tally.snapshot()
}

// ImportFiles imports decoded message files one at a time. A failing file
// is rolled back and logged; the batch continues with the next file.
func (im *Importer) ImportFiles(ctx context.Context, paths []string) Report {
	return im.run(ctx, SourceFit, paths, im.importFile)
}

// ImportActivitySummaries imports JSON activity summary files.
func (im *Importer) ImportActivitySummaries(ctx context.Context, paths []string) Report {
	return im.run(ctx, SourceSummary, paths, im.importSummaries)
}

// importFunc decodes a file and returns the function that writes it.
type importFunc func(path, hash string, raw []byte) (writeFunc, error)

type writeFunc func(ctx context.Context) (ingest.Stats, error)

var errSkipped = errors.New("already imported")

func (im *Importer) run(ctx context.Context, source string, paths []string, fn importFunc) Report {
	runID := uuid.NewString()
	logger := im.logger.With(zap.String("run_id", runID), zap.String("source", source))
	logger.Info("import started", zap.Int("files", len(paths)))

	var report Report
	for _, path := range paths {
		if ctx.Err() != nil {
			logger.Warn("import cancelled", zap.Error(ctx.Err()))
			break
		}

		start := time.Now()
		stats, err := im.importOne(ctx, source, runID, path, fn)
		im.metrics.FileDuration.Observe(time.Since(start).Seconds())
		if err == nil {
			report.addStats(stats)
			im.observeStats(stats)
		}

		switch {
		case errors.Is(err, errSkipped):
			report.FilesSkipped++
			im.metrics.Files.WithLabelValues(source, "skipped").Inc()
			logger.Debug("file already imported", zap.String("path", path))
		case err != nil:
			report.FilesFailed++
			report.FailedPaths = append(report.FailedPaths, path)
			im.metrics.Files.WithLabelValues(source, "failed").Inc()
			logger.Error("failed to import file", zap.String("path", path), zap.Error(err))
		default:
			report.FilesOK++
			im.metrics.Files.WithLabelValues(source, "ok").Inc()
			logger.Debug("imported file", zap.String("path", path),
				zap.Int("written", stats.Written), zap.Int("errors", stats.Errors))
		}
	}

	im.tally.add(report)
	logger.Info("import finished",
		zap.Int("ok", report.FilesOK),
		zap.Int("failed", report.FilesFailed),
		zap.Int("skipped", report.FilesSkipped),
		zap.Int("written", report.Written))
	return report
}

func (im *Importer) importOne(ctx context.Context, source, runID, path string, fn importFunc) (ingest.Stats, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ingest.Stats{}, herrors.NewIngestError(herrors.CodeParseError, "read "+path, err)
	}
	hash := ContentHash(raw)

	if !im.reimport {
		seen, err := im.alreadyImported(ctx, hash)
		if err != nil {
			return ingest.Stats{}, err
		}
		if seen {
			return ingest.Stats{}, errSkipped
		}
	}

	write, err := fn(path, hash, raw)
	if err != nil {
		return ingest.Stats{}, err
	}

	if im.journal != nil {
		if _, err := im.journal.Begin(path, hash, source, runID); err != nil {
			return ingest.Stats{}, herrors.NewInternalError("journal begin", err)
		}
	}

	stats, err := write(ctx)
	if err != nil {
		return stats, err
	}
	if source == SourceFit {
		if seen, err := im.loadSeen(ctx); err == nil {
			seen.Add(hash)
		}
	}

	if im.journal != nil {
		if _, err := im.journal.Complete(path, hash); err != nil {
			im.logger.Warn("journal complete failed", zap.String("path", path), zap.Error(err))
		}
	}
	if im.archiver != nil {
		if _, err := im.archiver.Archive(ctx, path, hash, im.now()); err != nil {
			im.logger.Warn("failed to archive raw file", zap.String("path", path), zap.Error(err))
		}
	}
	return stats, nil
}

// importFile decodes and dispatches one message file under nested
// sessions.
func (im *Importer) importFile(path, hash string, raw []byte) (writeFunc, error) {
	file, err := im.decoder.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	file.Path = path

	return func(ctx context.Context) (ingest.Stats, error) {
		var stats ingest.Stats
		err := im.withSessions(ctx, []*store.Database{im.dbs.Garmin, im.dbs.Monitoring, im.dbs.Activities},
			func(sessions []*store.Session) error {
				st := ingest.NewFileState(path, hash, ingest.Writers{
					Garmin:     sessions[0],
					Monitoring: sessions[1],
					Activities: sessions[2],
				})
				var err error
				stats, err = im.dispatcher.DispatchFile(ctx, st, file)
				return err
			})
		return stats, err
	}, nil
}

// importSummaries merges every summary of one JSON file. A summary that
// fails validation is counted and skipped.
func (im *Importer) importSummaries(path, _ string, raw []byte) (writeFunc, error) {
	summaries, err := ingest.DecodeActivitySummaries(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	return func(ctx context.Context) (ingest.Stats, error) {
		var stats ingest.Stats
		loc := im.dbs.Activities.Location()
		err := im.withSessions(ctx, []*store.Database{im.dbs.Activities}, func(sessions []*store.Session) error {
			for i, a := range summaries {
				err := ingest.MergeActivitySummary(ctx, sessions[0], loc, a)
				if err == nil {
					stats.Written++
					continue
				}
				if ingest.Aborts(err) {
					return err
				}
				stats.Errors++
				im.logger.Warn("failed to merge activity summary",
					zap.String("file", path), zap.Int("index", i), zap.Error(err))
			}
			return nil
		})
		return stats, err
	}, nil
}

// withSessions opens a session on each database in order, runs fn, then
// commits in reverse order. Any error rolls back every session not yet
// committed.
func (im *Importer) withSessions(ctx context.Context, dbs []*store.Database, fn func([]*store.Session) error) (err error) {
	sessions := make([]*store.Session, 0, len(dbs))
	defer func() {
		if err == nil {
			return
		}
		for i := len(sessions) - 1; i >= 0; i-- {
			if rbErr := sessions[i].Rollback(); rbErr != nil {
				im.logger.Warn("rollback failed",
					zap.String("db", sessions[i].Database().Name()), zap.Error(rbErr))
			}
		}
	}()

	for _, db := range dbs {
		sess, err := db.Begin(ctx)
		if err != nil {
			return err
		}
		sessions = append(sessions, sess)
	}

	if err := fn(sessions); err != nil {
		return err
	}

	for i := len(sessions) - 1; i >= 0; i-- {
		if err := sessions[i].Commit(); err != nil {
			return fmt.Errorf("commit %s: %w", sessions[i].Database().Name(), err)
		}
	}
	return nil
}

// alreadyImported reports whether a file with this content hash has been
// committed. The files row lives in the outermost database, which commits
// last, so its presence implies every database committed.
func (im *Importer) alreadyImported(ctx context.Context, hash string) (bool, error) {
	seen, err := im.loadSeen(ctx)
	if err != nil {
		return false, err
	}
	if !seen.MayContain(hash) {
		return false, nil
	}
	rows, err := im.dbs.Garmin.Reader(healthdb.Files).FindAll(ctx, types.Record{"hash": hash})
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// Recover re-imports every file the journal shows as begun but never
// completed. Files that no longer exist are marked complete and skipped.
func (im *Importer) Recover(ctx context.Context) (Report, error) {
	var report Report
	if im.journal == nil {
		return report, nil
	}
	pending, err := im.journal.Pending()
	if err != nil || len(pending) == 0 {
		return report, err
	}

	bySource := map[string][]string{}
	for _, e := range pending {
		if _, err := os.Stat(e.Path); err != nil {
			im.logger.Warn("pending file is gone, dropping from journal", zap.String("path", e.Path))
			if _, err := im.journal.Complete(e.Path, e.Hash); err != nil {
				return report, err
			}
			continue
		}
		source := SourceFit
		if e.Source == SourceSummary {
			source = SourceSummary
		}
		bySource[source] = append(bySource[source], e.Path)
	}
	im.logger.Info("recovering interrupted imports", zap.Int("files", len(pending)))

	reimport := im.reimport
	im.reimport = true
	defer func() { im.reimport = reimport }()

	report.Add(im.ImportFiles(ctx, bySource[SourceFit]))
	report.Add(im.ImportActivitySummaries(ctx, bySource[SourceSummary]))
	return report, nil
}

func (im *Importer) observeStats(s ingest.Stats) {
	im.metrics.Messages.WithLabelValues("written").Add(float64(s.Written))
	im.metrics.Messages.WithLabelValues("error").Add(float64(s.Errors))
	im.metrics.Messages.WithLabelValues("unhandled").Add(float64(s.Unhandled))
	im.metrics.Messages.WithLabelValues("unknown").Add(float64(s.Unknown))
	im.metrics.Messages.WithLabelValues("dropped").Add(float64(s.Dropped))
}

// ContentHash returns the hex murmur3 hash of a file's content.
func ContentHash(raw []byte) string {
	h1, h2 := murmur3.Sum128(raw)
	return fmt.Sprintf("%016x%016x", h1, h2)
}
