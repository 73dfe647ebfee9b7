package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/fit"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/ingest"
	"github.com/healthdb/healthdb/internal/journal"
	"github.com/healthdb/healthdb/internal/storage"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// monitoringFile returns a decoded monitoring file for the given day of
// March 2024.
func monitoringFile(serial, day int) string {
	date := fmt.Sprintf("2024-03-%02d", day)
	return fmt.Sprintf(`{"messages": [
  {"type": "file_id", "fields": {"serial_number": %d, "time_created": "%sT00:00:00Z", "type": "monitoring_b"}},
  {"type": "monitoring", "fields": {"timestamp": "%sT06:00:00Z", "heart_rate": 58}},
  {"type": "monitoring", "fields": {"timestamp": "%sT07:00:00Z", "activity_type": "walking", "steps": 1200}}
]}`, serial, date, date, date)
}

type fixture struct {
	dbs     *healthdb.DBs
	dir     string
	journal *journal.Journal
	logs    *observer.ObservedLogs
	reg     *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dbs, err := healthdb.OpenAll(ctx, t.TempDir(), store.Options{Location: time.UTC})
	require.NoError(t, err)
	t.Cleanup(func() { dbs.Close() })

	j, err := journal.Open(filepath.Join(t.TempDir(), "import.journal"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return &fixture{dbs: dbs, dir: t.TempDir(), journal: j, reg: prometheus.NewRegistry()}
}

func (f *fixture) importer(t *testing.T, opts Options) *Importer {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	f.logs = logs
	opts.DBs = f.dbs
	opts.Journal = f.journal
	opts.Logger = zap.New(core)
	opts.Registerer = f.reg
	im, err := New(opts)
	require.NoError(t, err)
	return im
}

func (f *fixture) write(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func TestImportFiles_PerFileIsolation(t *testing.T) {
	f := newFixture(t)
	im := f.importer(t, Options{})
	ctx := context.Background()

	paths := []string{
		f.write(t, "1_MONITORING.json", monitoringFile(1, 1)),
		f.write(t, "2_MONITORING.json", `{"messages": [`),
		f.write(t, "3_MONITORING.json", monitoringFile(3, 3)),
	}
	report := im.ImportFiles(ctx, paths)
	assert.Equal(t, 2, report.FilesOK)
	assert.Equal(t, 1, report.FilesFailed)
	assert.Equal(t, []string{paths[1]}, report.FailedPaths)

	hr, err := f.dbs.Monitoring.Store(healthdb.MonitoringHR).FindAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, hr, 2)

	failed := f.logs.FilterMessage("failed to import file").All()
	require.Len(t, failed, 1)
	assert.Equal(t, paths[1], failed[0].ContextMap()["path"])

	assert.Equal(t, 2.0, testutil.ToFloat64(im.metrics.Files.WithLabelValues(SourceFit, "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(im.metrics.Files.WithLabelValues(SourceFit, "failed")))

	// The undecodable file never reached the journal.
	pending, err := f.journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestImportFiles_FailureRollsBackEveryDatabase(t *testing.T) {
	f := newFixture(t)
	im := f.importer(t, Options{})
	ctx := context.Background()

	// file_id is written to garmin first, then monitoring gives up.
	im.dispatcher.Register(fit.Monitoring, func(context.Context, *ingest.FileState, fit.Message) error {
		return herrors.NewStorageError(herrors.CodeIOFailure, "giving up", errors.New("database is locked"))
	})
	path := f.write(t, "4_MONITORING.json", monitoringFile(4, 4))
	report := im.ImportFiles(ctx, []string{path})
	assert.Equal(t, 0, report.FilesOK)
	assert.Equal(t, 1, report.FilesFailed)

	files, err := f.dbs.Garmin.Store(healthdb.Files).FindAll(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, files)
	devices, err := f.dbs.Garmin.Store(healthdb.Devices).FindAll(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, devices)

	// Begun but never completed, so recovery will pick it up.
	pending, err := f.journal.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, path, pending[0].Path)
	assert.Equal(t, SourceFit, pending[0].Source)
}

func TestImportFiles_SkipsImportedContent(t *testing.T) {
	f := newFixture(t)
	im := f.importer(t, Options{})
	ctx := context.Background()

	path := f.write(t, "5_MONITORING.json", monitoringFile(5, 5))
	first := im.ImportFiles(ctx, []string{path})
	require.Equal(t, 1, first.FilesOK)

	second := im.ImportFiles(ctx, []string{path})
	assert.Equal(t, 0, second.FilesOK)
	assert.Equal(t, 1, second.FilesSkipped)

	total := im.Report()
	assert.Equal(t, 1, total.FilesOK)
	assert.Equal(t, 1, total.FilesSkipped)
	assert.Equal(t, first.Written, total.Written)
}

func TestImportFiles_SkipsContentImportedByEarlierRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	path := f.write(t, "7_MONITORING.json", monitoringFile(7, 7))
	require.Equal(t, 1, f.importer(t, Options{}).ImportFiles(ctx, []string{path}).FilesOK)

	fresh, err := New(Options{DBs: f.dbs})
	require.NoError(t, err)
	report := fresh.ImportFiles(ctx, []string{path})
	assert.Equal(t, 1, report.FilesSkipped)
}

func TestImportFiles_ReimportIsIdempotent(t *testing.T) {
	f := newFixture(t)
	im := f.importer(t, Options{Reimport: true})
	ctx := context.Background()

	path := f.write(t, "6_MONITORING.json", monitoringFile(6, 6))
	require.Equal(t, 1, im.ImportFiles(ctx, []string{path}).FilesOK)
	before, err := f.dbs.Monitoring.Store(healthdb.Monitoring).FindAll(ctx, nil)
	require.NoError(t, err)

	require.Equal(t, 1, im.ImportFiles(ctx, []string{path}).FilesOK)
	after, err := f.dbs.Monitoring.Store(healthdb.Monitoring).FindAll(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestImportFiles_ArchivesRawFile(t *testing.T) {
	f := newFixture(t)
	objects, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	at := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
	im := f.importer(t, Options{
		Archiver: storage.NewArchiver(objects, nil),
		Now:      func() time.Time { return at },
	})
	ctx := context.Background()

	content := monitoringFile(7, 7)
	path := f.write(t, "7_MONITORING.json", content)
	require.Equal(t, 1, im.ImportFiles(ctx, []string{path}).FilesOK)

	keys, err := objects.ListObjects(ctx, storage.ArchivePrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{storage.ArchiveKey(path, ContentHash([]byte(content)), at)}, keys)
}

func TestRecover_ReimportsPendingFiles(t *testing.T) {
	f := newFixture(t)
	im := f.importer(t, Options{})
	ctx := context.Background()

	path := f.write(t, "8_MONITORING.json", monitoringFile(8, 8))
	gone := filepath.Join(f.dir, "missing.json")
	_, err := f.journal.Begin(path, "stale", SourceFit, "crashed-run")
	require.NoError(t, err)
	_, err = f.journal.Begin(gone, "h", SourceFit, "crashed-run")
	require.NoError(t, err)

	report, err := im.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesOK)

	hr, err := f.dbs.Monitoring.Store(healthdb.MonitoringHR).FindAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, hr, 1)

	pending, err := f.journal.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestImportActivitySummaries(t *testing.T) {
	f := newFixture(t)
	im := f.importer(t, Options{})
	ctx := context.Background()

	path := f.write(t, "summaries.json", `[
  {"activityId": 101, "activityName": "Lunch Run", "activityType": {"typeKey": "trail_running", "parentTypeKey": "running"},
   "startTimeLocal": "2024-03-01 12:00:00", "distance": 5000, "duration": 1800, "averageSpeed": 2.78, "steps": 5400},
  {"activityName": "no id"}
]`)
	report := im.ImportActivitySummaries(ctx, []string{path})
	assert.Equal(t, 1, report.FilesOK)
	assert.Equal(t, 1, report.Written)
	assert.Equal(t, 1, report.MessageErrors)

	act, err := f.dbs.Activities.Store(healthdb.Activities).FindOne(ctx, types.Record{"activity_id": "101"})
	require.NoError(t, err)
	require.NotNil(t, act)
	assert.Equal(t, "running", act["sport"])
	assert.Equal(t, "trail_running", act["sub_sport"])

	steps, err := f.dbs.Activities.Store(healthdb.StepsActivities).FindOne(ctx, types.Record{"activity_id": "101"})
	require.NoError(t, err)
	require.NotNil(t, steps)
	assert.Equal(t, int64(5400), steps["steps"])
}

func TestNew_RequiresDatabases(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestContentHash(t *testing.T) {
	a := ContentHash([]byte("abc"))
	assert.Len(t, a, 32)
	assert.Equal(t, a, ContentHash([]byte("abc")))
	assert.NotEqual(t, a, ContentHash([]byte("abd")))
}
