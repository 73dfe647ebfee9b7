package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	httpapi "github.com/healthdb/healthdb/internal/api/http"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/importer"
	"github.com/healthdb/healthdb/internal/journal"
	"github.com/healthdb/healthdb/internal/storage"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/internal/summary"
)

func monitoringFile(serial, day int) string {
	date := fmt.Sprintf("2024-03-%02d", day)
	return fmt.Sprintf(`{"messages": [
  {"type": "file_id", "fields": {"serial_number": %d, "time_created": "%sT00:00:00Z", "type": "monitoring_b"}},
  {"type": "monitoring", "fields": {"timestamp": "%sT06:00:00Z", "heart_rate": 60}},
  {"type": "monitoring", "fields": {"timestamp": "%sT07:00:00Z", "heart_rate": 80}},
  {"type": "monitoring", "fields": {"timestamp": "%sT07:00:00Z", "activity_type": "walking", "steps": 1200}}
]}`, serial, date, date, date, date)
}

// TestImportSummarizeReport runs files through the importer, rebuilds the
// daily summaries and reads them back over the report API.
func TestImportSummarizeReport(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	dbs, err := healthdb.OpenAll(ctx, filepath.Join(dir, "db"), store.Options{Location: time.UTC, Logger: logger})
	require.NoError(t, err)
	defer dbs.Close()

	j, err := journal.Open(filepath.Join(dir, "import.journal"), logger)
	require.NoError(t, err)
	defer j.Close()

	archive, err := storage.NewLocalStorage(filepath.Join(dir, "archive"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	im, err := importer.New(importer.Options{
		DBs:        dbs,
		Journal:    j,
		Archiver:   storage.NewArchiver(archive, logger),
		Logger:     logger,
		Registerer: reg,
	})
	require.NoError(t, err)

	fitDir := filepath.Join(dir, "fit")
	require.NoError(t, os.MkdirAll(fitDir, 0755))
	var paths []string
	for day := 1; day <= 2; day++ {
		p := filepath.Join(fitDir, fmt.Sprintf("%d_MONITORING.json", day))
		require.NoError(t, os.WriteFile(p, []byte(monitoringFile(day, day)), 0644))
		paths = append(paths, p)
	}
	report := im.ImportFiles(ctx, paths)
	require.Equal(t, 2, report.FilesOK)

	builder, err := summary.NewBuilder(dbs, logger)
	require.NoError(t, err)
	res, err := builder.BuildRange(ctx,
		time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Days)

	srv := httptest.NewServer(httpapi.NewRouter(httpapi.Deps{DBs: dbs, Reports: im, Gatherer: reg, Logger: logger}))
	defer srv.Close()

	var agg httpapi.AggregateResponse
	getJSON(t, srv.URL+"/v1/aggregate?db=summary&table=days_summary&column=steps&fn=sum&start=2024-03-01&end=2024-03-03", &agg)
	require.NotNil(t, agg.Value)
	assert.Equal(t, 2400.0, *agg.Value)

	getJSON(t, srv.URL+"/v1/aggregate?db=summary&table=days_summary&column=hr_avg&fn=avg&start=2024-03-01&end=2024-03-03", &agg)
	require.NotNil(t, agg.Value)
	assert.InDelta(t, 70.0, *agg.Value, 0.001)

	var got importer.Report
	getJSON(t, srv.URL+"/v1/import/report", &got)
	assert.Equal(t, 2, got.FilesOK)
	assert.Greater(t, got.Written, 0)

	pending, err := j.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
