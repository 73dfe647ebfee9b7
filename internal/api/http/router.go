package http

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/healthdb/healthdb/internal/healthdb"
)

// Deps are the collaborators of the report API.
type Deps struct {
	DBs      *healthdb.DBs
	Reports  ReportSource
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

// NewRouter builds the report API.
func NewRouter(d Deps) http.Handler {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	api := DefaultMiddleware(d.Logger)

	mux := http.NewServeMux()
	mux.Handle("/v1/aggregate", api(NewAggregateHandler(d.DBs)))
	mux.Handle("/v1/views/{db}/{view}", api(NewViewHandler(d.DBs)))
	mux.Handle("/v1/import/report", api(NewImportReportHandler(d.Reports)))
	mux.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}
