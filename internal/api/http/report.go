package http

import (
	"net/http"

	"github.com/healthdb/healthdb/internal/importer"
)

// ReportSource supplies the import tally.
type ReportSource interface {
	Report() importer.Report
}

// ImportReportHandler handles GET /v1/import/report.
type ImportReportHandler struct {
	source ReportSource
}

// NewImportReportHandler creates an import report handler. A nil source
// reports an empty tally.
func NewImportReportHandler(source ReportSource) *ImportReportHandler {
	return &ImportReportHandler{source: source}
}

// ServeHTTP handles the import report HTTP request.
func (h *ImportReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", GetRequestID(r.Context()))
		return
	}
	var report importer.Report
	if h.source != nil {
		report = h.source.Report()
	}
	writeJSON(w, http.StatusOK, report)
}
