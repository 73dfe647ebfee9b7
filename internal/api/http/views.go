package http

import (
	"fmt"
	"net/http"
	"strconv"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/pkg/types"
)

const (
	defaultViewLimit = 100
	maxViewLimit     = 10000
)

// ViewResponse carries view rows, most recent first.
type ViewResponse struct {
	DB        string         `json:"db"`
	View      string         `json:"view"`
	Rows      []types.Record `json:"rows"`
	RequestID string         `json:"request_id"`
}

// ViewHandler handles GET /v1/views/{db}/{view}.
type ViewHandler struct {
	dbs *healthdb.DBs
}

// NewViewHandler creates a view handler.
func NewViewHandler(dbs *healthdb.DBs) *ViewHandler {
	return &ViewHandler{dbs: dbs}
}

// ServeHTTP handles the view HTTP request.
func (h *ViewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	dbName, viewName := r.PathValue("db"), r.PathValue("view")
	db, ok := h.dbs.ByName(dbName)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown database %q", dbName), requestID)
		return
	}
	if _, ok := db.View(viewName); !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("database %s has no view %q", dbName, viewName), requestID)
		return
	}

	limit := defaultViewLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxViewLimit {
			writeErr(w, r, herrors.NewValidationError(herrors.CodeInvalidValue,
				fmt.Sprintf("limit must be between 1 and %d", maxViewLimit)))
			return
		}
		limit = n
	}

	rows, err := db.QueryView(r.Context(), viewName, limit)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if rows == nil {
		rows = []types.Record{}
	}
	writeJSON(w, http.StatusOK, ViewResponse{DB: dbName, View: viewName, Rows: rows, RequestID: requestID})
}
