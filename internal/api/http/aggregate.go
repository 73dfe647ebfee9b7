package http

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// AggregateResponse is the result of one windowed aggregation.
type AggregateResponse struct {
	DB        string   `json:"db"`
	Table     string   `json:"table"`
	Column    string   `json:"column"`
	Fn        string   `json:"fn"`
	Start     string   `json:"start"`
	End       string   `json:"end"`
	DailyMax  bool     `json:"daily_max"`
	Value     *float64 `json:"value"`
	Duration  string   `json:"duration,omitempty"`
	RequestID string   `json:"request_id"`
}

// AggregateHandler handles GET /v1/aggregate.
type AggregateHandler struct {
	dbs *healthdb.DBs
}

// NewAggregateHandler creates an aggregate handler.
func NewAggregateHandler(dbs *healthdb.DBs) *AggregateHandler {
	return &AggregateHandler{dbs: dbs}
}

// ServeHTTP handles the aggregate HTTP request.
func (h *AggregateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	q := r.URL.Query()
	db, table, err := h.lookup(q.Get("db"), q.Get("table"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	column := q.Get("column")
	if column == "" {
		writeError(w, http.StatusBadRequest, "column is required", requestID)
		return
	}
	fn, err := store.ParseFn(q.Get("fn"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	start, err := parseTime(q.Get("start"), db.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid start: %v", err), requestID)
		return
	}
	end, err := parseTime(q.Get("end"), db.Location())
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid end: %v", err), requestID)
		return
	}

	var opts []store.AggOption
	if mc := q.Get("match_column"); mc != "" {
		v, err := matchValue(table, mc, q.Get("match_value"))
		if err != nil {
			writeErr(w, r, err)
			return
		}
		opts = append(opts, store.MatchColumn(mc, v))
	}
	if boolParam(q.Get("exclude_non_positive")) {
		opts = append(opts, store.ExcludeNonPositive())
	}
	dailyMax := boolParam(q.Get("daily_max"))

	resp := AggregateResponse{
		DB:        db.Name(),
		Table:     table.Name,
		Column:    column,
		Fn:        string(fn),
		Start:     start.Format(time.RFC3339),
		End:       end.Format(time.RFC3339),
		DailyMax:  dailyMax,
		RequestID: requestID,
	}

	reader := db.Reader(table)
	switch {
	case boolParam(q.Get("time")) && fn == store.FnDistinct:
		count := reader.DistinctTime
		if dailyMax {
			count = reader.DistinctTimeOfDailyMax
		}
		n, ok, err := count(r.Context(), column, start, end, opts...)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if ok {
			v := float64(n)
			resp.Value = &v
		}
	case boolParam(q.Get("time")):
		agg := reader.AggregateTime
		if dailyMax {
			agg = reader.AggregateTimeOfDailyMax
		}
		d, ok, err := agg(r.Context(), column, fn, start, end, opts...)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if ok {
			v := d.Seconds()
			resp.Duration = d.String()
			resp.Value = &v
		}
	default:
		agg := reader.Aggregate
		if dailyMax {
			agg = reader.AggregateOfDailyMax
		}
		v, ok, err := agg(r.Context(), column, fn, start, end, opts...)
		if err != nil {
			writeErr(w, r, err)
			return
		}
		if ok {
			resp.Value = &v
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *AggregateHandler) lookup(dbName, tableName string) (*store.Database, *types.Table, error) {
	db, ok := h.dbs.ByName(dbName)
	if !ok {
		return nil, nil, herrors.NewValidationError(herrors.CodeInvalidValue, fmt.Sprintf("unknown database %q", dbName))
	}
	table, ok := db.Table(tableName)
	if !ok {
		return nil, nil, herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("database %s has no table %q", dbName, tableName))
	}
	return db, table, nil
}

// matchValue converts a query string value to the column's Go type.
func matchValue(t *types.Table, column, raw string) (any, error) {
	col, ok := t.Column(column)
	if !ok {
		return nil, herrors.NewValidationError(herrors.CodeUnknownColumn,
			fmt.Sprintf("%s has no column %s", t.Name, column))
	}
	switch col.Type {
	case types.ColumnInteger:
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, herrors.NewValidationError(herrors.CodeInvalidValue, fmt.Sprintf("match_value: %v", err))
		}
		return v, nil
	case types.ColumnReal:
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, herrors.NewValidationError(herrors.CodeInvalidValue, fmt.Sprintf("match_value: %v", err))
		}
		return v, nil
	}
	return raw, nil
}

// parseTime accepts RFC 3339 timestamps or plain dates in loc.
func parseTime(s string, loc *time.Location) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(loc), nil
	}
	return time.ParseInLocation(time.DateOnly, s, loc)
}

func boolParam(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}
