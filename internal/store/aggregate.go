package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

// Fn is an aggregate function applied over a time window.
type Fn string

const (
	FnAvg      Fn = "avg"
	FnMin      Fn = "min"
	FnMax      Fn = "max"
	FnSum      Fn = "sum"
	FnDistinct Fn = "distinct" // count of distinct values
)

// ParseFn validates an aggregate function name.
func ParseFn(name string) (Fn, error) {
	switch fn := Fn(strings.ToLower(name)); fn {
	case FnAvg, FnMin, FnMax, FnSum, FnDistinct:
		return fn, nil
	}
	return "", herrors.NewValidationError(herrors.CodeInvalidValue,
		fmt.Sprintf("unknown aggregate function %q", name))
}

func (f Fn) apply(expr string) string {
	if f == FnDistinct {
		return "COUNT(DISTINCT " + expr + ")"
	}
	return strings.ToUpper(string(f)) + "(" + expr + ")"
}

// AggOption narrows an aggregation.
type AggOption func(*aggOptions)

type aggOptions struct {
	matchColumn        string
	matchValue         any
	excludeNonPositive bool
}

// MatchColumn restricts the aggregation to rows where column equals value.
func MatchColumn(column string, value any) AggOption {
	return func(o *aggOptions) {
		o.matchColumn = column
		o.matchValue = value
	}
}

// ExcludeNonPositive drops rows whose aggregated value is zero or negative.
func ExcludeNonPositive() AggOption {
	return func(o *aggOptions) {
		o.excludeNonPositive = true
	}
}

// secondsExpr converts a stored time of day into seconds since midnight.
func secondsExpr(col string) string {
	return "((julianday(" + quoteIdent(col) + ") - julianday('00:00:00')) * 86400.0)"
}

// Aggregate applies fn to column over the half-open window [start, end) on
// the table's time column. The bool is false when no value exists.
func (s *Store) Aggregate(ctx context.Context, column string, fn Fn, start, end time.Time, opts ...AggOption) (float64, bool, error) {
	if err := s.checkAggColumn(column, false); err != nil {
		return 0, false, err
	}
	return s.aggregate(ctx, quoteIdent(column), fn, false, start, end, opts)
}

// AggregateOfDailyMax groups the window's rows by calendar day, takes each
// day's maximum of column and applies fn across those daily maxima. This is
// the correct total for counters that reset every day.
func (s *Store) AggregateOfDailyMax(ctx context.Context, column string, fn Fn, start, end time.Time, opts ...AggOption) (float64, bool, error) {
	if err := s.checkAggColumn(column, false); err != nil {
		return 0, false, err
	}
	return s.aggregate(ctx, quoteIdent(column), fn, true, start, end, opts)
}

// AggregateTime is Aggregate for time-of-day columns. Values are summed or
// averaged as seconds since midnight and returned as durations. FnDistinct
// yields a count, not a duration, and is rejected; use DistinctTime.
func (s *Store) AggregateTime(ctx context.Context, column string, fn Fn, start, end time.Time, opts ...AggOption) (time.Duration, bool, error) {
	return s.aggregateTime(ctx, column, fn, false, start, end, opts)
}

// AggregateTimeOfDailyMax is AggregateOfDailyMax for time-of-day columns.
// Like AggregateTime it rejects FnDistinct.
func (s *Store) AggregateTimeOfDailyMax(ctx context.Context, column string, fn Fn, start, end time.Time, opts ...AggOption) (time.Duration, bool, error) {
	return s.aggregateTime(ctx, column, fn, true, start, end, opts)
}

// DistinctTime counts the distinct time-of-day values of column in the window.
func (s *Store) DistinctTime(ctx context.Context, column string, start, end time.Time, opts ...AggOption) (int64, bool, error) {
	return s.distinctTime(ctx, column, false, start, end, opts)
}

// DistinctTimeOfDailyMax counts the distinct daily maxima of a time-of-day column.
func (s *Store) DistinctTimeOfDailyMax(ctx context.Context, column string, start, end time.Time, opts ...AggOption) (int64, bool, error) {
	return s.distinctTime(ctx, column, true, start, end, opts)
}

func (s *Store) aggregateTime(ctx context.Context, column string, fn Fn, dailyMax bool, start, end time.Time, opts []AggOption) (time.Duration, bool, error) {
	if fn == FnDistinct {
		return 0, false, herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("%s of %s.%s is a count, not a duration", fn, s.table.Name, column))
	}
	if err := s.checkAggColumn(column, true); err != nil {
		return 0, false, err
	}
	v, ok, err := s.aggregate(ctx, secondsExpr(column), fn, dailyMax, start, end, opts)
	if err != nil || !ok {
		return 0, ok, err
	}
	return secondsToDuration(v), true, nil
}

func (s *Store) distinctTime(ctx context.Context, column string, dailyMax bool, start, end time.Time, opts []AggOption) (int64, bool, error) {
	if err := s.checkAggColumn(column, true); err != nil {
		return 0, false, err
	}
	v, ok, err := s.aggregate(ctx, secondsExpr(column), FnDistinct, dailyMax, start, end, opts)
	if err != nil || !ok {
		return 0, ok, err
	}
	return int64(v), true, nil
}

func (s *Store) aggregate(ctx context.Context, expr string, fn Fn, dailyMax bool, start, end time.Time, opts []AggOption) (float64, bool, error) {
	if _, err := ParseFn(string(fn)); err != nil {
		return 0, false, err
	}
	where, args, err := s.window(expr, start, end, opts)
	if err != nil {
		return 0, false, err
	}

	table := quoteIdent(s.table.Name)
	var query string
	if dailyMax {
		day, dayArgs, err := s.codec.localDay(quoteIdent(s.table.TimeColumn), start, end)
		if err != nil {
			return 0, false, err
		}
		query = fmt.Sprintf(
			"SELECT %s FROM (SELECT MAX(%s) AS day_max FROM %s WHERE %s GROUP BY %s)",
			fn.apply("day_max"), expr, table, where, day)
		args = append(args, dayArgs...)
	} else {
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s", fn.apply(expr), table, where)
	}

	var result sql.NullFloat64
	err = s.retry.Do(ctx, s.logger, "aggregate "+s.table.Name, func() error {
		return s.q.QueryRowContext(ctx, query, args...).Scan(&result)
	})
	if err != nil {
		return 0, false, err
	}
	return result.Float64, result.Valid, nil
}

// Distinct returns the distinct non-null values of column in the window.
func (s *Store) Distinct(ctx context.Context, column string, start, end time.Time, opts ...AggOption) ([]any, error) {
	col, err := s.windowColumn(column)
	if err != nil {
		return nil, err
	}
	where, args, err := s.window(quoteIdent(column), start, end, opts)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s AND %s IS NOT NULL ORDER BY %s",
		quoteIdent(column), quoteIdent(s.table.Name), where, quoteIdent(column), quoteIdent(column))

	var out []any
	err = s.retry.Do(ctx, s.logger, "distinct "+s.table.Name, func() error {
		out = out[:0]
		rows, err := s.q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var raw any
			if err := rows.Scan(&raw); err != nil {
				return err
			}
			v, err := s.codec.decode(col, raw)
			if err != nil {
				return err
			}
			out = append(out, v)
		}
		return rows.Err()
	})
	return out, err
}

// Latest returns the most recent non-null value of column in the window,
// or nil if there is none.
func (s *Store) Latest(ctx context.Context, column string, start, end time.Time, opts ...AggOption) (any, error) {
	col, err := s.windowColumn(column)
	if err != nil {
		return nil, err
	}
	where, args, err := s.window(quoteIdent(column), start, end, opts)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s AND %s IS NOT NULL ORDER BY %s DESC LIMIT 1",
		quoteIdent(column), quoteIdent(s.table.Name), where, quoteIdent(column), quoteIdent(s.table.TimeColumn))

	var raw any
	err = s.retry.Do(ctx, s.logger, "latest "+s.table.Name, func() error {
		err := s.q.QueryRowContext(ctx, query, args...).Scan(&raw)
		if err == sql.ErrNoRows {
			raw = nil
			return nil
		}
		return err
	})
	if err != nil || raw == nil {
		return nil, err
	}
	return s.codec.decode(col, raw)
}

// Count returns the number of rows in the window.
func (s *Store) Count(ctx context.Context, start, end time.Time, opts ...AggOption) (int64, error) {
	if s.table.TimeColumn == "" {
		return 0, herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("%s has no time column", s.table.Name))
	}
	where, args, err := s.window("", start, end, opts)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", quoteIdent(s.table.Name), where)
	var n int64
	err = s.retry.Do(ctx, s.logger, "count "+s.table.Name, func() error {
		return s.q.QueryRowContext(ctx, query, args...).Scan(&n)
	})
	return n, err
}

// window renders the half-open window condition plus any options.
func (s *Store) window(expr string, start, end time.Time, opts []AggOption) (string, []any, error) {
	var o aggOptions
	for _, opt := range opts {
		opt(&o)
	}
	ts := quoteIdent(s.table.TimeColumn)
	conds := []string{ts + " >= ?", ts + " < ?"}
	args := []any{
		start.UTC().Format(TimestampLayout),
		end.UTC().Format(TimestampLayout),
	}
	if o.matchColumn != "" {
		enc, err := s.encode(o.matchColumn, o.matchValue)
		if err != nil {
			return "", nil, err
		}
		if enc == nil {
			conds = append(conds, quoteIdent(o.matchColumn)+" IS NULL")
		} else {
			conds = append(conds, quoteIdent(o.matchColumn)+" = ?")
			args = append(args, enc)
		}
	}
	if o.excludeNonPositive && expr != "" {
		conds = append(conds, expr+" > 0")
	}
	return strings.Join(conds, " AND "), args, nil
}

func (s *Store) windowColumn(column string) (types.ColumnDef, error) {
	if s.table.TimeColumn == "" {
		return types.ColumnDef{}, herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("%s has no time column", s.table.Name))
	}
	col, ok := s.table.Column(column)
	if !ok {
		return types.ColumnDef{}, herrors.NewValidationError(herrors.CodeUnknownColumn,
			fmt.Sprintf("%s has no column %s", s.table.Name, column))
	}
	return col, nil
}

func (s *Store) checkAggColumn(column string, timeOfDay bool) error {
	col, err := s.windowColumn(column)
	if err != nil {
		return err
	}
	switch {
	case timeOfDay && col.Type != types.ColumnTime:
		return herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("%s.%s is not a time-of-day column", s.table.Name, column))
	case !timeOfDay && col.Type != types.ColumnInteger && col.Type != types.ColumnReal:
		return herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("%s.%s is not numeric", s.table.Name, column))
	}
	return nil
}
