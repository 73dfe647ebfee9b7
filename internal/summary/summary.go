// Package summary rolls monitoring and activity data up into daily, weekly
// and monthly summary rows.
package summary

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// MetersPerFloor is the climb counted as one floor.
const MetersPerFloor = 3.048

// Builder computes summaries from the monitoring and activities databases
// and writes them to the summary database.
type Builder struct {
	dbs    *healthdb.DBs
	loc    *time.Location
	logger *zap.Logger
}

// NewBuilder creates a summary builder.
func NewBuilder(dbs *healthdb.DBs, logger *zap.Logger) (*Builder, error) {
	if dbs == nil || dbs.Monitoring == nil || dbs.Activities == nil || dbs.Summary == nil {
		return nil, herrors.NewInternalError("summary builder requires the monitoring, activities and summary databases", nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{dbs: dbs, loc: dbs.Summary.Location(), logger: logger}, nil
}

// Day truncates t to midnight in the builder's location.
func (b *Builder) Day(t time.Time) time.Time {
	t = t.In(b.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, b.loc)
}

// BuildDay computes and stores the summary of one day. It returns nil when
// the day has no data.
func (b *Builder) BuildDay(ctx context.Context, day time.Time) (types.Record, error) {
	start := b.Day(day)
	return b.build(ctx, b.dbs.Summary.Store(healthdb.DaysSummary), "day", start, start.AddDate(0, 0, 1))
}

// BuildWeek computes and stores the summary of the seven days starting at
// firstDay.
func (b *Builder) BuildWeek(ctx context.Context, firstDay time.Time) (types.Record, error) {
	start := b.Day(firstDay)
	return b.build(ctx, b.dbs.Summary.Store(healthdb.WeeksSummary), "first_day", start, start.AddDate(0, 0, 7))
}

// BuildMonth computes and stores the summary of the calendar month starting
// at firstDay.
func (b *Builder) BuildMonth(ctx context.Context, firstDay time.Time) (types.Record, error) {
	start := b.Day(firstDay)
	start = time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, b.loc)
	return b.build(ctx, b.dbs.Summary.Store(healthdb.MonthsSummary), "first_day", start, start.AddDate(0, 1, 0))
}

// RangeResult counts the summaries written by BuildRange.
type RangeResult struct {
	Days   int `json:"days"`
	Weeks  int `json:"weeks"`
	Months int `json:"months"`
}

// BuildRange rebuilds every day in [start, end) and every week (starting
// Monday) and month overlapping it.
func (b *Builder) BuildRange(ctx context.Context, start, end time.Time) (RangeResult, error) {
	var res RangeResult
	first, last := b.Day(start), b.Day(end)
	if !last.After(first) {
		return res, herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("empty summary range %s to %s", first.Format(time.DateOnly), last.Format(time.DateOnly)))
	}

	for d := first; d.Before(last); d = d.AddDate(0, 0, 1) {
		rec, err := b.BuildDay(ctx, d)
		if err != nil {
			return res, err
		}
		if rec != nil {
			res.Days++
		}
	}
	for w := weekStart(first); w.Before(last); w = w.AddDate(0, 0, 7) {
		rec, err := b.BuildWeek(ctx, w)
		if err != nil {
			return res, err
		}
		if rec != nil {
			res.Weeks++
		}
	}
	for m := time.Date(first.Year(), first.Month(), 1, 0, 0, 0, 0, b.loc); m.Before(last); m = m.AddDate(0, 1, 0) {
		rec, err := b.BuildMonth(ctx, m)
		if err != nil {
			return res, err
		}
		if rec != nil {
			res.Months++
		}
	}

	b.logger.Info("built summaries",
		zap.Time("start", first), zap.Time("end", last),
		zap.Int("days", res.Days), zap.Int("weeks", res.Weeks), zap.Int("months", res.Months))
	return res, nil
}

func weekStart(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func (b *Builder) build(ctx context.Context, out *store.Store, key string, start, end time.Time) (types.Record, error) {
	rec, err := b.Compute(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if rec.NonNullCount() == 0 {
		return nil, nil
	}
	// Columns without data are written as NULL so a rebuild clears them.
	for _, name := range out.Table().ColumnNames() {
		if _, ok := rec[name]; !ok {
			rec[name] = nil
		}
	}
	rec[key] = start
	if err := out.Upsert(ctx, rec, false); err != nil {
		return nil, err
	}
	return rec, nil
}

// Compute returns the summary values for [start, end) without storing
// them. Values with no data are nil.
func (b *Builder) Compute(ctx context.Context, start, end time.Time) (types.Record, error) {
	hr := b.dbs.Monitoring.Reader(healthdb.MonitoringHR)
	monitoring := b.dbs.Monitoring.Reader(healthdb.Monitoring)
	intensity := b.dbs.Monitoring.Reader(healthdb.MonitoringIntensity)
	climb := b.dbs.Monitoring.Reader(healthdb.MonitoringClimb)
	activities := b.dbs.Activities.Reader(healthdb.Activities)

	rec := types.Record{}
	metrics := []struct {
		col string
		agg func() (float64, bool, error)
	}{
		{"hr_avg", func() (float64, bool, error) {
			return hr.Aggregate(ctx, "heart_rate", store.FnAvg, start, end, store.ExcludeNonPositive())
		}},
		{"hr_min", func() (float64, bool, error) {
			return hr.Aggregate(ctx, "heart_rate", store.FnMin, start, end, store.ExcludeNonPositive())
		}},
		{"hr_max", func() (float64, bool, error) {
			return hr.Aggregate(ctx, "heart_rate", store.FnMax, start, end, store.ExcludeNonPositive())
		}},
		{"rhr_avg", func() (float64, bool, error) {
			return hr.AggregateOfDailyMax(ctx, "resting_heart_rate", store.FnAvg, start, end, store.ExcludeNonPositive())
		}},
		{"activities_distance", func() (float64, bool, error) {
			return activities.Aggregate(ctx, "distance", store.FnSum, start, end)
		}},
	}
	for _, m := range metrics {
		v, ok, err := m.agg()
		if err != nil {
			return nil, err
		}
		if ok {
			rec[m.col] = v
		}
	}

	floors, ok, err := climb.AggregateOfDailyMax(ctx, "cum_ascent", store.FnSum, start, end)
	if err != nil {
		return nil, err
	}
	if ok {
		rec["floors"] = math.Round(floors/MetersPerFloor*10) / 10
	}

	steps, ok, err := b.steps(ctx, monitoring, start, end)
	if err != nil {
		return nil, err
	}
	if ok {
		rec["steps"] = steps
	}

	calories, ok, err := monitoring.AggregateOfDailyMax(ctx, "active_calories", store.FnSum, start, end)
	if err != nil {
		return nil, err
	}
	if ok {
		rec["calories_active"] = int64(math.Round(calories))
	}

	moderate, okM, err := intensity.AggregateTime(ctx, "moderate_activity_time", store.FnSum, start, end)
	if err != nil {
		return nil, err
	}
	vigorous, okV, err := intensity.AggregateTime(ctx, "vigorous_activity_time", store.FnSum, start, end)
	if err != nil {
		return nil, err
	}
	if okM {
		rec["moderate_activity_time"] = minutes(moderate)
	}
	if okV {
		rec["vigorous_activity_time"] = minutes(vigorous)
	}
	if okM || okV {
		rec["intensity_time"] = minutes(moderate) + 2*minutes(vigorous)
	}

	count, err := activities.Count(ctx, start, end)
	if err != nil {
		return nil, err
	}
	if count > 0 {
		rec["activities"] = count
	}
	return rec, nil
}

// steps sums, over every activity type, the daily maxima of that type's
// cumulative step count.
func (b *Builder) steps(ctx context.Context, monitoring *store.Store, start, end time.Time) (int64, bool, error) {
	kinds, err := monitoring.Distinct(ctx, "activity_type", start, end)
	if err != nil {
		return 0, false, err
	}
	var (
		total float64
		found bool
	)
	for _, kind := range kinds {
		v, ok, err := monitoring.AggregateOfDailyMax(ctx, "steps", store.FnSum, start, end,
			store.MatchColumn("activity_type", kind))
		if err != nil {
			return 0, false, err
		}
		if ok {
			total += v
			found = true
		}
	}
	return int64(math.Round(total)), found, nil
}

func minutes(d time.Duration) int64 {
	return int64(math.Round(d.Minutes()))
}
