package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"time"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/internal/healthdb"
	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// ActivitySummary is the richer per-activity summary exported by the
// cloud service as JSON.
type ActivitySummary struct {
	ActivityID     json.Number  `json:"activityId"`
	Name           string       `json:"activityName"`
	Description    string       `json:"description"`
	ActivityType   ActivityType `json:"activityType"`
	StartTimeLocal string       `json:"startTimeLocal"`
	Distance       *float64     `json:"distance"`
	Duration       *float64     `json:"duration"`
	MovingDuration *float64     `json:"movingDuration"`
	Calories       *float64     `json:"calories"`
	AverageHR      *float64     `json:"averageHR"`
	MaxHR          *float64     `json:"maxHR"`
	AverageSpeed   *float64     `json:"averageSpeed"`
	MaxSpeed       *float64     `json:"maxSpeed"`
	ElevationGain  *float64     `json:"elevationGain"`
	ElevationLoss  *float64     `json:"elevationLoss"`
	Steps          *int64       `json:"steps"`
	AvgCadence     *float64     `json:"averageRunningCadenceInStepsPerMinute"`
	AvgStrideCm    *float64     `json:"avgStrideLength"`
	VO2Max         *float64     `json:"vO2MaxValue"`
}

// ActivityType is the summary's classification. TypeKey is the most
// specific value; ParentTypeKey is its top-level category when it has one.
type ActivityType struct {
	TypeKey       string `json:"typeKey"`
	ParentTypeKey string `json:"parentTypeKey"`
}

// summaryTimeLayout is the local start time format of summaries.
const summaryTimeLayout = "2006-01-02 15:04:05"

// DecodeActivitySummaries reads a single summary object or an array of
// them.
func DecodeActivitySummaries(r io.Reader) ([]ActivitySummary, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, herrors.NewIngestError(herrors.CodeParseError, "read activity summary", err)
	}
	var list []ActivitySummary
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one ActivitySummary
	if err := json.Unmarshal(data, &one); err != nil {
		return nil, herrors.NewIngestError(herrors.CodeParseError, "decode activity summary", err)
	}
	return []ActivitySummary{one}, nil
}

// Sports returns the summary's sport and sub-sport candidates.
func (a ActivitySummary) Sports() (sport, subSport string) {
	if a.ActivityType.ParentTypeKey != "" && a.ActivityType.ParentTypeKey != a.ActivityType.TypeKey {
		return a.ActivityType.ParentTypeKey, a.ActivityType.TypeKey
	}
	return a.ActivityType.TypeKey, ""
}

// MergeActivitySummary merges a summary into the activities database. Only
// non-null summary values are written, and sport and sub-sport are
// reconciled so a less specific summary never replaces a precise value.
// Step-based activities also update their steps row.
func MergeActivitySummary(ctx context.Context, sess *store.Session, loc *time.Location, a ActivitySummary) error {
	id := a.ActivityID.String()
	if id == "" {
		return herrors.NewValidationError(herrors.CodeInvalidValue, "activity summary has no activityId")
	}

	rec := types.Record{
		"activity_id": id,
		"name":        nonEmpty(a.Name),
		"description": nonEmpty(a.Description),
		"distance":    floatOrNil(a.Distance),
		"calories":    roundOrNil(a.Calories),
		"avg_hr":      roundOrNil(a.AverageHR),
		"max_hr":      roundOrNil(a.MaxHR),
		"avg_speed":   floatOrNil(a.AverageSpeed),
		"max_speed":   floatOrNil(a.MaxSpeed),
		"ascent":      floatOrNil(a.ElevationGain),
		"descent":     floatOrNil(a.ElevationLoss),
	}
	if a.StartTimeLocal != "" {
		start, err := time.ParseInLocation(summaryTimeLayout, a.StartTimeLocal, loc)
		if err != nil {
			return herrors.Wrap(herrors.ErrCategoryValidation, herrors.CodeInvalidValue,
				fmt.Sprintf("activity %s: start time", id), err)
		}
		rec["start_time"] = start
		if a.Duration != nil {
			rec["stop_time"] = start.Add(durationOf(*a.Duration))
		}
	}
	rec["elapsed_time"] = timeOfDayOrNil(a.Duration)
	rec["moving_time"] = timeOfDayOrNil(a.MovingDuration)

	sport, subSport := a.Sports()
	merged, err := mergeActivity(ctx, sess, rec, sport, subSport)
	if err != nil {
		return err
	}
	if !stepSports[merged] {
		return nil
	}

	steps := types.Record{"activity_id": id}
	if a.Steps != nil {
		steps["steps"] = *a.Steps
	}
	if a.AvgCadence != nil {
		steps["avg_steps_per_min"] = int64(math.Round(*a.AvgCadence))
	}
	if a.AvgStrideCm != nil {
		steps["avg_step_length"] = *a.AvgStrideCm / 100
	}
	if a.VO2Max != nil {
		steps["vo2_max"] = *a.VO2Max
	}
	if a.AverageSpeed != nil && *a.AverageSpeed > 0 {
		if pace := durationOf(1000 / *a.AverageSpeed); pace < 24*time.Hour {
			steps["avg_pace"] = pace
		}
	}
	if steps.NonNullCount() < healthdb.StepsActivities.MinValues() {
		return nil
	}
	return sess.Store(healthdb.StepsActivities).Upsert(ctx, steps, true)
}

func durationOf(sec float64) time.Duration {
	return time.Duration(sec * float64(time.Second))
}

func floatOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func roundOrNil(f *float64) any {
	if f == nil {
		return nil
	}
	return int64(math.Round(*f))
}

// timeOfDayOrNil converts seconds into a duration storable as a time of
// day; longer durations are dropped.
func timeOfDayOrNil(sec *float64) any {
	if sec == nil {
		return nil
	}
	d := durationOf(*sec)
	if d < 0 || d >= 24*time.Hour {
		return nil
	}
	return d
}
