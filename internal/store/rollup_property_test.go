package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/healthdb/healthdb/pkg/types"
)

// TestProperty_DailyMaxRollup checks that the daily-max sum of a counter
// that resets at arbitrary points equals the sum of each day's maximum and
// never exceeds the flat sum of every sample.
func TestProperty_DailyMaxRollup(t *testing.T) {
	table := samplesTable()
	db := openTestDB(t, t.TempDir(), testDefinition(1, table))
	st := db.Store(table)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	parameters.MaxSize = 24
	properties := gopter.NewProperties(parameters)

	base := time.Date(2024, time.May, 1, 0, 0, 0, 0, time.UTC)
	const days = 4
	run := 0

	properties.Property("daily max sum is the sum of per-day maxima", prop.ForAll(
		func(samples [][]int) bool {
			run++
			activity := fmt.Sprintf("run-%d", run)

			var wantSum, flatSum int
			nonEmpty := false
			for day, values := range samples {
				dayMax := -1
				for hour, v := range values {
					if hour >= 24 {
						break
					}
					at := base.AddDate(0, 0, day).Add(time.Duration(hour) * time.Hour)
					rec := types.Record{"timestamp": at, "activity_type": activity, "steps": v}
					if err := st.Insert(ctx, rec); err != nil {
						return false
					}
					flatSum += v
					if v > dayMax {
						dayMax = v
					}
				}
				if dayMax >= 0 {
					wantSum += dayMax
					nonEmpty = true
				}
			}

			got, ok, err := st.AggregateOfDailyMax(ctx, "steps", FnSum, base, base.AddDate(0, 0, days),
				MatchColumn("activity_type", activity))
			if err != nil || ok != nonEmpty {
				return false
			}
			if !ok {
				return true
			}
			return got == float64(wantSum) && got <= float64(flatSum)
		},
		gen.SliceOfN(days, gen.SliceOf(gen.IntRange(0, 5000))),
	))

	properties.TestingRun(t)
}
