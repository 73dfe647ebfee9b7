package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/healthdb/healthdb/pkg/types"
)

func samplesView(version int) types.View {
	return types.View{
		Name:    types.ViewName("samples"),
		Table:   "samples",
		Columns: []string{"timestamp", "activity_type", "steps"},
		Version: version,
	}
}

func TestSelectSQL(t *testing.T) {
	sql, err := SelectSQL(samplesView(1), samplesTable())
	require.NoError(t, err)
	assert.Equal(t, `SELECT timestamp, activity_type, steps FROM "samples" ORDER BY "samples"."timestamp" DESC`, sql)

	joined := types.View{
		Name:    "samples_view",
		Table:   "samples",
		Columns: []string{"samples.timestamp", "laps.lap"},
		Joins:   []types.Join{{Table: "laps", On: []string{"laps.start_time = samples.timestamp", "laps.lap > 0"}}},
		OrderBy: "laps.lap ASC",
	}
	sql, err = SelectSQL(joined, samplesTable())
	require.NoError(t, err)
	assert.Equal(t, `SELECT samples.timestamp, laps.lap FROM "samples" JOIN "laps" ON laps.start_time = samples.timestamp AND laps.lap > 0 ORDER BY laps.lap ASC`, sql)

	joined.Joins[0].On = nil
	_, err = SelectSQL(joined, samplesTable())
	assert.Error(t, err)
}

func TestCreateViewIfNeeded_Idempotent(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testDefinition(1, samplesTable(), samplesView(1)))
	st := db.Store(samplesTable())
	ctx := context.Background()

	insertSteps(t, st, ts(1, 1), "walking", 10)
	insertSteps(t, st, ts(1, 2), "running", 20)

	first, err := db.QueryView(ctx, "samples_view", 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "2024-03-01 02:00:00.000", first[0]["timestamp"], "most recent first")

	selectSQL, err := SelectSQL(samplesView(1), samplesTable())
	require.NoError(t, err)
	require.NoError(t, db.CreateViewIfNeeded(ctx, "samples_view", selectSQL))
	require.NoError(t, db.CreateViewIfNeeded(ctx, "samples_view", selectSQL))

	second, err := db.QueryView(ctx, "samples_view", 0)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	limited, err := db.QueryView(ctx, "samples_view", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = db.QueryView(ctx, "missing_view", 0)
	assert.Error(t, err)
}

func TestOpen_RebuildsViewOnVersionChange(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(ctx, dir, testDefinition(1, samplesTable(), samplesView(1)), Options{})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	wider := samplesView(2)
	wider.Columns = append(wider.Columns, "heart_rate")
	db = openTestDB(t, dir, testDefinition(1, samplesTable(), wider))

	ok, err := db.Versions().CheckViewVersion(ctx, "samples", 2)
	require.NoError(t, err)
	assert.True(t, ok)

	insertSteps(t, db.Store(samplesTable()), ts(1, 1), "walking", 10)
	rows, err := db.QueryView(ctx, "samples_view", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0], "heart_rate")
}
