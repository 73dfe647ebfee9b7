package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

func samplesTable() *types.Table {
	return &types.Table{
		Name:    "samples",
		Version: 1,
		Columns: []types.ColumnDef{
			{Name: "timestamp", Type: types.ColumnTimestamp},
			{Name: "activity_type", Type: types.ColumnEnum},
			{Name: "steps", Type: types.ColumnInteger},
			{Name: "heart_rate", Type: types.ColumnInteger},
			{Name: "distance", Type: types.ColumnReal},
			{Name: "active_time", Type: types.ColumnTime},
		},
		MatchKey:   []string{"timestamp", "activity_type"},
		TimeColumn: "timestamp",
	}
}

func testDefinition(version int, table *types.Table, views ...types.View) Definition {
	return Definition{Name: "test", Version: version, Tables: []*types.Table{table}, Views: views}
}

func openTestDB(t *testing.T, dir string, def Definition) *Database {
	t.Helper()
	db, err := Open(context.Background(), dir, def, Options{Location: time.UTC, Retry: RetryPolicy{Attempts: 1}})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func ts(day, hour int) time.Time {
	return time.Date(2024, time.March, day, hour, 0, 0, 0, time.UTC)
}

func TestStore_InsertAndFindOne(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testDefinition(1, samplesTable()))
	st := db.Store(samplesTable())
	ctx := context.Background()

	rec := types.Record{"timestamp": ts(1, 8), "activity_type": "walking", "steps": 120, "distance": 85.5}
	require.NoError(t, st.Insert(ctx, rec))

	got, err := st.FindOne(ctx, types.Record{"timestamp": ts(1, 8), "activity_type": "walking"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(120), got["steps"])
	assert.Equal(t, 85.5, got["distance"])
	assert.True(t, ts(1, 8).Equal(got["timestamp"].(time.Time)))
	assert.Nil(t, got["heart_rate"])

	missing, err := st.FindOne(ctx, types.Record{"timestamp": ts(2, 8), "activity_type": "walking"})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_InsertConflicts(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testDefinition(1, samplesTable()))
	st := db.Store(samplesTable())
	ctx := context.Background()

	rec := types.Record{"timestamp": ts(1, 8), "activity_type": "walking", "steps": 120}
	require.NoError(t, st.Insert(ctx, rec))

	err := st.Insert(ctx, rec)
	require.Error(t, err)
	assert.True(t, herrors.HasCode(err, herrors.CodeConflict))

	err = st.Insert(ctx, types.Record{"timestamp": ts(1, 9), "activity_type": nil, "steps": nil})
	require.Error(t, err)

	err = st.Insert(ctx, types.Record{"timestamp": ts(1, 9), "activity_type": "running"})
	require.NoError(t, err, "two non-null values satisfy the minimum")

	tiny := samplesTable()
	tiny.MinRowValues = 3
	err = db.Store(tiny).Insert(ctx, types.Record{"timestamp": ts(1, 10), "activity_type": "running"})
	require.Error(t, err)
	assert.True(t, herrors.HasCode(err, herrors.CodeConflict))
}

func TestStore_UnknownColumn(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testDefinition(1, samplesTable()))
	st := db.Store(samplesTable())

	err := st.Upsert(context.Background(), types.Record{"timestamp": ts(1, 8), "activity_type": "walking", "cadence": 80}, true)
	require.Error(t, err)
	assert.True(t, herrors.HasCode(err, herrors.CodeUnknownColumn))
}

func TestStore_UpsertIgnoreNoneKeepsPopulatedFields(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testDefinition(1, samplesTable()))
	st := db.Store(samplesTable())
	ctx := context.Background()
	key := types.Record{"timestamp": ts(1, 8), "activity_type": "walking"}

	require.NoError(t, st.Upsert(ctx, types.Record{"timestamp": ts(1, 8), "activity_type": "walking", "steps": 100, "heart_rate": 72}, true))
	require.NoError(t, st.Upsert(ctx, types.Record{"timestamp": ts(1, 8), "activity_type": "walking", "steps": nil, "distance": 12.5}, true))

	got, err := st.FindOne(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got["steps"])
	assert.Equal(t, int64(72), got["heart_rate"])
	assert.Equal(t, 12.5, got["distance"])

	require.NoError(t, st.Upsert(ctx, types.Record{"timestamp": ts(1, 8), "activity_type": "walking", "steps": nil}, false))
	got, err = st.FindOne(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got["steps"])
	assert.Equal(t, int64(72), got["heart_rate"])
}

func TestStore_UpsertRequiresMatchKey(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testDefinition(1, samplesTable()))
	st := db.Store(samplesTable())

	err := st.Upsert(context.Background(), types.Record{"timestamp": ts(1, 8), "steps": 10}, true)
	require.Error(t, err)
	assert.Equal(t, herrors.ErrCategoryValidation, herrors.GetCategory(err))
}

func TestStore_FindAllMostRecentFirst(t *testing.T) {
	db := openTestDB(t, t.TempDir(), testDefinition(1, samplesTable()))
	st := db.Store(samplesTable())
	ctx := context.Background()

	for h := 1; h <= 3; h++ {
		require.NoError(t, st.Insert(ctx, types.Record{"timestamp": ts(1, h), "activity_type": "walking", "steps": h}))
	}
	require.NoError(t, st.Insert(ctx, types.Record{"timestamp": ts(1, 4), "activity_type": "running", "steps": 9}))

	rows, err := st.FindAll(ctx, types.Record{"activity_type": "walking"})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[0]["steps"])
	assert.Equal(t, int64(1), rows[2]["steps"])

	all, err := st.FindAll(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestSession_CommitAndRollback(t *testing.T) {
	table := samplesTable()
	db := openTestDB(t, t.TempDir(), testDefinition(1, table))
	ctx := context.Background()

	sess, err := db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Store(table).Insert(ctx, types.Record{"timestamp": ts(1, 1), "activity_type": "walking", "steps": 1}))
	require.NoError(t, sess.Rollback())

	sess, err = db.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.Store(table).Insert(ctx, types.Record{"timestamp": ts(1, 2), "activity_type": "walking", "steps": 2}))
	require.NoError(t, sess.Commit())
	require.NoError(t, sess.Rollback(), "rollback after commit is a no-op")
	assert.Error(t, sess.Commit())

	rows, err := db.Reader(table).FindAll(ctx, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0]["steps"])
}

func TestDefinition_Validate(t *testing.T) {
	table := samplesTable()
	assert.NoError(t, testDefinition(1, table).Validate())

	dup := Definition{Name: "test", Tables: []*types.Table{samplesTable(), samplesTable()}}
	assert.Error(t, dup.Validate())

	orphan := testDefinition(1, table, types.View{Name: "other_view", Table: "other", Columns: []string{"*"}})
	assert.Error(t, orphan.Validate())

	reserved := samplesTable()
	reserved.Name = "attributes"
	assert.Error(t, testDefinition(1, reserved).Validate())
}

func TestSchemaSQL(t *testing.T) {
	stmts := AllTableSQL(samplesTable())
	require.Len(t, stmts, 1, "the primary key already leads with the time column")
	assert.Contains(t, stmts[0], `PRIMARY KEY ("timestamp", "activity_type")`)
	assert.Contains(t, stmts[0], `"active_time" TEXT`)
	assert.Contains(t, stmts[0], `"steps" INTEGER`)

	laps := &types.Table{
		Name: "laps",
		Columns: []types.ColumnDef{
			{Name: "activity_id", Type: types.ColumnText},
			{Name: "lap", Type: types.ColumnInteger},
			{Name: "start_time", Type: types.ColumnTimestamp},
		},
		MatchKey:   []string{"activity_id", "lap"},
		TimeColumn: "start_time",
		Indexes:    []types.IndexDef{{Name: "idx_laps_activity", Columns: []string{"activity_id"}}},
	}
	stmts = AllTableSQL(laps)
	require.Len(t, stmts, 3)
	assert.Contains(t, stmts[1], `"idx_laps_start_time"`)
	assert.Contains(t, stmts[2], `"idx_laps_activity" ON "laps"("activity_id")`)
}
