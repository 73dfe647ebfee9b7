package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

func recordingPolicy(attempts int, delays *[]time.Duration) RetryPolicy {
	return RetryPolicy{
		Attempts:  attempts,
		BaseDelay: 100 * time.Millisecond,
		Sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestRetryPolicy_LinearBackoffThenIOFailure(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := recordingPolicy(4, &delays).Do(context.Background(), zap.NewNop(), "write", func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})

	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, delays)
	assert.True(t, herrors.HasCode(err, herrors.CodeIOFailure))
	assert.False(t, herrors.IsRetryable(err))
}

func TestRetryPolicy_RecoversFromTransientError(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := recordingPolicy(5, &delays).Do(context.Background(), nil, "write", func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrLocked}
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2)
}

func TestRetryPolicy_IntegrityNotRetried(t *testing.T) {
	var delays []time.Duration
	calls := 0
	err := recordingPolicy(5, &delays).Do(context.Background(), nil, "write", func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrConstraint}
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, delays)
	assert.True(t, herrors.HasCode(err, herrors.CodeIntegrity))
}

func TestRetryPolicy_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := DefaultRetryPolicy().Do(ctx, nil, "write", func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestClassify(t *testing.T) {
	assert.Nil(t, classify(nil))
	assert.True(t, herrors.IsRetryable(classify(context.DeadlineExceeded)))
	assert.ErrorIs(t, classify(context.Canceled), context.Canceled)
	assert.Equal(t, herrors.ErrCategoryInternal, herrors.GetCategory(classify(errors.New("boom"))))

	schema := herrors.NewSchemaError("mismatch")
	assert.Same(t, schema, classify(schema))
}

func TestCodec_TimeOfDay(t *testing.T) {
	s, err := FormatTimeOfDay(time.Hour + 2*time.Minute + 3*time.Second + 45*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "01:02:03.045", s)

	d, err := ParseTimeOfDay("01:02:03.045")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+2*time.Minute+3*time.Second+45*time.Millisecond, d)

	d, err = ParseTimeOfDay("00:30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	_, err = FormatTimeOfDay(25 * time.Hour)
	assert.Error(t, err)
	_, err = ParseTimeOfDay("12:75:00")
	assert.Error(t, err)
	_, err = ParseTimeOfDay("noon")
	assert.Error(t, err)
}

func TestCodec_Encode(t *testing.T) {
	c := codec{loc: time.UTC}

	v, err := c.encode(types.ColumnDef{Name: "n", Type: types.ColumnInteger}, 3.0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = c.encode(types.ColumnDef{Name: "n", Type: types.ColumnInteger}, 3.5)
	assert.True(t, herrors.HasCode(err, herrors.CodeInvalidValue))

	v, err = c.encode(types.ColumnDef{Name: "b", Type: types.ColumnInteger}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	at := time.Date(2024, 3, 1, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	v, err = c.encode(types.ColumnDef{Name: "ts", Type: types.ColumnTimestamp}, at)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-02 01:30:00.000", v)

	v, err = c.encode(types.ColumnDef{Name: "ts", Type: types.ColumnTimestamp}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = c.encode(types.ColumnDef{Name: "t", Type: types.ColumnTime}, 12)
	assert.Error(t, err)
}
