package fit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	herrors "github.com/healthdb/healthdb/internal/errors"
)

const sampleFile = `{
  "messages": [
    {"type": "record", "fields": {"timestamp": "2024-03-01T08:00:05Z", "heart_rate": 60, "speed": 2.75},
     "developer_fields": {"heart_rate": 61}},
    {"type": "file_id", "fields": {"serial_number": 3912345678, "time_created": "2024-03-01T08:00:00Z", "type": "activity"}},
    {"type": "lap", "fields": {"total_elapsed_time": 312.5, "total_distance": 1000}},
    {"type": "record", "fields": {"timestamp": "2024-03-01T08:00:06Z", "heart_rate": 62}},
    {"type": "mfg_range_min", "fields": {"unknown_1": 7}}
  ]
}`

func TestJSONDecoder_Decode(t *testing.T) {
	file, err := JSONDecoder{}.Decode(strings.NewReader(sampleFile))
	require.NoError(t, err)
	require.Len(t, file.Messages, 5)

	rec := file.Messages[0]
	assert.Equal(t, Record, rec.Type)
	assert.Equal(t, int64(60), rec.Fields["heart_rate"])
	assert.Equal(t, int64(61), rec.Fields["dev_heart_rate"])
	assert.Equal(t, 2.75, rec.Fields["speed"])
	assert.Equal(t, time.Date(2024, 3, 1, 8, 0, 5, 0, time.UTC), rec.Fields["timestamp"])

	lap := file.Messages[2]
	assert.Equal(t, 312500*time.Millisecond, lap.Fields["total_elapsed_time"])
	assert.Equal(t, int64(1000), lap.Fields["total_distance"])

	assert.Equal(t, []MessageType{Record, FileID, Lap, MessageType("mfg_range_min")}, file.Types())
	assert.Len(t, file.ByType()[Record], 2)
}

func TestJSONDecoder_InvalidInput(t *testing.T) {
	_, err := JSONDecoder{}.Decode(strings.NewReader(`{"messages": [`))
	require.Error(t, err)
	assert.True(t, herrors.HasCode(err, herrors.CodeParseError))

	untyped := `{"messages": [{"fields": {"a": 1}}, {"type": "event", "fields": {"event": "timer"}}]}`
	_, err = JSONDecoder{}.Decode(strings.NewReader(untyped))
	assert.Error(t, err)

	file, err := JSONDecoder{SkipInvalid: true}.Decode(strings.NewReader(untyped))
	require.NoError(t, err)
	require.Len(t, file.Messages, 1)
	assert.Equal(t, Event, file.Messages[0].Type)
}

func TestDecodeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "123_ACTIVITY.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleFile), 0644))

	file, err := DecodeFile(JSONDecoder{}, path)
	require.NoError(t, err)
	assert.Equal(t, path, file.Path)

	_, err = DecodeFile(JSONDecoder{}, filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, herrors.HasCode(err, herrors.CodeParseError))
}

func TestMessage(t *testing.T) {
	m := Message{Type: Monitoring, Fields: map[string]any{"steps": int64(10), "cycles": nil}}
	v, ok := m.Get("steps")
	assert.True(t, ok)
	assert.Equal(t, int64(10), v)
	_, ok = m.Get("cycles")
	assert.False(t, ok)
	assert.Equal(t, []string{"cycles", "steps"}, m.FieldNames())

	assert.True(t, Monitoring.IsKnown())
	assert.False(t, MessageType("mfg_range_min").IsKnown())
	assert.True(t, IsDeveloperField("dev_power"))
}
