package ingest

import (
	"fmt"
	"math"
	"time"

	"github.com/healthdb/healthdb/internal/fit"
)

// ResolveField returns the developer variant of a field when present and
// the standard field otherwise. Developer fields come from add-on sensors
// and are considered more precise.
func ResolveField(msg fit.Message, name string) (any, bool) {
	if v, ok := msg.Get(fit.DevPrefix + name); ok {
		return v, true
	}
	return msg.Get(name)
}

// ResolveFirstPresent resolves each name in order and returns the first
// value found. Firmware versions have renamed several fields.
func ResolveFirstPresent(msg fit.Message, names ...string) (any, bool) {
	for _, name := range names {
		if v, ok := ResolveField(msg, name); ok {
			return v, true
		}
	}
	return nil, false
}

// value resolves names and returns the value or nil.
func value(msg fit.Message, names ...string) any {
	v, _ := ResolveFirstPresent(msg, names...)
	return v
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(math.Round(n)), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

func asTime(v any) (time.Time, bool) {
	t, ok := v.(time.Time)
	return t, ok && !t.IsZero()
}

// minutes converts a minute count into a duration.
func minutes(v any) any {
	if n, ok := asFloat(v); ok {
		return time.Duration(n * float64(time.Minute))
	}
	return nil
}

// semicircles converts a position to degrees. Positions are stored as
// semicircles by devices and as degrees by exporters.
func semicircles(v any) any {
	f, ok := asFloat(v)
	if !ok {
		return nil
	}
	if math.Abs(f) > 180 {
		return f * (180.0 / math.Pow(2, 31))
	}
	return f
}

// expandTimestamp16 rebuilds a full timestamp from its low 16 bits of
// seconds and the last full timestamp.
func expandTimestamp16(last time.Time, ts16 int64) time.Time {
	lastSec := last.Unix()
	delta := (ts16 - lastSec) & 0xFFFF
	return last.Add(time.Duration(delta) * time.Second)
}
