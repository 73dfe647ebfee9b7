package store

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

// TimestampLayout is the stored form of timestamp columns. Values are UTC so
// that text order is time order; local days are derived per query.
const TimestampLayout = "2006-01-02 15:04:05.000"

// maxTimeOfDay bounds TIME columns; SQLite cannot compute julianday past 24h.
const maxTimeOfDay = 24 * time.Hour

// codec converts between Go values and stored column values.
type codec struct {
	loc *time.Location
}

func (c codec) encode(col types.ColumnDef, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case types.ColumnInteger:
		return toInt64(col.Name, v)
	case types.ColumnReal:
		return toFloat64(col.Name, v)
	case types.ColumnTimestamp:
		switch tv := v.(type) {
		case time.Time:
			if tv.IsZero() {
				return nil, nil
			}
			return tv.UTC().Format(TimestampLayout), nil
		case *time.Time:
			if tv == nil {
				return nil, nil
			}
			return c.encode(col, *tv)
		case string:
			t, err := time.ParseInLocation(TimestampLayout, tv, c.loc)
			if err != nil {
				return nil, invalidValue(col.Name, v, err)
			}
			return t.UTC().Format(TimestampLayout), nil
		}
	case types.ColumnTime:
		switch tv := v.(type) {
		case time.Duration:
			return FormatTimeOfDay(tv)
		case string:
			d, err := ParseTimeOfDay(tv)
			if err != nil {
				return nil, invalidValue(col.Name, v, err)
			}
			return FormatTimeOfDay(d)
		}
	default:
		switch tv := v.(type) {
		case string:
			return tv, nil
		case []byte:
			return string(tv), nil
		case fmt.Stringer:
			return tv.String(), nil
		default:
			return fmt.Sprint(v), nil
		}
	}
	return nil, invalidValue(col.Name, v, fmt.Errorf("unsupported type %T for %s column", v, col.Type))
}

func (c codec) decode(col types.ColumnDef, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	switch col.Type {
	case types.ColumnInteger:
		return toInt64(col.Name, raw)
	case types.ColumnReal:
		return toFloat64(col.Name, raw)
	case types.ColumnTimestamp:
		switch rv := raw.(type) {
		case time.Time:
			return rv.In(c.loc), nil
		case string:
			t, err := time.ParseInLocation(TimestampLayout, rv, time.UTC)
			if err != nil {
				return nil, invalidValue(col.Name, raw, err)
			}
			return t.In(c.loc), nil
		}
	case types.ColumnTime:
		if s, ok := raw.(string); ok {
			d, err := ParseTimeOfDay(s)
			if err != nil {
				return nil, invalidValue(col.Name, raw, err)
			}
			return d, nil
		}
	default:
		return fmt.Sprint(raw), nil
	}
	return nil, invalidValue(col.Name, raw, fmt.Errorf("unexpected stored type %T", raw))
}

// maxZoneSegments bounds the offsets a single window may cross.
const maxZoneSegments = 512

// localDay renders an SQL expression for the calendar day of the stored UTC
// timestamp col in the codec's location. Every offset in effect between
// start and end gets its own branch, split at the UTC instant it ends.
func (c codec) localDay(col string, start, end time.Time) (string, []any, error) {
	type segment struct {
		until  time.Time
		offset int
	}
	var segs []segment
	t := start.In(c.loc)
	for {
		_, offset := t.Zone()
		_, zoneEnd := t.ZoneBounds()
		if zoneEnd.IsZero() || !zoneEnd.Before(end) {
			segs = append(segs, segment{offset: offset})
			break
		}
		segs = append(segs, segment{until: zoneEnd, offset: offset})
		if len(segs) > maxZoneSegments {
			return "", nil, herrors.NewValidationError(herrors.CodeInvalidValue,
				fmt.Sprintf("window %s to %s crosses too many zone changes", start, end))
		}
		t = zoneEnd.In(c.loc)
	}

	shift := func(offset int) string { return fmt.Sprintf("%+d seconds", offset) }
	if len(segs) == 1 {
		if segs[0].offset == 0 {
			return "date(" + col + ")", nil, nil
		}
		return "date(" + col + ", ?)", []any{shift(segs[0].offset)}, nil
	}
	var b strings.Builder
	var args []any
	b.WriteString("date(" + col + ", CASE")
	for _, seg := range segs[:len(segs)-1] {
		b.WriteString(" WHEN " + col + " < ? THEN ?")
		args = append(args, seg.until.UTC().Format(TimestampLayout), shift(seg.offset))
	}
	b.WriteString(" ELSE ? END)")
	args = append(args, shift(segs[len(segs)-1].offset))
	return b.String(), args, nil
}

// FormatTimeOfDay renders a duration as HH:MM:SS.fff.
func FormatTimeOfDay(d time.Duration) (string, error) {
	if d < 0 || d >= maxTimeOfDay {
		return "", fmt.Errorf("time of day %s out of range", d)
	}
	ms := d.Milliseconds()
	h := ms / 3600000
	m := ms / 60000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms%1000), nil
}

// ParseTimeOfDay parses HH:MM[:SS[.fff]] into a duration.
func ParseTimeOfDay(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("invalid time of day %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("invalid hours in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", s)
	}
	var sec float64
	if len(parts) == 3 {
		sec, err = strconv.ParseFloat(parts[2], 64)
		if err != nil || sec < 0 || sec >= 60 {
			return 0, fmt.Errorf("invalid seconds in %q", s)
		}
	}
	d := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute +
		time.Duration(math.Round(sec*1000))*time.Millisecond
	if d < 0 || d >= maxTimeOfDay {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return d, nil
}

// secondsToDuration converts aggregated seconds back into a duration.
func secondsToDuration(sec float64) time.Duration {
	return time.Duration(math.Round(sec*1000)) * time.Millisecond
}

func toInt64(column string, v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint:
		return uintToInt64(column, uint64(n))
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		return uintToInt64(column, n)
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case float32:
		return toInt64(column, float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, invalidValue(column, v, fmt.Errorf("not an integer"))
		}
		return int64(n), nil
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, invalidValue(column, v, err)
		}
		return i, nil
	}
	return 0, invalidValue(column, v, fmt.Errorf("unsupported type %T for INTEGER column", v))
}

func uintToInt64(column string, n uint64) (int64, error) {
	if n > math.MaxInt64 {
		return 0, invalidValue(column, n, fmt.Errorf("overflows int64"))
	}
	return int64(n), nil
}

func toFloat64(column string, v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0, invalidValue(column, v, fmt.Errorf("not a finite number"))
		}
		return n, nil
	case float32:
		return toFloat64(column, float64(n))
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, invalidValue(column, v, err)
		}
		return f, nil
	}
	i, err := toInt64(column, v)
	if err != nil {
		return 0, invalidValue(column, v, fmt.Errorf("unsupported type %T for REAL column", v))
	}
	return float64(i), nil
}

func invalidValue(column string, v any, cause error) error {
	return herrors.Wrap(herrors.ErrCategoryValidation, herrors.CodeInvalidValue,
		fmt.Sprintf("column %s: invalid value %v", column, v), cause)
}
