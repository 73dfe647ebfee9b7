package ingest

import (
	"context"

	"github.com/healthdb/healthdb/internal/store"
	"github.com/healthdb/healthdb/pkg/types"
)

// Target is one candidate table for a heterogeneous message. Extract may
// be nil, in which case the candidate record is intersected as is.
type Target struct {
	Table   *types.Table
	Extract func(types.Record) types.Record
}

// Decompose splits a candidate record into per-table rows. Each target
// whose intersection with the record has at least the table's minimum
// number of non-null values, including its full match key, yields a row.
// Targets are evaluated in order.
func Decompose(rec types.Record, targets []Target) []Row {
	rows, _ := DecomposeWithDropped(rec, targets)
	return rows
}

// Dropped is a target that had values for its table but no complete match
// key, so nothing could be written.
type Dropped struct {
	Table   string
	Missing []string
}

// DecomposeWithDropped is Decompose that also reports the targets whose
// values were lost for want of a match key.
func DecomposeWithDropped(rec types.Record, targets []Target) ([]Row, []Dropped) {
	var (
		rows    []Row
		dropped []Dropped
	)
	for _, tgt := range targets {
		src := rec
		if tgt.Extract != nil {
			src = tgt.Extract(rec)
		}
		subset := src.Intersect(tgt.Table)
		if missing := missingKeys(subset, tgt.Table); len(missing) > 0 {
			if hasValues(subset, tgt.Table) {
				dropped = append(dropped, Dropped{Table: tgt.Table.Name, Missing: missing})
			}
			continue
		}
		if len(subset) < tgt.Table.MinValues() {
			continue
		}
		rows = append(rows, Row{Table: tgt.Table, Record: subset})
	}
	return rows, dropped
}

// Row is one decomposed write.
type Row struct {
	Table  *types.Table
	Record types.Record
}

func missingKeys(rec types.Record, t *types.Table) []string {
	var missing []string
	for _, k := range t.MatchKey {
		if rec[k] == nil {
			missing = append(missing, k)
		}
	}
	return missing
}

// hasValues reports whether rec holds a non-null value outside the match key.
func hasValues(rec types.Record, t *types.Table) bool {
	for k, v := range rec {
		if v != nil && !t.IsMatchKey(k) {
			return true
		}
	}
	return false
}

// upsertRows merges every row through the session, stopping at the first
// failure.
func upsertRows(ctx context.Context, sess *store.Session, rows []Row) (int, error) {
	for i, r := range rows {
		if err := sess.Store(r.Table).Upsert(ctx, r.Record, true); err != nil {
			return i, err
		}
	}
	return len(rows), nil
}
