package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

// Store is the generic record store for one table. Records are only ever
// inserted or merge-updated; there is no delete.
type Store struct {
	table  *types.Table
	q      querier
	codec  codec
	retry  RetryPolicy
	logger *zap.Logger
	dbName string
}

// Table returns the store's table descriptor.
func (s *Store) Table() *types.Table {
	return s.table
}

// FindOne returns the row whose match-key columns equal the values in
// match, or nil if there is none.
func (s *Store) FindOne(ctx context.Context, match types.Record) (types.Record, error) {
	keys, err := s.matchKey(match)
	if err != nil {
		return nil, err
	}
	rows, err := s.find(ctx, keys, 1)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// FindAll returns every row whose columns equal the values in match. An
// empty match returns the whole table, most recent first when the table
// has a time column.
func (s *Store) FindAll(ctx context.Context, match types.Record) ([]types.Record, error) {
	if err := s.checkColumns(match); err != nil {
		return nil, err
	}
	return s.find(ctx, match, 0)
}

// Insert creates a new row. It fails with a conflict if the match key
// already exists or too few non-null values are supplied.
func (s *Store) Insert(ctx context.Context, rec types.Record) error {
	if err := s.checkColumns(rec); err != nil {
		return err
	}
	keys, err := s.matchKey(rec)
	if err != nil {
		return err
	}
	if n := rec.NonNullCount(); n < s.table.MinValues() {
		return herrors.NewValidationError(herrors.CodeConflict, fmt.Sprintf(
			"%s: insert needs at least %d non-null values, got %d", s.table.Name, s.table.MinValues(), n))
	}
	existing, err := s.FindOne(ctx, keys)
	if err != nil {
		return err
	}
	if existing != nil {
		return herrors.NewValidationError(herrors.CodeConflict,
			fmt.Sprintf("%s: row %v already exists", s.table.Name, keys))
	}
	return s.insert(ctx, rec.NonNull())
}

// Upsert inserts rec if its match key is absent and updates the existing
// row otherwise. With ignoreNone, nil values never overwrite stored values;
// without it every supplied column is written, explicit nils included.
// Applying the same record twice leaves the same row as applying it once.
func (s *Store) Upsert(ctx context.Context, rec types.Record, ignoreNone bool) error {
	if err := s.checkColumns(rec); err != nil {
		return err
	}
	keys, err := s.matchKey(rec)
	if err != nil {
		return err
	}
	existing, err := s.FindOne(ctx, keys)
	if err != nil {
		return err
	}
	if existing == nil {
		if n := rec.NonNullCount(); n < s.table.MinValues() {
			return herrors.NewValidationError(herrors.CodeConflict, fmt.Sprintf(
				"%s: new row needs at least %d non-null values, got %d", s.table.Name, s.table.MinValues(), n))
		}
		return s.insert(ctx, rec.NonNull())
	}

	var sets []string
	var args []any
	for _, name := range rec.Keys() {
		if s.table.IsMatchColumn(name) {
			continue
		}
		v := rec[name]
		if v == nil && ignoreNone {
			continue
		}
		enc, err := s.encode(name, v)
		if err != nil {
			return err
		}
		sets = append(sets, quoteIdent(name)+" = ?")
		args = append(args, enc)
	}
	if len(sets) == 0 {
		return nil
	}
	where, whereArgs, err := s.where(keys)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		quoteIdent(s.table.Name), strings.Join(sets, ", "), where)
	return s.exec(ctx, "update "+s.table.Name, query, append(args, whereArgs...)...)
}

func (s *Store) insert(ctx context.Context, rec types.Record) error {
	names := rec.Keys()
	cols := make([]string, len(names))
	marks := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		enc, err := s.encode(name, rec[name])
		if err != nil {
			return err
		}
		cols[i] = quoteIdent(name)
		marks[i] = "?"
		args[i] = enc
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		quoteIdent(s.table.Name), strings.Join(cols, ", "), strings.Join(marks, ", "))
	return s.exec(ctx, "insert "+s.table.Name, query, args...)
}

func (s *Store) find(ctx context.Context, match types.Record, limit int) ([]types.Record, error) {
	query := "SELECT " + joinIdents(s.table.ColumnNames()) + " FROM " + quoteIdent(s.table.Name)
	var args []any
	if len(match) > 0 {
		where, whereArgs, err := s.where(match)
		if err != nil {
			return nil, err
		}
		query += " WHERE " + where
		args = whereArgs
	}
	if s.table.TimeColumn != "" {
		query += " ORDER BY " + quoteIdent(s.table.TimeColumn) + " DESC"
	}
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var out []types.Record
	err := s.retry.Do(ctx, s.logger, "find "+s.table.Name, func() error {
		out = out[:0]
		rows, err := s.q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := s.scan(rows)
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) scan(rows *sql.Rows) (types.Record, error) {
	raw := make([]any, len(s.table.Columns))
	ptrs := make([]any, len(raw))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	rec := make(types.Record, len(raw))
	for i, col := range s.table.Columns {
		v, err := s.codec.decode(col, raw[i])
		if err != nil {
			return nil, err
		}
		rec[col.Name] = v
	}
	return rec, nil
}

func (s *Store) exec(ctx context.Context, op, query string, args ...any) error {
	return s.retry.Do(ctx, s.logger, op, func() error {
		_, err := s.q.ExecContext(ctx, query, args...)
		return err
	})
}

// where renders equality conditions for every column in match, in key
// order. A nil value matches NULL.
func (s *Store) where(match types.Record) (string, []any, error) {
	names := match.Keys()
	conds := make([]string, 0, len(names))
	args := make([]any, 0, len(names))
	for _, name := range names {
		if match[name] == nil {
			conds = append(conds, quoteIdent(name)+" IS NULL")
			continue
		}
		enc, err := s.encode(name, match[name])
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, quoteIdent(name)+" = ?")
		args = append(args, enc)
	}
	return strings.Join(conds, " AND "), args, nil
}

// matchKey extracts the match-key values of rec; each must be non-null.
func (s *Store) matchKey(rec types.Record) (types.Record, error) {
	keys := make(types.Record, len(s.table.MatchKey))
	for _, k := range s.table.MatchKey {
		v, ok := rec[k]
		if !ok || v == nil {
			return nil, herrors.NewValidationError(herrors.CodeInvalidValue,
				fmt.Sprintf("%s: match key column %s is required", s.table.Name, k))
		}
		keys[k] = v
	}
	return keys, nil
}

func (s *Store) checkColumns(rec types.Record) error {
	for name := range rec {
		if !s.table.HasColumn(name) {
			return herrors.NewValidationError(herrors.CodeUnknownColumn,
				fmt.Sprintf("%s has no column %s", s.table.Name, name))
		}
	}
	return nil
}

func (s *Store) encode(name string, v any) (any, error) {
	col, ok := s.table.Column(name)
	if !ok {
		return nil, herrors.NewValidationError(herrors.CodeUnknownColumn,
			fmt.Sprintf("%s has no column %s", s.table.Name, name))
	}
	return s.codec.encode(col, v)
}
