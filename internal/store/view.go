package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	herrors "github.com/healthdb/healthdb/internal/errors"
	"github.com/healthdb/healthdb/pkg/types"
)

// SelectSQL renders the select expression of a view owned by t. Joins use
// their explicit conditions; rows are ordered by t's time column, most
// recent first, unless the view overrides the order.
func SelectSQL(v types.View, t *types.Table) (string, error) {
	if len(v.Columns) == 0 {
		return "", fmt.Errorf("store: view %s has no columns", v.Name)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(v.Columns, ", "), quoteIdent(t.Name))
	for _, j := range v.Joins {
		if len(j.On) == 0 {
			return "", fmt.Errorf("store: view %s joins %s without a condition", v.Name, j.Table)
		}
		fmt.Fprintf(&b, " JOIN %s ON %s", quoteIdent(j.Table), strings.Join(j.On, " AND "))
	}
	switch {
	case v.OrderBy != "":
		fmt.Fprintf(&b, " ORDER BY %s", v.OrderBy)
	case t.TimeColumn != "":
		fmt.Fprintf(&b, " ORDER BY %s.%s DESC", quoteIdent(t.Name), quoteIdent(t.TimeColumn))
	}
	return b.String(), nil
}

// CreateViewIfNeeded drops the view and creates it from selectSQL. Calling
// it again with the same definition is harmless.
func (d *Database) CreateViewIfNeeded(ctx context.Context, name, selectSQL string) error {
	return d.retry.Do(ctx, d.logger, "create view "+name, func() error {
		if _, err := d.db.ExecContext(ctx, "DROP VIEW IF EXISTS "+quoteIdent(name)); err != nil {
			return fmt.Errorf("store: %s: failed to drop view %s: %w", d.def.Name, name, err)
		}
		if _, err := d.db.ExecContext(ctx,
			"CREATE VIEW IF NOT EXISTS "+quoteIdent(name)+" AS "+selectSQL); err != nil {
			return fmt.Errorf("store: %s: failed to create view %s: %w", d.def.Name, name, err)
		}
		return nil
	})
}

// ensureViews rebuilds every declared view whose stored version differs
// from its declared version.
func (d *Database) ensureViews(ctx context.Context) error {
	for _, v := range d.def.Views {
		current, err := d.versions.CheckViewVersion(ctx, v.Table, v.Version)
		if err != nil {
			return err
		}
		if current {
			continue
		}
		selectSQL, err := SelectSQL(v, d.tables[v.Table])
		if err != nil {
			return err
		}
		if err := d.CreateViewIfNeeded(ctx, v.Name, selectSQL); err != nil {
			return err
		}
		if err := d.versions.SetViewVersion(ctx, v.Table, v.Version); err != nil {
			return err
		}
		d.logger.Info("rebuilt view", zap.String("view", v.Name), zap.Int("version", v.Version))
	}
	return nil
}

// View looks up a declared view by name.
func (d *Database) View(name string) (types.View, bool) {
	for _, v := range d.def.Views {
		if v.Name == name {
			return v, true
		}
	}
	return types.View{}, false
}

// QueryView reads up to limit rows of a declared view from the read pool.
// Values are returned as stored.
func (d *Database) QueryView(ctx context.Context, name string, limit int) ([]types.Record, error) {
	if _, ok := d.View(name); !ok {
		return nil, herrors.NewValidationError(herrors.CodeInvalidValue,
			fmt.Sprintf("%s has no view %s", d.def.Name, name))
	}
	query := "SELECT * FROM " + quoteIdent(name)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var out []types.Record
	err := d.retry.Do(ctx, d.logger, "query view "+name, func() error {
		out = out[:0]
		rows, err := d.readDB.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		cols, err := rows.Columns()
		if err != nil {
			return err
		}
		for rows.Next() {
			raw := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range raw {
				ptrs[i] = &raw[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				return err
			}
			rec := make(types.Record, len(cols))
			for i, c := range cols {
				if b, ok := raw[i].([]byte); ok {
					raw[i] = string(b)
				}
				rec[c] = raw[i]
			}
			out = append(out, rec)
		}
		return rows.Err()
	})
	return out, err
}
