// Package store provides the versioned SQLite logical databases, the
// generic record store, windowed aggregation and derived views.
package store

import (
	"fmt"
	"strings"

	"github.com/healthdb/healthdb/pkg/types"
)

// attributesTable holds the version markers and other key/value attributes.
const attributesTable = "attributes"

// CreateAttributesTableSQL creates the per-database key/value table.
const CreateAttributesTableSQL = `
CREATE TABLE IF NOT EXISTS attributes (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`

// CreateTableSQL renders the CREATE TABLE statement for a descriptor.
// The match key is the primary key.
func CreateTableSQL(t *types.Table) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(t.Name))
	for _, c := range t.Columns {
		fmt.Fprintf(&b, "    %s %s,\n", quoteIdent(c.Name), c.Type.SQLType())
	}
	fmt.Fprintf(&b, "    PRIMARY KEY (%s)\n)", joinIdents(t.MatchKey))
	return b.String()
}

// CreateIndexesSQL renders the index statements for a descriptor. A table
// with a time column always gets an index on it.
func CreateIndexesSQL(t *types.Table) []string {
	var stmts []string
	if t.TimeColumn != "" && !(len(t.MatchKey) > 0 && t.MatchKey[0] == t.TimeColumn) {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent("idx_"+t.Name+"_"+t.TimeColumn), quoteIdent(t.Name), quoteIdent(t.TimeColumn)))
	}
	for _, idx := range t.Indexes {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(%s)",
			quoteIdent(idx.Name), quoteIdent(t.Name), joinIdents(idx.Columns)))
	}
	return stmts
}

// AllTableSQL returns every statement needed to create a table.
func AllTableSQL(t *types.Table) []string {
	return append([]string{CreateTableSQL(t)}, CreateIndexesSQL(t)...)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func joinIdents(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}
