package types

import (
	"fmt"
	"sync"
)

// ColumnType is the logical type of a table column.
type ColumnType string

const (
	// ColumnText is a free-form string.
	ColumnText ColumnType = "TEXT"
	// ColumnInteger is a signed 64-bit integer.
	ColumnInteger ColumnType = "INTEGER"
	// ColumnReal is a 64-bit float.
	ColumnReal ColumnType = "REAL"
	// ColumnTimestamp is a wall-clock timestamp.
	ColumnTimestamp ColumnType = "TIMESTAMP"
	// ColumnTime is a duration expressed as a time of day (HH:MM:SS.fff).
	ColumnTime ColumnType = "TIME"
	// ColumnEnum is an enumerated value stored as its string name.
	ColumnEnum ColumnType = "ENUM"
)

// SQLType returns the SQLite storage type for the column type.
// Timestamps and times of day are stored as sortable text.
func (t ColumnType) SQLType() string {
	switch t {
	case ColumnInteger:
		return "INTEGER"
	case ColumnReal:
		return "REAL"
	default:
		return "TEXT"
	}
}

// ColumnDef defines a single column in a table.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name" yaml:"name"`

	// Type is the logical column type
	Type ColumnType `json:"type" yaml:"type"`
}

// IndexDef defines a secondary index on a table.
type IndexDef struct {
	// Name is the index name
	Name string `json:"name" yaml:"name"`

	// Columns lists the columns included in the index
	Columns []string `json:"columns" yaml:"columns"`
}

// DefaultMinRowValues is the minimum number of non-null values a row needs
// to be written. A bare timestamp is not a usable row.
const DefaultMinRowValues = 2

// Table describes one entity type: its columns, its match key and the
// column every windowed operation runs against.
type Table struct {
	// Name is the table name
	Name string `json:"name" yaml:"name"`

	// Version changes whenever the stored row shape changes
	Version int `json:"version" yaml:"version"`

	// Columns defines the columns in the table
	Columns []ColumnDef `json:"columns" yaml:"columns"`

	// MatchKey is the column set that identifies a row; it is the primary key
	MatchKey []string `json:"match_key" yaml:"match_key"`

	// TimeColumn is the column windowed operations filter and order on
	TimeColumn string `json:"time_column" yaml:"time_column"`

	// MinRowValues is the minimum number of non-null values an insert needs
	MinRowValues int `json:"min_row_values" yaml:"min_row_values"`

	// Indexes defines additional indexes
	Indexes []IndexDef `json:"indexes" yaml:"indexes"`

	once    sync.Once
	columns map[string]int
}

// Column returns the column definition for name.
func (t *Table) Column(name string) (ColumnDef, bool) {
	t.once.Do(t.index)
	i, ok := t.columns[name]
	if !ok {
		return ColumnDef{}, false
	}
	return t.Columns[i], true
}

// HasColumn reports whether name is a column of the table.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// IsMatchKey reports whether name is part of the table's match key.
func (t *Table) IsMatchKey(name string) bool {
	for _, k := range t.MatchKey {
		if k == name {
			return true
		}
	}
	return false
}

// ColumnNames returns the column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// MinValues returns the effective minimum number of non-null values per row.
func (t *Table) MinValues() int {
	if t.MinRowValues > 0 {
		return t.MinRowValues
	}
	return DefaultMinRowValues
}

// IsMatchColumn reports whether name is part of the match key.
func (t *Table) IsMatchColumn(name string) bool {
	for _, k := range t.MatchKey {
		if k == name {
			return true
		}
	}
	return false
}

// Validate checks that the descriptor is internally consistent.
func (t *Table) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("table name is required")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	t.once.Do(t.index)
	if len(t.columns) != len(t.Columns) {
		return fmt.Errorf("table %s: duplicate column names", t.Name)
	}
	if len(t.MatchKey) == 0 {
		return fmt.Errorf("table %s: match key is required", t.Name)
	}
	for _, k := range t.MatchKey {
		if !t.HasColumn(k) {
			return fmt.Errorf("table %s: match key column %q is not a column", t.Name, k)
		}
	}
	if t.TimeColumn != "" {
		col, ok := t.Column(t.TimeColumn)
		if !ok {
			return fmt.Errorf("table %s: time column %q is not a column", t.Name, t.TimeColumn)
		}
		if col.Type != ColumnTimestamp {
			return fmt.Errorf("table %s: time column %q must be a timestamp", t.Name, t.TimeColumn)
		}
	}
	for _, idx := range t.Indexes {
		for _, c := range idx.Columns {
			if !t.HasColumn(c) {
				return fmt.Errorf("table %s: index %s references unknown column %q", t.Name, idx.Name, c)
			}
		}
	}
	return nil
}

func (t *Table) index() {
	t.columns = make(map[string]int, len(t.Columns))
	for i, c := range t.Columns {
		t.columns[c.Name] = i
	}
}
