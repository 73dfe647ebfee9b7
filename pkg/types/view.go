package types

// Join is an explicit join of another table into a view.
type Join struct {
	// Table is the joined table
	Table string `json:"table" yaml:"table"`

	// On lists the equality conditions, e.g. "activities.activity_id = steps_activities.activity_id"
	On []string `json:"on" yaml:"on"`
}

// View is a derived, read-only projection over one or more tables.
type View struct {
	// Name is the view name, conventionally <table>_view
	Name string `json:"name" yaml:"name"`

	// Table is the owning table; it keys the view version marker
	Table string `json:"table" yaml:"table"`

	// Columns are the select expressions
	Columns []string `json:"columns" yaml:"columns"`

	// Joins are additional tables joined on explicit conditions
	Joins []Join `json:"joins" yaml:"joins"`

	// OrderBy overrides the default "<time column> DESC" ordering
	OrderBy string `json:"order_by" yaml:"order_by"`

	// Version changes whenever the select definition changes
	Version int `json:"version" yaml:"version"`
}

// ViewName returns the conventional view name for a table.
func ViewName(table string) string {
	return table + "_view"
}
