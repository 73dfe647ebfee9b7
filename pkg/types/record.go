// Package types provides the table, record and view descriptors shared by
// the store and the ingestion pipeline.
package types

import "sort"

// Record maps column names to values. A missing key and a nil value both
// mean NULL.
type Record map[string]any

// NonNull returns a copy of the record without nil values.
func (r Record) NonNull() Record {
	out := make(Record, len(r))
	for k, v := range r {
		if v != nil {
			out[k] = v
		}
	}
	return out
}

// NonNullCount returns the number of non-nil values.
func (r Record) NonNullCount() int {
	n := 0
	for _, v := range r {
		if v != nil {
			n++
		}
	}
	return n
}

// Subset returns the values for the given columns that are present in r.
func (r Record) Subset(columns []string) Record {
	out := make(Record, len(columns))
	for _, c := range columns {
		if v, ok := r[c]; ok {
			out[c] = v
		}
	}
	return out
}

// Keys returns the record's column names in sorted order.
func (r Record) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Intersect returns the non-null values of r whose columns belong to t.
func (r Record) Intersect(t *Table) Record {
	out := make(Record)
	for k, v := range r {
		if v != nil && t.HasColumn(k) {
			out[k] = v
		}
	}
	return out
}
