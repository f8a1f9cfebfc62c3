// Package record holds the schema-agnostic row value moved between the legacy
// source and the destination store.
package record

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one row of a table. Field order is the order in which fields were
// first set, which for store-loaded rows is the column order.
type Record struct {
	Table string
	// PrimaryKey names the key column, empty for tables without a single-column key.
	PrimaryKey string

	names     []string
	values    map[string]any
	persisted bool
}

// New returns an empty, not yet persisted record.
func New(table, primaryKey string) *Record {
	return &Record{Table: table, PrimaryKey: primaryKey, values: map[string]any{}}
}

// FromMap builds a record with fields in sorted key order.
func FromMap(table, primaryKey string, fields map[string]any) *Record {
	r := New(table, primaryKey)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.Set(k, fields[k])
	}
	return r
}

func (r *Record) Get(name string) any {
	return r.values[name]
}

// Lookup reports whether the field is present, distinguishing an explicit nil.
func (r *Record) Lookup(name string) (any, bool) {
	v, ok := r.values[name]
	return v, ok
}

func (r *Record) Set(name string, v any) {
	if r.values == nil {
		r.values = map[string]any{}
	}
	if _, ok := r.values[name]; !ok {
		r.names = append(r.names, name)
	}
	r.values[name] = v
}

// String returns the field as a string, or "" when it is nil or absent.
func (r *Record) String(name string) string {
	switch v := r.values[name].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// Related returns a record attached under name by an enumerator.
func (r *Record) Related(name string) (*Record, bool) {
	rel, ok := r.values[name].(*Record)
	return rel, ok && rel != nil
}

// Names returns the field names in order.
func (r *Record) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Key returns the primary key value, nil when the table has none or it is unset.
func (r *Record) Key() any {
	if r.PrimaryKey == "" {
		return nil
	}
	return r.values[r.PrimaryKey]
}

func (r *Record) Persisted() bool { return r.persisted }

func (r *Record) MarkPersisted() { r.persisted = true }

// Clone copies the record. Related records are shared, not copied.
func (r *Record) Clone() *Record {
	c := &Record{
		Table:      r.Table,
		PrimaryKey: r.PrimaryKey,
		names:      make([]string, len(r.names)),
		values:     make(map[string]any, len(r.values)),
		persisted:  r.persisted,
	}
	copy(c.names, r.names)
	for k, v := range r.values {
		c.values[k] = v
	}
	return c
}

// Describe identifies the record in log lines: "users#12", or the full field
// list for keyless tables.
func (r *Record) Describe() string {
	if r == nil {
		return "<nil>"
	}
	if r.PrimaryKey != "" {
		if k := r.Key(); k != nil {
			return fmt.Sprintf("%s#%v", r.Table, k)
		}
		return r.Table + "#<new>"
	}
	var b strings.Builder
	b.WriteString(r.Table)
	b.WriteByte('(')
	first := true
	for _, n := range r.names {
		if _, isRel := r.values[n].(*Record); isRel {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		fmt.Fprintf(&b, "%s=%v", n, r.values[n])
	}
	b.WriteByte(')')
	return b.String()
}

// Fields returns a copy of the non-relation fields, for diagnostics.
func (r *Record) Fields() map[string]any {
	out := make(map[string]any, len(r.values))
	for k, v := range r.values {
		if _, isRel := v.(*Record); isRel {
			continue
		}
		out[k] = v
	}
	return out
}
