package mapping

import (
	"context"
	"fmt"

	"github.com/Limetric/recordferry/internal/record"
)

type declKind int

const (
	declCopy declKind = iota
	declDiscard
	declRename
	declNested
	declCustom
)

// Decl declares how a source field is mapped. Build one with Copy, Discard,
// Rename, Nested or Custom.
type Decl struct {
	kind   declKind
	to     string
	nested []Entry
	mapper Mapper
}

// Copy keeps the value under the same field name.
func Copy() Decl { return Decl{kind: declCopy} }

// Discard drops the field.
func Discard() Decl { return Decl{kind: declDiscard} }

// Rename keeps the value under another field name.
func Rename(to string) Decl { return Decl{kind: declRename, to: to} }

// Nested maps the fields of the related record held in the source field
// onto the destination record.
func Nested(entries ...Entry) Decl { return Decl{kind: declNested, nested: entries} }

// Custom uses the given mapper.
func Custom(m Mapper) Decl { return Decl{kind: declCustom, mapper: m} }

// Entry pairs a source field with its declaration.
type Entry struct {
	Field string
	Decl  Decl
}

func Field(name string, d Decl) Entry { return Entry{Field: name, Decl: d} }

// Use is shorthand for Field(name, Custom(m)).
func Use(name string, m Mapper) Entry { return Entry{Field: name, Decl: Custom(m)} }

type resolved struct {
	field  string
	mapper Mapper
}

// Table is a resolved, ordered field mapping.
type Table struct {
	entries []resolved
	index   map[string]int
}

// NewTable resolves entries. Field names must be unique at each level.
func NewTable(entries ...Entry) (*Table, error) {
	t := &Table{index: make(map[string]int, len(entries))}
	for _, e := range entries {
		if e.Field == "" {
			return nil, fmt.Errorf("mapping entry without field name")
		}
		if _, dup := t.index[e.Field]; dup {
			return nil, fmt.Errorf("field %q mapped twice", e.Field)
		}
		m, err := resolve(e.Decl)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", e.Field, err)
		}
		t.index[e.Field] = len(t.entries)
		t.entries = append(t.entries, resolved{field: e.Field, mapper: m})
	}
	return t, nil
}

// MustTable is NewTable for package level declarations.
func MustTable(entries ...Entry) *Table {
	t, err := NewTable(entries...)
	if err != nil {
		panic(err)
	}
	return t
}

func resolve(d Decl) (Mapper, error) {
	switch d.kind {
	case declCopy:
		return Identity(""), nil
	case declDiscard:
		return discard{}, nil
	case declRename:
		if d.to == "" {
			return nil, fmt.Errorf("rename without target")
		}
		return Identity(d.to), nil
	case declNested:
		sub, err := NewTable(d.nested...)
		if err != nil {
			return nil, err
		}
		return &NestedMapper{table: sub}, nil
	case declCustom:
		if d.mapper == nil {
			return nil, fmt.Errorf("custom declaration without mapper")
		}
		return d.mapper, nil
	}
	return nil, fmt.Errorf("unknown declaration kind %d", d.kind)
}

// Fields returns the mapped source fields in declaration order.
func (t *Table) Fields() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.field
	}
	return out
}

// Has reports whether field is declared.
func (t *Table) Has(field string) bool {
	_, ok := t.index[field]
	return ok
}

// Mapper returns the mapper for field.
func (t *Table) Mapper(field string) (Mapper, bool) {
	i, ok := t.index[field]
	if !ok {
		return nil, false
	}
	return t.entries[i].mapper, true
}

// Apply maps every field of src onto dst in declaration order and returns the
// columns to write after dst is saved.
func (t *Table) Apply(ctx context.Context, src, dst *record.Record) ([]Deferral, error) {
	var deferred []Deferral
	for _, e := range t.entries {
		vals, err := e.mapper.Map(ctx, src, e.field)
		if err != nil {
			return nil, fmt.Errorf("map %s.%s of %s: %w", src.Table, e.field, src.Describe(), err)
		}
		for k, v := range vals {
			dst.Set(k, v)
		}
		if d, ok := e.mapper.(Deferrer); ok {
			deferred = append(deferred, d.Deferrals(src, e.field)...)
		}
	}
	return deferred, nil
}

// Mismatch is a field whose check failed.
type Mismatch struct {
	Field   string
	Targets []string
}

// Check runs every mapper's check and returns the fields that failed.
func (t *Table) Check(ctx context.Context, src, dst *record.Record) []Mismatch {
	var out []Mismatch
	for _, e := range t.entries {
		if e.mapper.Check(ctx, src, dst, e.field) {
			continue
		}
		m := Mismatch{Field: e.field}
		if tg, ok := e.mapper.(Targeter); ok {
			m.Targets = tg.Targets(e.field)
		}
		out = append(out, m)
	}
	return out
}

func (t *Table) deferrals(src *record.Record) []Deferral {
	var out []Deferral
	for _, e := range t.entries {
		if d, ok := e.mapper.(Deferrer); ok {
			out = append(out, d.Deferrals(src, e.field)...)
		}
	}
	return out
}

type discard struct{}

func (discard) Map(context.Context, *record.Record, string) (Values, error) { return nil, nil }

func (discard) Check(context.Context, *record.Record, *record.Record, string) bool { return true }
