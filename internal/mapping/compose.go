package mapping

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/record"
)

// FanOutMapper maps one source field through several mappers.
type FanOutMapper struct {
	mappers []Mapper
}

// FanOut merges the results of ms in order, later values overwriting
// earlier ones. Its check passes only when every child check passes.
func FanOut(ms ...Mapper) *FanOutMapper {
	return &FanOutMapper{mappers: ms}
}

func (f *FanOutMapper) Map(ctx context.Context, src *record.Record, field string) (Values, error) {
	out := Values{}
	for _, m := range f.mappers {
		vals, err := m.Map(ctx, src, field)
		if err != nil {
			return nil, err
		}
		for k, v := range vals {
			out[k] = v
		}
	}
	return out, nil
}

func (f *FanOutMapper) Check(ctx context.Context, src, dst *record.Record, field string) bool {
	ok := true
	for _, m := range f.mappers {
		if !m.Check(ctx, src, dst, field) {
			ok = false
		}
	}
	return ok
}

func (f *FanOutMapper) Deferrals(src *record.Record, field string) []Deferral {
	var out []Deferral
	for _, m := range f.mappers {
		if d, ok := m.(Deferrer); ok {
			out = append(out, d.Deferrals(src, field)...)
		}
	}
	return out
}

func (f *FanOutMapper) Targets(field string) []string {
	var out []string
	for _, m := range f.mappers {
		if t, ok := m.(Targeter); ok {
			out = append(out, t.Targets(field)...)
		}
	}
	return out
}

// NestedMapper applies a sub-table to the related record held in a field.
type NestedMapper struct {
	table *Table
}

func (n *NestedMapper) Map(ctx context.Context, src *record.Record, field string) (Values, error) {
	rel, ok := src.Related(field)
	if !ok {
		return nil, nil
	}
	out := Values{}
	for _, e := range n.table.entries {
		vals, err := e.mapper.Map(ctx, rel, e.field)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", field, e.field, err)
		}
		for k, v := range vals {
			out[k] = v
		}
	}
	return out, nil
}

func (n *NestedMapper) Check(ctx context.Context, src, dst *record.Record, field string) bool {
	rel, ok := src.Related(field)
	if !ok {
		return true
	}
	return len(n.table.Check(ctx, rel, dst)) == 0
}

func (n *NestedMapper) Deferrals(src *record.Record, field string) []Deferral {
	rel, ok := src.Related(field)
	if !ok {
		return nil
	}
	return n.table.deferrals(rel)
}

// ConcatMapper appends the values of other fields to the source value.
type ConcatMapper struct {
	with []string
	sep  string
	to   string
}

// Concat maps the value followed by each non-empty field of with, joined by
// sep, as a string.
func Concat(with []string, sep, to string) *ConcatMapper {
	return &ConcatMapper{with: with, sep: sep, to: to}
}

func (c *ConcatMapper) value(src *record.Record, field string) string {
	s := text(src.Get(field))
	for _, f := range c.with {
		if v := text(src.Get(f)); v != "" {
			s += c.sep + v
		}
	}
	return s
}

func (c *ConcatMapper) target(field string) string {
	if c.to != "" {
		return c.to
	}
	return field
}

func (c *ConcatMapper) Map(_ context.Context, src *record.Record, field string) (Values, error) {
	return Values{c.target(field): c.value(src, field)}, nil
}

func (c *ConcatMapper) Check(_ context.Context, src, dst *record.Record, field string) bool {
	return record.Equal(c.value(src, field), dst.Get(c.target(field)))
}

func (c *ConcatMapper) Targets(field string) []string { return []string{c.target(field)} }

type (
	MapFunc   func(ctx context.Context, src *record.Record, field string) (Values, error)
	CheckFunc func(ctx context.Context, src, dst *record.Record, field string) bool
)

type funcMapper struct {
	m MapFunc
	c CheckFunc
}

// Func builds a mapper from functions. A nil check always passes.
func Func(m MapFunc, c CheckFunc) Mapper {
	return funcMapper{m: m, c: c}
}

func (f funcMapper) Map(ctx context.Context, src *record.Record, field string) (Values, error) {
	return f.m(ctx, src, field)
}

func (f funcMapper) Check(ctx context.Context, src, dst *record.Record, field string) bool {
	if f.c == nil {
		return true
	}
	return f.c(ctx, src, dst, field)
}

// RelationResolver returns the destination value referring to the record
// a legacy foreign value points at.
type RelationResolver func(ctx context.Context, v any) (any, bool, error)

// RelationMapper translates foreign keys.
type RelationMapper struct {
	resolve  RelationResolver
	to       string
	required bool
}

// Relation maps a legacy foreign value through resolve. nil and 0 mean no
// relation.
func Relation(resolve RelationResolver, to string) *RelationMapper {
	return &RelationMapper{resolve: resolve, to: to}
}

// Required makes unresolved relations an error.
func (r *RelationMapper) Required() *RelationMapper {
	r.required = true
	return r
}

func (r *RelationMapper) target(field string) string {
	if r.to != "" {
		return r.to
	}
	return field
}

func (r *RelationMapper) value(ctx context.Context, v any) (any, error) {
	if v == nil || record.Equal(v, int64(0)) {
		if r.required {
			return nil, ErrRequiredRelation
		}
		return nil, nil
	}
	out, ok, err := r.resolve(ctx, v)
	if err != nil {
		return nil, err
	}
	if !ok {
		if r.required {
			return nil, fmt.Errorf("%w: %v", ErrRequiredRelation, v)
		}
		zap.L().Debug("relation not found", zap.Any("value", v))
		return nil, nil
	}
	return out, nil
}

func (r *RelationMapper) Map(ctx context.Context, src *record.Record, field string) (Values, error) {
	v, err := r.value(ctx, src.Get(field))
	if err != nil {
		return nil, err
	}
	return Values{r.target(field): v}, nil
}

func (r *RelationMapper) Check(ctx context.Context, src, dst *record.Record, field string) bool {
	v, err := r.value(ctx, src.Get(field))
	if err != nil {
		return false
	}
	return record.Equal(v, dst.Get(r.target(field)))
}

func (r *RelationMapper) Targets(field string) []string { return []string{r.target(field)} }

// DeferredMapper carries a timestamp the destination maintains itself. The
// value is written after save; nil source values are left alone.
type DeferredMapper struct {
	loc *time.Location
	to  string
}

// Deferred defers the field. A non-nil loc localizes naive timestamps.
func Deferred(loc *time.Location, to string) *DeferredMapper {
	return &DeferredMapper{loc: loc, to: to}
}

func (d *DeferredMapper) target(field string) string {
	if d.to != "" {
		return d.to
	}
	return field
}

func (d *DeferredMapper) Map(context.Context, *record.Record, string) (Values, error) {
	return nil, nil
}

func (d *DeferredMapper) value(src *record.Record, field string) (any, bool) {
	v := src.Get(field)
	if v == nil {
		return nil, false
	}
	out, ambiguous := localize(v, d.loc)
	if ambiguous {
		zap.L().Warn("ambiguous or nonexistent local time, assuming DST",
			zap.Any("value", v), zap.String("record", src.Describe()), zap.String("field", field))
	}
	return out, true
}

func (d *DeferredMapper) Deferrals(src *record.Record, field string) []Deferral {
	v, ok := d.value(src, field)
	if !ok {
		return nil
	}
	return []Deferral{{Field: d.target(field), Value: v}}
}

func (d *DeferredMapper) Check(_ context.Context, src, dst *record.Record, field string) bool {
	v, ok := d.value(src, field)
	if !ok {
		return true
	}
	return record.Equal(v, dst.Get(d.target(field)))
}

func (d *DeferredMapper) Targets(field string) []string { return []string{d.target(field)} }
