package mapping

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Limetric/recordferry/internal/record"
)

// Value maps one source field to one destination field through a pure
// conversion. An empty target keeps the source field name.
type Value struct {
	kind    string
	to      string
	convert func(any) (any, error)
	report  bool
}

func newValue(kind, to string, convert func(any) (any, error)) *Value {
	return &Value{kind: kind, to: to, convert: convert}
}

// Report makes Map log a warning whenever the mapped value differs from the
// source value.
func (m *Value) Report() *Value {
	m.report = true
	return m
}

func (m *Value) String() string { return m.kind }

// Convert applies the conversion to a bare value.
func (m *Value) Convert(v any) (any, error) { return m.convert(v) }

func (m *Value) target(field string) string {
	if m.to != "" {
		return m.to
	}
	return field
}

func (m *Value) Targets(field string) []string { return []string{m.target(field)} }

func (m *Value) Map(_ context.Context, src *record.Record, field string) (Values, error) {
	old := src.Get(field)
	v, err := m.convert(old)
	if err != nil {
		return nil, err
	}
	if m.report && !record.Equal(old, v) {
		zap.L().Warn("field value changed by mapping",
			zap.String("record", src.Describe()),
			zap.String("field", field),
			zap.Any("old", old),
			zap.Any("new", v),
			zap.String("mapper", m.kind))
	}
	return Values{m.target(field): v}, nil
}

func (m *Value) Check(_ context.Context, src, dst *record.Record, field string) bool {
	v, err := m.convert(src.Get(field))
	if err != nil {
		return false
	}
	return record.Equal(v, dst.Get(m.target(field)))
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

// Identity copies the value.
func Identity(to string) *Value {
	return newValue("identity", to, func(v any) (any, error) { return v, nil })
}

// String copies the value as a string, turning nil into "".
func String(to string) *Value {
	return newValue("string", to, func(v any) (any, error) { return text(v), nil })
}

// Crop is String followed by truncation to at most n characters.
func Crop(n int, to string) *Value {
	return newValue(fmt.Sprintf("crop(%d)", n), to, func(v any) (any, error) {
		return cropRunes(text(v), n), nil
	})
}

func cropRunes(s string, n int) string {
	if n < 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Substitute formats the value into template, which holds a single %s verb.
func Substitute(template, to string) *Value {
	return newValue("substitution", to, func(v any) (any, error) {
		return fmt.Sprintf(template, text(v)), nil
	})
}

// Localize interprets naive timestamps in loc. Zoned timestamps and nil pass
// through unchanged, so the conversion is idempotent.
func Localize(loc *time.Location, to string) *Value {
	return newValue("localize("+loc.String()+")", to, func(v any) (any, error) {
		out, ambiguous := localize(v, loc)
		if ambiguous {
			zap.L().Warn("ambiguous or nonexistent local time, assuming DST",
				zap.Any("value", v), zap.String("zone", loc.String()))
		}
		return out, nil
	})
}

// DateTruncate drops the time of day.
func DateTruncate(to string) *Value {
	return newValue("date", to, func(v any) (any, error) {
		switch x := v.(type) {
		case nil:
			return nil, nil
		case civil.DateTime:
			return x.Date, nil
		case civil.Date:
			return x, nil
		case time.Time:
			return civil.DateOf(x), nil
		}
		return nil, fmt.Errorf("cannot truncate %T to a date", v)
	})
}

// Decimal parses strings and numbers into decimals. Empty strings and nil
// map to nil; a decimal comma is accepted.
func Decimal(to string) *Value {
	return newValue("decimal", to, func(v any) (any, error) {
		switch x := v.(type) {
		case nil:
			return nil, nil
		case decimal.Decimal:
			return x, nil
		case int64:
			return decimal.NewFromInt(x), nil
		case int:
			return decimal.NewFromInt(int64(x)), nil
		case float64:
			return decimal.NewFromFloat(x), nil
		}
		s := strings.TrimSpace(text(v))
		if s == "" {
			return nil, nil
		}
		d, err := decimal.NewFromString(strings.Replace(s, ",", ".", 1))
		if err != nil {
			return nil, fmt.Errorf("parse decimal %q: %w", s, err)
		}
		return d, nil
	})
}

// Website cleans up legacy URLs: scheme-relative and bare "www." addresses
// get an http scheme and only the first of several URLs is kept.
func Website(to string) *Value {
	return newValue("website", to, func(v any) (any, error) {
		old := text(v)
		u := cleanURL(old)
		if v != nil && u != old && !strings.HasSuffix(old, " ") {
			zap.L().Debug("cleaned up URL", zap.String("old", old), zap.String("new", u))
		}
		return u, nil
	})
}

func cleanURL(u string) string {
	switch {
	case strings.HasPrefix(u, "//"):
		u = "http:" + u
	case strings.HasPrefix(u, "/"):
		u = "http:/" + u
	}
	if strings.HasPrefix(u, "www.") {
		u = "http://" + u
	}
	if i := strings.IndexAny(u, " ,;'"); i >= 0 {
		u = u[:i]
	}
	return u
}

// LookupMapper maps values through a fixed table.
type LookupMapper struct {
	*Value
	entries map[string][]lookupEntry
	def     any
	hasDef  bool
}

type lookupEntry struct{ key, value any }

// Lookup maps values through entries. Keys match by value, so int and int64
// keys are interchangeable. A value without entry is an error unless Default
// is set.
func Lookup(entries map[any]any, to string) *LookupMapper {
	l := &LookupMapper{entries: make(map[string][]lookupEntry, len(entries))}
	for k, v := range entries {
		ik := record.IndexKey(k)
		l.entries[ik] = append(l.entries[ik], lookupEntry{k, v})
	}
	l.Value = newValue("lookup", to, l.lookup)
	return l
}

// Default sets the value used for keys missing from the table.
func (l *LookupMapper) Default(v any) *LookupMapper {
	l.def = v
	l.hasDef = true
	return l
}

func (l *LookupMapper) lookup(v any) (any, error) {
	for _, e := range l.entries[record.IndexKey(v)] {
		if record.Equal(e.key, v) {
			return e.value, nil
		}
	}
	if l.hasDef {
		return l.def, nil
	}
	return nil, fmt.Errorf("%w for %v", ErrNoLookupValue, v)
}
