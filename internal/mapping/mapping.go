// Package mapping declares how the fields of a legacy record turn into the
// fields of a destination record, and how to check that they did.
//
// A Table is an ordered list of entries from a source field name to a Decl.
// Declarations are resolved once, when the table is built, into Mappers. A
// Mapper converts one source field into zero or more destination fields and
// can check a migrated pair of records against that conversion.
package mapping

import (
	"context"
	"errors"
	"time"

	"github.com/golang-sql/civil"

	"github.com/Limetric/recordferry/internal/record"
)

var (
	// ErrNoLookupValue is returned when a lookup table has no entry for a
	// value and no default.
	ErrNoLookupValue = errors.New("no lookup value")
	// ErrMissingFile is returned when a required file cannot be found.
	ErrMissingFile = errors.New("file is missing")
	// ErrRequiredRelation is returned when a required relation does not
	// resolve to a destination record.
	ErrRequiredRelation = errors.New("required relation not found")
)

// Values maps destination field names to values.
type Values map[string]any

// Mapper converts one source field.
type Mapper interface {
	// Map returns the destination values for field of src. Errors abort the
	// migration of the whole entity pair.
	Map(ctx context.Context, src *record.Record, field string) (Values, error)
	// Check reports whether dst holds what Map produces for src, or an
	// accepted variation of it.
	Check(ctx context.Context, src, dst *record.Record, field string) bool
}

// Deferral is a destination column written after the record is saved,
// bypassing automatic timestamps.
type Deferral struct {
	Field string
	Value any
}

// Deferrer is implemented by mappers that write after save.
type Deferrer interface {
	Deferrals(src *record.Record, field string) []Deferral
}

// Targeter is implemented by mappers that know which destination fields
// they write, for diagnostics.
type Targeter interface {
	Targets(field string) []string
}

// localize turns a naive timestamp into one in loc. Wall clocks that occur
// twice around a DST change resolve to the DST reading and report ambiguous.
// Wall clocks that do not exist are moved forward and also reported.
// Values that already carry a zone pass through.
func localize(v any, loc *time.Location) (any, bool) {
	dt, ok := v.(civil.DateTime)
	if !ok || loc == nil {
		return v, false
	}
	t := dt.In(loc)
	if civil.DateTimeOf(t) != dt {
		return t, true
	}
	for _, d := range []time.Duration{-time.Hour, time.Hour} {
		alt := t.Add(d)
		if civil.DateTimeOf(alt) == dt {
			if alt.IsDST() {
				return alt, true
			}
			return t, true
		}
	}
	return t, false
}
