package record

import (
	"bytes"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
)

// Criteria selects records by field equality, as judged by Equal. A nil value
// matches a nil or absent field.
type Criteria map[string]any

// Match reports whether every criterion holds for r.
func (c Criteria) Match(r *Record) bool {
	for k, want := range c {
		if !Equal(r.Get(k), want) {
			return false
		}
	}
	return true
}

// Columns returns the criteria columns in sorted order.
func (c Criteria) Columns() []string {
	cols := make([]string, 0, len(c))
	for k := range c {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

// Merge returns a new Criteria holding c overlaid with other.
func (c Criteria) Merge(other Criteria) Criteria {
	out := make(Criteria, len(c)+len(other))
	for k, v := range c {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

func (c Criteria) String() string {
	parts := make([]string, 0, len(c))
	for _, k := range c.Columns() {
		parts = append(parts, fmt.Sprintf("%s=%v", k, c[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// Equaler lets value types define their own comparison against stored values.
type Equaler interface {
	EqualValue(other any) bool
}

// Equal compares two field values the way a database round trip would see
// them: integers of any width are equal, decimals compare numerically, a
// naive timestamp equals a time.Time with the same wall clock, and related
// records compare by table and key.
func Equal(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if e, ok := a.(Equaler); ok {
		return e.EqualValue(b)
	}
	if e, ok := b.(Equaler); ok {
		return e.EqualValue(a)
	}

	switch x := a.(type) {
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		case decimal.Decimal:
			return y.Equal(decimal.NewFromInt(x))
		}
		return false
	case float64:
		switch y := b.(type) {
		case int64:
			return x == float64(y)
		case float64:
			return x == y
		case decimal.Decimal:
			return y.Equal(decimal.NewFromFloat(x))
		}
		return false
	case decimal.Decimal:
		switch y := b.(type) {
		case decimal.Decimal:
			return x.Equal(y)
		case int64, float64:
			return Equal(y, x)
		case string:
			d, err := decimal.NewFromString(y)
			return err == nil && x.Equal(d)
		}
		return false
	case string:
		switch y := b.(type) {
		case string:
			return x == y
		case decimal.Decimal:
			return Equal(y, x)
		}
		return false
	case time.Time:
		switch y := b.(type) {
		case time.Time:
			return x.Equal(y)
		case civil.DateTime:
			return civil.DateTimeOf(x) == y
		case civil.Date:
			return civil.DateOf(x) == y
		}
		return false
	case civil.DateTime:
		switch y := b.(type) {
		case civil.DateTime:
			return x == y
		case time.Time:
			return civil.DateTimeOf(y) == x
		}
		return false
	case civil.Date:
		switch y := b.(type) {
		case civil.Date:
			return x == y
		case time.Time:
			return civil.DateOf(y) == x
		}
		return false
	case *Record:
		if y, ok := b.(*Record); ok {
			return x.Table == y.Table && Equal(x.Key(), y.Key())
		}
		return Equal(x.Key(), b)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	}
	if _, ok := b.(*Record); ok {
		return Equal(b, a)
	}
	return reflect.DeepEqual(a, b)
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case float32:
		return float64(x)
	case *Record:
		if x == nil {
			return nil
		}
	}
	return v
}

// IndexKey renders a value into a string such that values judged equal by
// Equal render the same. Distinct values may share a key: numeric strings
// key as the number they parse to, and all timestamps and dates share one
// key, since Equal compares time.Time by instant but civil values by wall
// clock. Callers confirm candidates with Equal.
func IndexKey(v any) string {
	switch x := normalize(v).(type) {
	case nil:
		return "n"
	case int64:
		return fmt.Sprintf("i:%d", x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			return fmt.Sprintf("i:%d", int64(x))
		}
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Sprintf("f:%g", x)
		}
		return IndexKey(decimal.NewFromFloat(x))
	case decimal.Decimal:
		if x.IsInteger() {
			return "i:" + x.String()
		}
		return "d:" + x.String()
	case string:
		if d, err := decimal.NewFromString(x); err == nil {
			return IndexKey(d)
		}
		return "s:" + x
	case []byte:
		return "b:" + string(x)
	case time.Time, civil.DateTime, civil.Date:
		return "t"
	case *Record:
		return IndexKey(x.Key())
	default:
		return fmt.Sprintf("%T:%v", x, x)
	}
}

// Indexable reports whether IndexKey can stand in for Equal on v. Values
// with their own Equaler may equal values that key differently.
func Indexable(v any) bool {
	_, custom := normalize(v).(Equaler)
	return !custom
}
