// Package sqlsource reads legacy records from MySQL or SQLite.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// DB is a read-only legacy database.
type DB struct {
	db      *sql.DB
	dialect dialect
	name    string
}

var _ store.Source = (*DB)(nil)

// Open connects to a legacy database. kind is mysql or sqlite.
func Open(ctx context.Context, kind, dsn string) (*DB, error) {
	d, err := newDialect(kind)
	if err != nil {
		return nil, err
	}
	name, err := d.DatabaseName(dsn)
	if err != nil {
		return nil, err
	}
	db, err := d.OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.Name(), err)
	}
	return &DB{db: db, dialect: d, name: name}, nil
}

// Describe names the engine and database, for logging.
func (s *DB) Describe() string {
	return fmt.Sprintf("%s database %s", s.dialect.Name(), s.name)
}

func (s *DB) Close() error { return s.db.Close() }

func (s *DB) Enumerate(ctx context.Context, t store.Table, where record.Criteria) ([]*record.Record, error) {
	q, args := s.selectQuery(t, where)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows, t)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", t.Name, err)
	}
	return recs, nil
}

func (s *DB) Get(ctx context.Context, t store.Table, where record.Criteria) (*record.Record, error) {
	recs, err := s.Enumerate(ctx, t, where)
	if err != nil {
		return nil, err
	}
	return store.GetOne(recs)
}

func (s *DB) Columns(ctx context.Context, t store.Table) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT * FROM "+s.dialect.QuoteIdentifier(t.Name)+" WHERE 1=0")
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()
	return rows.Columns()
}

func (s *DB) selectQuery(t store.Table, where record.Criteria) (string, []any) {
	q := s.dialect.QuoteIdentifier
	var b strings.Builder
	b.WriteString("SELECT * FROM ")
	b.WriteString(q(t.Name))

	var args []any
	for i, c := range where.Columns() {
		if i == 0 {
			b.WriteString(" WHERE ")
		} else {
			b.WriteString(" AND ")
		}
		v := where[c]
		if v == nil {
			b.WriteString(q(c) + " IS NULL")
			continue
		}
		b.WriteString(q(c) + " = ?")
		args = append(args, queryArg(v))
	}
	if t.PrimaryKey != "" {
		b.WriteString(" ORDER BY " + q(t.PrimaryKey))
	}
	return b.String(), args
}

func queryArg(v any) any {
	switch x := v.(type) {
	case *record.Record:
		return queryArg(x.Key())
	case civil.DateTime:
		return x.Date.String() + " " + x.Time.String()
	case civil.Date:
		return x.String()
	case decimal.Decimal:
		return x.String()
	}
	return v
}

func scanRecords(rows *sql.Rows, t store.Table) ([]*record.Record, error) {
	cts, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	types := make([]string, len(cts))
	for i, ct := range cts {
		types[i] = baseType(ct.DatabaseTypeName())
	}

	var out []*record.Record
	for rows.Next() {
		vals := make([]any, len(cts))
		ptrs := make([]any, len(cts))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := t.New()
		for i, ct := range cts {
			v, err := normalize(vals[i], types[i])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", ct.Name(), err)
			}
			r.Set(ct.Name(), v)
		}
		r.MarkPersisted()
		out = append(out, r)
	}
	return out, rows.Err()
}

// baseType strips length, precision and sign from a declared type:
// "UNSIGNED INT" and "varchar(30)" become "INT" and "VARCHAR".
func baseType(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(s, '('); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimPrefix(s, "UNSIGNED ")
	return strings.TrimSpace(s)
}

var naiveLayouts = []string{
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	time.RFC3339Nano,
	"2006-01-02",
}

func parseNaive(s string) (civil.DateTime, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return civil.DateTime{}, false, nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return civil.DateTimeOf(t), true, nil
		}
	}
	return civil.DateTime{}, false, fmt.Errorf("cannot parse timestamp %q", s)
}

func asText(v any) (string, bool) {
	switch x := v.(type) {
	case []byte:
		return string(x), true
	case string:
		return x, true
	}
	return "", false
}

// normalize converts a scanned value into the record representation:
// DATETIME is a naive civil.DateTime, DATE a civil.Date, TIMESTAMP a UTC
// time.Time, DECIMAL a decimal.Decimal and text a string without NUL bytes.
// Zero dates become nil.
func normalize(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case "DATETIME":
		switch x := v.(type) {
		case time.Time:
			if x.IsZero() {
				return nil, nil
			}
			return civil.DateTimeOf(x), nil
		}
		if s, ok := asText(v); ok {
			dt, ok, err := parseNaive(s)
			if err != nil || !ok {
				return nil, err
			}
			return dt, nil
		}
	case "DATE":
		switch x := v.(type) {
		case time.Time:
			if x.IsZero() {
				return nil, nil
			}
			return civil.DateOf(x), nil
		}
		if s, ok := asText(v); ok {
			dt, ok, err := parseNaive(s)
			if err != nil || !ok {
				return nil, err
			}
			return dt.Date, nil
		}
	case "TIMESTAMP":
		switch x := v.(type) {
		case time.Time:
			if x.IsZero() {
				return nil, nil
			}
			return x.UTC(), nil
		}
		if s, ok := asText(v); ok {
			dt, ok, err := parseNaive(s)
			if err != nil || !ok {
				return nil, err
			}
			return dt.In(time.UTC), nil
		}
	case "DECIMAL", "NUMERIC":
		switch x := v.(type) {
		case float64:
			return decimal.NewFromFloat(x), nil
		case int64:
			return decimal.NewFromInt(x), nil
		}
		if s, ok := asText(v); ok {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", s, err)
			}
			return d, nil
		}
	case "BLOB", "TINYBLOB", "MEDIUMBLOB", "LONGBLOB", "BINARY", "VARBINARY", "BIT", "GEOMETRY":
		return v, nil
	}
	if s, ok := asText(v); ok {
		return strings.ReplaceAll(s, "\x00", ""), nil
	}
	return v, nil
}
