// Package pgstore is the PostgreSQL destination store.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-sql/civil"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// querier is implemented by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB is a destination database reached through a pgx pool.
type DB struct {
	pool   *pgxpool.Pool
	schema string
	// Now stamps auto timestamp columns.
	Now func() time.Time
}

var _ store.Database = (*DB)(nil)

// Open connects to dsn. Tables are looked up in schema, or on the search
// path when schema is empty.
func Open(ctx context.Context, dsn, schema string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{pool: pool, schema: schema, Now: time.Now}, nil
}

func (d *DB) table(t store.Table) string { return qualified(d.schema, t.Name) }

func (d *DB) Enumerate(ctx context.Context, t store.Table, where record.Criteria) ([]*record.Record, error) {
	return enumerate(ctx, d.pool, d.table(t), t, where)
}

func (d *DB) Get(ctx context.Context, t store.Table, where record.Criteria) (*record.Record, error) {
	recs, err := d.Enumerate(ctx, t, where)
	if err != nil {
		return nil, err
	}
	return store.GetOne(recs)
}

func (d *DB) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &Tx{tx: tx, db: d}, nil
}

// ResetSequence sets the sequence behind the key column of t to one past
// the highest key. Tables without a sequence report 0.
func (d *DB) ResetSequence(ctx context.Context, t store.Table) (int64, error) {
	if t.PrimaryKey == "" {
		return 0, nil
	}
	q := fmt.Sprintf("SELECT setval(pg_get_serial_sequence($1, $2), COALESCE((SELECT MAX(%s) FROM %s), 0) + 1, false)",
		pgIdent(t.PrimaryKey), d.table(t))
	var next *int64
	if err := d.pool.QueryRow(ctx, q, d.table(t), t.PrimaryKey).Scan(&next); err != nil {
		return 0, fmt.Errorf("%w\nSQL: %s", err, q)
	}
	if next == nil {
		return 0, nil
	}
	return *next, nil
}

// Exec runs sql, which may hold several statements when it has no
// arguments.
func (d *DB) Exec(ctx context.Context, sql string) error {
	if _, err := d.pool.Exec(ctx, sql); err != nil {
		return err
	}
	return nil
}

func (d *DB) Close() error {
	d.pool.Close()
	return nil
}

// Tx is a migration transaction.
type Tx struct {
	tx pgx.Tx
	db *DB
}

func (x *Tx) Enumerate(ctx context.Context, t store.Table, where record.Criteria) ([]*record.Record, error) {
	return enumerate(ctx, x.tx, x.db.table(t), t, where)
}

func (x *Tx) Get(ctx context.Context, t store.Table, where record.Criteria) (*record.Record, error) {
	recs, err := x.Enumerate(ctx, t, where)
	if err != nil {
		return nil, err
	}
	return store.GetOne(recs)
}

func (x *Tx) Save(ctx context.Context, t store.Table, r *record.Record) error {
	now := x.db.Now().UTC()
	for _, c := range t.AutoNow {
		r.Set(c, now)
	}
	table := x.db.table(t)

	if r.Persisted() {
		var cols []string
		for _, n := range r.Names() {
			if n != t.PrimaryKey {
				cols = append(cols, n)
			}
		}
		if len(cols) == 0 {
			return nil
		}
		q := updateSQL(table, t.PrimaryKey, cols)
		args := make([]any, 0, len(cols)+1)
		for _, c := range cols {
			args = append(args, encode(r.Get(c)))
		}
		args = append(args, encode(r.Key()))
		tag, err := x.tx.Exec(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("update %s: %w", r.Describe(), err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("update %s: %w", r.Describe(), store.ErrNotFound)
		}
		return nil
	}

	for _, c := range t.AutoNowAdd {
		r.Set(c, now)
	}
	var cols []string
	for _, n := range r.Names() {
		if n == t.PrimaryKey && r.Key() == nil {
			continue
		}
		cols = append(cols, n)
	}
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = encode(r.Get(c))
	}
	q := insertSQL(table, t.PrimaryKey, cols)
	if t.PrimaryKey == "" {
		if _, err := x.tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("insert %s: %w", r.Describe(), err)
		}
	} else {
		var key any
		if err := x.tx.QueryRow(ctx, q, args...).Scan(&key); err != nil {
			return fmt.Errorf("insert %s: %w", r.Describe(), err)
		}
		r.Set(t.PrimaryKey, key)
	}
	r.MarkPersisted()
	return nil
}

func (x *Tx) UpdateColumns(ctx context.Context, t store.Table, key any, values map[string]any) error {
	if t.PrimaryKey == "" {
		return fmt.Errorf("update %s: table has no primary key", t.Name)
	}
	if len(values) == 0 {
		return nil
	}
	cols := sortedKeys(values)
	args := make([]any, 0, len(cols)+1)
	for _, c := range cols {
		args = append(args, encode(values[c]))
	}
	args = append(args, encode(key))
	tag, err := x.tx.Exec(ctx, updateSQL(x.db.table(t), t.PrimaryKey, cols), args...)
	if err != nil {
		return fmt.Errorf("update %s#%v: %w", t.Name, key, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s#%v: %w", t.Name, key, store.ErrNotFound)
	}
	return nil
}

func (x *Tx) Commit(ctx context.Context) error { return x.tx.Commit(ctx) }

func (x *Tx) Rollback(ctx context.Context) error {
	if err := x.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func enumerate(ctx context.Context, q querier, table string, t store.Table, where record.Criteria) ([]*record.Record, error) {
	sql, args := selectSQL(table, t.PrimaryKey, where)
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", t.Name, err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []*record.Record
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", t.Name, err)
		}
		r := t.New()
		for i, f := range fields {
			r.Set(f.Name, decode(vals[i], f.DataTypeOID))
		}
		r.MarkPersisted()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", t.Name, err)
	}
	return out, nil
}

// decode maps pgx values onto the record representation shared with the
// legacy readers.
func decode(v any, oid uint32) any {
	if v == nil {
		return nil
	}
	switch oid {
	case pgtype.TimestampOID:
		if t, ok := v.(time.Time); ok {
			return civil.DateTimeOf(t)
		}
	case pgtype.DateOID:
		if t, ok := v.(time.Time); ok {
			return civil.DateOf(t)
		}
	case pgtype.TimestamptzOID:
		if t, ok := v.(time.Time); ok {
			return t.UTC()
		}
	}
	if n, ok := v.(pgtype.Numeric); ok {
		if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite || n.Int == nil {
			return nil
		}
		return decimal.NewFromBigInt(n.Int, n.Exp)
	}
	return v
}

// encode turns record values into query arguments. Related records are
// written as their key and naive timestamps keep their wall clock.
func encode(v any) any {
	switch x := v.(type) {
	case *record.Record:
		if x == nil {
			return nil
		}
		return encode(x.Key())
	case civil.DateTime:
		return x.In(time.UTC)
	case civil.Date:
		return time.Date(x.Year, x.Month, x.Day, 0, 0, 0, 0, time.UTC)
	case decimal.Decimal:
		return x.String()
	}
	return v
}
