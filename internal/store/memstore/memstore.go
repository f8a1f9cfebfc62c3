// Package memstore is an in-memory implementation of both sides of the store
// contract. Transactions work on a copy of the committed tables.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

type table struct {
	pk   string
	rows []*record.Record
	next int64
}

func (t *table) clone() *table {
	c := &table{pk: t.pk, next: t.next, rows: make([]*record.Record, len(t.rows))}
	for i, r := range t.rows {
		c.rows[i] = r.Clone()
	}
	return c
}

func (t *table) find(key any) int {
	for i, r := range t.rows {
		if record.Equal(r.Get(t.pk), key) {
			return i
		}
	}
	return -1
}

type tables map[string]*table

func (ts tables) get(t store.Table) *table {
	tb, ok := ts[t.Name]
	if !ok {
		tb = &table{pk: t.PrimaryKey, next: 1}
		ts[t.Name] = tb
	}
	return tb
}

func (ts tables) clone() tables {
	c := make(tables, len(ts))
	for k, v := range ts {
		c[k] = v.clone()
	}
	return c
}

func (ts tables) enumerate(t store.Table, where record.Criteria) []*record.Record {
	tb, ok := ts[t.Name]
	if !ok {
		return nil
	}
	var out []*record.Record
	for _, r := range tb.rows {
		if where.Match(r) {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Store holds committed tables. The zero value is not usable; call New.
type Store struct {
	// Now is the clock used for auto timestamp columns.
	Now func() time.Time

	mu     sync.Mutex
	tables tables
}

func New() *Store {
	return &Store{Now: time.Now, tables: tables{}}
}

var _ store.Source = (*Store)(nil)
var _ store.Database = (*Store)(nil)

// Insert stores a row as is, without auto timestamps, assigning the next
// sequence value when the key is missing. It is meant for seeding.
func (s *Store) Insert(t store.Table, fields map[string]any) *record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb := s.tables.get(t)
	r := record.FromMap(t.Name, t.PrimaryKey, fields)
	if t.PrimaryKey != "" && r.Key() == nil {
		r.Set(t.PrimaryKey, tb.next)
		tb.next++
	}
	r.MarkPersisted()
	tb.rows = append(tb.rows, r)
	return r.Clone()
}

// Rows returns a copy of the committed rows of t.
func (s *Store) Rows(t store.Table) []*record.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.enumerate(t, nil)
}

// Sequence returns the next value the key sequence of t will hand out.
func (s *Store) Sequence(t store.Table) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.get(t).next
}

func (s *Store) Enumerate(_ context.Context, t store.Table, where record.Criteria) ([]*record.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables.enumerate(t, where), nil
}

func (s *Store) Get(ctx context.Context, t store.Table, where record.Criteria) (*record.Record, error) {
	recs, err := s.Enumerate(ctx, t, where)
	if err != nil {
		return nil, err
	}
	return store.GetOne(recs)
}

// Columns returns the union of field names over the rows of t.
func (s *Store) Columns(_ context.Context, t store.Table) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb, ok := s.tables[t.Name]
	if !ok {
		return nil, nil
	}
	seen := map[string]bool{}
	var cols []string
	for _, r := range tb.rows {
		for _, n := range r.Names() {
			if !seen[n] {
				seen[n] = true
				cols = append(cols, n)
			}
		}
	}
	return cols, nil
}

func (s *Store) Begin(_ context.Context) (store.Tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &tx{s: s, tables: s.tables.clone()}, nil
}

func (s *Store) ResetSequence(_ context.Context, t store.Table) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tb := s.tables.get(t)
	var max int64
	for _, r := range tb.rows {
		if k, ok := r.Key().(int64); ok && k > max {
			max = k
		}
	}
	tb.next = max + 1
	return tb.next, nil
}

// Exec is not supported: the store has no SQL engine.
func (s *Store) Exec(context.Context, string) error {
	return errors.New("memstore: SQL statements are not supported")
}

func (s *Store) Close() error { return nil }

type tx struct {
	s      *Store
	tables tables
	done   bool
}

var errTxDone = errors.New("memstore: transaction already finished")

func (x *tx) Enumerate(_ context.Context, t store.Table, where record.Criteria) ([]*record.Record, error) {
	if x.done {
		return nil, errTxDone
	}
	return x.tables.enumerate(t, where), nil
}

func (x *tx) Get(ctx context.Context, t store.Table, where record.Criteria) (*record.Record, error) {
	recs, err := x.Enumerate(ctx, t, where)
	if err != nil {
		return nil, err
	}
	return store.GetOne(recs)
}

func (x *tx) Save(_ context.Context, t store.Table, r *record.Record) error {
	if x.done {
		return errTxDone
	}
	tb := x.tables.get(t)
	now := x.s.Now().UTC()
	for _, c := range t.AutoNow {
		r.Set(c, now)
	}

	if r.Persisted() {
		i := tb.find(r.Key())
		if i < 0 {
			return fmt.Errorf("update %s: %w", r.Describe(), store.ErrNotFound)
		}
		tb.rows[i] = r.Clone()
		return nil
	}

	for _, c := range t.AutoNowAdd {
		r.Set(c, now)
	}
	if t.PrimaryKey != "" {
		if r.Key() == nil {
			r.Set(t.PrimaryKey, tb.next)
			tb.next++
		} else if tb.find(r.Key()) >= 0 {
			return fmt.Errorf("insert %s: duplicate key", r.Describe())
		}
	}
	r.MarkPersisted()
	tb.rows = append(tb.rows, r.Clone())
	return nil
}

func (x *tx) UpdateColumns(_ context.Context, t store.Table, key any, values map[string]any) error {
	if x.done {
		return errTxDone
	}
	if t.PrimaryKey == "" {
		return fmt.Errorf("update %s: table has no primary key", t.Name)
	}
	tb := x.tables.get(t)
	i := tb.find(key)
	if i < 0 {
		return fmt.Errorf("update %s#%v: %w", t.Name, key, store.ErrNotFound)
	}
	for k, v := range values {
		tb.rows[i].Set(k, v)
	}
	return nil
}

func (x *tx) Commit(context.Context) error {
	if x.done {
		return errTxDone
	}
	x.done = true
	x.s.mu.Lock()
	defer x.s.mu.Unlock()
	x.s.tables = x.tables
	return nil
}

func (x *tx) Rollback(context.Context) error {
	if x.done {
		return errTxDone
	}
	x.done = true
	return nil
}
