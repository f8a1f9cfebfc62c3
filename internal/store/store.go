// Package store defines the record access contract shared by the legacy
// source readers and the destination writers.
package store

import (
	"context"
	"errors"

	"github.com/Limetric/recordferry/internal/record"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrMultipleRecords = errors.New("multiple records match")
)

// Table describes a table as the engine sees it.
type Table struct {
	Name string
	// PrimaryKey is the single key column, empty when the table has none.
	PrimaryKey string
	// AutoNow columns are set to the current time on every Save.
	AutoNow []string
	// AutoNowAdd columns are set to the current time when Save inserts.
	AutoNowAdd []string
}

// New returns an empty record for the table.
func (t Table) New() *record.Record {
	return record.New(t.Name, t.PrimaryKey)
}

// Reader enumerates and fetches records.
type Reader interface {
	// Enumerate returns all records matching where, in a stable order (key
	// order for SQL stores). A nil where matches everything.
	Enumerate(ctx context.Context, t Table, where record.Criteria) ([]*record.Record, error)
	// Get returns the single record matching where. It returns ErrNotFound or
	// ErrMultipleRecords otherwise.
	Get(ctx context.Context, t Table, where record.Criteria) (*record.Record, error)
}

// Source is a legacy database.
type Source interface {
	Reader
	// Columns lists the table's columns in declaration order.
	Columns(ctx context.Context, t Table) ([]string, error)
	Close() error
}

// Writer persists records.
type Writer interface {
	Reader
	// Save inserts a record that is not yet persisted, or updates it by
	// primary key. Auto timestamp columns are filled in, and a key assigned by
	// the database is written back onto r.
	Save(ctx context.Context, t Table, r *record.Record) error
	// UpdateColumns writes values to the row with the given key, bypassing
	// auto timestamp handling.
	UpdateColumns(ctx context.Context, t Table, key any, values map[string]any) error
}

// Tx is a destination transaction.
type Tx interface {
	Writer
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Database is a destination database.
type Database interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
	// ResetSequence moves the key sequence of t past the current maximum key
	// and returns the next value it will hand out.
	ResetSequence(ctx context.Context, t Table) (int64, error)
	// Exec runs a single SQL statement outside any migration transaction.
	Exec(ctx context.Context, sql string) error
	Close() error
}

// GetOne resolves an Enumerate result into Get semantics.
func GetOne(recs []*record.Record) (*record.Record, error) {
	switch len(recs) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return recs[0], nil
	default:
		return nil, ErrMultipleRecords
	}
}

type readerKey struct{}

// WithReader returns a context carrying r, so that lookups made while a
// record is mapped see the migration transaction.
func WithReader(ctx context.Context, r Reader) context.Context {
	return context.WithValue(ctx, readerKey{}, r)
}

// ReaderFrom returns the reader stored by WithReader, or fallback.
func ReaderFrom(ctx context.Context, fallback Reader) Reader {
	if r, ok := ctx.Value(readerKey{}).(Reader); ok && r != nil {
		return r
	}
	return fallback
}
