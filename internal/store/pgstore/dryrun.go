package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

// DryRun is a view of the database inside one transaction that is rolled
// back on Close. Migration transactions begun on it are savepoints, so later
// pairs see the records of earlier ones.
type DryRun struct {
	db *DB
	tx pgx.Tx
}

var _ store.Database = (*DryRun)(nil)

// DryRun starts the outer transaction. Closing the DryRun also closes d.
func (d *DB) DryRun(ctx context.Context) (*DryRun, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin dry run: %w", err)
	}
	return &DryRun{db: d, tx: tx}, nil
}

func (r *DryRun) Enumerate(ctx context.Context, t store.Table, where record.Criteria) ([]*record.Record, error) {
	return enumerate(ctx, r.tx, r.db.table(t), t, where)
}

func (r *DryRun) Get(ctx context.Context, t store.Table, where record.Criteria) (*record.Record, error) {
	recs, err := r.Enumerate(ctx, t, where)
	if err != nil {
		return nil, err
	}
	return store.GetOne(recs)
}

func (r *DryRun) Begin(ctx context.Context) (store.Tx, error) {
	sp, err := r.tx.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("savepoint: %w", err)
	}
	return &Tx{tx: sp, db: r.db}, nil
}

// ResetSequence leaves the sequence alone, since setval is not undone by a
// rollback, and reports the value a real run would set.
func (r *DryRun) ResetSequence(ctx context.Context, t store.Table) (int64, error) {
	if t.PrimaryKey == "" {
		return 0, nil
	}
	q := fmt.Sprintf("SELECT COALESCE(MAX(%s), 0) + 1 FROM %s", pgIdent(t.PrimaryKey), r.db.table(t))
	var next int64
	if err := r.tx.QueryRow(ctx, q).Scan(&next); err != nil {
		return 0, fmt.Errorf("%w\nSQL: %s", err, q)
	}
	return next, nil
}

func (r *DryRun) Exec(ctx context.Context, sql string) error {
	_, err := r.tx.Exec(ctx, sql)
	return err
}

// Close rolls everything back and closes the pool.
func (r *DryRun) Close() error {
	err := r.tx.Rollback(context.Background())
	r.db.Close()
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("roll back dry run: %w", err)
	}
	return nil
}
