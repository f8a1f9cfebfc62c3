//go:build integration

package pgstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

func TestIntegration_SaveAndReset(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN env var required")
	}
	ctx := context.Background()

	db, err := Open(ctx, dsn, "pgstore_inttest")
	require.NoError(t, err)
	defer db.Close()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db.Now = func() time.Time { return fixed }

	require.NoError(t, db.Exec(ctx, `
		DROP SCHEMA IF EXISTS pgstore_inttest CASCADE;
		CREATE SCHEMA pgstore_inttest;
		CREATE TABLE pgstore_inttest.members (
			id serial PRIMARY KEY,
			email text NOT NULL,
			created timestamp,
			updated timestamp,
			balance numeric(10,2)
		);`))
	defer db.Exec(ctx, "DROP SCHEMA IF EXISTS pgstore_inttest CASCADE")

	members := store.Table{Name: "members", PrimaryKey: "id", AutoNow: []string{"updated"}, AutoNowAdd: []string{"created"}}

	tx, err := db.Begin(ctx)
	require.NoError(t, err)
	r := members.New()
	r.Set("id", int64(7))
	r.Set("email", "a@example.com")
	require.NoError(t, tx.Save(ctx, members, r))
	assert.True(t, r.Persisted())

	old := civil.DateTime{Date: civil.Date{Year: 2010, Month: 1, Day: 2}, Time: civil.Time{Hour: 3}}
	require.NoError(t, tx.UpdateColumns(ctx, members, int64(7), map[string]any{"updated": old}))
	require.NoError(t, tx.Commit(ctx))

	got, err := db.Get(ctx, members, record.Criteria{"email": "a@example.com"})
	require.NoError(t, err)
	assert.True(t, record.Equal(int64(7), got.Key()))
	assert.Equal(t, old, got.Get("updated"))
	assert.Equal(t, civil.DateTimeOf(fixed), got.Get("created"))

	next, err := db.ResetSequence(ctx, members)
	require.NoError(t, err)
	assert.Equal(t, int64(8), next)

	tx, err = db.Begin(ctx)
	require.NoError(t, err)
	n := members.New()
	n.Set("email", "b@example.com")
	require.NoError(t, tx.Save(ctx, members, n))
	assert.True(t, record.Equal(int64(8), n.Key()))
	require.NoError(t, tx.Rollback(ctx))

	_, err = db.Get(ctx, members, record.Criteria{"email": "b@example.com"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIntegration_DryRunRollsBack(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN env var required")
	}
	ctx := context.Background()

	setup, err := Open(ctx, dsn, "")
	require.NoError(t, err)
	defer setup.Close()
	require.NoError(t, setup.Exec(ctx, `
		DROP SCHEMA IF EXISTS pgstore_dryrun CASCADE;
		CREATE SCHEMA pgstore_dryrun;
		CREATE TABLE pgstore_dryrun.tags (id serial PRIMARY KEY, name text NOT NULL);`))
	defer setup.Exec(ctx, "DROP SCHEMA IF EXISTS pgstore_dryrun CASCADE")

	tags := store.Table{Name: "tags", PrimaryKey: "id"}
	db, err := Open(ctx, dsn, "pgstore_dryrun")
	require.NoError(t, err)
	dry, err := db.DryRun(ctx)
	require.NoError(t, err)

	tx, err := dry.Begin(ctx)
	require.NoError(t, err)
	r := tags.New()
	r.Set("id", int64(3))
	r.Set("name", "water")
	require.NoError(t, tx.Save(ctx, tags, r))
	require.NoError(t, tx.Commit(ctx))

	_, err = dry.Get(ctx, tags, record.Criteria{"name": "water"})
	require.NoError(t, err, "released savepoints stay visible inside the dry run")
	next, err := dry.ResetSequence(ctx, tags)
	require.NoError(t, err)
	assert.Equal(t, int64(4), next)
	require.NoError(t, dry.Close())

	check, err := Open(ctx, dsn, "pgstore_dryrun")
	require.NoError(t, err)
	defer check.Close()
	rows, err := check.Enumerate(ctx, tags, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}
