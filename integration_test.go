//go:build integration

package main

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	_ "modernc.org/sqlite"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
	"github.com/Limetric/recordferry/internal/store/pgstore"
)

const legacySchema = `
CREATE TABLE members (
	id INTEGER PRIMARY KEY,
	email TEXT,
	username TEXT,
	password TEXT,
	created DATETIME,
	updated DATETIME,
	deleted DATETIME,
	admin INTEGER,
	activated INTEGER
);
CREATE TABLE profiles (
	id INTEGER PRIMARY KEY,
	member_id INTEGER,
	firstname TEXT,
	lastname TEXT
);
INSERT INTO members VALUES
	(1, 'alice@example.org', 'alice', 'sha1$abc', '2009-03-01 10:00:00', '2012-06-30 23:15:00', NULL, 2, 1),
	(2, 'bob@example.org', 'bob', 'sha1$def', '2010-01-05 08:30:00', NULL, '2011-01-01 00:00:00', 0, 1),
	(3, '', 'guest', '', '2009-01-01 00:00:00', NULL, NULL, 0, 0);
INSERT INTO profiles VALUES (5, 1, 'Alice', 'de Vries');
`

// targetHook creates the destination tables and the groups fixture.
const targetHook = `
DROP SCHEMA IF EXISTS {{schema}} CASCADE;
CREATE SCHEMA {{schema}};
CREATE TABLE {{schema}}.users (
	id serial PRIMARY KEY,
	email varchar(75) NOT NULL DEFAULT '',
	username varchar(30) NOT NULL,
	first_name varchar(30) NOT NULL DEFAULT '',
	last_name varchar(30) NOT NULL DEFAULT '',
	password varchar(128) NOT NULL DEFAULT '',
	date_joined timestamptz,
	last_login timestamptz,
	is_superuser boolean NOT NULL,
	is_staff boolean NOT NULL,
	is_active boolean NOT NULL
);
CREATE TABLE {{schema}}.groups (id serial PRIMARY KEY, name text NOT NULL);
CREATE TABLE {{schema}}.user_groups (user_id integer NOT NULL, group_id integer NOT NULL);
INSERT INTO {{schema}}.groups (name) VALUES ('Assistant');
`

func TestIntegration_Members(t *testing.T) {
	pgDSN := os.Getenv("POSTGRES_DSN")
	if pgDSN == "" {
		t.Skip("POSTGRES_DSN env var required")
	}
	ctx := context.Background()
	dir := t.TempDir()

	legacyPath := filepath.Join(dir, "legacy.db")
	legacy, err := sql.Open("sqlite", legacyPath)
	require.NoError(t, err)
	_, err = legacy.Exec(legacySchema)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "target.sql"), []byte(targetHook), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "media"), 0o755))

	const schema = "recordferry_inttest"
	cfg := &Config{
		EnableExclusions: true,
		ProgressEvery:    50,
		Source:           SourceConfig{Type: "sqlite", DSN: legacyPath},
		Target:           TargetConfig{DSN: pgDSN, Schema: schema},
		Media:            MediaConfig{Root: filepath.Join(dir, "media")},
		Hooks:            HooksConfig{BeforeRun: []string{"target.sql"}},
		configDir:        dir,
		location:         time.UTC,
	}
	log := zaptest.NewLogger(t)

	require.NoError(t, migrateAll(ctx, cfg, []string{"members"}, log))

	db, err := pgstore.Open(ctx, pgDSN, schema)
	require.NoError(t, err)
	defer db.Close()
	t.Cleanup(func() { db.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+schema+" CASCADE") })

	users := store.Table{Name: "users", PrimaryKey: "id"}
	got, err := db.Enumerate(ctx, users, nil)
	require.NoError(t, err)
	require.Len(t, got, 2, "guest is excluded")

	alice := got[0]
	assert.Equal(t, "alice", alice.String("username"))
	assert.Equal(t, "Alice", alice.String("first_name"))
	assert.Equal(t, "legacy$sha1$abc", alice.String("password"))
	assert.Equal(t, false, alice.Get("is_superuser"))
	assert.Equal(t, true, alice.Get("is_staff"))
	assert.True(t, record.Equal(time.Date(2009, 3, 1, 10, 0, 0, 0, time.UTC), alice.Get("date_joined")))

	bob := got[1]
	assert.Equal(t, false, bob.Get("is_active"), "deleted members cannot log in")

	membership, err := db.Enumerate(ctx, store.Table{Name: "user_groups"}, nil)
	require.NoError(t, err)
	require.Len(t, membership, 1)
	assert.True(t, record.Equal(int64(1), membership[0].Get("user_id")))

	// Running again updates in place.
	require.NoError(t, migrateAll(ctx, &Config{
		EnableExclusions: true,
		ProgressEvery:    50,
		Source:           cfg.Source,
		Target:           cfg.Target,
		Media:            cfg.Media,
		configDir:        dir,
		location:         time.UTC,
	}, []string{"members"}, log))
	got, err = db.Enumerate(ctx, users, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	membership, err = db.Enumerate(ctx, store.Table{Name: "user_groups"}, nil)
	require.NoError(t, err)
	assert.Len(t, membership, 1)
}

func TestIntegration_DryRun(t *testing.T) {
	pgDSN := os.Getenv("POSTGRES_DSN")
	if pgDSN == "" {
		t.Skip("POSTGRES_DSN env var required")
	}
	ctx := context.Background()
	dir := t.TempDir()

	legacyPath := filepath.Join(dir, "legacy.db")
	legacy, err := sql.Open("sqlite", legacyPath)
	require.NoError(t, err)
	_, err = legacy.Exec(legacySchema)
	require.NoError(t, err)
	require.NoError(t, legacy.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "target.sql"), []byte(targetHook), 0o644))

	const schema = "recordferry_dryrun"
	dryRun = true
	t.Cleanup(func() { dryRun = false })

	cfg := &Config{
		EnableExclusions: true,
		ProgressEvery:    50,
		Source:           SourceConfig{Type: "sqlite", DSN: legacyPath},
		Target:           TargetConfig{DSN: pgDSN, Schema: schema},
		Media:            MediaConfig{Root: dir},
		Hooks:            HooksConfig{BeforeRun: []string{"target.sql"}},
		configDir:        dir,
		location:         time.UTC,
	}
	require.NoError(t, migrateAll(ctx, cfg, []string{"members"}, zaptest.NewLogger(t)))

	db, err := pgstore.Open(ctx, pgDSN, schema)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Enumerate(ctx, store.Table{Name: "users", PrimaryKey: "id"}, nil)
	assert.Error(t, err, "the dry run rolls back the hook that created the schema")
}
