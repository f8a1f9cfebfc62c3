package sqlsource

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-sql/civil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Limetric/recordferry/internal/record"
	"github.com/Limetric/recordferry/internal/store"
)

var members = store.Table{Name: "members", PrimaryKey: "id"}

func legacySQLite(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "legacy.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()

	stmts := []string{
		`CREATE TABLE members (
			id INTEGER PRIMARY KEY,
			email VARCHAR(75),
			joined DATETIME,
			born DATE,
			balance DECIMAL(10,2),
			avatar BLOB,
			city VARCHAR(30)
		)`,
		`INSERT INTO members VALUES (2, 'b@example.com', '2012-10-28 02:30:00', '1980-02-03', 12.5, x'0102', NULL)`,
		`INSERT INTO members VALUES (1, 'a@example.com', '2011-01-05 10:00:00', NULL, 0, NULL, 'Amsterdam')`,
	}
	for _, s := range stmts {
		_, err := db.Exec(s)
		require.NoError(t, err, s)
	}
	return path
}

func openLegacy(t *testing.T) *DB {
	t.Helper()
	src, err := Open(context.Background(), "sqlite", legacySQLite(t))
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func TestEnumerateNormalizesValues(t *testing.T) {
	src := openLegacy(t)
	recs, err := src.Enumerate(context.Background(), members, nil)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, int64(1), recs[0].Key(), "ordered by primary key")
	r := recs[1]
	assert.True(t, r.Persisted())
	assert.Equal(t, "b@example.com", r.Get("email"))
	assert.Equal(t, civil.DateTime{
		Date: civil.Date{Year: 2012, Month: time.October, Day: 28},
		Time: civil.Time{Hour: 2, Minute: 30},
	}, r.Get("joined"))
	assert.Equal(t, civil.Date{Year: 1980, Month: time.February, Day: 3}, r.Get("born"))
	assert.True(t, decimal.RequireFromString("12.50").Equal(r.Get("balance").(decimal.Decimal)))
	assert.Equal(t, []byte{1, 2}, r.Get("avatar"))
	assert.Nil(t, r.Get("city"))
	assert.Equal(t, []string{"id", "email", "joined", "born", "balance", "avatar", "city"}, r.Names())
}

func TestGet(t *testing.T) {
	src := openLegacy(t)
	ctx := context.Background()

	r, err := src.Get(ctx, members, record.Criteria{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Key())

	r, err = src.Get(ctx, members, record.Criteria{"city": nil})
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Key())

	_, err = src.Get(ctx, members, record.Criteria{"id": 99})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = src.Get(ctx, members, nil)
	assert.ErrorIs(t, err, store.ErrMultipleRecords)
}

func TestColumns(t *testing.T) {
	src := openLegacy(t)
	cols, err := src.Columns(context.Background(), members)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "email", "joined", "born", "balance", "avatar", "city"}, cols)
}

func TestOpenRejects(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "x")
	assert.ErrorContains(t, err, "unsupported source type")

	_, err = Open(context.Background(), "sqlite", ":memory:")
	assert.ErrorContains(t, err, "in-memory")
}

func TestSQLiteReadOnlyURI(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"legacy.db", "file:legacy.db?mode=ro"},
		{"file:legacy.db?cache=shared", "file:legacy.db?cache=shared&mode=ro"},
		{"file:legacy.db?mode=rw", "file:legacy.db?mode=ro"},
	}
	for _, tt := range tests {
		got, err := sqliteReadOnlyURI(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestMySQLDSNWithReadOptions(t *testing.T) {
	dsn, err := mysqlDSNWithReadOptions("root:pw@tcp(127.0.0.1:3306)/legacy")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "interpolateParams=true")

	name, err := mysqlDialect{}.DatabaseName("root:pw@tcp(127.0.0.1:3306)/legacy")
	require.NoError(t, err)
	assert.Equal(t, "legacy", name)

	_, err = mysqlDialect{}.DatabaseName("root:pw@tcp(127.0.0.1:3306)/")
	assert.Error(t, err)
}

func TestSQLiteDatabaseName(t *testing.T) {
	for in, want := range map[string]string{
		"/data/legacy.db":           "legacy",
		"file:/data/legacy.sqlite3": "legacy",
		"legacy":                    "legacy",
	} {
		got, err := sqliteDialect{}.DatabaseName(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
}

func TestSelectQuery(t *testing.T) {
	my := &DB{dialect: mysqlDialect{}}
	q, args := my.selectQuery(members, record.Criteria{"email": "a", "city": nil})
	assert.Equal(t, "SELECT * FROM `members` WHERE `city` IS NULL AND `email` = ? ORDER BY `id`", q)
	assert.Equal(t, []any{"a"}, args)

	lite := &DB{dialect: sqliteDialect{}}
	q, _ = lite.selectQuery(store.Table{Name: "tags"}, nil)
	assert.Equal(t, `SELECT * FROM "tags"`, q)
}

func TestNormalize(t *testing.T) {
	zero := time.Time{}
	tests := []struct {
		name string
		v    any
		typ  string
		want any
	}{
		{"zero datetime", zero, "DATETIME", nil},
		{"zero date text", []byte("0000-00-00"), "DATE", nil},
		{"text strips nul", []byte("a\x00b"), "VARCHAR", "ab"},
		{"timestamp is utc", time.Date(2020, 1, 1, 12, 0, 0, 0, time.FixedZone("x", 3600)), "TIMESTAMP",
			time.Date(2020, 1, 1, 11, 0, 0, 0, time.UTC)},
		{"integer", int64(7), "INT", int64(7)},
		{"blob kept", []byte{0}, "LONGBLOB", []byte{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := normalize(tt.v, tt.typ)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "INT", baseType("unsigned int"))
	assert.Equal(t, "VARCHAR", baseType("varchar(30)"))
}
