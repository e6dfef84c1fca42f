package deploy

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/tangle/internal/backend"
	"github.com/roach88/tangle/internal/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	reg, err := schema.New(schema.Spec{Classes: []schema.ClassSpec{
		{Name: "Person", Fields: []schema.FieldSpec{
			{Name: "name", Type: "string"},
			{Name: "partner", Type: "ref", Class: "Person"},
			{Name: "friends", Type: "set", Class: "Person"},
			{Name: "nicknames", Type: "flat_array", Elem: "string"},
		}},
		{Name: "Animal", Abstract: true, Fields: []schema.FieldSpec{
			{Name: "name", Type: "string"},
		}},
		{Name: "Dog", Bases: []string{"Animal"}, Fields: []schema.FieldSpec{
			{Name: "breed", Type: "string"},
		}},
		{Name: "Zoo", Fields: []schema.FieldSpec{
			{Name: "animals", Type: "set", Class: "Animal", Aggregate: true},
			{Name: "queue", Type: "array", Class: "Animal"},
			{Name: "keepers", Type: "hash", Class: "Person"},
			{Name: "cages", Type: "iarray", Class: "Animal"},
		}},
	}})
	require.NoError(t, err)
	return reg
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatements_Golden(t *testing.T) {
	reg := testRegistry(t)
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)

	for _, d := range []backend.Dialect{backend.SQLite, backend.DuckDB} {
		t.Run(d.Name, func(t *testing.T) {
			var sb strings.Builder
			for _, stmt := range Statements(reg, d) {
				sb.WriteString(stmt)
				sb.WriteString(";\n")
			}
			g.Assert(t, "ddl_"+d.Name, []byte(sb.String()))
		})
	}
}

func TestRetreatStatements(t *testing.T) {
	reg := testRegistry(t)
	stmts := RetreatStatements(reg)

	require.Len(t, stmts, 10)
	assert.Equal(t, "DROP TABLE IF EXISTS tangle_control", stmts[0])
	assert.Equal(t, "DROP TABLE IF EXISTS zoo_keepers", stmts[1])
	assert.Equal(t, "DROP TABLE IF EXISTS person", stmts[9])
}

func tableNames(t *testing.T, db *backend.DB) []string {
	t.Helper()
	rows, err := db.SQL().Query("SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	return names
}

func TestDeployRetreat_SQLite(t *testing.T) {
	ctx := context.Background()
	reg := testRegistry(t)
	db, err := backend.Open(ctx, backend.Config{DSN: filepath.Join(t.TempDir(), "deploy.db")}, quietLogger())
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Deploy(ctx, db.SQL(), reg, db.Dialect(), quietLogger()))
	// Idempotent.
	require.NoError(t, Deploy(ctx, db.SQL(), reg, db.Dialect(), quietLogger()))

	assert.Equal(t, []string{
		"animal", "dog", "person", "person_friends", "person_nicknames",
		"tangle_control", "zoo", "zoo_animals", "zoo_keepers", "zoo_queue",
	}, tableNames(t, db))

	var mark int64
	require.NoError(t, db.SQL().QueryRow("SELECT mark FROM tangle_control WHERE id = 1").Scan(&mark))
	assert.Equal(t, int64(0), mark)

	require.NoError(t, Retreat(ctx, db.SQL(), reg, quietLogger()))
	assert.Empty(t, tableNames(t, db))
}

func TestDeploy_IntrusiveIndexesPerTable(t *testing.T) {
	ctx := context.Background()
	reg, err := schema.New(schema.Spec{Classes: []schema.ClassSpec{
		{Name: "Person", Fields: []schema.FieldSpec{{Name: "name", Type: "string"}}},
		{Name: "Dog", Fields: []schema.FieldSpec{{Name: "name", Type: "string"}}},
		{Name: "Club", Fields: []schema.FieldSpec{
			{Name: "members", Type: "iset", Class: "Person", Coll: "owner"},
		}},
		{Name: "Kennel", Fields: []schema.FieldSpec{
			{Name: "dogs", Type: "iset", Class: "Dog", Coll: "owner"},
		}},
	}})
	require.NoError(t, err)

	db, err := backend.Open(ctx, backend.Config{DSN: filepath.Join(t.TempDir(), "deploy.db")}, quietLogger())
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, Deploy(ctx, db.SQL(), reg, db.Dialect(), quietLogger()))

	rows, err := db.SQL().Query("SELECT name, tbl_name FROM sqlite_master WHERE type = 'index' ORDER BY name")
	require.NoError(t, err)
	defer rows.Close()
	indexes := map[string]string{}
	for rows.Next() {
		var name, table string
		require.NoError(t, rows.Scan(&name, &table))
		indexes[name] = table
	}
	require.NoError(t, rows.Err())

	// Both tables get an index although the column names collide.
	assert.Equal(t, "person", indexes["person_owner_idx"])
	assert.Equal(t, "dog", indexes["dog_owner_idx"])
}
