package store

import (
	"context"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_Embedded(t *testing.T) {
	all, err := loadMigrations(migrationFS)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(all), 2)
	for i, m := range all {
		assert.Equal(t, i+1, m.version, "versions are contiguous")
		assert.NotEmpty(t, splitStatements(m.script))
	}
	assert.Equal(t, "initial_schema", all[0].name)
}

func TestLoadMigrations_OrdersAndValidates(t *testing.T) {
	ok := fstest.MapFS{
		"migrations/010_later.sql": {Data: []byte("SELECT 2;")},
		"migrations/002_first.sql": {Data: []byte("SELECT 1;")},
		"migrations/README.md":     {Data: []byte("ignored")},
	}
	all, err := loadMigrations(ok)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].version)
	assert.Equal(t, "later", all[1].name)

	for name, fsys := range map[string]fstest.MapFS{
		"no separator": {"migrations/001.sql": {Data: []byte("SELECT 1;")}},
		"bad version":  {"migrations/abc_x.sql": {Data: []byte("SELECT 1;")}},
		"duplicate": {
			"migrations/001_a.sql": {Data: []byte("SELECT 1;")},
			"migrations/1_b.sql":   {Data: []byte("SELECT 1;")},
		},
	} {
		_, err := loadMigrations(fsys)
		assert.Error(t, err, name)
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- header only;
CREATE TABLE a (id INTEGER);
-- note
CREATE INDEX i ON a(id);
   ;`
	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE a (id INTEGER)", stmts[0])
	assert.Contains(t, stmts[1], "CREATE INDEX i ON a(id)")
}

func TestRunMigrations_RecordsVersions(t *testing.T) {
	s, err := NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "migrate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx))

	all, err := loadMigrations(migrationFS)
	require.NoError(t, err)

	var count, latest int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*), MAX(version) FROM schema_version`).Scan(&count, &latest))
	assert.Equal(t, len(all), count)
	assert.Equal(t, all[len(all)-1].version, latest)
}
