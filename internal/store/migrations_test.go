package store

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMigrations_EmbeddedDialects(t *testing.T) {
	for _, d := range []dialect{libsqlDialect, postgresDialect} {
		t.Run(d.dir, func(t *testing.T) {
			ms, err := loadMigrations(migrationFiles, d.dir)
			require.NoError(t, err)
			require.NotEmpty(t, ms)
			assert.Equal(t, 1, ms[0].version)
			assert.Equal(t, "initial_schema", ms[0].name)
			for _, stmt := range ms[0].statements {
				assert.NotContains(t, stmt, "--")
				assert.NotEqual(t, byte(';'), stmt[len(stmt)-1])
			}
		})
	}
}

func TestLoadMigrations_Ordering(t *testing.T) {
	fsys := fstest.MapFS{
		"m/002_tasks.sql":     {Data: []byte("CREATE TABLE b (id TEXT);")},
		"m/001_workflows.sql": {Data: []byte("CREATE TABLE a (id TEXT);")},
		"m/README.md":         {Data: []byte("ignored")},
	}
	ms, err := loadMigrations(fsys, "m")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, "workflows", ms[0].name)
	assert.Equal(t, "tasks", ms[1].name)
}

func TestLoadMigrations_Rejects(t *testing.T) {
	tests := map[string]fstest.MapFS{
		"no version": {"m/initial.sql": {Data: []byte("SELECT 1;")}},
		"zero":       {"m/000_initial.sql": {Data: []byte("SELECT 1;")}},
		"no name":    {"m/001_.sql": {Data: []byte("SELECT 1;")}},
		"duplicate": {
			"m/001_a.sql": {Data: []byte("SELECT 1;")},
			"m/001_b.sql": {Data: []byte("SELECT 1;")},
		},
		"unpadded": {
			"m/10_a.sql": {Data: []byte("SELECT 1;")},
			"m/9_b.sql":  {Data: []byte("SELECT 1;")},
		},
	}
	for name, fsys := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := loadMigrations(fsys, "m")
			assert.Error(t, err)
		})
	}
}

func TestSplitStatements(t *testing.T) {
	script := `-- Workflows; the main table.
CREATE TABLE workflows (
    id TEXT PRIMARY KEY, -- uuid
    name TEXT
);

CREATE INDEX idx ON workflows(name);
-- trailing comment`

	stmts := splitStatements(script)
	require.Len(t, stmts, 2)
	assert.Equal(t, "CREATE TABLE workflows (\nid TEXT PRIMARY KEY, -- uuid\nname TEXT\n)", stmts[0])
	assert.Equal(t, "CREATE INDEX idx ON workflows(name)", stmts[1])

	assert.Equal(t, []string{"SELECT 1"}, splitStatements("SELECT 1"))
	assert.Empty(t, splitStatements("-- nothing\n\n"))
}

func TestLibSQL_MigrationsRecorded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ms, err := loadMigrations(migrationFiles, libsqlDialect.dir)
	require.NoError(t, err)

	v, err := sqlConn{s.db}.currentVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, ms[len(ms)-1].version, v)

	require.NoError(t, s.Migrate(ctx))
	var rows int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM hookflow_migrations`).Scan(&rows))
	assert.Equal(t, len(ms), rows)
}
