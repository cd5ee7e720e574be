package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations
var migrationFiles embed.FS

// dialect names the migration directory and ledger SQL of one backend.
type dialect struct {
	dir       string
	ledgerDDL string
	recordSQL string
}

var (
	libsqlDialect = dialect{
		dir: "migrations/libsql",
		ledgerDDL: `CREATE TABLE IF NOT EXISTS hookflow_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		recordSQL: `INSERT INTO hookflow_migrations (version, name) VALUES (?, ?)`,
	}
	postgresDialect = dialect{
		dir: "migrations/postgres",
		ledgerDDL: `CREATE TABLE IF NOT EXISTS hookflow_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ DEFAULT now()
		)`,
		recordSQL: `INSERT INTO hookflow_migrations (version, name) VALUES ($1, $2)`,
	}
)

const currentVersionSQL = `SELECT COALESCE(MAX(version), 0) FROM hookflow_migrations`

// migration is one NNN_name.sql file.
type migration struct {
	version    int
	name       string
	statements []string
}

// loadMigrations reads the migrations of dir ordered by version. Files must
// be named NNN_name.sql with unique versions.
func loadMigrations(fsys fs.FS, dir string) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var out []migration
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".sql" {
			continue
		}
		num, name, ok := strings.Cut(strings.TrimSuffix(e.Name(), ".sql"), "_")
		version, err := strconv.Atoi(num)
		if !ok || err != nil || version <= 0 || name == "" {
			return nil, fmt.Errorf("migration %s: want NNN_name.sql", e.Name())
		}
		if n := len(out); n > 0 && out[n-1].version == version {
			return nil, fmt.Errorf("migration %s: version %d used twice", e.Name(), version)
		}
		script, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, migration{version: version, name: name, statements: splitStatements(string(script))})
	}
	// ReadDir sorts by file name, so zero-padded versions arrive in order.
	for i := 1; i < len(out); i++ {
		if out[i].version < out[i-1].version {
			return nil, fmt.Errorf("migration %d sorts after %d; pad versions to equal width", out[i].version, out[i-1].version)
		}
	}
	return out, nil
}

// splitStatements cuts a script into statements ending in ';' at line end.
// Comment-only lines are dropped.
func splitStatements(script string) []string {
	var (
		stmts []string
		cur   strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		if stmt, ok := strings.CutSuffix(trimmed, ";"); ok {
			cur.WriteString(stmt)
			flush()
			continue
		}
		cur.WriteString(trimmed)
		cur.WriteByte('\n')
	}
	flush()
	return stmts
}

// migrationTx runs the statements of one migration.
type migrationTx interface {
	exec(ctx context.Context, query string, args ...any) error
}

// migrationConn is the connection surface applyMigrations needs.
type migrationConn interface {
	migrationTx
	currentVersion(ctx context.Context) (int, error)
	inTx(ctx context.Context, fn func(migrationTx) error) error
}

// applyMigrations creates the ledger table and applies, each in its own
// transaction, the migrations of d newer than the recorded version.
func applyMigrations(ctx context.Context, d dialect, conn migrationConn) error {
	pending, err := loadMigrations(migrationFiles, d.dir)
	if err != nil {
		return err
	}
	if err := conn.exec(ctx, d.ledgerDDL); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}
	current, err := conn.currentVersion(ctx)
	if err != nil {
		return fmt.Errorf("read migration ledger: %w", err)
	}
	for _, m := range pending {
		if m.version <= current {
			continue
		}
		err := conn.inTx(ctx, func(tx migrationTx) error {
			for _, stmt := range m.statements {
				if err := tx.exec(ctx, stmt); err != nil {
					return err
				}
			}
			return tx.exec(ctx, d.recordSQL, m.version, m.name)
		})
		if err != nil {
			return fmt.Errorf("migration %03d_%s: %w", m.version, m.name, err)
		}
	}
	return nil
}

// sqlConn adapts database/sql (libSQL).
type sqlConn struct{ db *sql.DB }

func (c sqlConn) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.db.ExecContext(ctx, query, args...)
	return err
}

func (c sqlConn) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := c.db.QueryRowContext(ctx, currentVersionSQL).Scan(&v)
	return v, err
}

func (c sqlConn) inTx(ctx context.Context, fn func(migrationTx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(sqlTx{tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type sqlTx struct{ tx *sql.Tx }

func (t sqlTx) exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

// pgxConn adapts a pgx pool (PostgreSQL).
type pgxConn struct{ pool *pgxpool.Pool }

func (c pgxConn) exec(ctx context.Context, query string, args ...any) error {
	_, err := c.pool.Exec(ctx, query, args...)
	return err
}

func (c pgxConn) currentVersion(ctx context.Context) (int, error) {
	var v int
	err := c.pool.QueryRow(ctx, currentVersionSQL).Scan(&v)
	return v, err
}

func (c pgxConn) inTx(ctx context.Context, fn func(migrationTx) error) error {
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return err
	}
	if err := fn(pgxTx{tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

type pgxTx struct{ tx pgx.Tx }

func (t pgxTx) exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.Exec(ctx, query, args...)
	return err
}
