package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rendis/hookflow/pkg/schema"
)

// PostgresStore implements the Store interface on PostgreSQL via pgx.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore connects a pool to dsn.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

// Migrate applies pending migrations, tracked in hookflow_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, postgresDialect, pgxConn{s.db})
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	prepareWorkflow(wf)
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO workflows (id, name, event, active, definition, nb_actions, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		wf.ID, nullStr(wf.Name), wf.Event, wf.Active, def, wf.Stats.NbActions, wf.CreatedAt, wf.UpdatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	wf, err := scanPgWorkflow(s.db.QueryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *PostgresStore) ListActiveWorkflows(ctx context.Context, eventType string) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE event = $1 AND active ORDER BY created_at, id`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		wf, err := scanPgWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE workflows SET active = $1, updated_at = now() WHERE id = $2`, active, id)
	if err != nil {
		return err
	}
	return checkTag(tag, "workflow", id)
}

func scanPgWorkflow(r pgx.Row) (*schema.WorkflowDefinition, error) {
	var (
		id      string
		active  bool
		def     []byte
		stats   schema.Stats
		created time.Time
		updated time.Time
	)
	if err := r.Scan(&id, &active, &def, &stats.NbTimesRun, &stats.NbActions,
		&stats.NbActionsCompleted, &stats.NbWorkflowNotifications, &created, &updated); err != nil {
		return nil, err
	}
	return decodeWorkflow(id, active, string(def), stats, created, updated)
}

// --- Run history ---

func (s *PostgresStore) AppendLogRows(ctx context.Context, runID string, rows []schema.RunLog) error {
	if len(rows) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		return pgAppendRows(ctx, tx, runID, rows)
	})
}

func pgAppendRows(ctx context.Context, tx pgx.Tx, runID string, rows []schema.RunLog) error {
	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM run_logs WHERE run_id = $1`, runID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	batch := &pgx.Batch{}
	for i := range rows {
		r := prepareRow(runID, &rows[i])
		var meta []byte
		if len(r.Metadata) > 0 {
			b, err := json.Marshal(r.Metadata)
			if err != nil {
				return fmt.Errorf("marshal row metadata: %w", err)
			}
			meta = b
		}
		batch.Queue(
			`INSERT INTO run_logs (id, run_id, workflow_id, seq, type, status_code, step_name, handle_errors, metadata, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.ID, runID, r.WorkflowID, seq+int64(i), string(r.Type), r.StatusCode,
			r.Step.Name, r.Step.HandleErrors, meta, r.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert log rows: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, filter LogFilter) ([]*schema.RunLog, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		args = append(args, filter.WorkflowID)
		where = append(where, fmt.Sprintf("workflow_id = $%d", len(args)))
	}
	if filter.RunID != "" {
		args = append(args, filter.RunID)
		where = append(where, fmt.Sprintf("run_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		where = append(where, fmt.Sprintf("type = $%d", len(args)))
	}

	query := `SELECT id, run_id, workflow_id, type, status_code, step_name, handle_errors, metadata, created_at FROM run_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, run_id, seq"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.RunLog
	for rows.Next() {
		var (
			r    schema.RunLog
			typ  string
			meta []byte
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.WorkflowID, &typ, &r.StatusCode, &r.Step.Name,
			&r.Step.HandleErrors, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = schema.LogType(typ)
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &r.Metadata)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Stats ---

const pgIncrementStatsSQL = `UPDATE workflows SET
	nb_times_run = nb_times_run + $1,
	nb_actions_completed = nb_actions_completed + $2,
	nb_workflow_notifications = nb_workflow_notifications + $3
	WHERE id = $4`

func (s *PostgresStore) IncrementStats(ctx context.Context, workflowID string, delta schema.StatsDelta) error {
	tag, err := s.db.Exec(ctx, pgIncrementStatsSQL,
		delta.TimesRun, delta.ActionsCompleted, delta.WorkflowNotifications, workflowID)
	if err != nil {
		return err
	}
	return checkTag(tag, "workflow", workflowID)
}

func (s *PostgresStore) GetStats(ctx context.Context, workflowID string) (*schema.Stats, error) {
	st := &schema.Stats{}
	err := s.db.QueryRow(ctx,
		`SELECT nb_times_run, nb_actions, nb_actions_completed, nb_workflow_notifications FROM workflows WHERE id = $1`, workflowID,
	).Scan(&st.NbTimesRun, &st.NbActions, &st.NbActionsCompleted, &st.NbWorkflowNotifications)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("workflow", workflowID)
	}
	return st, err
}

func (s *PostgresStore) RecordRun(ctx context.Context, rec RunRecord) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if len(rec.Rows) > 0 {
			if err := pgAppendRows(ctx, tx, rec.RunID, rec.Rows); err != nil {
				return err
			}
		}
		if rec.Delta.IsZero() {
			return nil
		}
		tag, err := tx.Exec(ctx, pgIncrementStatsSQL,
			rec.Delta.TimesRun, rec.Delta.ActionsCompleted, rec.Delta.WorkflowNotifications, rec.WorkflowID)
		if err != nil {
			return fmt.Errorf("increment stats: %w", err)
		}
		return checkTag(tag, "workflow", rec.WorkflowID)
	})
}

// --- Secrets ---

func (s *PostgresStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO secrets (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, rotated_at = now()`,
		key, value,
	)
	return err
}

func (s *PostgresStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(ctx, `SELECT value FROM secrets WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *PostgresStore) DeleteSecret(ctx context.Context, key string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM secrets WHERE key = $1`, key)
	if err != nil {
		return err
	}
	return checkTag(tag, "secret", key)
}

func (s *PostgresStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- Tasks ---

func (s *PostgresStore) CreateTask(ctx context.Context, task *schema.Task) error {
	prepareTask(task)
	var meta []byte
	if len(task.EventMetadata) > 0 {
		b, err := json.Marshal(task.EventMetadata)
		if err != nil {
			return fmt.Errorf("marshal task metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.Exec(ctx,
		`INSERT INTO tasks (id, event_type, object_type, object_id, event_metadata, execution_date, recurring_pattern, active, last_run_at, next_run_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.EventType, nullStr(task.ObjectType), nullStr(task.ObjectID), meta,
		task.ExecutionDate, nullStr(task.RecurringPattern), task.Active,
		task.LastRunAt, task.NextRunAt, task.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	t, err := scanPgTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

func (s *PostgresStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Active != nil {
		args = append(args, *update.Active)
		sets = append(sets, fmt.Sprintf("active = $%d", len(args)))
	}
	if update.LastRunAt != nil {
		args = append(args, *update.LastRunAt)
		sets = append(sets, fmt.Sprintf("last_run_at = $%d", len(args)))
	}
	if update.NextRunAt != nil {
		args = append(args, *update.NextRunAt)
		sets = append(sets, fmt.Sprintf("next_run_at = $%d", len(args)))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	tag, err := s.db.Exec(ctx,
		fmt.Sprintf(`UPDATE tasks SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return err
	}
	return checkTag(tag, "task", id)
}

func (s *PostgresStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter.Active != nil {
		query += " WHERE active = $1"
		args = append(args, *filter.Active)
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) DeleteTask(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return checkTag(tag, "task", id)
}

func scanPgTask(r pgx.Row) (*schema.Task, error) {
	var (
		t                       schema.Task
		objType, objID, pattern *string
		meta                    []byte
	)
	if err := r.Scan(&t.ID, &t.EventType, &objType, &objID, &meta, &t.ExecutionDate, &pattern,
		&t.Active, &t.LastRunAt, &t.NextRunAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	if objType != nil {
		t.ObjectType = *objType
	}
	if objID != nil {
		t.ObjectID = *objID
	}
	if pattern != nil {
		t.RecurringPattern = *pattern
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &t.EventMetadata)
	}
	return &t, nil
}

func checkTag(tag pgconn.CommandTag, resource, id string) error {
	if tag.RowsAffected() == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

var (
	_ Store = (*PostgresStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
