package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/hookflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, libsqlDialect, sqlConn{s.db})
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error {
	prepareWorkflow(wf)
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, event, active, definition, nb_actions, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, nullStr(wf.Name), wf.Event, boolInt(wf.Active), string(def),
		wf.Stats.NbActions, wf.CreatedAt, wf.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID).WithCause(err)
	}
	return err
}

const workflowColumns = `id, active, definition, nb_times_run, nb_actions, nb_actions_completed, nb_workflow_notifications, created_at, updated_at`

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

// ListActiveWorkflows returns active workflows whose event equals eventType exactly.
func (s *LibSQLStore) ListActiveWorkflows(ctx context.Context, eventType string) ([]*schema.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE event = ? AND active = 1 ORDER BY created_at, id`, eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.WorkflowDefinition
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, boolInt(active), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(r rowScanner) (*schema.WorkflowDefinition, error) {
	var (
		id      string
		active  int64
		defJSON string
		stats   schema.Stats
		created time.Time
		updated time.Time
	)
	if err := r.Scan(&id, &active, &defJSON, &stats.NbTimesRun, &stats.NbActions,
		&stats.NbActionsCompleted, &stats.NbWorkflowNotifications, &created, &updated); err != nil {
		return nil, err
	}
	return decodeWorkflow(id, active != 0, defJSON, stats, created, updated)
}

// --- Run history ---

// AppendLogRows appends rows after any rows the run already has.
func (s *LibSQLStore) AppendLogRows(ctx context.Context, runID string, rows []schema.RunLog) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append tx: %w", err)
	}
	defer tx.Rollback()

	if err := appendRowsTx(ctx, tx, runID, rows); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log rows: %w", err)
	}
	return nil
}

func appendRowsTx(ctx context.Context, tx *sql.Tx, runID string, rows []schema.RunLog) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), -1) + 1 FROM run_logs WHERE run_id = ?`, runID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	for i := range rows {
		r := prepareRow(runID, &rows[i])
		meta, err := marshalMeta(r.Metadata)
		if err != nil {
			return fmt.Errorf("marshal row metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_logs (id, run_id, workflow_id, seq, type, status_code, step_name, handle_errors, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, runID, r.WorkflowID, seq+int64(i), string(r.Type), nullInt(r.StatusCode),
			nullStrPtr(r.Step.Name), boolInt(r.Step.HandleErrors), meta, r.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert log row: %w", err)
		}
	}
	return nil
}

func (s *LibSQLStore) ListLogs(ctx context.Context, filter LogFilter) ([]*schema.RunLog, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}

	query := `SELECT id, run_id, workflow_id, type, status_code, step_name, handle_errors, metadata, created_at FROM run_logs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, run_id, seq"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.RunLog
	for rows.Next() {
		var (
			r        schema.RunLog
			typ      string
			status   sql.NullInt64
			stepName sql.NullString
			handle   int64
			meta     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.RunID, &r.WorkflowID, &typ, &status, &stepName, &handle, &meta, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Type = schema.LogType(typ)
		r.StatusCode = intPtr(status)
		r.Step = schema.LogStep{Name: strPtr(stepName), HandleErrors: handle != 0}
		r.Metadata = unmarshalMeta(meta)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// --- Stats ---

// IncrementStats applies delta with column-level increments, never
// read-modify-write, so concurrent runs cannot lose updates.
func (s *LibSQLStore) IncrementStats(ctx context.Context, workflowID string, delta schema.StatsDelta) error {
	res, err := s.db.ExecContext(ctx, incrementStatsSQL, delta.TimesRun, delta.ActionsCompleted, delta.WorkflowNotifications, workflowID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", workflowID)
}

const incrementStatsSQL = `UPDATE workflows SET
	nb_times_run = nb_times_run + ?,
	nb_actions_completed = nb_actions_completed + ?,
	nb_workflow_notifications = nb_workflow_notifications + ?
	WHERE id = ?`

func (s *LibSQLStore) GetStats(ctx context.Context, workflowID string) (*schema.Stats, error) {
	st := &schema.Stats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT nb_times_run, nb_actions, nb_actions_completed, nb_workflow_notifications FROM workflows WHERE id = ?`, workflowID,
	).Scan(&st.NbTimesRun, &st.NbActions, &st.NbActionsCompleted, &st.NbWorkflowNotifications)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", workflowID)
	}
	return st, err
}

func (s *LibSQLStore) RecordRun(ctx context.Context, rec RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin run tx: %w", err)
	}
	defer tx.Rollback()

	if len(rec.Rows) > 0 {
		if err := appendRowsTx(ctx, tx, rec.RunID, rec.Rows); err != nil {
			return err
		}
	}
	if !rec.Delta.IsZero() {
		res, err := tx.ExecContext(ctx, incrementStatsSQL,
			rec.Delta.TimesRun, rec.Delta.ActionsCompleted, rec.Delta.WorkflowNotifications, rec.WorkflowID)
		if err != nil {
			return fmt.Errorf("increment stats: %w", err)
		}
		if err := checkRowsAffected(res, "workflow", rec.WorkflowID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Tasks ---

func (s *LibSQLStore) CreateTask(ctx context.Context, task *schema.Task) error {
	prepareTask(task)
	meta, err := marshalMeta(task.EventMetadata)
	if err != nil {
		return fmt.Errorf("marshal task metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (id, event_type, object_type, object_id, event_metadata, execution_date, recurring_pattern, active, last_run_at, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.EventType, nullStr(task.ObjectType), nullStr(task.ObjectID), meta,
		nullTime(task.ExecutionDate), nullStr(task.RecurringPattern), boolInt(task.Active),
		nullTime(task.LastRunAt), nullTime(task.NextRunAt), task.CreatedAt,
	)
	return err
}

const taskColumns = `id, event_type, object_type, object_id, event_metadata, execution_date, recurring_pattern, active, last_run_at, next_run_at, created_at`

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	var sets []string
	var args []any

	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, boolInt(*update.Active))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if filter.Active != nil {
		query += " WHERE active = ?"
		args = append(args, boolInt(*filter.Active))
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *LibSQLStore) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "task", id)
}

func scanTask(r rowScanner) (*schema.Task, error) {
	var (
		t                         schema.Task
		objType, objID, pattern   sql.NullString
		meta                      sql.NullString
		execDate, lastRun, nextRn sql.NullTime
		active                    int64
	)
	if err := r.Scan(&t.ID, &t.EventType, &objType, &objID, &meta, &execDate, &pattern,
		&active, &lastRun, &nextRn, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.ObjectType = objType.String
	t.ObjectID = objID.String
	t.RecurringPattern = pattern.String
	t.EventMetadata = unmarshalMeta(meta)
	t.Active = active != 0
	t.ExecutionDate = timePtr(execDate)
	t.LastRunAt = timePtr(lastRun)
	t.NextRunAt = timePtr(nextRn)
	return &t, nil
}

// --- Helpers ---

func prepareWorkflow(wf *schema.WorkflowDefinition) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	wf.CreatedAt = timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = now
	wf.Stats = schema.Stats{NbActions: int64(len(wf.Steps))}
}

func prepareRow(runID string, r *schema.RunLog) *schema.RunLog {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.RunID = runID
	r.CreatedAt = timeOrNow(r.CreatedAt)
	return r
}

func prepareTask(t *schema.Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
}

func decodeWorkflow(id string, active bool, defJSON string, stats schema.Stats, created, updated time.Time) (*schema.WorkflowDefinition, error) {
	wf := &schema.WorkflowDefinition{}
	if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
		return nil, fmt.Errorf("unmarshal definition %q: %w", id, err)
	}
	wf.ID = id
	wf.Active = active
	wf.Stats = stats
	wf.CreatedAt = created
	wf.UpdatedAt = updated
	return wf, nil
}

func storeNotFound(resource, id string) *schema.HookflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullStrPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return int64(*i)
}

func intPtr(ni sql.NullInt64) *int {
	if !ni.Valid {
		return nil
	}
	i := int(ni.Int64)
	return &i
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMeta(ns sql.NullString) map[string]any {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(ns.String), &m); err != nil {
		return map[string]any{"raw": ns.String}
	}
	return m
}
