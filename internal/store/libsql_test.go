package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func TestLibSQL_MigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}

func TestLibSQL_Workflows(t *testing.T) {
	runWorkflowSuite(t, newTestStore(t))
}

func TestLibSQL_RunHistory(t *testing.T) {
	runHistorySuite(t, newTestStore(t))
}

func TestLibSQL_ConcurrentIncrements(t *testing.T) {
	runConcurrentIncrementSuite(t, newTestStore(t))
}

func TestLibSQL_Secrets(t *testing.T) {
	runSecretSuite(t, newTestStore(t))
}

func TestLibSQL_Tasks(t *testing.T) {
	runTaskSuite(t, newTestStore(t))
}

// --- Shared suites, run against every Store implementation ---

func sampleWorkflow(id, event string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:         id,
		Name:       "notify on " + event,
		Event:      event,
		Active:     true,
		APIVersion: "2024-01-01",
		Computed:   schema.OrderedExprs{{Name: "v", Expr: "21 + 1"}},
		Steps: []schema.Step{
			{Name: "make", EndpointMethod: "POST", EndpointURI: "/v1/makes", EndpointPayload: map[string]any{"a": "computed.v"}},
			{EndpointMethod: "GET", EndpointURI: "https://example.com/hook"},
		},
	}
}

func runWorkflowSuite(t *testing.T, s Store) {
	ctx := context.Background()

	wf := sampleWorkflow("wfl_1", "asset__created")
	require.NoError(t, s.CreateWorkflow(ctx, wf))
	require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wfl_2", "asset__updated")))

	inactive := sampleWorkflow("wfl_3", "asset__created")
	inactive.Active = false
	require.NoError(t, s.CreateWorkflow(ctx, inactive))

	err := s.CreateWorkflow(ctx, sampleWorkflow("wfl_1", "asset__created"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	got, err := s.GetWorkflow(ctx, "wfl_1")
	require.NoError(t, err)
	assert.Equal(t, "asset__created", got.Event)
	assert.True(t, got.Active)
	require.Len(t, got.Steps, 2)
	assert.Equal(t, "make", got.Steps[0].Name)
	assert.Equal(t, map[string]any{"a": "computed.v"}, got.Steps[0].EndpointPayload)
	require.Len(t, got.Computed, 1)
	assert.Equal(t, "21 + 1", got.Computed[0].Expr)
	assert.Equal(t, int64(2), got.Stats.NbActions)
	assert.Zero(t, got.Stats.NbTimesRun)

	active, err := s.ListActiveWorkflows(ctx, "asset__created")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "wfl_1", active[0].ID)

	none, err := s.ListActiveWorkflows(ctx, "asset__")
	require.NoError(t, err)
	assert.Empty(t, none)

	require.NoError(t, s.SetWorkflowActive(ctx, "wfl_3", true))
	active, err = s.ListActiveWorkflows(ctx, "asset__created")
	require.NoError(t, err)
	assert.Len(t, active, 2)

	_, err = s.GetWorkflow(ctx, "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.SetWorkflowActive(ctx, "missing", true), schema.ErrCodeNotFound))
}

func runHistorySuite(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wfl_h", "asset__created")))

	name := "make"
	status := 201
	rows := []schema.RunLog{
		{WorkflowID: "wfl_h", Type: schema.LogAction, StatusCode: &status,
			Step: schema.LogStep{Name: &name}, Metadata: map[string]any{"uri": "/v1/makes"}},
		{WorkflowID: "wfl_h", Type: schema.LogRunError, Step: schema.LogStep{HandleErrors: true},
			Metadata: map[string]any{"message": "transport: refused"}},
	}
	require.NoError(t, s.RecordRun(ctx, RunRecord{
		WorkflowID: "wfl_h",
		RunID:      "run_1",
		Rows:       rows,
		Delta:      schema.StatsDelta{TimesRun: 1, ActionsCompleted: 1},
	}))

	notifyStatus := 200
	require.NoError(t, s.AppendLogRows(ctx, "run_1", []schema.RunLog{
		{WorkflowID: "wfl_h", Type: schema.LogNotification, StatusCode: &notifyStatus},
	}))

	logs, err := s.ListLogs(ctx, LogFilter{RunID: "run_1"})
	require.NoError(t, err)
	require.Len(t, logs, 3)
	assert.Equal(t, schema.LogAction, logs[0].Type)
	require.NotNil(t, logs[0].Step.Name)
	assert.Equal(t, "make", *logs[0].Step.Name)
	require.NotNil(t, logs[0].StatusCode)
	assert.Equal(t, 201, *logs[0].StatusCode)
	assert.Equal(t, "/v1/makes", logs[0].Metadata["uri"])
	assert.Nil(t, logs[1].Step.Name)
	assert.True(t, logs[1].Step.HandleErrors)
	assert.Nil(t, logs[1].StatusCode)
	assert.Equal(t, schema.LogNotification, logs[2].Type)
	for _, l := range logs {
		assert.Equal(t, "run_1", l.RunID)
		assert.NotEmpty(t, l.ID)
	}

	errs, err := s.ListLogs(ctx, LogFilter{WorkflowID: "wfl_h", Type: schema.LogRunError})
	require.NoError(t, err)
	assert.Len(t, errs, 1)

	limited, err := s.ListLogs(ctx, LogFilter{WorkflowID: "wfl_h", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	st, err := s.GetStats(ctx, "wfl_h")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.NbTimesRun)
	assert.Equal(t, int64(1), st.NbActionsCompleted)
	assert.Equal(t, int64(2), st.NbActions)

	err = s.RecordRun(ctx, RunRecord{WorkflowID: "missing", RunID: "run_x",
		Delta: schema.StatsDelta{TimesRun: 1}})
	require.Error(t, err)
}

func runConcurrentIncrementSuite(t *testing.T, s Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateWorkflow(ctx, sampleWorkflow("wfl_c", "booking__created")))

	const runs = 20
	var wg sync.WaitGroup
	errs := make(chan error, runs)
	for i := 0; i < runs; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.IncrementStats(ctx, "wfl_c", schema.StatsDelta{
				TimesRun: 1, ActionsCompleted: 2, WorkflowNotifications: 1,
			}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("increment failed: %v", err)
	}

	st, err := s.GetStats(ctx, "wfl_c")
	require.NoError(t, err)
	assert.Equal(t, int64(runs), st.NbTimesRun)
	assert.Equal(t, int64(2*runs), st.NbActionsCompleted)
	assert.Equal(t, int64(runs), st.NbWorkflowNotifications)

	assert.True(t, schema.IsCode(s.IncrementStats(ctx, "missing", schema.StatsDelta{TimesRun: 1}), schema.ErrCodeNotFound))
}

func runSecretSuite(t *testing.T, s Store) {
	ctx := context.Background()

	require.NoError(t, s.StoreSecret(ctx, "env:prod", []byte("v1")))
	require.NoError(t, s.StoreSecret(ctx, "env:prod", []byte("v2")))
	require.NoError(t, s.StoreSecret(ctx, "env:base", []byte("b")))

	val, err := s.GetSecret(ctx, "env:prod")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)

	keys, err := s.ListSecrets(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"env:base", "env:prod"}, keys)

	require.NoError(t, s.DeleteSecret(ctx, "env:base"))
	_, err = s.GetSecret(ctx, "env:base")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.DeleteSecret(ctx, "env:base"), schema.ErrCodeNotFound))
}

func runTaskSuite(t *testing.T, s Store) {
	ctx := context.Background()

	at := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	oneShot := &schema.Task{
		EventType:     "booking__reminder",
		ObjectType:    "booking",
		ObjectID:      "bkg_1",
		EventMetadata: map[string]any{"kind": "reminder"},
		ExecutionDate: &at,
		Active:        true,
	}
	require.NoError(t, s.CreateTask(ctx, oneShot))
	require.NotEmpty(t, oneShot.ID)

	recurring := &schema.Task{EventType: "report__daily", RecurringPattern: "0 9 * * *", Active: false}
	require.NoError(t, s.CreateTask(ctx, recurring))

	got, err := s.GetTask(ctx, oneShot.ID)
	require.NoError(t, err)
	assert.Equal(t, "booking", got.ObjectType)
	assert.Equal(t, "reminder", got.EventMetadata["kind"])
	require.NotNil(t, got.ExecutionDate)
	assert.True(t, at.Equal(*got.ExecutionDate))
	assert.Nil(t, got.LastRunAt)

	active := true
	list, err := s.ListTasks(ctx, TaskFilter{Active: &active})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, oneShot.ID, list[0].ID)

	now := time.Now().UTC().Truncate(time.Second)
	inactive := false
	require.NoError(t, s.UpdateTask(ctx, oneShot.ID, TaskUpdate{Active: &inactive, LastRunAt: &now}))
	got, err = s.GetTask(ctx, oneShot.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, now.Equal(*got.LastRunAt))

	all, err := s.ListTasks(ctx, TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.DeleteTask(ctx, recurring.ID))
	_, err = s.GetTask(ctx, recurring.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
	assert.True(t, schema.IsCode(s.UpdateTask(ctx, "missing", TaskUpdate{Active: &active}), schema.ErrCodeNotFound))
}
