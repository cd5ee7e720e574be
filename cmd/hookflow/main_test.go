package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedLogs(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "logs.db")

	s, err := store.NewLibSQLStore("file:" + path)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	defer s.Close()

	wf := &schema.WorkflowDefinition{
		ID:     "wfl_1",
		Event:  "asset__created",
		Active: true,
		Steps:  []schema.Step{{Name: "make", EndpointURI: "/x"}},
	}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	ok, failed := 200, 502
	now := time.Now().UTC()
	require.NoError(t, s.RecordRun(ctx, store.RunRecord{
		WorkflowID: "wfl_1",
		RunID:      "run_1",
		Rows: []schema.RunLog{
			{ID: "log_1", RunID: "run_1", WorkflowID: "wfl_1", Type: schema.LogAction, StatusCode: &ok,
				Metadata: map[string]any{"uri": "/x"}, CreatedAt: now},
			{ID: "log_2", RunID: "run_1", WorkflowID: "wfl_1", Type: schema.LogRunError, StatusCode: &failed,
				Metadata: map[string]any{"uri": "/y"}, CreatedAt: now.Add(time.Millisecond)},
		},
		Delta: schema.StatsDelta{TimesRun: 1, ActionsCompleted: 1},
	}))
	return path
}

func TestVersionCmd(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "hookflow dev\n", out)
}

func TestLogsCmd_Projection(t *testing.T) {
	path := seedLogs(t)

	out, err := execute(t, "logs", "--db-path", path, "--run", "run_1", "--jq", ".[] | .metadata.uri")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{`"/x"`, `"/y"`}, strings.Fields(out))
}

func TestLogsCmd_Where(t *testing.T) {
	path := seedLogs(t)

	out, err := execute(t, "logs", "--db-path", path, "--workflow", "wfl_1",
		"--where", "statusCode != nil && statusCode >= 400", "--jq", "map(.type)")
	require.NoError(t, err)
	assert.Equal(t, "[\"runError\"]\n", out)
}

func TestLogsCmd_RequiresWorkflowOrRun(t *testing.T) {
	_, err := execute(t, "logs", "--db-path", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
}

func TestLogsCmd_BadDriver(t *testing.T) {
	_, err := execute(t, "logs", "--db-driver", "mysql", "--run", "run_1")
	require.Error(t, err)
}

func TestFlagKey(t *testing.T) {
	assert.Equal(t, "db_path", flagKey("db-path"))
	assert.Equal(t, "log_level", flagKey("log-level"))
}
