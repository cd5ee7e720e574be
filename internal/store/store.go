package store

import (
	"context"

	"github.com/rendis/hookflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *schema.WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error)
	ListActiveWorkflows(ctx context.Context, eventType string) ([]*schema.WorkflowDefinition, error)
	SetWorkflowActive(ctx context.Context, id string, active bool) error

	// Run history (append-only)
	AppendLogRows(ctx context.Context, runID string, rows []schema.RunLog) error
	ListLogs(ctx context.Context, filter LogFilter) ([]*schema.RunLog, error)

	// Stats (atomic increments)
	IncrementStats(ctx context.Context, workflowID string, delta schema.StatsDelta) error
	GetStats(ctx context.Context, workflowID string) (*schema.Stats, error)

	// RecordRun appends a run's rows and applies its stat delta in one transaction.
	RecordRun(ctx context.Context, rec RunRecord) error

	// Secrets
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)

	// Scheduled tasks
	CreateTask(ctx context.Context, task *schema.Task) error
	GetTask(ctx context.Context, id string) (*schema.Task, error)
	UpdateTask(ctx context.Context, id string, update TaskUpdate) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error)
	DeleteTask(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
