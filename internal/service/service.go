// Package service implements the control operations shared by the HTTP
// ingress and the MCP tools: triggering events, defining workflows and
// tasks, storing env sets and inspecting run history.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/hookflow/internal/logquery"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/internal/validation"
	"github.com/rendis/hookflow/pkg/schema"
)

// Publisher emits events. Satisfied by every bus.Bus.
type Publisher interface {
	Publish(ctx context.Context, ev *schema.Event) error
}

// EnvWriter stores env sets. Satisfied by *secrets.EnvVault.
type EnvWriter interface {
	SetEnv(ctx context.Context, tag string, vars map[string]any) error
	EnvVariables(ctx context.Context, tag string) (map[string]any, error)
	DeleteEnv(ctx context.Context, tag string) error
	Tags(ctx context.Context) ([]string, error)
}

// TaskPreparer computes the first due time of a new task.
// Satisfied by *scheduler.Scheduler.
type TaskPreparer interface {
	Prepare(task *schema.Task) error
}

// Deps holds the collaborators of a Service.
type Deps struct {
	Store     store.Store
	Bus       Publisher
	Validator *validation.WorkflowValidator
	Env       EnvWriter
	Tasks     TaskPreparer
	Logger    *slog.Logger
}

// Service is safe for concurrent use.
type Service struct {
	store     store.Store
	bus       Publisher
	validator *validation.WorkflowValidator
	env       EnvWriter
	tasks     TaskPreparer
	logger    *slog.Logger
}

// New creates a Service. Env and Tasks are optional; the operations that
// need them fail with VALIDATION_ERROR when absent.
func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     deps.Store,
		bus:       deps.Bus,
		validator: deps.Validator,
		env:       deps.Env,
		tasks:     deps.Tasks,
		logger:    logger,
	}
}

// Trigger publishes ev to the bus. The bus stamps its id.
func (s *Service) Trigger(ctx context.Context, ev *schema.Event) (*schema.Event, error) {
	if ev == nil || ev.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "event triggered",
		slog.String("event_id", ev.ID), slog.String("event_type", ev.Type))
	return ev, nil
}

// DefineWorkflow validates a raw definition and stores it. Workflows are
// active unless the document says otherwise.
func (s *Service) DefineWorkflow(ctx context.Context, raw []byte) (*schema.WorkflowDefinition, *schema.ValidationResult, error) {
	def, result := s.validator.DecodeWorkflow(raw)
	if !result.Valid() {
		return nil, result, result.ToError()
	}

	var flags struct {
		Active *bool `json:"active"`
	}
	_ = json.Unmarshal(raw, &flags)
	def.Active = flags.Active == nil || *flags.Active

	if err := s.store.CreateWorkflow(ctx, def); err != nil {
		return nil, result, err
	}
	s.logger.InfoContext(ctx, "workflow defined",
		slog.String("workflow_id", def.ID),
		slog.String("event_type", def.Event),
		slog.Int("steps", len(def.Steps)))
	return def, result, nil
}

// GetWorkflow returns a stored workflow with its current stats.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*schema.WorkflowDefinition, error) {
	return s.store.GetWorkflow(ctx, id)
}

// SetWorkflowActive toggles whether a workflow reacts to events.
func (s *Service) SetWorkflowActive(ctx context.Context, id string, active bool) error {
	if err := s.store.SetWorkflowActive(ctx, id, active); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "workflow activation changed",
		slog.String("workflow_id", id), slog.Bool("active", active))
	return nil
}

// Stats returns the run counters of a workflow.
func (s *Service) Stats(ctx context.Context, workflowID string) (*schema.Stats, error) {
	return s.store.GetStats(ctx, workflowID)
}

// Logs lists run rows matching filter, then applies q.
func (s *Service) Logs(ctx context.Context, filter store.LogFilter, q logquery.Query) ([]any, error) {
	if filter.WorkflowID == "" && filter.RunID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "a workflow id or a run id is required")
	}
	rows, err := s.store.ListLogs(ctx, filter)
	if err != nil {
		return nil, err
	}
	flat := make([]schema.RunLog, len(rows))
	for i, r := range rows {
		flat[i] = *r
	}
	return logquery.Run(ctx, flat, q)
}

// PutEnv replaces the env set of tag.
func (s *Service) PutEnv(ctx context.Context, tag string, vars map[string]any) error {
	if s.env == nil {
		return schema.NewError(schema.ErrCodeValidation, "env storage is not configured")
	}
	if err := s.env.SetEnv(ctx, tag, vars); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "env set stored", slog.String("tag", tag), slog.Int("vars", len(vars)))
	return nil
}

// EnvTags lists the stored env tags. Values are never returned.
func (s *Service) EnvTags(ctx context.Context) ([]string, error) {
	if s.env == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "env storage is not configured")
	}
	return s.env.Tags(ctx)
}

// DeleteEnv removes the env set of tag.
func (s *Service) DeleteEnv(ctx context.Context, tag string) error {
	if s.env == nil {
		return schema.NewError(schema.ErrCodeValidation, "env storage is not configured")
	}
	return s.env.DeleteEnv(ctx, tag)
}

// CreateTask validates a raw task document, computes its first due time and
// stores it active.
func (s *Service) CreateTask(ctx context.Context, raw []byte) (*schema.Task, *schema.ValidationResult, error) {
	task, result := s.validator.DecodeTask(raw)
	if !result.Valid() {
		return nil, result, result.ToError()
	}
	if s.tasks == nil {
		return nil, result, schema.NewError(schema.ErrCodeValidation, "scheduling is not configured")
	}

	task.Active = true
	if err := s.tasks.Prepare(task); err != nil {
		return nil, result, schema.NewErrorf(schema.ErrCodeValidation, "schedule task: %s", err.Error()).WithCause(err)
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, result, err
	}
	s.logger.InfoContext(ctx, "task scheduled",
		slog.String("task_id", task.ID), slog.String("event_type", task.EventType))
	return task, result, nil
}

// GetTask returns a stored task.
func (s *Service) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	return s.store.GetTask(ctx, id)
}

// DeleteTask removes a task.
func (s *Service) DeleteTask(ctx context.Context, id string) error {
	return s.store.DeleteTask(ctx, id)
}
