package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/bus"
	"github.com/rendis/hookflow/internal/dispatch"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// DefaultRunTimeout bounds one run end to end.
const DefaultRunTimeout = 30 * time.Second

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunHalted    RunStatus = "halted"
)

// RunStore is the persistence surface the coordinator needs.
// Satisfied by store.Store.
type RunStore interface {
	ListActiveWorkflows(ctx context.Context, eventType string) ([]*schema.WorkflowDefinition, error)
	RecordRun(ctx context.Context, rec store.RunRecord) error
}

// ContextBuilder builds the initial RunContext of a run.
// Satisfied by *expressions.ContextBuilder.
type ContextBuilder interface {
	Build(ctx context.Context, wf *schema.WorkflowDefinition, ev *schema.Event) (expressions.RunContext, error)
}

// CoordinatorConfig configures a Coordinator.
type CoordinatorConfig struct {
	RunTimeout time.Duration
	PoolSize   int
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID      string                 `json:"runId"`
	WorkflowID string                 `json:"workflowId"`
	Status     RunStatus              `json:"status"`
	Rows       []schema.RunLog        `json:"rows"`
	Delta      schema.StatsDelta      `json:"delta"`
	Context    expressions.RunContext `json:"-"`
}

// Coordinator owns runs end to end: it matches events to workflows, drives
// the step executor, fires notifications and records every run.
type Coordinator struct {
	store    RunStore
	builder  ContextBuilder
	eval     expressions.Evaluator
	steps    *StepExecutor
	notifier Dispatcher
	pool     *WorkerPool
	logger   *slog.Logger
	cfg      CoordinatorConfig

	serving sync.WaitGroup
}

// NewCoordinator wires a Coordinator. The dispatcher is used for both step
// calls and notifications.
func NewCoordinator(s RunStore, builder ContextBuilder, eval expressions.Evaluator, d Dispatcher, cfg CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:    s,
		builder:  builder,
		eval:     eval,
		steps:    NewStepExecutor(eval, d, logger),
		notifier: d,
		pool:     NewWorkerPool(cfg.PoolSize, logger),
		logger:   logger,
		cfg:      cfg,
	}
}

// Serve consumes events from b until ctx is done. Events are handled
// concurrently; Serve returns once in-flight events are finished. Runs that
// already started are not cancelled with ctx, they end at their own deadline.
func (c *Coordinator) Serve(ctx context.Context, b bus.Bus) error {
	err := bus.Consume(ctx, b, bus.Filter{}, func(ctx context.Context, ev *schema.Event) {
		c.serving.Add(1)
		go func() {
			defer c.serving.Done()
			ctx := context.WithoutCancel(ctx)
			if _, err := c.HandleEvent(ctx, ev); err != nil {
				c.logger.ErrorContext(ctx, "event handling failed",
					slog.String("event", ev.Type), slog.String("error", err.Error()))
			}
		}()
	})
	c.serving.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleEvent runs every active workflow whose event equals ev.Type. Runs
// execute concurrently on the pool; HandleEvent waits for all of them.
func (c *Coordinator) HandleEvent(ctx context.Context, ev *schema.Event) ([]*RunResult, error) {
	wfs, err := c.store.ListActiveWorkflows(ctx, ev.Type)
	if err != nil {
		return nil, fmt.Errorf("list workflows for %s: %w", ev.Type, err)
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results []*RunResult
		errs    []error
	)
	for _, wf := range wfs {
		if wf.Event != ev.Type || !wf.Active {
			continue
		}
		wg.Add(1)
		job := func(ctx context.Context) error {
			res, err := c.Run(ctx, wf, ev)
			mu.Lock()
			defer mu.Unlock()
			if res != nil {
				results = append(results, res)
			}
			return err
		}
		err := c.pool.Submit(ctx, wf.ID, job, func(err error) {
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("workflow %s: %w", wf.ID, err))
				mu.Unlock()
			}
			wg.Done()
		})
		if err != nil {
			mu.Lock()
			errs = append(errs, fmt.Errorf("workflow %s: %w", wf.ID, err))
			mu.Unlock()
			wg.Done()
		}
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

// Run executes wf for ev and records the outcome. The returned error is
// reserved for infrastructure failures: a missing primary object (no rows
// are written) or a failed store write.
func (c *Coordinator) Run(ctx context.Context, wf *schema.WorkflowDefinition, ev *schema.Event) (*RunResult, error) {
	runID := uuid.NewString()
	ctx = logging.WithRun(ctx, wf.ID, runID)
	started := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, c.cfg.RunTimeout)
	defer cancel()

	rc, err := c.builder.Build(runCtx, wf, ev)
	if err != nil {
		if errors.Is(err, expressions.ErrPrimaryObjectNotFound) {
			c.logger.WarnContext(ctx, "run aborted", slog.String("error", err.Error()))
		} else {
			c.logger.ErrorContext(ctx, "build run context", slog.String("error", err.Error()))
		}
		return nil, err
	}

	res := &RunResult{RunID: runID, WorkflowID: wf.ID, Status: RunCompleted}
	res.Delta.TimesRun = 1
	objectID := eventObjectID(ev)

	rc, halted := c.rootComputed(runCtx, rc, wf, res, objectID)
	if halted {
		res.Status = RunHalted
	}

	for i := 0; !halted && i < len(wf.Steps); i++ {
		if runCtx.Err() != nil {
			res.Rows = append(res.Rows, c.deadlineRow(ctx, wf, runID, i, objectID))
			res.Status = RunHalted
			break
		}
		out := c.steps.Execute(runCtx, rc, StepInput{
			WorkflowID:    wf.ID,
			RunID:         runID,
			APIVersion:    wf.APIVersion,
			EventObjectID: objectID,
			Index:         i,
			Step:          wf.Steps[i],
		})
		rc = out.Context
		res.Rows = append(res.Rows, out.Rows...)
		if out.Completed {
			res.Delta.ActionsCompleted++
		}
		if out.Halt {
			halted = true
			res.Status = RunHalted
			if out.Stopped {
				res.Status = RunStopped
			}
		}
	}
	res.Context = rc

	// The run is always notified and recorded, even past its deadline.
	detached := context.WithoutCancel(ctx)
	if wf.NotifyURL != "" {
		res.Rows = append(res.Rows, c.notify(detached, wf, runID, notificationSummary(wf.ID, runID, res.Rows)))
		res.Delta.WorkflowNotifications = 1
	}

	err = c.store.RecordRun(detached, store.RunRecord{
		WorkflowID: wf.ID,
		RunID:      runID,
		Rows:       res.Rows,
		Delta:      res.Delta,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "record run", slog.String("error", err.Error()))
		return res, fmt.Errorf("record run %s: %w", runID, err)
	}

	c.logger.InfoContext(ctx, "run finished",
		slog.String("status", string(res.Status)),
		slog.Int("rows", len(res.Rows)),
		slog.Int64("actions_completed", res.Delta.ActionsCompleted),
		slog.Duration("elapsed", time.Since(started)))
	return res, nil
}

// rootComputed evaluates the workflow-level computed values in declaration
// order. A failure writes a preRunError row without a step and halts.
func (c *Coordinator) rootComputed(ctx context.Context, rc expressions.RunContext, wf *schema.WorkflowDefinition, res *RunResult, objectID string) (expressions.RunContext, bool) {
	for _, ce := range wf.Computed {
		val, err := c.eval.Evaluate(ctx, ce.Expr, rc)
		if err != nil {
			meta := map[string]any{
				MetaMessage:       fmt.Sprintf("computed.%s: %s", ce.Name, errorMessage(err)),
				MetaEventObjectID: objectID,
			}
			var he *schema.HookflowError
			if errors.As(err, &he) {
				meta[MetaErrorCode] = he.Code
			}
			var status *int
			if s := schema.StatusOf(err); s > 0 {
				status = &s
			}
			res.Rows = append(res.Rows, schema.RunLog{
				ID:         uuid.NewString(),
				RunID:      res.RunID,
				WorkflowID: wf.ID,
				Type:       schema.LogPreRunError,
				StatusCode: status,
				Metadata:   meta,
				CreatedAt:  time.Now().UTC(),
			})
			c.logger.WarnContext(ctx, "root computed failed",
				slog.String("name", ce.Name), slog.String("error", err.Error()))
			return rc, true
		}
		rc = rc.WithComputed(ce.Name, val)
	}
	return rc, false
}

// notifyCompleted is the summary type of a run that produced no
// notifiable row, e.g. every step filtered out or skipped.
const notifyCompleted = "completed"

// notificationSummary describes the last row that is not a skip. Without
// one the run is summarized as completed.
func notificationSummary(workflowID, runID string, rows []schema.RunLog) map[string]any {
	summary := map[string]any{"type": notifyCompleted, "statusCode": nil, "step": nil}
	for i := len(rows) - 1; i >= 0; i-- {
		last := rows[i]
		if last.Type == schema.LogSkipped {
			continue
		}
		summary = maps.Clone(last.Metadata)
		if summary == nil {
			summary = map[string]any{}
		}
		summary["type"] = string(last.Type)
		summary["statusCode"] = last.StatusCode
		summary["step"] = last.Step
		break
	}
	summary["runId"] = runID
	summary["workflowId"] = workflowID
	return summary
}

// notify POSTs payload to the workflow's notify URL and returns the
// notification row. Delivery failures are recorded, not returned.
func (c *Coordinator) notify(ctx context.Context, wf *schema.WorkflowDefinition, runID string, payload map[string]any) schema.RunLog {
	meta := map[string]any{
		MetaMethod: "POST",
		MetaURI:    wf.NotifyURL,
		"type":     payload["type"],
	}
	row := schema.RunLog{
		ID:         uuid.NewString(),
		RunID:      runID,
		WorkflowID: wf.ID,
		Type:       schema.LogNotification,
		Metadata:   meta,
	}

	resp, err := c.notifier.Dispatch(ctx, dispatch.Request{
		Method:     "POST",
		URI:        wf.NotifyURL,
		Payload:    payload,
		APIVersion: wf.APIVersion,
	})
	if err != nil {
		meta[MetaMessage] = errorMessage(err)
		var httpErr *dispatch.HTTPError
		if errors.As(err, &httpErr) && httpErr.HasStatus() {
			s := httpErr.StatusCode
			row.StatusCode = &s
		}
		c.logger.WarnContext(ctx, "notification failed", slog.String("error", err.Error()))
	} else {
		s := resp.StatusCode
		row.StatusCode = &s
	}
	row.CreatedAt = time.Now().UTC()
	return row
}

func (c *Coordinator) deadlineRow(ctx context.Context, wf *schema.WorkflowDefinition, runID string, index int, objectID string) schema.RunLog {
	step := wf.Steps[index]
	var name *string
	if step.Name != "" {
		n := step.Name
		name = &n
	}
	c.logger.WarnContext(ctx, "run deadline exceeded", slog.Int("step_index", index))
	return schema.RunLog{
		ID:         uuid.NewString(),
		RunID:      runID,
		WorkflowID: wf.ID,
		Type:       schema.LogRunError,
		Step:       schema.LogStep{Name: name, HandleErrors: step.HandleErrors},
		Metadata: map[string]any{
			MetaMessage:       "run deadline exceeded",
			MetaEventObjectID: objectID,
		},
		CreatedAt: time.Now().UTC(),
	}
}

// Shutdown waits for in-flight runs and rejects new ones.
func (c *Coordinator) Shutdown() {
	c.pool.Shutdown()
}

// Metrics returns the run pool metrics.
func (c *Coordinator) Metrics() PoolMetrics {
	return c.pool.Metrics()
}

func eventObjectID(ev *schema.Event) string {
	if ev.ObjectID != "" {
		return ev.ObjectID
	}
	if id, ok := ev.Object["id"].(string); ok {
		return id
	}
	return ""
}
