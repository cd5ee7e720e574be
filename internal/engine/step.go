package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/hookflow/internal/dispatch"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/logging"
	"github.com/rendis/hookflow/pkg/schema"
)

// Row metadata keys.
const (
	MetaMethod        = "method"
	MetaURI           = "uri"
	MetaPayload       = "payload"
	MetaHeaders       = "headers"
	MetaEventObjectID = "eventObjectId"
	MetaMessage       = "message"
	MetaResponse      = "response"
	MetaErrorCode     = "errorCode"
)

// Dispatcher performs resolved calls. Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

// StepInput identifies one step of one run.
type StepInput struct {
	WorkflowID    string
	RunID         string
	APIVersion    string
	EventObjectID string
	Index         int
	Step          schema.Step
}

// label names the step in logs: its name, or its 1-based position.
func (in StepInput) label() string {
	if in.Step.Name != "" {
		return in.Step.Name
	}
	return fmt.Sprintf("#%d", in.Index+1)
}

// StepOutcome is the result of executing one step. Context is the updated
// accumulator to thread into the next step.
type StepOutcome struct {
	Context   expressions.RunContext
	Rows      []schema.RunLog
	Completed bool // a dispatch succeeded
	Halt      bool // no further step may run
	Stopped   bool // Halt was requested by the step's stop expression
}

// StepExecutor sequences filter, skip, compute, stop and dispatch for a
// single step. It holds no per-run state and is safe for concurrent use.
type StepExecutor struct {
	eval       expressions.Evaluator
	templates  *expressions.TemplateResolver
	dispatcher Dispatcher
	logger     *slog.Logger
	now        func() time.Time
}

// NewStepExecutor creates a StepExecutor.
func NewStepExecutor(eval expressions.Evaluator, dispatcher Dispatcher, logger *slog.Logger) *StepExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepExecutor{
		eval:       eval,
		templates:  expressions.NewTemplateResolver(eval, logger),
		dispatcher: dispatcher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Execute runs one step against rc. It never returns an error: every
// failure is expressed as a row in the outcome and, unless the step handles
// errors, a halt.
func (e *StepExecutor) Execute(ctx context.Context, rc expressions.RunContext, in StepInput) StepOutcome {
	ctx = logging.WithStep(ctx, in.label())
	step := in.Step
	out := StepOutcome{Context: rc}

	if step.Filter != "" {
		pass, err := expressions.EvaluateBool(ctx, e.eval, step.Filter, rc)
		if err != nil {
			return e.preRunError(ctx, out, in, nil, "filter", err)
		}
		if !pass {
			e.logger.DebugContext(ctx, "step filtered out")
			return out
		}
	}

	if step.Skip != "" {
		skip, err := expressions.EvaluateBool(ctx, e.eval, step.Skip, rc)
		if err != nil {
			return e.preRunError(ctx, out, in, nil, "skip", err)
		}
		if skip {
			uri, _ := e.templates.ResolveTemplate(ctx, step.EndpointURI, rc)
			out.Rows = append(out.Rows, e.row(in, schema.LogSkipped, nil, map[string]any{
				MetaMethod:        method(step),
				MetaURI:           uri,
				MetaEventObjectID: in.EventObjectID,
			}))
			e.logger.DebugContext(ctx, "step skipped")
			return out
		}
	}

	for _, c := range step.Computed {
		if _, done := out.Context.Computed(c.Name); done {
			continue
		}
		val, err := e.eval.Evaluate(ctx, c.Expr, out.Context)
		if err != nil {
			return e.preRunError(ctx, out, in, nil, "computed."+c.Name, err)
		}
		out.Context = out.Context.WithComputed(c.Name, val)
	}
	rc = out.Context

	if step.Stop != "" {
		stop, err := expressions.EvaluateBool(ctx, e.eval, step.Stop, rc)
		if err != nil {
			return e.preRunError(ctx, out, in, nil, "stop", err)
		}
		if stop {
			out.Context = rc.WithLastResponse(nil)
			out.Rows = append(out.Rows, e.row(in, schema.LogStopped, nil, map[string]any{
				MetaMethod:        method(step),
				MetaEventObjectID: in.EventObjectID,
			}))
			out.Halt = true
			out.Stopped = true
			e.logger.DebugContext(ctx, "step requested stop")
			return out
		}
	}

	req, meta, err := e.resolve(ctx, rc, in)
	if err != nil {
		return e.preRunError(ctx, out, in, meta, "endpoint", err)
	}

	resp, err := e.dispatcher.Dispatch(ctx, req)
	if err != nil {
		return e.runError(ctx, out, in, meta, err)
	}

	rc = rc.WithLastResponse(resp.Body).WithStatusCode(resp.StatusCode)
	if step.Name != "" {
		rc = rc.WithResponse(step.Name, resp.Body)
	}
	meta[MetaResponse] = resp.Body
	out.Context = rc
	out.Completed = true
	out.Rows = append(out.Rows, e.row(in, schema.LogAction, &resp.StatusCode, meta))
	e.logger.DebugContext(ctx, "step dispatched", slog.Int("status", resp.StatusCode))
	return out
}

// resolve expands the endpoint of the step into a dispatchable request.
// The returned metadata describes the call for the log row, even on error.
func (e *StepExecutor) resolve(ctx context.Context, rc expressions.RunContext, in StepInput) (dispatch.Request, map[string]any, error) {
	step := in.Step
	uri, _ := e.templates.ResolveTemplate(ctx, step.EndpointURI, rc)
	headers, _ := e.templates.ResolveHeaders(ctx, step.EndpointHeaders, rc)

	meta := map[string]any{
		MetaMethod:        method(step),
		MetaURI:           uri,
		MetaEventObjectID: in.EventObjectID,
	}
	if len(headers) > 0 {
		meta[MetaHeaders] = headers
	}

	payload, err := e.templates.ResolvePayload(ctx, step.EndpointPayload, rc)
	if err != nil {
		return dispatch.Request{}, meta, err
	}
	if payload != nil {
		meta[MetaPayload] = payload
	}

	return dispatch.Request{
		Method:     method(step),
		URI:        uri,
		Headers:    headers,
		Payload:    payload,
		APIVersion: in.APIVersion,
	}, meta, nil
}

// preRunError records an evaluation failure that happened before dispatch.
func (e *StepExecutor) preRunError(ctx context.Context, out StepOutcome, in StepInput, meta map[string]any, phase string, err error) StepOutcome {
	if meta == nil {
		meta = map[string]any{
			MetaMethod:        method(in.Step),
			MetaEventObjectID: in.EventObjectID,
		}
	}
	meta[MetaMessage] = fmt.Sprintf("%s: %s", phase, errorMessage(err))
	var he *schema.HookflowError
	if errors.As(err, &he) {
		meta[MetaErrorCode] = he.Code
	}

	var status *int
	if s := schema.StatusOf(err); s > 0 {
		status = &s
	}

	out.Context = out.Context.WithLastResponse(nil)
	out.Rows = append(out.Rows, e.row(in, schema.LogPreRunError, status, meta))
	out.Halt = !in.Step.HandleErrors
	e.logger.WarnContext(ctx, "step evaluation failed",
		slog.String("phase", phase),
		slog.String("error", err.Error()),
		slog.Bool("handled", in.Step.HandleErrors))
	return out
}

// runError records a failed dispatch. When the step handles errors, the error
// body and status are threaded into the context like a regular response.
func (e *StepExecutor) runError(ctx context.Context, out StepOutcome, in StepInput, meta map[string]any, err error) StepOutcome {
	var (
		status *int
		body   any
	)
	meta[MetaMessage] = errorMessage(err)

	var httpErr *dispatch.HTTPError
	if errors.As(err, &httpErr) {
		body = httpErr.Body
		if httpErr.HasStatus() {
			s := httpErr.StatusCode
			status = &s
		}
		if body != nil {
			meta[MetaResponse] = body
		}
	}

	rc := out.Context.WithLastResponse(body)
	if in.Step.HandleErrors {
		if status != nil {
			rc = rc.WithStatusCode(*status)
		}
		if in.Step.Name != "" {
			rc = rc.WithResponse(in.Step.Name, body)
		}
	}
	out.Context = rc
	out.Rows = append(out.Rows, e.row(in, schema.LogRunError, status, meta))
	out.Halt = !in.Step.HandleErrors

	attrs := []any{slog.String("error", err.Error()), slog.Bool("handled", in.Step.HandleErrors)}
	if status != nil {
		attrs = append(attrs, slog.Int("status", *status))
	}
	e.logger.WarnContext(ctx, "step dispatch failed", attrs...)
	return out
}

func (e *StepExecutor) row(in StepInput, typ schema.LogType, status *int, meta map[string]any) schema.RunLog {
	var name *string
	if in.Step.Name != "" {
		n := in.Step.Name
		name = &n
	}
	return schema.RunLog{
		ID:         uuid.NewString(),
		RunID:      in.RunID,
		WorkflowID: in.WorkflowID,
		Type:       typ,
		StatusCode: status,
		Step:       schema.LogStep{Name: name, HandleErrors: in.Step.HandleErrors},
		Metadata:   meta,
		CreatedAt:  e.now(),
	}
}

func method(step schema.Step) string {
	m := strings.ToUpper(strings.TrimSpace(step.EndpointMethod))
	if m == "" {
		return "GET"
	}
	return m
}

// errorMessage prefers the structured message over the coded Error string.
func errorMessage(err error) string {
	var he *schema.HookflowError
	if errors.As(err, &he) {
		return he.Message
	}
	var httpErr *dispatch.HTTPError
	if errors.As(err, &httpErr) && httpErr.Message != "" {
		return httpErr.Message
	}
	return err.Error()
}
