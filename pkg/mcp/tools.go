package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/hookflow/internal/logquery"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// handleTrigger publishes an event.
func (s *HookflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	eventType, err := req.RequireString("event_type")
	if err != nil {
		return mcp.NewToolResultError("event_type is required"), nil
	}

	ev := &schema.Event{
		Type:             eventType,
		ObjectType:       req.GetString("object_type", ""),
		ObjectID:         req.GetString("object_id", ""),
		Object:           mcp.ParseStringMap(req, "object", nil),
		Metadata:         mcp.ParseStringMap(req, "metadata", nil),
		ChangesRequested: mcp.ParseStringMap(req, "changes_requested", nil),
	}
	if ev.ObjectID == "" && ev.Object == nil {
		return mcp.NewToolResultError("one of object_id or object is required"), nil
	}

	published, trigErr := s.svc.Trigger(ctx, ev)
	if trigErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("trigger failed: %v", trigErr)), nil
	}
	return marshalResult(map[string]any{
		"ok":         true,
		"event_id":   published.ID,
		"event_type": published.Type,
	})
}

// handleStats returns the counters of a workflow.
func (s *HookflowServer) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	st, statsErr := s.svc.Stats(ctx, workflowID)
	if statsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("stats query failed: %v", statsErr)), nil
	}
	return marshalResult(st)
}

// handleLogs lists and optionally filters and projects run rows.
func (s *HookflowServer) handleLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.LogFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		RunID:      req.GetString("run_id", ""),
		Type:       schema.LogType(req.GetString("type", "")),
		Limit:      req.GetInt("limit", 0),
	}
	if filter.WorkflowID == "" && filter.RunID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or run_id is required"), nil
	}

	out, logsErr := s.svc.Logs(ctx, filter, logquery.Query{
		Where: req.GetString("where", ""),
		JQ:    req.GetString("jq", ""),
	})
	if logsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("logs query failed: %v", logsErr)), nil
	}
	if out == nil {
		out = []any{}
	}
	return marshalResult(out)
}

// handleDefine validates and stores a workflow.
func (s *HookflowServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	raw, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}

	def, result, defErr := s.svc.DefineWorkflow(ctx, raw)
	if defErr != nil {
		var he *schema.HookflowError
		if errors.As(defErr, &he) && he.Code == schema.ErrCodeValidation && result != nil {
			data, _ := json.Marshal(map[string]any{"errors": result.Errors, "warnings": result.Warnings})
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %s %s", he.Message, data)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("define failed: %v", defErr)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": def.ID,
		"event":       def.Event,
		"active":      def.Active,
		"nb_actions":  def.Stats.NbActions,
		"warnings":    result.Warnings,
	})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
