package store

import (
	"time"

	"github.com/rendis/hookflow/pkg/schema"
)

// RunRecord is everything a finished run persists.
type RunRecord struct {
	WorkflowID string
	RunID      string
	Rows       []schema.RunLog
	Delta      schema.StatsDelta
}

// LogFilter specifies criteria for listing run log rows.
type LogFilter struct {
	WorkflowID string         `json:"workflowId,omitempty"`
	RunID      string         `json:"runId,omitempty"`
	Type       schema.LogType `json:"type,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// TaskFilter specifies criteria for listing tasks.
type TaskFilter struct {
	Active *bool `json:"active,omitempty"`
	Limit  int   `json:"limit,omitempty"`
}

// TaskUpdate holds the mutable fields of a task. Nil fields are unchanged.
type TaskUpdate struct {
	Active    *bool      `json:"active,omitempty"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}
