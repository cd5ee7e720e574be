package schema

import "time"

// LogType enumerates the kinds of rows written for a run.
type LogType string

const (
	LogAction       LogType = "action"
	LogSkipped      LogType = "skipped"
	LogStopped      LogType = "stopped"
	LogPreRunError  LogType = "preRunError"
	LogRunError     LogType = "runError"
	LogNotification LogType = "notification"
)

// LogStep identifies the step a row belongs to. Name is nil for rows that
// are not tied to a named step (root computed failures, notifications).
type LogStep struct {
	Name         *string `json:"name"`
	HandleErrors bool    `json:"handleErrors"`
}

// RunLog is one immutable row of a run's history.
type RunLog struct {
	ID         string         `json:"id"`
	RunID      string         `json:"runId"`
	WorkflowID string         `json:"workflowId"`
	Type       LogType        `json:"type"`
	StatusCode *int           `json:"statusCode,omitempty"`
	Step       LogStep        `json:"step"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Event is a domain event delivered by the bus.
type Event struct {
	ID               string               `json:"id,omitempty"`
	Type             string               `json:"type"`
	ObjectType       string               `json:"objectType,omitempty"`
	ObjectID         string               `json:"objectId,omitempty"`
	Object           map[string]any       `json:"object,omitempty"`
	RelatedObjects   map[string]any       `json:"relatedObjects,omitempty"`
	RelatedRefs      map[string]ObjectRef `json:"relatedRefs,omitempty"`
	Metadata         map[string]any       `json:"metadata,omitempty"`
	ChangesRequested map[string]any       `json:"changesRequested,omitempty"`
	EmittedAt        time.Time            `json:"emittedAt,omitempty"`
}

// ObjectRef points at a platform object to be resolved by id.
type ObjectRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Task is a scheduled emitter of domain events.
type Task struct {
	ID               string         `json:"id"`
	EventType        string         `json:"eventType"`
	ObjectType       string         `json:"objectType,omitempty"`
	ObjectID         string         `json:"objectId,omitempty"`
	EventMetadata    map[string]any `json:"eventMetadata,omitempty"`
	ExecutionDate    *time.Time     `json:"executionDate,omitempty"`
	RecurringPattern string         `json:"recurringPattern,omitempty"`
	Active           bool           `json:"active"`
	LastRunAt        *time.Time     `json:"lastRunAt,omitempty"`
	NextRunAt        *time.Time     `json:"nextRunAt,omitempty"`
	CreatedAt        time.Time      `json:"createdAt"`
}
