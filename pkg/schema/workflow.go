package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowDefinition is the persisted, read-only shape of an automation rule.
type WorkflowDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Event       string       `json:"event"`
	Active      bool         `json:"active"`
	APIVersion  string       `json:"apiVersion,omitempty"`
	NotifyURL   string       `json:"notifyUrl,omitempty"`
	ContextTags []string     `json:"context,omitempty"`
	Computed    OrderedExprs `json:"computed,omitempty"`
	Steps       []Step       `json:"run"`
	Stats       Stats        `json:"stats"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Step is one filter/skip/compute/stop/dispatch unit of a workflow.
type Step struct {
	Name            string            `json:"name,omitempty"`
	Filter          string            `json:"filter,omitempty"`
	Skip            string            `json:"skip,omitempty"`
	Stop            string            `json:"stop,omitempty"`
	HandleErrors    bool              `json:"handleErrors,omitempty"`
	EndpointMethod  string            `json:"endpointMethod"`
	EndpointURI     string            `json:"endpointUri"`
	EndpointHeaders map[string]string `json:"endpointHeaders,omitempty"`
	EndpointPayload any               `json:"endpointPayload,omitempty"`
	Computed        OrderedExprs      `json:"computed,omitempty"`
}

// Stats holds the aggregate run counters of a workflow.
type Stats struct {
	NbTimesRun              int64 `json:"nbTimesRun"`
	NbActions               int64 `json:"nbActions"`
	NbActionsCompleted      int64 `json:"nbActionsCompleted"`
	NbWorkflowNotifications int64 `json:"nbWorkflowNotifications"`
}

// StatsDelta is an increment applied atomically to Stats.
type StatsDelta struct {
	TimesRun              int64 `json:"timesRun"`
	ActionsCompleted      int64 `json:"actionsCompleted"`
	WorkflowNotifications int64 `json:"workflowNotifications"`
}

// IsZero reports whether the delta would change nothing.
func (d StatsDelta) IsZero() bool {
	return d.TimesRun == 0 && d.ActionsCompleted == 0 && d.WorkflowNotifications == 0
}

// NamedExpr is a single name -> expression binding.
type NamedExpr struct {
	Name string
	Expr string
}

// OrderedExprs is a JSON object of expressions whose declaration order matters:
// each entry may reference the ones declared before it.
type OrderedExprs []NamedExpr

// UnmarshalJSON decodes an object while preserving key order.
func (o *OrderedExprs) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*o = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return NewError(ErrCodeValidation, "computed must be an object of expressions")
	}
	var out OrderedExprs
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, _ := keyTok.(string)
		var expr string
		if err := dec.Decode(&expr); err != nil {
			return NewErrorf(ErrCodeValidation, "computed.%s must be an expression string", key).WithCause(err)
		}
		out = append(out, NamedExpr{Name: key, Expr: expr})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*o = out
	return nil
}

// MarshalJSON encodes the entries as an object in declaration order.
func (o OrderedExprs) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range o {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(e.Expr)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON normalizes a single-step shorthand into a one-element slice
// and rejects an event given as an array.
func (w *WorkflowDefinition) UnmarshalJSON(data []byte) error {
	type alias WorkflowDefinition
	aux := struct {
		*alias
		Event json.RawMessage `json:"event"`
		Steps json.RawMessage `json:"run"`
	}{alias: (*alias)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	if len(aux.Event) > 0 {
		var ev string
		if err := json.Unmarshal(aux.Event, &ev); err != nil {
			return NewError(ErrCodeValidation, "event must be a single event type string").WithCause(err)
		}
		w.Event = ev
	}

	raw := bytes.TrimSpace(aux.Steps)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		w.Steps = nil
	case raw[0] == '{':
		var single Step
		if err := json.Unmarshal(raw, &single); err != nil {
			return fmt.Errorf("decode step: %w", err)
		}
		w.Steps = []Step{single}
	default:
		var steps []Step
		if err := json.Unmarshal(raw, &steps); err != nil {
			return fmt.Errorf("decode steps: %w", err)
		}
		w.Steps = steps
	}
	return nil
}
