// Package logquery filters and reshapes run log rows for inspection.
//
// Rows are exposed in their JSON wire shape: id, runId, workflowId, type,
// statusCode, step {name, handleErrors}, metadata and createdAt. Filters are
// expr-lang boolean expressions evaluated per row; projections are jq
// programs evaluated once over the array of matching rows.
package logquery

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/hookflow/pkg/schema"
)

// Query combines an optional row filter and an optional projection.
type Query struct {
	Where string
	JQ    string
}

// Run applies q to rows. Without a projection the matching rows are
// returned as documents.
func Run(ctx context.Context, rows []schema.RunLog, q Query) ([]any, error) {
	docs, err := Documents(rows)
	if err != nil {
		return nil, err
	}

	if q.Where != "" {
		f, err := NewFilter(q.Where)
		if err != nil {
			return nil, err
		}
		if docs, err = f.Apply(docs); err != nil {
			return nil, err
		}
	}

	if q.JQ == "" {
		out := make([]any, len(docs))
		for i, d := range docs {
			out[i] = d
		}
		return out, nil
	}

	p, err := NewProjector(q.JQ)
	if err != nil {
		return nil, err
	}
	return p.Project(ctx, docs)
}

// Documents converts rows into their JSON wire shape.
func Documents(rows []schema.RunLog) ([]map[string]any, error) {
	docs := make([]map[string]any, 0, len(rows))
	for i := range rows {
		b, err := json.Marshal(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("encode row %s: %w", rows[i].ID, err)
		}
		var doc map[string]any
		if err := json.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("decode row %s: %w", rows[i].ID, err)
		}
		docs = append(docs, doc)
	}
	return docs, nil
}
