package dispatch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

// DefaultObjectPath locates a platform object by type and id.
const DefaultObjectPath = "/v1/{type}/{id}"

// ObjectLoader resolves platform objects through the platform API with the
// system identity. Satisfied as expressions.ObjectResolver.
type ObjectLoader struct {
	d          *Dispatcher
	path       string
	apiVersion string
}

// NewObjectLoader creates a loader. path may contain {type} and {id}
// placeholders; empty means DefaultObjectPath.
func NewObjectLoader(d *Dispatcher, path, apiVersion string) *ObjectLoader {
	if path == "" {
		path = DefaultObjectPath
	}
	return &ObjectLoader{d: d, path: path, apiVersion: apiVersion}
}

// Resolve fetches one object. A 404 is reported as NOT_FOUND; a reply that
// is not a JSON object is an error.
func (l *ObjectLoader) Resolve(ctx context.Context, objectType, id string) (map[string]any, error) {
	uri := strings.NewReplacer(
		"{type}", url.PathEscape(objectType),
		"{id}", url.PathEscape(id),
	).Replace(l.path)

	resp, err := l.d.Dispatch(ctx, Request{Method: http.MethodGet, URI: uri, APIVersion: l.apiVersion})
	if err != nil {
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", objectType, id).WithCause(err)
		}
		return nil, err
	}
	obj, ok := resp.Body.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolve %s %q: reply is not a JSON object", objectType, id)
	}
	return obj, nil
}
