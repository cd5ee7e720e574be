package expressions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

// ErrPrimaryObjectNotFound aborts a run before any step executes.
var ErrPrimaryObjectNotFound = errors.New("primary object not found")

// ObjectResolver loads platform objects by type and id.
type ObjectResolver interface {
	Resolve(ctx context.Context, objectType, id string) (map[string]any, error)
}

// EnvProvider returns the environment variable set stored under a context tag.
// A missing tag is reported as a NOT_FOUND error.
type EnvProvider interface {
	EnvVariables(ctx context.Context, tag string) (map[string]any, error)
}

// ContextBuilder assembles the initial RunContext of a run from its event.
type ContextBuilder struct {
	objects ObjectResolver
	env     EnvProvider
	logger  *slog.Logger
}

// NewContextBuilder creates a ContextBuilder. Both collaborators are optional:
// without a resolver events must carry their objects inline; without an env
// provider env is always empty.
func NewContextBuilder(objects ObjectResolver, env EnvProvider, logger *slog.Logger) *ContextBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContextBuilder{objects: objects, env: env, logger: logger}
}

// ObjectTypeOf derives the object type from an event type: "asset__created" -> "asset".
func ObjectTypeOf(eventType string) string {
	if i := strings.Index(eventType, "__"); i > 0 {
		return eventType[:i]
	}
	return eventType
}

// IsMutationEvent reports whether the event represents an accepted patch.
func IsMutationEvent(eventType string) bool {
	return strings.HasSuffix(eventType, "__updated")
}

// Build returns the initial RunContext for wf triggered by ev.
func (b *ContextBuilder) Build(ctx context.Context, wf *schema.WorkflowDefinition, ev *schema.Event) (RunContext, error) {
	objectType := ev.ObjectType
	if objectType == "" {
		objectType = ObjectTypeOf(ev.Type)
	}

	primary, err := b.primaryObject(ctx, objectType, ev)
	if err != nil {
		return RunContext{}, err
	}

	objects := map[string]any{objectType: primary}
	for name, obj := range ev.RelatedObjects {
		if obj != nil {
			objects[name] = obj
		}
	}
	for name, ref := range ev.RelatedRefs {
		if _, bound := objects[name]; bound || b.objects == nil {
			continue
		}
		obj, err := b.objects.Resolve(ctx, ref.Type, ref.ID)
		if err != nil || obj == nil {
			b.logger.DebugContext(ctx, "related object not resolved",
				slog.String("name", name), slog.String("type", ref.Type), slog.String("id", ref.ID))
			continue
		}
		objects[name] = obj
	}

	rc := NewRunContext(objects, ev.Metadata)
	if IsMutationEvent(ev.Type) {
		rc = rc.WithChangesRequested(ev.ChangesRequested)
	}

	env, err := b.layerEnv(ctx, wf.ContextTags)
	if err != nil {
		return RunContext{}, err
	}
	return rc.WithEnv(env), nil
}

func (b *ContextBuilder) primaryObject(ctx context.Context, objectType string, ev *schema.Event) (map[string]any, error) {
	if ev.Object != nil {
		return ev.Object, nil
	}
	if b.objects == nil || ev.ObjectID == "" {
		return nil, fmt.Errorf("%w: %s %q", ErrPrimaryObjectNotFound, objectType, ev.ObjectID)
	}
	obj, err := b.objects.Resolve(ctx, objectType, ev.ObjectID)
	if err != nil {
		if schema.IsCode(err, schema.ErrCodeNotFound) {
			return nil, fmt.Errorf("%w: %s %q", ErrPrimaryObjectNotFound, objectType, ev.ObjectID)
		}
		return nil, fmt.Errorf("resolve %s %q: %w", objectType, ev.ObjectID, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: %s %q", ErrPrimaryObjectNotFound, objectType, ev.ObjectID)
	}
	return obj, nil
}

// layerEnv merges the env sets of tags in order; later tags win key by key.
func (b *ContextBuilder) layerEnv(ctx context.Context, tags []string) (map[string]any, error) {
	out := map[string]any{}
	if b.env == nil {
		return out, nil
	}
	for _, tag := range tags {
		vars, err := b.env.EnvVariables(ctx, tag)
		if err != nil {
			if schema.IsCode(err, schema.ErrCodeNotFound) {
				continue
			}
			return nil, fmt.Errorf("load env %q: %w", tag, err)
		}
		for k, v := range vars {
			out[k] = v
		}
	}
	return out, nil
}
