package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/hookflow/internal/auth"
	"github.com/rendis/hookflow/internal/dispatch"
	"github.com/rendis/hookflow/internal/expressions"
	"github.com/rendis/hookflow/internal/store"
	"github.com/rendis/hookflow/pkg/schema"
)

// --- In-memory run store ---

type memStore struct {
	mu        sync.Mutex
	workflows []*schema.WorkflowDefinition
	records   []store.RunRecord
	stats     map[string]*schema.Stats
	failWrite error
}

func newMemStore(wfs ...*schema.WorkflowDefinition) *memStore {
	s := &memStore{stats: map[string]*schema.Stats{}}
	for _, wf := range wfs {
		s.workflows = append(s.workflows, wf)
		s.stats[wf.ID] = &schema.Stats{NbActions: int64(len(wf.Steps))}
	}
	return s
}

func (m *memStore) ListActiveWorkflows(_ context.Context, eventType string) ([]*schema.WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.WorkflowDefinition
	for _, wf := range m.workflows {
		if wf.Active && wf.Event == eventType {
			out = append(out, wf)
		}
	}
	return out, nil
}

func (m *memStore) RecordRun(_ context.Context, rec store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return m.failWrite
	}
	m.records = append(m.records, rec)
	st, ok := m.stats[rec.WorkflowID]
	if !ok {
		st = &schema.Stats{}
		m.stats[rec.WorkflowID] = st
	}
	st.NbTimesRun += rec.Delta.TimesRun
	st.NbActionsCompleted += rec.Delta.ActionsCompleted
	st.NbWorkflowNotifications += rec.Delta.WorkflowNotifications
	return nil
}

func (m *memStore) Stats(id string) schema.Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.stats[id]; ok {
		return *st
	}
	return schema.Stats{}
}

func (m *memStore) Records() []store.RunRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.RunRecord(nil), m.records...)
}

// --- Fake platform ---

type call struct {
	Method  string
	Path    string
	Headers http.Header
	Body    map[string]any
}

type reply struct {
	status int
	body   string
	delay  time.Duration
}

// platform is an httptest server that records every call and answers per
// path. Unknown paths answer 200 with {"ok": true}.
type platform struct {
	srv     *httptest.Server
	mu      sync.Mutex
	calls   []call
	replies map[string]reply
}

func newPlatform(t *testing.T) *platform {
	t.Helper()
	p := &platform{replies: map[string]reply{}}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		c := call{Method: r.Method, Path: r.URL.Path, Headers: r.Header.Clone()}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.Body)
		}

		p.mu.Lock()
		p.calls = append(p.calls, c)
		rep, ok := p.replies[r.URL.Path]
		p.mu.Unlock()

		if !ok {
			rep = reply{status: http.StatusOK, body: `{"ok": true}`}
		}
		if rep.delay > 0 {
			select {
			case <-time.After(rep.delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		_, _ = w.Write([]byte(rep.body))
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *platform) on(path string, status int, body string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[path] = reply{status: status, body: body}
}

func (p *platform) slow(path string, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[path] = reply{status: http.StatusOK, body: `{}`, delay: delay}
}

func (p *platform) Calls() []call {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]call(nil), p.calls...)
}

func (p *platform) CallsTo(path string) []call {
	var out []call
	for _, c := range p.Calls() {
		if c.Path == path {
			out = append(out, c)
		}
	}
	return out
}

// --- Harness ---

type harness struct {
	coord    *Coordinator
	store    *memStore
	platform *platform
}

type harnessOption func(*CoordinatorConfig, *expressions.SandboxConfig)

func withRunTimeout(d time.Duration) harnessOption {
	return func(c *CoordinatorConfig, _ *expressions.SandboxConfig) { c.RunTimeout = d }
}

func withEvalTimeout(d time.Duration) harnessOption {
	return func(_ *CoordinatorConfig, s *expressions.SandboxConfig) { s.Timeout = d }
}

func newHarness(t *testing.T, wfs []*schema.WorkflowDefinition, opts ...harnessOption) *harness {
	t.Helper()
	cfg := CoordinatorConfig{PoolSize: 8}
	scfg := expressions.SandboxConfig{}
	for _, o := range opts {
		o(&cfg, &scfg)
	}

	p := newPlatform(t)
	d, err := dispatch.New(dispatch.Config{
		PlatformURL: p.srv.URL,
		Credentials: auth.NewStaticProvider("sys_tok", "plt_1", "test"),
		Timeout:     5 * time.Second,
	})
	require.NoError(t, err)

	sb, err := expressions.NewSandbox(scfg)
	require.NoError(t, err)

	s := newMemStore(wfs...)
	coord := NewCoordinator(s, expressions.NewContextBuilder(nil, nil, nil), sb, d, cfg, nil)
	t.Cleanup(coord.Shutdown)
	return &harness{coord: coord, store: s, platform: p}
}

// workflow decodes a JSON definition the way the API does.
func workflow(t *testing.T, raw string) *schema.WorkflowDefinition {
	t.Helper()
	var wf schema.WorkflowDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &wf))
	if wf.ID == "" {
		wf.ID = "wfl_test"
	}
	wf.Active = true
	return &wf
}

func assetEvent(eventType string) *schema.Event {
	return &schema.Event{
		Type:     eventType,
		ObjectID: "ast_1",
		Object: map[string]any{
			"id":    "ast_1",
			"name":  "Toyota",
			"price": float64(100),
		},
		Metadata: map[string]any{"source": "test"},
	}
}

func rowsOfType(rows []schema.RunLog, typ schema.LogType) []schema.RunLog {
	var out []schema.RunLog
	for _, r := range rows {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

// runawayExpr builds nested comprehensions with 10^depth iterations.
func runawayExpr(depth int) string {
	digits := "[0, 1, 2, 3, 4, 5, 6, 7, 8, 9]"
	var b strings.Builder
	for i := 0; i < depth; i++ {
		b.WriteString(digits)
		b.WriteString(".all(v")
		b.WriteString(string(rune('a' + i)))
		b.WriteString(", ")
	}
	b.WriteString("true")
	b.WriteString(strings.Repeat(")", depth))
	return b.String()
}
