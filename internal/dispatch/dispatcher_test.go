package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rendis/hookflow/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	method  string
	path    string
	headers http.Header
	body    map[string]any
}

func recordingServer(t *testing.T, status int, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.method = r.Method
		c.path = r.URL.Path
		c.headers = r.Header.Clone()
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &c.body)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func newDispatcher(t *testing.T, platformURL string) *Dispatcher {
	t.Helper()
	d, err := New(Config{
		PlatformURL: platformURL,
		Credentials: auth.NewStaticProvider("sys_tok", "plt_real", "production"),
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)
	return d
}

func TestDispatch_InternalForcesIdentity(t *testing.T) {
	srv, c := recordingServer(t, http.StatusCreated, `{"id":"mk_1"}`)
	d := newDispatcher(t, srv.URL)

	resp, err := d.Dispatch(context.Background(), Request{
		Method: "post",
		URI:    "/v1/makes",
		Headers: map[string]string{
			"Authorization": "Bearer stolen",
			"X-Platform-Id": "plt_fake",
			"X-Custom":      "kept",
		},
		Payload:    map[string]any{"name": "Toyota"},
		APIVersion: "2024-01-01",
	})
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, map[string]any{"id": "mk_1"}, resp.Body)
	assert.Equal(t, http.MethodPost, c.method)
	assert.Equal(t, "/v1/makes", c.path)
	assert.Equal(t, "Bearer sys_tok", c.headers.Get("Authorization"))
	assert.Equal(t, "plt_real", c.headers.Get("X-Platform-Id"))
	assert.Equal(t, "production", c.headers.Get("X-Platform-Env"))
	assert.Equal(t, "2024-01-01", c.headers.Get("X-Api-Version"))
	assert.Equal(t, "kept", c.headers.Get("X-Custom"))
	assert.Equal(t, "Toyota", c.body["name"])
	assert.Empty(t, c.headers.Get(ProvenanceHeader))
}

func TestDispatch_ExternalForcesProvenance(t *testing.T) {
	srv, c := recordingServer(t, http.StatusOK, `{"ok":true}`)
	d := newDispatcher(t, "")

	_, err := d.Dispatch(context.Background(), Request{
		Method:  http.MethodPost,
		URI:     srv.URL + "/hook",
		Headers: map[string]string{"X-Webhook-Source": "spoofed", "X-Trace": "t1"},
		Payload: map[string]any{"a": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, ProvenanceValue, c.headers.Get(ProvenanceHeader))
	assert.Equal(t, "t1", c.headers.Get("X-Trace"))
	assert.Empty(t, c.headers.Get("X-Platform-Id"))
	assert.Equal(t, "application/json", c.headers.Get("Content-Type"))
}

func TestDispatch_ErrorStatus(t *testing.T) {
	srv, _ := recordingServer(t, http.StatusUnprocessableEntity, `{"error":"bad price"}`)
	d := newDispatcher(t, srv.URL)

	_, err := d.Dispatch(context.Background(), Request{Method: "PATCH", URI: "/v1/assets/1"})
	require.Error(t, err)

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.True(t, he.HasStatus())
	assert.Equal(t, http.StatusUnprocessableEntity, he.StatusCode)
	assert.Equal(t, map[string]any{"error": "bad price"}, he.Body)
}

func TestDispatch_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := newDispatcher(t, "")
	_, err := d.Dispatch(context.Background(), Request{Method: "GET", URI: url})
	require.Error(t, err)

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.False(t, he.HasStatus())
	assert.Contains(t, he.Error(), "transport")
}

func TestDispatch_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	d, err := New(Config{Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = d.Dispatch(context.Background(), Request{Method: "GET", URI: srv.URL})
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)

	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, 0, he.StatusCode)
	assert.Contains(t, he.Message, "timed out")
}

func TestDispatch_UnsupportedURI(t *testing.T) {
	d := newDispatcher(t, "http://platform.local")

	_, err := d.Dispatch(context.Background(), Request{Method: "GET", URI: "ftp://files.local/x"})
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.Contains(t, he.Message, "unsupported uri")
}

func TestDispatch_InternalWithoutPlatformURL(t *testing.T) {
	d := newDispatcher(t, "")

	_, err := d.Dispatch(context.Background(), Request{Method: "GET", URI: "/v1/x"})
	var he *HTTPError
	require.True(t, errors.As(err, &he))
	assert.False(t, he.HasStatus())
}

func TestDispatch_TextBodyAndEmptyBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/empty" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("pong"))
	}))
	t.Cleanup(srv.Close)
	d := newDispatcher(t, srv.URL)

	resp, err := d.Dispatch(context.Background(), Request{Method: "GET", URI: "/ping"})
	require.NoError(t, err)
	assert.Equal(t, "pong", resp.Body)

	resp, err = d.Dispatch(context.Background(), Request{Method: "DELETE", URI: "/empty"})
	require.NoError(t, err)
	assert.Nil(t, resp.Body)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestNew_RejectsBadPlatformURL(t *testing.T) {
	_, err := New(Config{PlatformURL: "ftp://platform"})
	require.Error(t, err)
}

func TestURIKinds(t *testing.T) {
	assert.True(t, IsInternal("/v1/a"))
	assert.False(t, IsInternal("https://x"))
	assert.True(t, IsExternal("https://x"))
	assert.True(t, IsExternal("HTTP://x"))
	assert.False(t, IsExternal("javascript:alert(1)"))
}
