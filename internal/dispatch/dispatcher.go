package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/hookflow/internal/auth"
)

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultRequestTimeout  = 30 * time.Second

	// ProvenanceHeader marks outbound calls made by the engine.
	ProvenanceHeader = "x-webhook-source"
	// ProvenanceValue is the fixed value of ProvenanceHeader.
	ProvenanceValue = "hookflow"

	HeaderAuthorization = "authorization"
	HeaderPlatformID    = "x-platform-id"
	HeaderPlatformEnv   = "x-platform-env"
	HeaderAPIVersion    = "x-api-version"
)

// Config configures a Dispatcher.
type Config struct {
	PlatformURL     string // base URL of the platform API for "/"-rooted URIs
	Credentials     auth.CredentialProvider
	Timeout         time.Duration
	MaxResponseBody int64
	Client          *http.Client
}

// Request is a fully resolved call.
type Request struct {
	Method     string
	URI        string
	Headers    map[string]string
	Payload    any
	APIVersion string
}

// Response is a 2xx reply.
type Response struct {
	StatusCode int
	Body       any
	Headers    map[string]string
}

// HTTPError reports a failed dispatch. StatusCode is 0 when the call never
// produced a response (timeout, connection failure, unusable URI).
type HTTPError struct {
	StatusCode int
	Body       any
	Message    string
	Cause      error
}

func (e *HTTPError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
	}
	return "transport: " + e.Message
}

func (e *HTTPError) Unwrap() error {
	return e.Cause
}

// HasStatus reports whether the remote side answered.
func (e *HTTPError) HasStatus() bool {
	return e.StatusCode > 0
}

// Dispatcher routes resolved requests to the platform API or to external
// endpoints. Safe for concurrent use.
type Dispatcher struct {
	cfg    Config
	client *http.Client
	base   *url.URL
}

// New creates a Dispatcher.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}

	var base *url.URL
	if cfg.PlatformURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.PlatformURL, "/"))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid platform url %q", cfg.PlatformURL)
		}
		base = u
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}
	return &Dispatcher{cfg: cfg, client: client, base: base}, nil
}

// IsInternal reports whether uri targets the platform API.
func IsInternal(uri string) bool {
	return strings.HasPrefix(uri, "/")
}

// IsExternal reports whether uri is an absolute http(s) URL.
func IsExternal(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Dispatch performs req. Non-2xx replies and transport failures are returned
// as *HTTPError.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	headers := make(map[string]string, len(req.Headers)+4)
	for k, v := range req.Headers {
		headers[strings.ToLower(k)] = v
	}

	var target string
	switch {
	case IsInternal(req.URI):
		if d.base == nil {
			return nil, &HTTPError{Message: "platform url is not configured for internal call " + req.URI}
		}
		target = d.base.String() + req.URI
		if err := d.forceIdentity(ctx, headers, req.APIVersion); err != nil {
			return nil, err
		}
	case IsExternal(req.URI):
		target = req.URI
		headers[ProvenanceHeader] = ProvenanceValue
	default:
		return nil, &HTTPError{Message: fmt.Sprintf("unsupported uri %q", req.URI)}
	}

	var body io.Reader
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return nil, &HTTPError{Message: "cannot encode payload", Cause: err}
		}
		body = bytes.NewReader(b)
		if _, ok := headers["content-type"]; !ok {
			headers["content-type"] = "application/json"
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, method, target, body)
	if err != nil {
		return nil, &HTTPError{Message: "cannot build request", Cause: err}
	}
	for k, v := range headers {
		// Lower-case keys go on the wire as given.
		httpReq.Header[k] = []string{v}
	}

	resp, err := d.client.Do(httpReq)
	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("request timed out after %s", d.cfg.Timeout)
		}
		return nil, &HTTPError{Message: msg, Cause: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, d.cfg.MaxResponseBody))
	if err != nil {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Message: "cannot read response body", Cause: err}
	}
	parsed := parseBody(resp.Header.Get("Content-Type"), raw)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       parsed,
			Message:    fmt.Sprintf("%s %s returned %d", method, req.URI, resp.StatusCode),
		}
	}

	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[strings.ToLower(k)] = resp.Header.Get(k)
	}
	return &Response{StatusCode: resp.StatusCode, Body: parsed, Headers: respHeaders}, nil
}

// forceIdentity overwrites identity headers with the system credential.
func (d *Dispatcher) forceIdentity(ctx context.Context, headers map[string]string, apiVersion string) error {
	delete(headers, HeaderAuthorization)
	delete(headers, HeaderPlatformID)
	delete(headers, HeaderPlatformEnv)
	delete(headers, HeaderAPIVersion)

	if d.cfg.Credentials != nil {
		cred, err := d.cfg.Credentials.SystemCredential(ctx)
		if err != nil {
			return &HTTPError{Message: "system credential unavailable", Cause: err}
		}
		if a := cred.Authorization(); a != "" {
			headers[HeaderAuthorization] = a
		}
		if cred.PlatformID != "" {
			headers[HeaderPlatformID] = cred.PlatformID
		}
		if cred.PlatformEnv != "" {
			headers[HeaderPlatformEnv] = cred.PlatformEnv
		}
	}
	if apiVersion != "" {
		headers[HeaderAPIVersion] = apiVersion
	}
	return nil
}

// parseBody decodes JSON replies and returns other content as text.
func parseBody(contentType string, raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}
