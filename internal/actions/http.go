package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rendis/flowgate/pkg/schema"
)

// HTTPConfig configures outbound HTTP calls.
type HTTPConfig struct {
	MaxResponseBody int64
	Timeout         time.Duration
}

const (
	defaultMaxResponseBody = 10 * 1024 * 1024 // 10MB
	defaultHTTPTimeout     = 30 * time.Second
)

func (c HTTPConfig) maxBody() int64 {
	if c.MaxResponseBody <= 0 {
		return defaultMaxResponseBody
	}
	return c.MaxResponseBody
}

func (c HTTPConfig) timeout() time.Duration {
	if c.Timeout <= 0 {
		return defaultHTTPTimeout
	}
	return c.Timeout
}

// HTTPExecutor is the NetworkExecutor backed by net/http. A single attempt
// is made per call; any status code is returned as a Response and only
// transport failures are errors.
type HTTPExecutor struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPExecutor creates an HTTPExecutor.
func NewHTTPExecutor(cfg HTTPConfig) *HTTPExecutor {
	return &HTTPExecutor{client: newClient(cfg), maxBody: cfg.maxBody()}
}

// Invoke sends the request. String bodies are sent verbatim, anything else
// is JSON-encoded.
func (e *HTTPExecutor) Invoke(ctx context.Context, method, rawURL string, headers map[string]string, body any) (*Response, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "invalid url %q", rawURL)
	}

	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
		contentType = "text/plain; charset=utf-8"
	case []byte:
		reader = bytes.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeTransport, "failed to encode request body").WithCause(err)
		}
		reader = bytes.NewReader(data)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), rawURL, reader)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "failed to create request").WithCause(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport, "%s %s failed", req.Method, rawURL).WithCause(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxBody))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeTransport, "failed to read response body").WithCause(err)
	}

	out := &Response{
		StatusCode: resp.StatusCode,
		Headers:    make(map[string]string, len(resp.Header)),
		Body:       decodeBody(resp.Header.Get("Content-Type"), data),
	}
	for k := range resp.Header {
		out.Headers[k] = resp.Header.Get(k)
	}
	return out, nil
}

// decodeBody parses JSON responses and returns everything else as text.
func decodeBody(contentType string, data []byte) any {
	if len(data) == 0 {
		return nil
	}
	if strings.Contains(contentType, "json") {
		var v any
		if err := json.Unmarshal(data, &v); err == nil {
			return v
		}
	}
	return string(data)
}

// postJSON sends a JSON request to a collaborator service and decodes a JSON reply.
func postJSON(ctx context.Context, client *http.Client, endpoint string, in, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return schema.NewError(schema.ErrCodeTransport, "failed to encode request").WithCause(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return schema.NewError(schema.ErrCodeTransport, "failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeTransport, "call to %s failed", endpoint).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return schema.NewErrorf(schema.ErrCodeTransport, "%s returned %d", endpoint, resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(snippet)})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewError(schema.ErrCodeTransport, fmt.Sprintf("invalid response from %s", endpoint)).WithCause(err)
	}
	return nil
}
