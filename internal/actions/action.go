// Package actions holds the collaborator services steps call out to: the
// network action executor, the text generation service and the search
// service, with HTTP JSON implementations and function adapters.
package actions

import (
	"context"
	"net/http"
)

// Response is the result of a network action.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       any               `json:"body,omitempty"`
}

// OK reports whether the status code is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NetworkExecutor performs an outbound call for action steps.
type NetworkExecutor interface {
	Invoke(ctx context.Context, method, url string, headers map[string]string, body any) (*Response, error)
}

// TextGenerator produces text from a prompt.
type TextGenerator interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// SearchResult is one ranked hit from the search service.
type SearchResult struct {
	ID      string         `json:"id,omitempty"`
	Title   string         `json:"title,omitempty"`
	Snippet string         `json:"snippet,omitempty"`
	URL     string         `json:"url,omitempty"`
	Score   float64        `json:"score,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Searcher queries the knowledge/search service.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// ExecutorFunc adapts a function to NetworkExecutor.
type ExecutorFunc func(ctx context.Context, method, url string, headers map[string]string, body any) (*Response, error)

func (f ExecutorFunc) Invoke(ctx context.Context, method, url string, headers map[string]string, body any) (*Response, error) {
	return f(ctx, method, url, headers, body)
}

// GeneratorFunc adapts a function to TextGenerator.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	return f(ctx, prompt, maxTokens)
}

// SearcherFunc adapts a function to Searcher.
type SearcherFunc func(ctx context.Context, query string, limit int) ([]SearchResult, error)

func (f SearcherFunc) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	return f(ctx, query, limit)
}

// Services groups the collaborators a step dispatcher needs. Nil members
// make the corresponding steps fail with a transport error.
type Services struct {
	Network  NetworkExecutor
	Text     TextGenerator
	Searcher Searcher
}

// NewHTTPServices wires the HTTP implementations. Empty base URLs leave the
// corresponding service unset.
func NewHTTPServices(cfg HTTPConfig, searchURL, textURL string) *Services {
	client := newClient(cfg)
	s := &Services{Network: &HTTPExecutor{client: client, maxBody: cfg.maxBody()}}
	if searchURL != "" {
		s.Searcher = &HTTPSearcher{endpoint: searchURL, client: client}
	}
	if textURL != "" {
		s.Text = &HTTPTextGenerator{endpoint: textURL, client: client}
	}
	return s
}

func newClient(cfg HTTPConfig) *http.Client {
	return &http.Client{Timeout: cfg.timeout()}
}
