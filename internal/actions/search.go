package actions

import (
	"context"
	"net/http"
)

// HTTPSearcher calls a search endpoint that accepts {"query","limit"} and
// replies {"results": [...]} ranked best first.
type HTTPSearcher struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSearcher creates an HTTPSearcher for endpoint.
func NewHTTPSearcher(endpoint string, cfg HTTPConfig) *HTTPSearcher {
	return &HTTPSearcher{endpoint: endpoint, client: newClient(cfg)}
}

type searchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search returns at most limit results for query.
func (s *HTTPSearcher) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	var out searchResponse
	if err := postJSON(ctx, s.client, s.endpoint, searchRequest{Query: query, Limit: limit}, &out); err != nil {
		return nil, err
	}
	if limit > 0 && len(out.Results) > limit {
		out.Results = out.Results[:limit]
	}
	return out.Results, nil
}
