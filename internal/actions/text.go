package actions

import (
	"context"
	"net/http"

	"github.com/rendis/flowgate/pkg/schema"
)

// HTTPTextGenerator calls a completion endpoint that accepts
// {"prompt","maxTokens"} and replies {"text"}.
type HTTPTextGenerator struct {
	endpoint string
	client   *http.Client
}

// NewHTTPTextGenerator creates an HTTPTextGenerator for endpoint.
func NewHTTPTextGenerator(endpoint string, cfg HTTPConfig) *HTTPTextGenerator {
	return &HTTPTextGenerator{endpoint: endpoint, client: newClient(cfg)}
}

type generateRequest struct {
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

type generateResponse struct {
	Text string `json:"text"`
}

// Generate returns the completion for prompt.
func (g *HTTPTextGenerator) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	var out generateResponse
	if err := postJSON(ctx, g.client, g.endpoint, generateRequest{Prompt: prompt, MaxTokens: maxTokens}, &out); err != nil {
		return "", err
	}
	if out.Text == "" {
		return "", schema.NewError(schema.ErrCodeTransport, "text generation returned no text")
	}
	return out.Text, nil
}
