package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// httpGenerator calls a single HTTP endpoint speaking the same
// request/response shape as the exec backend, for deployments that run
// the model behind a long-lived process instead of a one-shot command.
type httpGenerator struct {
	endpoint string
	client   *http.Client
}

func NewHTTPGenerator(endpoint string) Generator {
	return &httpGenerator{endpoint: endpoint, client: http.DefaultClient}
}

type httpRequest struct {
	Stage       string  `json:"stage"`
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

type httpResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func (g *httpGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	payload := httpRequest{
		Stage:       req.Stage,
		Model:       req.Model,
		Prompt:      req.Prompt,
		System:      req.System,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("llm http backend returned status %s", resp.Status)
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fmt.Errorf("decode llm http response: %w", err)
	}

	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          decoded.Content,
		Partial:          false,
		PromptTokens:     decoded.PromptTokens,
		CompletionTokens: decoded.CompletionTokens,
		TraceID:          req.TraceID,
	})
}
