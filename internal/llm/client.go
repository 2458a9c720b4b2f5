package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// chatClient speaks the chat/completions dialect shared by every supported
// provider. Providers differ only in endpoint and auth header.
type chatClient struct {
	provider Provider
	model    string
	endpoint string
	headers  map[string]string
	extra    map[string]any
	http     *http.Client
	log      *slog.Logger
}

type chatRequest struct {
	Model          string            `json:"model,omitempty"`
	Messages       []Message         `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *chatClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("%s: no messages", c.provider)
	}

	body := chatRequest{
		Model:       c.model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
	}
	if body.Temperature == nil {
		if t, ok := c.extra["temperature"].(float64); ok {
			body.Temperature = &t
		}
	}
	if req.JSONMode {
		body.ResponseFormat = map[string]string{"type": "json_object"}
	}

	raw, status, err := sendJSON(ctx, c.http, c.endpoint, body, c.headers, c.log)
	if err != nil {
		if status != 0 {
			return "", fmt.Errorf("%s status %d: %s", c.provider, status, truncate(string(raw), 256))
		}
		return "", fmt.Errorf("%s: %w", c.provider, err)
	}

	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return "", fmt.Errorf("decode %s response: %w", c.provider, err)
	}
	if cr.Error != nil {
		return "", fmt.Errorf("%s: %s", c.provider, cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("no choices in %s response", c.provider)
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
