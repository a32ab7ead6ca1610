package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig configures OpenAI-compatible candidates.
type OpenAIConfig struct {
	BaseURL string
	APIKey  string
}

// NewOpenAIClient creates a client for an OpenAI-compatible API.
func NewOpenAIClient(cfg OpenAIConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(config)
}

// OpenAIProvider implements Provider for one model behind an OpenAI-compatible API.
type OpenAIProvider struct {
	api   *openai.Client
	model string
}

// NewOpenAIProvider binds a model name to a shared OpenAI client.
func NewOpenAIProvider(api *openai.Client, model string) *OpenAIProvider {
	return &OpenAIProvider{api: api, model: model}
}

func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: p.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: inlineDocuments(req)},
		},
		MaxCompletionTokens: req.MaxTokens,
		Temperature:         float32(req.Temperature),
	}

	resp, err := p.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, mapOpenAIError(p.model, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model %s returned no choices: %w", p.model, ErrEmptyResponse)
	}

	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return nil, ErrEmptyResponse
	}
	slog.Debug("LLM response", "model", p.model, "chars", len(text))

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return &Response{Text: text, Model: model}, nil
}

func (p *OpenAIProvider) ModelID() string {
	return p.model
}

// inlineDocuments prepends text documents to the prompt. Chat completions
// cannot carry arbitrary binary attachments, so those are skipped.
func inlineDocuments(req Request) string {
	if len(req.Documents) == 0 {
		return req.Prompt
	}
	var sb strings.Builder
	for _, d := range req.Documents {
		if !d.IsText() {
			slog.Debug("skipping non-text reference document", "name", d.Name, "mime", d.MIMEType)
			continue
		}
		sb.WriteString("<reference name=\"" + d.Name + "\">\n")
		sb.Write(d.Data)
		sb.WriteString("\n</reference>\n\n")
	}
	sb.WriteString(req.Prompt)
	return sb.String()
}

func mapOpenAIError(model string, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return &ErrRateLimit{Err: err}
	}
	return &ErrProviderUnavailable{Model: model, Err: err}
}
