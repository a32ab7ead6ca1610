package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"
)

// Backend selects how Gemini models are reached.
type Backend string

const (
	// BackendGemini calls the Gemini Developer API with an API key.
	BackendGemini Backend = "gemini"
	// BackendVertex calls Vertex AI using application default credentials.
	BackendVertex Backend = "vertex"
)

// GeminiConfig holds the shared client settings for Gemini-family candidates.
type GeminiConfig struct {
	Backend  Backend
	APIKey   string // Gemini API only
	Project  string // Vertex AI only
	Location string // Vertex AI only
}

// NewGenAIClient creates the shared genai client for the configured backend.
func NewGenAIClient(ctx context.Context, cfg GeminiConfig) (*genai.Client, error) {
	cc := &genai.ClientConfig{}
	switch cfg.Backend {
	case BackendVertex:
		if cfg.Project == "" {
			return nil, fmt.Errorf("vertex project is required")
		}
		cc.Backend = genai.BackendVertexAI
		cc.Project = cfg.Project
		cc.Location = cfg.Location
		if cc.Location == "" {
			cc.Location = "us-central1"
		}
	case BackendGemini, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("gemini API key is required")
		}
		cc.Backend = genai.BackendGeminiAPI
		cc.APIKey = cfg.APIKey
	default:
		return nil, fmt.Errorf("unknown gemini backend: %q", cfg.Backend)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return client, nil
}

// GeminiProvider implements Provider for one Gemini model.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider binds a model name to a shared genai client.
func NewGeminiProvider(client *genai.Client, model string) *GeminiProvider {
	return &GeminiProvider{client: client, model: model}
}

func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	config := &genai.GenerateContentConfig{}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		config.Temperature = &temp
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, buildGeminiContents(req), config)
	if err != nil {
		return nil, mapGeminiError(p.model, err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return nil, ErrEmptyResponse
	}
	return &Response{Text: text, Model: p.model}, nil
}

func (p *GeminiProvider) ModelID() string {
	return p.model
}

// buildGeminiContents places reference documents before the prompt text in a single user turn.
func buildGeminiContents(req Request) []*genai.Content {
	parts := make([]*genai.Part, 0, len(req.Documents)+1)
	for _, d := range req.Documents {
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{Data: d.Data, MIMEType: d.MIMEType},
		})
	}
	parts = append(parts, &genai.Part{Text: req.Prompt})
	return []*genai.Content{{Role: "user", Parts: parts}}
}

func mapGeminiError(model string, err error) error {
	var apiErr *genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusTooManyRequests {
		return &ErrRateLimit{Err: err}
	}
	return &ErrProviderUnavailable{Model: model, Err: err}
}
