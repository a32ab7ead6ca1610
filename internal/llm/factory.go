package llm

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Config holds all generation settings.
type Config struct {
	// Models is the ordered candidate list, e.g.
	// ["gemini-2.5-flash", "gemini-2.0-flash", "openai:gpt-4o-mini"].
	Models []string
	// Timeout bounds each candidate call. Zero means no limit.
	Timeout time.Duration
	Gemini  GeminiConfig
	OpenAI  OpenAIConfig
}

// NewChainFromConfig builds the fallback chain. Backend clients are created
// lazily, only for providers that appear in the candidate list.
func NewChainFromConfig(ctx context.Context, cfg Config) (*Chain, error) {
	candidates, err := ParseCandidates(cfg.Models)
	if err != nil {
		return nil, err
	}

	var (
		genaiClient  *genai.Client
		openaiClient *openai.Client
		providers    []Provider
	)
	for _, c := range candidates {
		switch c.Provider {
		case "gemini":
			if genaiClient == nil {
				genaiClient, err = NewGenAIClient(ctx, cfg.Gemini)
				if err != nil {
					return nil, fmt.Errorf("initializing gemini candidates: %w", err)
				}
			}
			providers = append(providers, NewGeminiProvider(genaiClient, c.Model))
		case "openai":
			if openaiClient == nil {
				openaiClient = NewOpenAIClient(cfg.OpenAI)
			}
			providers = append(providers, NewOpenAIProvider(openaiClient, c.Model))
		}
	}
	return NewChain(providers...).WithTimeout(cfg.Timeout), nil
}
