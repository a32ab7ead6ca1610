package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/opi/internal/metrics"
)

// Chain tries an ordered list of candidate providers and returns the first
// success. Any error from a candidate, including its own timeout, moves on to
// the next one; only a done parent context stops the walk early.
type Chain struct {
	candidates []Provider
	timeout    time.Duration
}

// NewChain creates a Chain over the given candidates, tried in order.
func NewChain(candidates ...Provider) *Chain {
	return &Chain{candidates: candidates}
}

// WithTimeout bounds each candidate call separately. Zero means no limit.
func (c *Chain) WithTimeout(d time.Duration) *Chain {
	c.timeout = d
	return c
}

func (c *Chain) Generate(ctx context.Context, req Request) (*Response, error) {
	failed := &ErrAllCandidatesFailed{}
	for i, p := range c.candidates {
		resp, err := c.try(ctx, p, req)
		if err == nil {
			if i > 0 {
				slog.Info("generation served by fallback model", "model", p.ModelID(), "position", i)
			}
			return resp, nil
		}
		failed.Attempts = append(failed.Attempts, Attempt{Model: p.ModelID(), Err: err})
		metrics.GenerationFailures.WithLabelValues(p.ModelID()).Inc()
		slog.Warn("generation candidate failed", "model", p.ModelID(), "error", err)

		if ctx.Err() != nil {
			break
		}
	}
	return nil, failed
}

func (c *Chain) try(ctx context.Context, p Provider, req Request) (*Response, error) {
	if c.timeout <= 0 {
		return p.Generate(ctx, req)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return p.Generate(ctx, req)
}

// ModelID returns the first candidate's model, or "none" for an empty chain.
func (c *Chain) ModelID() string {
	if len(c.candidates) == 0 {
		return "none"
	}
	return c.candidates[0].ModelID()
}

// Models lists candidate model identifiers in try order.
func (c *Chain) Models() []string {
	out := make([]string, len(c.candidates))
	for i, p := range c.candidates {
		out[i] = p.ModelID()
	}
	return out
}

// Candidate is one parsed entry of the gen-models list.
type Candidate struct {
	Provider string // "gemini" or "openai"
	Model    string
}

// ParseCandidates parses entries of the form "model" or "provider:model".
// Entries without a provider prefix default to gemini.
func ParseCandidates(entries []string) ([]Candidate, error) {
	var out []Candidate
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		provider, model, found := strings.Cut(e, ":")
		if !found {
			provider, model = "gemini", e
		}
		provider = strings.ToLower(strings.TrimSpace(provider))
		model = strings.TrimSpace(model)
		if model == "" {
			return nil, fmt.Errorf("candidate %q: empty model name", e)
		}
		switch provider {
		case "gemini", "openai":
		default:
			return nil, fmt.Errorf("candidate %q: unknown provider %q", e, provider)
		}
		out = append(out, Candidate{Provider: provider, Model: model})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one generation model is required")
	}
	return out, nil
}
