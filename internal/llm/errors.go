package llm

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyResponse is returned when a backend answers with no text.
var ErrEmptyResponse = errors.New("model returned empty text")

// ErrRateLimit indicates the backend returned a rate limit error (429).
type ErrRateLimit struct {
	RetryAfter time.Duration
	Err        error
}

func (e *ErrRateLimit) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}

func (e *ErrRateLimit) Unwrap() error { return e.Err }

// ErrProviderUnavailable indicates the backend is down, unreachable, or rejected the model.
type ErrProviderUnavailable struct {
	Model string
	Err   error
}

func (e *ErrProviderUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("model %s unavailable: %v", e.Model, e.Err)
	}
	return fmt.Sprintf("model %s unavailable", e.Model)
}

func (e *ErrProviderUnavailable) Unwrap() error { return e.Err }

// Attempt records one failed candidate in a Chain.
type Attempt struct {
	Model string
	Err   error
}

// ErrAllCandidatesFailed is returned by Chain when every candidate failed.
type ErrAllCandidatesFailed struct {
	Attempts []Attempt
}

func (e *ErrAllCandidatesFailed) Error() string {
	if len(e.Attempts) == 0 {
		return "no generation candidates configured"
	}
	models := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		models[i] = a.Model
	}
	return fmt.Sprintf("all models failed (%s): %v", strings.Join(models, ", "), e.Last())
}

// Last returns the error of the final attempt, or nil if there were none.
func (e *ErrAllCandidatesFailed) Last() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

func (e *ErrAllCandidatesFailed) Unwrap() error { return e.Last() }
