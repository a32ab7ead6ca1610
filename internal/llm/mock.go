package llm

import (
	"context"
	"sync"
)

// MockResponse is a canned response for the MockProvider.
type MockResponse struct {
	Text string
	Err  error
}

// MockProvider is a deterministic Provider for testing.
// It returns canned responses in FIFO order and records all requests.
type MockProvider struct {
	mu        sync.Mutex
	model     string
	responses []MockResponse
	// Fallback is returned when the queue is empty. A nil Fallback.Err with
	// empty Text yields ErrProviderUnavailable.
	Fallback MockResponse
	Calls    []Request
}

// NewMockProvider creates a MockProvider with the given canned responses.
func NewMockProvider(model string, responses ...MockResponse) *MockProvider {
	return &MockProvider{model: model, responses: responses}
}

func (m *MockProvider) Generate(_ context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, req)

	resp := m.Fallback
	if len(m.responses) > 0 {
		resp = m.responses[0]
		m.responses = m.responses[1:]
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if resp.Text == "" {
		return nil, &ErrProviderUnavailable{Model: m.model}
	}
	return &Response{Text: resp.Text, Model: m.model}, nil
}

func (m *MockProvider) ModelID() string {
	return m.model
}

// CallCount returns the number of Generate calls made.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}
