package llm

import (
	"context"
	"sync"
)

// MockClient is a scripted Client for tests. Responses and errors are
// consumed in order; the last entry repeats once the script runs out.
type MockClient struct {
	mu        sync.Mutex
	responses []CompletionResponse
	errs      []error
	calls     []CompletionRequest
	index     int
}

// NewMockClient creates a mock that replays the given responses.
func NewMockClient(responses ...CompletionResponse) *MockClient {
	return &MockClient{responses: responses}
}

// NewMockClientWithErrors creates a mock whose i-th call returns
// responses[i] or errs[i] (a non-nil error wins).
func NewMockClientWithErrors(responses []CompletionResponse, errs []error) *MockClient {
	return &MockClient{responses: responses, errs: errs}
}

// ModelName implements Client.
func (m *MockClient) ModelName() string {
	return "mock"
}

// Complete implements Client.
func (m *MockClient) Complete(_ context.Context, in CompletionRequest) (CompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, in)
	i := m.index
	if m.index < len(m.responses)-1 || m.index < len(m.errs)-1 {
		m.index++
	}

	if i < len(m.errs) && m.errs[i] != nil {
		return CompletionResponse{}, m.errs[i]
	}
	if i < len(m.responses) {
		return m.responses[i], nil
	}
	return CompletionResponse{}, NewError(ErrorTypeEmptyResponse, "mock script exhausted")
}

// Calls returns a copy of all requests seen so far.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CompletionRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
