package mocks

import (
	"context"
	"sync"

	"github.com/phrazzld/medforge/internal/generation"
)

// Response is one scripted backend reply.
type Response struct {
	Text string
	Err  error
}

// MockBackend implements generation.Backend for testing.
type MockBackend struct {
	Desc generation.ProviderDescriptor

	// CallFn allows test cases to mock the Call behavior. It receives the
	// 1-based call number.
	CallFn func(ctx context.Context, n int, request string) (string, error)

	// Responses are returned in order when CallFn is nil; the last entry
	// repeats once the script runs out.
	Responses []Response

	mu       sync.Mutex
	requests []string
}

var _ generation.Backend = (*MockBackend)(nil)

// NewMockBackend creates a MockBackend with the given name and credential presence.
func NewMockBackend(name string, hasCredential bool) *MockBackend {
	return &MockBackend{
		Desc: generation.ProviderDescriptor{
			Name:          name,
			Endpoint:      "mock:" + name,
			HasCredential: hasCredential,
		},
	}
}

// NewMockBackendWithText creates an available MockBackend that always answers text.
func NewMockBackendWithText(name, text string) *MockBackend {
	b := NewMockBackend(name, true)
	b.Responses = []Response{{Text: text}}
	return b
}

// NewMockBackendWithError creates an available MockBackend that always fails with err.
func NewMockBackendWithError(name string, err error) *MockBackend {
	b := NewMockBackend(name, true)
	b.Responses = []Response{{Err: err}}
	return b
}

// Descriptor implements generation.Backend.
func (m *MockBackend) Descriptor() generation.ProviderDescriptor {
	return m.Desc
}

// Call implements generation.Backend. Calls on a backend without a
// credential are counted but always return generation.ErrUnavailable.
func (m *MockBackend) Call(ctx context.Context, request string) (string, error) {
	m.mu.Lock()
	m.requests = append(m.requests, request)
	n := len(m.requests)
	var resp Response
	if len(m.Responses) > 0 {
		idx := n - 1
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		resp = m.Responses[idx]
	}
	m.mu.Unlock()

	if !m.Desc.HasCredential {
		return "", generation.ErrUnavailable
	}
	if m.CallFn != nil {
		return m.CallFn(ctx, n, request)
	}
	return resp.Text, resp.Err
}

// Calls returns how many times Call was invoked.
func (m *MockBackend) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request passed to Call.
func (m *MockBackend) Requests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.requests))
	copy(out, m.requests)
	return out
}

// Reset clears the call tracking state.
func (m *MockBackend) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}
