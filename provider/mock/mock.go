// Package mock provides a scripted chat provider for tests and offline runs.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/GoCodeAlone/planwright/provider"
)

const defaultResponse = `{"ref":"t1","kind":"modify-artifact","name":"Apply change","description":"Apply the requested change","duration":"5m","priority":1,"inputs":{}}`

// MockProvider implements provider.Provider with scripted replies. It is
// safe for concurrent use.
type MockProvider struct {
	mu        sync.Mutex
	responses []string
	idx       int
	requests  []provider.Request
}

// New creates a MockProvider that cycles through the given responses.
func New(responses ...string) *MockProvider {
	return &MockProvider{responses: responses}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string { return "mock" }

// Requests returns every request received so far.
func (m *MockProvider) Requests() []provider.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]provider.Request(nil), m.requests...)
}

func (m *MockProvider) next(req provider.Request) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if len(m.responses) == 0 {
		return defaultResponse
	}
	resp := m.responses[m.idx%len(m.responses)]
	m.idx++
	return resp
}

// Chat returns the next scripted response, cycling through the queue.
func (m *MockProvider) Chat(_ context.Context, req provider.Request) (*provider.Response, error) {
	return &provider.Response{Content: m.next(req)}, nil
}

// Stream emits the next scripted response one line per text event.
func (m *MockProvider) Stream(ctx context.Context, req provider.Request) (<-chan provider.StreamEvent, error) {
	content := m.next(req)
	lines := strings.SplitAfter(content, "\n")

	ch := make(chan provider.StreamEvent, len(lines)+1)
	go func() {
		defer close(ch)
		for _, line := range lines {
			select {
			case ch <- provider.StreamEvent{Type: provider.EventText, Text: line}:
			case <-ctx.Done():
				return
			}
		}
		ch <- provider.StreamEvent{
			Type:  provider.EventDone,
			Usage: &provider.Usage{OutputTokens: len(content)},
		}
	}()
	return ch, nil
}
