package llmclient

import (
	"context"
	"fmt"
	"sync"
)

// Mock is a scripted Client for tests: each call to Chat returns the
// next entry in Script, in order, regardless of what was asked for
// (spec §4.7: "a mock client returning scripted responses for tests").
type Mock struct {
	mu     sync.Mutex
	Script []Response
	calls  int

	// Requests records every (messages, tools) pair Chat was called
	// with, for assertions about what the Coder Stage actually sent.
	Requests []MockRequest
}

// MockRequest captures one call made to a Mock client.
type MockRequest struct {
	Model    string
	Messages []Message
	Tools    []ToolSchema
}

// NewMock returns a Mock that replays script in order.
func NewMock(script ...Response) *Mock {
	return &Mock{Script: script}
}

func (m *Mock) Chat(_ context.Context, model string, messages []Message, tools []ToolSchema) (Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, MockRequest{Model: model, Messages: append([]Message(nil), messages...), Tools: tools})

	if m.calls >= len(m.Script) {
		return Response{}, fmt.Errorf("llmclient: mock script exhausted after %d calls", m.calls)
	}
	response := m.Script[m.calls]
	m.calls++
	return response, nil
}
