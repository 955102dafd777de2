package sdkbridge

import (
	"context"
	"io"

	"github.com/stepforge/agentengine/agent/model"
)

// Script is one canned exchange a MockBridge replays: the messages it
// yields for the n-th call to Query, in order.
type Script struct {
	Messages []model.Message
	Err      error
}

// MockBridge replays a fixed sequence of Scripts, one per call to Query,
// regardless of the request contents. It is the bridge used by the
// end-to-end scenarios in the engine's own test suite.
type MockBridge struct {
	scripts []Script
	calls   int
}

// NewMockBridge builds a bridge that replays scripts in order. Calls past
// the end of scripts repeat the last script.
func NewMockBridge(scripts ...Script) *MockBridge {
	return &MockBridge{scripts: scripts}
}

// Calls reports how many times Query has been invoked.
func (m *MockBridge) Calls() int { return m.calls }

func (m *MockBridge) Query(_ context.Context, _ Request) (Stream, error) {
	idx := m.calls
	if idx >= len(m.scripts) {
		idx = len(m.scripts) - 1
	}
	m.calls++
	if idx < 0 {
		return &mockStream{}, nil
	}
	s := m.scripts[idx]
	if s.Err != nil {
		return nil, s.Err
	}
	return &mockStream{messages: s.Messages}, nil
}

type mockStream struct {
	messages []model.Message
	pos      int
}

func (s *mockStream) Recv() (model.Message, error) {
	if s.pos >= len(s.messages) {
		return model.Message{}, io.EOF
	}
	msg := s.messages[s.pos]
	s.pos++
	return msg, nil
}

func (s *mockStream) Close() error { return nil }
