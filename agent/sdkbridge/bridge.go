// Package sdkbridge defines the opaque LLM transport boundary: a Bridge
// accepts a prompt and session id and yields a Stream of model.Message
// values. The engine never depends on a provider SDK directly; adapters
// (mock, Anthropic) live in this package and normalize their wire formats
// into the model package's discriminated union.
package sdkbridge

import (
	"context"

	"github.com/stepforge/agentengine/agent/model"
)

// Request is the input to one Bridge.Query call: exactly the contract the
// Iteration Executor needs to hand to the opaque SDK transport.
type Request struct {
	// Prompt is the resolved user-turn prompt for this iteration.
	Prompt string
	// SystemPrompt is the resolved system prompt, if the step declares one.
	SystemPrompt string
	// SessionID carries the prior iteration's session id forward, or empty
	// to start a new session.
	SessionID string
	// AllowedTools and PermissionMode are forwarded opaquely to the
	// transport; the engine never interprets them.
	AllowedTools   []string
	PermissionMode string
}

// Stream yields model.Message values in arrival order. Recv returns
// (Message{}, io.EOF) once the stream is exhausted cleanly; any other error
// is a transport failure.
type Stream interface {
	Recv() (model.Message, error)
	Close() error
}

// Bridge is the opaque SDK transport boundary. Implementations may hold a
// live connection to a provider (Anthropic) or replay canned messages
// (mock, for tests).
type Bridge interface {
	Query(ctx context.Context, req Request) (Stream, error)
}
