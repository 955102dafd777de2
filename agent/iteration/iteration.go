// Package iteration implements the Iteration Executor: exactly one LLM
// round-trip, consuming a Stream of model.Message values into an
// IterationSummary. The executor never retries; retry policy belongs to
// the Runner.
package iteration

import (
	"context"
	"errors"
	"io"

	"github.com/stepforge/agentengine/agent/agenterr"
	"github.com/stepforge/agentengine/agent/model"
	"github.com/stepforge/agentengine/agent/sdkbridge"
	"github.com/stepforge/agentengine/internal/telemetry"
)

// Input is the contract Execute accepts.
type Input struct {
	Iteration      int
	SessionID      string
	Prompt         string
	SystemPrompt   string
	AllowedTools   []string
	PermissionMode string
}

// Output is the contract Execute returns.
type Output struct {
	Summary   model.IterationSummary
	SessionID string
}

// Executor drives one Bridge.Query call to completion.
type Executor struct {
	bridge sdkbridge.Bridge
	logger telemetry.Logger
}

// New builds an Executor over the given Bridge.
func New(bridge sdkbridge.Bridge, logger telemetry.Logger) *Executor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Executor{bridge: bridge, logger: logger}
}

// Execute opens a streamed query and consumes it in arrival order. The
// terminal "result" message fixes the session id; if none arrives before
// stream end, SessionID in the output equals Input.SessionID (the caller's
// value is carried forward unchanged).
func (e *Executor) Execute(ctx context.Context, in Input) (Output, error) {
	summary := model.IterationSummary{Iteration: in.Iteration, SessionID: in.SessionID}

	stream, err := e.bridge.Query(ctx, sdkbridge.Request{
		Prompt:         in.Prompt,
		SystemPrompt:   in.SystemPrompt,
		SessionID:      in.SessionID,
		AllowedTools:   in.AllowedTools,
		PermissionMode: in.PermissionMode,
	})
	if err != nil {
		summary.Errors = append(summary.Errors, agenterr.Wrap(agenterr.KindTransport, "bridge query failed", err))
		return Output{Summary: summary, SessionID: in.SessionID}, nil
	}
	defer stream.Close()

	sessionID := in.SessionID
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			summary.Errors = append(summary.Errors, agenterr.Wrap(agenterr.KindTransport, "stream receive failed", err))
			break
		}
		if msg.Err != nil {
			summary.Errors = append(summary.Errors, agenterr.Wrap(agenterr.KindTransport, "stream message reported failure", msg.Err))
		}

		switch msg.Kind {
		case model.KindAssistantText:
			summary.AssistantTexts = append(summary.AssistantTexts, msg.Text)
			if msg.StructuredOutput != nil {
				summary.StructuredOutput = msg.StructuredOutput
			}
		case model.KindToolUse:
			summary.AddToolName(msg.ToolName)
		case model.KindToolResult:
			if msg.ToolIsError {
				summary.Errors = append(summary.Errors, errors.New(msg.ToolResultText))
			}
		case model.KindResult:
			if msg.SessionID != "" {
				sessionID = msg.SessionID
			}
			if msg.StructuredOutput != nil {
				summary.StructuredOutput = msg.StructuredOutput
			}
			summary.Usage = msg.Usage
		case model.KindSystem:
			e.logger.Debug(ctx, "sdk system message", "stepIteration", in.Iteration, "raw", msg.Raw)
		}
	}

	summary.SessionID = sessionID
	return Output{Summary: summary, SessionID: sessionID}, nil
}
