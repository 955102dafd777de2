// Package model defines the provider-agnostic types exchanged between the
// Iteration Executor and the SDK bridge: one discriminated union of message
// kinds at the bridge boundary (per the design note on avoiding ad-hoc
// structural typing of SDK messages), and the IterationSummary the executor
// accumulates from them.
package model

// Kind identifies the semantic category of a streamed SDK message. The
// Iteration Executor switches on Kind rather than on message shape.
type Kind string

const (
	KindAssistantText Kind = "assistant_text"
	KindToolUse       Kind = "tool_use"
	KindToolResult    Kind = "tool_result"
	KindResult        Kind = "result"
	KindSystem        Kind = "system"
)

// Message is the single discriminated union every SDK bridge adapter
// normalizes its provider-specific stream into. Only the fields relevant to
// Kind are populated; callers must switch on Kind before reading them.
type Message struct {
	Kind Kind

	// Text carries the assistant's visible text for KindAssistantText.
	Text string

	// ToolName and ToolInput carry a requested tool invocation for
	// KindToolUse.
	ToolName  string
	ToolInput any

	// ToolUseID correlates KindToolResult back to the KindToolUse that
	// requested it.
	ToolUseID string
	// ToolResultText is the tool output (or error text) for KindToolResult.
	ToolResultText string
	// ToolIsError reports whether ToolResultText represents a tool failure.
	ToolIsError bool

	// SessionID is set on KindResult; it fixes the session id the caller
	// must carry into the next iteration.
	SessionID string
	// Usage carries provider-reported cost/token/turn counters from a
	// KindResult message, when the SDK supplies them.
	Usage *Usage
	// Err is set on KindResult (or any kind) when the stream reports a
	// transport-level failure for this message.
	Err error

	// StructuredOutput is the decoded JSON object extracted from a fenced
	// code block or typed structured-output message, when present. Only
	// ever set on KindAssistantText or KindResult messages.
	StructuredOutput map[string]any

	// Raw is the unparsed system payload for KindSystem messages. The
	// executor logs it but never branches control flow on it.
	Raw string
}

// Usage reports per-iteration cost and token statistics, surfaced verbatim
// in the user-visible summary on success per the external-interfaces
// contract.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Turns        int
}

// IterationSummary is the record of one LLM round-trip, accumulated by the
// Iteration Executor from a Message stream. Once appended, its values are
// never revised.
type IterationSummary struct {
	// Iteration is 1-based.
	Iteration int
	// SessionID is the session the SDK assigned or carried forward.
	SessionID string
	// AssistantTexts is the ordered list of assistant text responses.
	AssistantTexts []string
	// ToolNames is the set of tool names observed, insertion order
	// preserved but never containing duplicates.
	ToolNames []string
	// Errors is the ordered list of errors surfaced by the SDK stream.
	Errors []error
	// StructuredOutput is the last decoded JSON object the assistant
	// emitted this iteration, if any.
	StructuredOutput map[string]any
	// Usage mirrors the terminal result message's usage stats, if the SDK
	// supplied one.
	Usage *Usage
}

// AddToolName appends name to ToolNames if not already present.
func (s *IterationSummary) AddToolName(name string) {
	for _, n := range s.ToolNames {
		if n == name {
			return
		}
	}
	s.ToolNames = append(s.ToolNames, name)
}
