package sdkbridge

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"

	"github.com/stepforge/agentengine/agent/model"
)

// MessagesClient captures the subset of the Anthropic SDK used by the
// adapter, so tests can substitute a fake without a live API key.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicBridge implements Bridge on top of the Anthropic Messages API.
// One session id maps 1:1 to one conversation's accumulated message
// history, since the Messages API itself is stateless per call.
type AnthropicBridge struct {
	msg   MessagesClient
	model string

	mu       sync.Mutex
	sessions map[string][]sdk.MessageParam
}

// NewAnthropicBridge builds a bridge from an API key and a model identifier
// (e.g. string(sdk.ModelClaudeSonnet4_5_20250929)).
func NewAnthropicBridge(apiKey, modelID string) *AnthropicBridge {
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicBridge{
		msg:      &client.Messages,
		model:    modelID,
		sessions: make(map[string][]sdk.MessageParam),
	}
}

func (b *AnthropicBridge) Query(ctx context.Context, req Request) (Stream, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	b.mu.Lock()
	history := append([]sdk.MessageParam{}, b.sessions[sessionID]...)
	b.mu.Unlock()
	history = append(history, sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)))

	params := sdk.MessageNewParams{
		Model:     sdk.Model(b.model),
		MaxTokens: 4096,
		Messages:  history,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}

	stream := b.msg.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return newAnthropicStream(b, sessionID, history, stream), nil
}

func (b *AnthropicBridge) commitSession(sessionID string, history []sdk.MessageParam, assistant sdk.MessageParam) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = append(append([]sdk.MessageParam{}, history...), assistant)
}

// anthropicStream drains one Anthropic SSE stream and translates its events
// into model.Message values. Recv advances the SSE stream one event at a
// time only when no translated message is buffered, so the stream's
// Next/Current pair is never exposed directly behind the Recv contract.
type anthropicStream struct {
	bridge    *AnthropicBridge
	sessionID string
	history   []sdk.MessageParam
	raw       *ssestream.Stream[sdk.MessageStreamEventUnion]

	pending     []model.Message
	pos         int
	textBuf     strings.Builder
	toolInputs  map[int]*strings.Builder
	toolNames   map[int]string
	toolIDs     map[int]string
	done        bool
}

func newAnthropicStream(bridge *AnthropicBridge, sessionID string, history []sdk.MessageParam, raw *ssestream.Stream[sdk.MessageStreamEventUnion]) *anthropicStream {
	return &anthropicStream{
		bridge:     bridge,
		sessionID:  sessionID,
		history:    history,
		raw:        raw,
		toolInputs: make(map[int]*strings.Builder),
		toolNames:  make(map[int]string),
		toolIDs:    make(map[int]string),
	}
}

func (s *anthropicStream) Recv() (model.Message, error) {
	for s.pos >= len(s.pending) && !s.done {
		if err := s.advance(); err != nil {
			return model.Message{}, err
		}
	}
	if s.pos >= len(s.pending) {
		return model.Message{}, io.EOF
	}
	msg := s.pending[s.pos]
	s.pos++
	return msg, nil
}

// advance pulls one underlying SSE event and appends zero or more
// normalized messages to pending.
func (s *anthropicStream) advance() error {
	if !s.raw.Next() {
		s.done = true
		return s.raw.Err()
	}
	event := s.raw.Current()
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.toolNames[int(ev.Index)] = toolUse.Name
			s.toolIDs[int(ev.Index)] = toolUse.ID
			s.toolInputs[int(ev.Index)] = &strings.Builder{}
		}
	case sdk.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			s.textBuf.WriteString(d.Text)
		case sdk.InputJSONDelta:
			if b, ok := s.toolInputs[int(ev.Index)]; ok {
				b.WriteString(d.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		if name, ok := s.toolNames[int(ev.Index)]; ok {
			var input any
			_ = json.Unmarshal([]byte(s.toolInputs[int(ev.Index)].String()), &input)
			s.pending = append(s.pending, model.Message{
				Kind:      model.KindToolUse,
				ToolName:  name,
				ToolInput: input,
			})
		}
	case sdk.MessageDeltaEvent:
		// stop_reason carried here; nothing to normalize beyond usage below.
	case sdk.MessageStopEvent:
		text := s.textBuf.String()
		if text != "" {
			msg := model.Message{Kind: model.KindAssistantText, Text: text}
			if structured, ok := extractJSONBlock(text); ok {
				msg.StructuredOutput = structured
			}
			s.pending = append(s.pending, msg)
		}
		s.pending = append(s.pending, model.Message{Kind: model.KindResult, SessionID: s.sessionID})
		s.bridge.commitSession(s.sessionID, s.history, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		s.done = true
	}
	return nil
}

func (s *anthropicStream) Close() error {
	return s.raw.Close()
}

// extractJSONBlock locates a fenced ```json code block in text and decodes
// it. The Iteration Executor does not decode assistant text itself; it
// uses whatever StructuredOutput the bridge attaches to a message.
func extractJSONBlock(text string) (map[string]any, bool) {
	const fence = "```json"
	start := strings.Index(text, fence)
	if start < 0 {
		return nil, false
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return nil, false
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(rest[:end]), &out); err != nil {
		return nil, false
	}
	return out, true
}
