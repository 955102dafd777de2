package retryformat

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/schema"
)

func TestCheck_JSONWithRequiredAndLiteralFields(t *testing.T) {
	c := New(schema.New())
	format := &agentdef.ResponseFormat{
		Type:           agentdef.FormatJSON,
		RequiredFields: []string{"action"},
		LiteralFields:  map[string]string{"status": "ok"},
	}

	out := c.Check(format, `{"action": "next", "status": "ok"}`, nil)
	assert.True(t, out.Valid)

	out = c.Check(format, `{"action": "next", "status": "bad"}`, nil)
	assert.False(t, out.Valid)
	assert.NotEmpty(t, out.Errors)
}

func TestCheck_JSONInvalidSyntax(t *testing.T) {
	c := New(schema.New())
	format := &agentdef.ResponseFormat{Type: agentdef.FormatJSON}
	out := c.Check(format, "not json", nil)
	assert.False(t, out.Valid)
}

func TestCheck_JSONPrefersAlreadyDecodedStructuredOutput(t *testing.T) {
	c := New(schema.New())
	format := &agentdef.ResponseFormat{Type: agentdef.FormatJSON, RequiredFields: []string{"action"}}
	out := c.Check(format, "ignored text", map[string]any{"action": "next"})
	assert.True(t, out.Valid)
}

func TestCheck_TextPattern(t *testing.T) {
	c := New(schema.New())
	format := &agentdef.ResponseFormat{Type: agentdef.FormatTextPattern, Pattern: `^DONE: (?P<reason>.+)$`}

	out := c.Check(format, "DONE: all tests pass", nil)
	require.True(t, out.Valid)
	assert.Equal(t, "all tests pass", out.Decoded["reason"])

	out = c.Check(format, "not matching", nil)
	assert.False(t, out.Valid)
}

func TestCheck_ActionBlock(t *testing.T) {
	c := New(schema.New())
	format := &agentdef.ResponseFormat{
		Type:           agentdef.FormatActionBlock,
		RequiredFields: []string{"action"},
	}
	text := "Here is my plan:\n```json\n{\"action\": \"next\"}\n```\nDone."
	out := c.Check(format, text, nil)
	require.True(t, out.Valid)
	assert.Equal(t, "next", out.Decoded["action"])
}

func TestCheck_ActionBlockMissingFence(t *testing.T) {
	c := New(schema.New())
	format := &agentdef.ResponseFormat{Type: agentdef.FormatActionBlock}
	out := c.Check(format, "no code block here", nil)
	assert.False(t, out.Valid)
}

func TestRetryPrompt_MentionsStepAndErrors(t *testing.T) {
	format := &agentdef.ResponseFormat{Type: agentdef.FormatJSON}
	prompt := RetryPrompt("plan", format, []string{"missing required field: action"})
	assert.Contains(t, prompt, "plan")
	assert.Contains(t, prompt, "missing required field: action")
}
