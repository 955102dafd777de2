// Package retryformat implements the format half of the Retry /
// Format-Validation layer: decoding a step's declared responseFormat from
// the iteration's structured output / text, and assembling retry prompts
// on failure.
package retryformat

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/schema"
)

// Outcome is the result of one format-validation attempt.
type Outcome struct {
	Valid bool
	// Decoded carries the decoded object (json, action-block) or the
	// capture groups (text-pattern, keyed "0", "1", ... plus named
	// groups) on success.
	Decoded map[string]any
	// Errors names what failed, for the retry prompt and for
	// IterationSummary.Errors.
	Errors []string
}

// Checker validates assistant text / structured output against a step's
// declared ResponseFormat.
type Checker struct {
	schemaValid *schema.Validator
}

// New builds a Checker backed by the given schema Validator, used for
// ResponseFormat.Type == json.
func New(schemaValid *schema.Validator) *Checker {
	return &Checker{schemaValid: schemaValid}
}

// Check validates text/structuredOutput against format. structuredOutput
// may be nil if the assistant did not already emit a decoded object; the
// json path decodes from text in that case. The action-block path always
// locates its fenced block in text and ignores structuredOutput.
func (c *Checker) Check(format *agentdef.ResponseFormat, text string, structuredOutput map[string]any) Outcome {
	switch format.Type {
	case agentdef.FormatJSON:
		return c.checkJSON(format, text, structuredOutput)
	case agentdef.FormatTextPattern:
		return checkTextPattern(format, text)
	case agentdef.FormatActionBlock:
		return checkActionBlock(format, text)
	default:
		return Outcome{Valid: false, Errors: []string{"unknown response format type: " + string(format.Type)}}
	}
}

func (c *Checker) checkJSON(format *agentdef.ResponseFormat, text string, structuredOutput map[string]any) Outcome {
	doc := structuredOutput
	if doc == nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &doc); err != nil {
			return Outcome{Valid: false, Errors: []string{"response is not valid JSON: " + err.Error()}}
		}
	}
	if format.SchemaFile != "" {
		if err := c.schemaValid.Validate(format.SchemaFile, format.SchemaName, doc); err != nil {
			return Outcome{Valid: false, Errors: []string{err.Error()}}
		}
		return Outcome{Valid: true, Decoded: doc}
	}
	if errs := checkRequiredAndLiteral(doc, format.RequiredFields, format.LiteralFields); len(errs) > 0 {
		return Outcome{Valid: false, Errors: errs}
	}
	return Outcome{Valid: true, Decoded: doc}
}

func checkTextPattern(format *agentdef.ResponseFormat, text string) Outcome {
	re, err := regexp.Compile(format.Pattern)
	if err != nil {
		return Outcome{Valid: false, Errors: []string{"invalid pattern: " + err.Error()}}
	}
	m := re.FindStringSubmatch(text)
	if m == nil {
		return Outcome{Valid: false, Errors: []string{"response does not match required pattern"}}
	}
	decoded := make(map[string]any, len(m))
	for i, v := range m {
		decoded[fmt.Sprint(i)] = v
	}
	for i, name := range re.SubexpNames() {
		if name != "" && i < len(m) {
			decoded[name] = m[i]
		}
	}
	return Outcome{Valid: true, Decoded: decoded}
}

func checkActionBlock(format *agentdef.ResponseFormat, text string) Outcome {
	lang := format.Language
	if lang == "" {
		lang = "json"
	}
	fence := "```" + lang
	start := strings.Index(text, fence)
	if start < 0 {
		return Outcome{Valid: false, Errors: []string{fmt.Sprintf("no fenced %q code block found", lang)}}
	}
	rest := text[start+len(fence):]
	end := strings.Index(rest, "```")
	if end < 0 {
		return Outcome{Valid: false, Errors: []string{"unterminated code block"}}
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(rest[:end]), &doc); err != nil {
		return Outcome{Valid: false, Errors: []string{"action block is not valid JSON: " + err.Error()}}
	}
	if errs := checkRequiredAndLiteral(doc, format.RequiredFields, format.LiteralFields); len(errs) > 0 {
		return Outcome{Valid: false, Errors: errs}
	}
	return Outcome{Valid: true, Decoded: doc}
}

func checkRequiredAndLiteral(doc map[string]any, required []string, literal map[string]string) []string {
	var errs []string
	for _, field := range required {
		if _, ok := doc[field]; !ok {
			errs = append(errs, "missing required field: "+field)
		}
	}
	for field, want := range literal {
		got, ok := doc[field]
		if !ok {
			errs = append(errs, fmt.Sprintf("missing required field: %s", field))
			continue
		}
		if fmt.Sprint(got) != want {
			errs = append(errs, fmt.Sprintf("field %s: expected %q, got %v", field, want, got))
		}
	}
	return errs
}

// RetryPrompt builds the built-in retry template restating the error and
// the expected format, used when the step declares no retry C3L path.
func RetryPrompt(stepID string, format *agentdef.ResponseFormat, errs []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Your previous response for step %q did not match the required format (%s).\n", stepID, format.Type)
	b.WriteString("Problems found:\n")
	for _, e := range errs {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	b.WriteString("Please respond again in the exact required format.")
	return b.String()
}
