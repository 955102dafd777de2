// Package closer implements the Completion Subsystem: the strategy chosen
// by an agent's completionType, layered with the AI-declaration sub-loop
// that independently verifies a model-declared completion via validators
// and schemas before honoring it.
package closer

import (
	"context"
	"fmt"
	"strings"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/model"
	"github.com/stepforge/agentengine/agent/promptresolver"
	"github.com/stepforge/agentengine/agent/schema"
	"github.com/stepforge/agentengine/agent/validator"
)

// stepRetryState is "exhausted" once this step's completion-condition retry
// budget has run out.
type stepRetryState struct {
	attempts int
	exhausted bool
}

// Decision is the Closer's verdict for one iteration.
type Decision struct {
	Complete bool
	Reason   string

	// PendingRetryPrompt, when non-empty, must be used as the next
	// iteration's prompt in place of whatever the Flow Controller would
	// otherwise build.
	PendingRetryPrompt string

	// Exhausted reports that this step's completion-condition retry
	// budget ran out this call. It does not by itself end the run, and the
	// Runner does not add it to AgentResult.Reason; Closer.Exhausted
	// reports the same per-step state.
	Exhausted bool
}

// Closer gates termination for one run.
type Closer struct {
	def       *agentdef.AgentDefinition
	resolver  *promptresolver.Resolver
	validator *validator.Validator
	schemaV   *schema.Validator

	retryState map[string]*stepRetryState
}

// New builds a Closer for def, using resolver for retry prompts and
// validator/schemaV to evaluate completion conditions.
func New(def *agentdef.AgentDefinition, resolver *promptresolver.Resolver, v *validator.Validator, schemaV *schema.Validator) *Closer {
	return &Closer{
		def:        def,
		resolver:   resolver,
		validator:  v,
		schemaV:    schemaV,
		retryState: make(map[string]*stepRetryState),
	}
}

// Evaluate runs the completionType strategy and, if the model declared
// completion this iteration, the AI-declaration sub-loop.
func (c *Closer) Evaluate(ctx context.Context, step *agentdef.StepDefinition, iteration int, summary model.IterationSummary, vars promptresolver.Variables) (Decision, error) {
	declared := declaresCompletion(summary.StructuredOutput)
	if declared {
		return c.evaluateDeclaration(ctx, step, summary, vars)
	}

	ok, reason, err := c.evaluateStrategy(iteration, summary)
	if err != nil {
		return Decision{}, err
	}
	if ok {
		return Decision{Complete: true, Reason: reason}, nil
	}
	return Decision{}, nil
}

// declaresCompletion reports whether the structured output declares
// completion via status=="completed" or next_action.action in
// {complete, closing}. The two action spellings are kept as aliases per
// the decided open question; this check logs nothing (the deprecation
// warning for "closing" comes from the Flow Controller's routing).
func declaresCompletion(out map[string]any) bool {
	if out == nil {
		return false
	}
	if status, _ := out["status"].(string); status == "completed" {
		return true
	}
	if na, ok := out["next_action"].(map[string]any); ok {
		if action, _ := na["action"].(string); action == "complete" || action == "closing" {
			return true
		}
	}
	return false
}

func (c *Closer) evaluateStrategy(iteration int, summary model.IterationSummary) (bool, string, error) {
	switch c.def.CompletionType {
	case agentdef.CompletionIterationBudget:
		if iteration >= c.def.CompletionCfg.MaxIterations {
			return true, fmt.Sprintf("iteration budget reached (%d/%d)", iteration, c.def.CompletionCfg.MaxIterations), nil
		}
		return false, "", nil
	case agentdef.CompletionKeywordSignal:
		kw := c.def.CompletionCfg.CompletionKeyword
		for _, text := range summary.AssistantTexts {
			haystack, needle := text, kw
			if !c.def.CompletionCfg.CaseSensitive {
				haystack, needle = strings.ToLower(text), strings.ToLower(kw)
			}
			if strings.Contains(haystack, needle) {
				return true, fmt.Sprintf("completion keyword %q observed", kw), nil
			}
		}
		return false, "", nil
	case agentdef.CompletionExternalState:
		ok, err := c.probeCondition(c.def.CompletionCfg.ExternalState)
		if err != nil {
			return false, "", nil
		}
		if ok {
			return true, "external state condition satisfied", nil
		}
		return false, "", nil
	case agentdef.CompletionComposite:
		return c.evaluateComposite()
	default:
		return false, "", nil
	}
}

func (c *Closer) evaluateComposite() (bool, string, error) {
	cfg := c.def.CompletionCfg
	allOK := true
	for _, cond := range cfg.Conditions {
		ok, err := c.probeCondition(cond)
		if err != nil {
			ok = false
		}
		if ok && cfg.Mode == agentdef.CompositeAny {
			return true, "composite condition satisfied (any)", nil
		}
		if !ok {
			allOK = false
		}
	}
	if cfg.Mode == agentdef.CompositeAll && allOK {
		return true, "composite conditions satisfied (all)", nil
	}
	return false, "", nil
}

// probeCondition treats an externalState/composite condition as an opaque
// callable; non-success is "not complete", never fatal.
func (c *Closer) probeCondition(cond agentdef.CompletionCondition) (bool, error) {
	res, err := c.validator.Run(context.Background(), agentdef.ValidatorDescriptor{
		Kind:     agentdef.ValidatorState,
		Probe:    cond.Probe,
		Expected: cond.Expected,
	}, nil)
	if err != nil {
		return false, err
	}
	return res.Valid, nil
}

func (c *Closer) evaluateDeclaration(ctx context.Context, step *agentdef.StepDefinition, summary model.IterationSummary, vars promptresolver.Variables) (Decision, error) {
	if step.OutputSchemaFile != "" {
		if err := c.schemaV.Validate(step.OutputSchemaFile, step.OutputSchemaName, summary.StructuredOutput); err != nil {
			prompt := c.resolver.ResolveRetry(ctx, step, "schema_invalid", vars)
			return Decision{PendingRetryPrompt: prompt}, nil
		}
		return Decision{Complete: true, Reason: "AI-declared completion validated against output schema"}, nil
	}

	if step.Context == nil || len(step.Context.CompletionConditions) == 0 {
		return Decision{Complete: true, Reason: "AI-declared completion accepted (no completion conditions declared)"}, nil
	}

	state := c.stateFor(step.StepID, step.Context.OnFailure.MaxAttempts)
	for _, cond := range step.Context.CompletionConditions {
		res, err := c.validator.Run(ctx, cond, summary.StructuredOutput)
		if err != nil {
			return Decision{}, err
		}
		if !res.Valid {
			state.attempts++
			if state.attempts >= step.Context.OnFailure.MaxAttempts {
				state.exhausted = true
			}
			prompt := c.resolver.ResolveRetry(ctx, step, res.Pattern, vars)
			return Decision{PendingRetryPrompt: prompt, Exhausted: state.exhausted}, nil
		}
	}
	state.attempts = 0
	state.exhausted = false
	return Decision{Complete: true, Reason: "AI-declared completion verified by all completion conditions"}, nil
}

func (c *Closer) stateFor(stepID string, maxAttempts int) *stepRetryState {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	s, ok := c.retryState[stepID]
	if !ok {
		s = &stepRetryState{}
		c.retryState[stepID] = s
	}
	return s
}

// Exhausted reports whether stepID's completion-condition retry budget is
// currently exhausted.
func (c *Closer) Exhausted(stepID string) bool {
	s, ok := c.retryState[stepID]
	return ok && s.exhausted
}
