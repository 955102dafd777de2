// Package flow implements the Flow Controller: step selection, gate
// interpretation, routing, and handoff capture.
package flow

import (
	"context"
	"strings"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/agenterr"
	"github.com/stepforge/agentengine/agent/stepcontext"
	"github.com/stepforge/agentengine/internal/telemetry"
)

// StepLoopLimit is the default ceiling on consecutive routings to the same
// stepId without intervening progress.
const StepLoopLimit = 10

// RouteResult is returned by RouteFrom.
type RouteResult struct {
	NextStepID       string
	SignalCompletion bool
}

// Controller owns currentStepId, the iteration counter, and the step-loop
// guard. It is confined to one run.
type Controller struct {
	registry *agentdef.StepRegistry
	stepCtx  *stepcontext.StepContext
	logger   telemetry.Logger

	current    string
	iteration  int
	started    bool
	repeatRun  string
	repeatRuns int

	// final is set once a routing decision carries SignalCompletion with a
	// real next step: the flow has one more step to run (the declared
	// completion step) before the run ends.
	final bool
}

// Final reports whether the current step is the flow's declared final
// step: the previous routing decision signaled completion with a real
// target. The Runner skips the Closer for the step that routed here; the
// final step itself is still evaluated by the Closer as usual.
func (c *Controller) Final() bool { return c.final }

// New builds a Controller over registry and stepCtx. entryStepID is the
// resolved entry point (agentdef.StepRegistry.ResolveEntryStep).
func New(registry *agentdef.StepRegistry, stepCtx *stepcontext.StepContext, entryStepID string) *Controller {
	return &Controller{registry: registry, stepCtx: stepCtx, current: entryStepID, logger: telemetry.NewNoopLogger()}
}

// WithLogger attaches logger, used to warn each time a step's output uses
// the deprecated "closing" intent spelling. Optional; a Controller built via New alone logs
// nothing.
func (c *Controller) WithLogger(logger telemetry.Logger) *Controller {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// CurrentStepID never returns empty while the flow is incomplete.
func (c *Controller) CurrentStepID() string { return c.current }

// StartIteration increments the iteration counter; for iteration 1 it
// resolves to the entry step, for later iterations it returns the step
// chosen by the previous iteration's gate interpretation.
func (c *Controller) StartIteration() string {
	c.iteration++
	c.started = true
	return c.current
}

// RecordOutput resolves each handoffFields path from structuredOutput and
// writes the result into the StepContext under stepId.
func (c *Controller) RecordOutput(stepID string, handoffFields []string, structuredOutput map[string]any) {
	if len(handoffFields) == 0 {
		return
	}
	values := make(map[string]any, len(handoffFields))
	for _, path := range handoffFields {
		if v, ok := lookupDotted(structuredOutput, path); ok {
			values[path] = v
		}
	}
	c.stepCtx.Set(stepID, values)
}

// RouteFrom extracts the intent from structuredOutput via the step's gate,
// looks up the transition, enforces the step-loop guard, and advances
// Controller's current step unless the flow signals completion.
func (c *Controller) RouteFrom(stepID string, structuredOutput map[string]any) (RouteResult, error) {
	c.final = false
	step, ok := c.registry.Steps[stepID]
	if !ok || step.StructuredGate == nil {
		return RouteResult{}, agenterr.Newf(agenterr.KindConfiguration, "step %q has no structuredGate", stepID)
	}
	gate := step.StructuredGate

	intent, found := lookupDotted(structuredOutput, gate.IntentField)
	intentStr, _ := intent.(string)
	if !found || !containsIntent(gate.AllowedIntents, intentStr) {
		intentStr = gate.FallbackIntent
	}
	if intentStr == "" {
		return RouteResult{}, agenterr.Newf(agenterr.KindConfiguration,
			"step %q: structured output missing intentField %q and no fallbackIntent declared", stepID, gate.IntentField)
	}

	// "closing" is a deprecated spelling of "complete"; preserve the alias
	// but warn once per occurrence, per the decided open question.
	if intentStr == "closing" {
		c.logger.Warn(context.Background(), "step uses deprecated intent spelling \"closing\", use \"complete\"", "stepId", stepID)
		intentStr = agentdef.TargetComplete
	}

	target, hasTarget := step.Transitions[intentStr]

	// intent == complete signals end-of-flow. When the transition also
	// names a real step (the registry's designated completion step), that
	// step still runs once more before the run ends; otherwise the flow
	// ends immediately with no further step.
	if intentStr == agentdef.TargetComplete {
		if !hasTarget || target == agentdef.TargetComplete {
			return RouteResult{SignalCompletion: true}, nil
		}
		if _, ok := c.registry.Steps[target]; !ok {
			return RouteResult{}, agenterr.Newf(agenterr.KindConfiguration,
				"step %q routes to undefined step %q", stepID, target)
		}
		if err := c.guardLoop(target); err != nil {
			return RouteResult{}, err
		}
		c.current = target
		c.final = true
		return RouteResult{NextStepID: target, SignalCompletion: true}, nil
	}

	if !hasTarget {
		return RouteResult{}, agenterr.Newf(agenterr.KindConfiguration,
			"step %q has no transition for intent %q", stepID, intentStr)
	}
	if target == agentdef.TargetComplete {
		return RouteResult{SignalCompletion: true}, nil
	}
	if _, ok := c.registry.Steps[target]; !ok {
		return RouteResult{}, agenterr.Newf(agenterr.KindConfiguration,
			"step %q routes to undefined step %q", stepID, target)
	}

	if err := c.guardLoop(target); err != nil {
		return RouteResult{}, err
	}
	c.current = target
	return RouteResult{NextStepID: target}, nil
}

func (c *Controller) guardLoop(target string) error {
	if target == c.repeatRun {
		c.repeatRuns++
	} else {
		c.repeatRun = target
		c.repeatRuns = 1
	}
	if c.repeatRuns > StepLoopLimit {
		return agenterr.Newf(agenterr.KindLoop,
			"step %q routed to itself more than %d times consecutively", target, StepLoopLimit)
	}
	return nil
}

func containsIntent(allowed []string, intent string) bool {
	for _, a := range allowed {
		if a == intent {
			return true
		}
	}
	return false
}

// lookupDotted resolves a dotted path (e.g. "next_action.action") into a
// nested map[string]any structured output.
func lookupDotted(doc map[string]any, path string) (any, bool) {
	if doc == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = doc
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
