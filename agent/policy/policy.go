// Package policy implements a small allow/block evaluator used to fail
// fast at the start of a run when a step's declared tool usage falls outside an
// agent's allowedTools set. Actual enforcement of tool execution remains
// the SDK bridge's job; this package only gates configuration.
package policy

import "github.com/stepforge/agentengine/agent/agenterr"

// Engine evaluates a fixed allowedTools set, built once from
// AgentDefinition.AllowedTools.
type Engine struct {
	allowed map[string]struct{}
}

// New builds an Engine from the agent's declared allowedTools. An empty
// set means no restriction: every tool name passes.
func New(allowedTools []string) *Engine {
	e := &Engine{allowed: make(map[string]struct{}, len(allowedTools))}
	for _, t := range allowedTools {
		e.allowed[t] = struct{}{}
	}
	return e
}

// Allows reports whether name is permitted.
func (e *Engine) Allows(name string) bool {
	if len(e.allowed) == 0 {
		return true
	}
	_, ok := e.allowed[name]
	return ok
}

// ValidateToolNames rejects a step's declared tool usage (surfaced via a
// command validator's argv[0] or a state probe's implied tool) that falls
// outside the allowed set, naming every offending tool.
func (e *Engine) ValidateToolNames(stepID string, names []string) error {
	if len(e.allowed) == 0 {
		return nil
	}
	var bad []string
	for _, n := range names {
		if !e.Allows(n) {
			bad = append(bad, n)
		}
	}
	if len(bad) > 0 {
		return agenterr.Newf(agenterr.KindConfiguration,
			"step %q declares tools outside allowedTools: %v", stepID, bad)
	}
	return nil
}
