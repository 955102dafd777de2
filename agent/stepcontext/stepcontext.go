// Package stepcontext implements the per-run, namespaced handoff store
// described by the engine's data model: a mapping stepId -> (key -> value)
// with defensive copying and the sole sanctioned route into prompt
// variables, toUV.
package stepcontext

import (
	"fmt"
	"strings"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/agenterr"
)

// StepContext is not safe for concurrent use; the engine's cooperative
// single-threaded loop never needs it to be.
type StepContext struct {
	data map[string]map[string]any
}

// New returns an empty StepContext.
func New() *StepContext {
	return &StepContext{data: make(map[string]map[string]any)}
}

// Set replaces any prior data under stepId. Values are copied so that
// mutating the caller's map afterward does not alter what is stored.
func (c *StepContext) Set(stepID string, values map[string]any) {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	c.data[stepID] = copied
}

// Get returns the value stored under stepId/key, or (nil, false) when
// either the step or the key is absent. It never errors.
func (c *StepContext) Get(stepID, key string) (any, bool) {
	step, ok := c.data[stepID]
	if !ok {
		return nil, false
	}
	v, ok := step[key]
	return v, ok
}

// MissingRequiredInput is raised by ToUV when a required InputSpecEntry has
// no value and no default.
type MissingRequiredInput struct {
	Name string
	From string
}

func (e *MissingRequiredInput) Error() string {
	return fmt.Sprintf("missing required input %q (from %q)", e.Name, e.From)
}

// ToUV produces a flat mapping of "uv-<name>" -> string value for the given
// input spec. Each entry's From is "stepId.key"; registry resolves the
// stepId/key boundary against real stepIds so a stepId containing a dot
// (the usual "<phase>.<c3>" shape) and a dotted, nested handoff key (from a
// StructuredGate's handoffFields) are never confused for one another.
// registry may be nil, in which case From is split at its last dot.
// Missing entries fall back to Default when present, otherwise raise
// MissingRequiredInput if Required, otherwise are simply omitted.
// Non-string values are stringified with fmt.Sprint.
func (c *StepContext) ToUV(spec []agentdef.InputSpecEntry, registry *agentdef.StepRegistry) (map[string]string, error) {
	out := make(map[string]string, len(spec))
	for _, entry := range spec {
		stepID, key, ok := splitFrom(entry.From, registry)
		if !ok {
			return nil, agenterr.Newf(agenterr.KindConfiguration,
				"inputSpec entry %q has malformed from %q, expected \"stepId.key\"", entry.Name, entry.From)
		}
		v, found := c.Get(stepID, key)
		if !found {
			if entry.Default != "" {
				out["uv-"+entry.Name] = entry.Default
				continue
			}
			if entry.Required {
				return nil, &MissingRequiredInput{Name: entry.Name, From: entry.From}
			}
			continue
		}
		out["uv-"+entry.Name] = stringify(v)
	}
	return out, nil
}

// splitFrom finds the stepId/key boundary in a "stepId.key" From value.
// When registry is available it prefers the longest registered stepId that
// prefixes from, so a nested dotted key after it is kept whole. Otherwise
// (or when no registered stepId matches) it falls back to splitting at the
// last dot.
func splitFrom(from string, registry *agentdef.StepRegistry) (stepID, key string, ok bool) {
	if registry != nil {
		bestLen := -1
		for id := range registry.Steps {
			if len(id) > bestLen && strings.HasPrefix(from, id+".") {
				bestLen = len(id)
				stepID = id
			}
		}
		if bestLen != -1 {
			return stepID, from[bestLen+1:], true
		}
	}
	for i := len(from) - 1; i >= 0; i-- {
		if from[i] == '.' {
			return from[:i], from[i+1:], true
		}
	}
	return "", "", false
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
