// Package promptresolver implements the Prompt Resolver: a pure,
// side-effect-free (beyond reading the filesystem) function from a stepId
// and a variable bag to a final prompt string, via the 3-level categorical
// path (C3L) with fallbacks.
package promptresolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/internal/telemetry"
)

// Variables is the variable bag passed to Resolve: uv holds Step-Context
// derived values (substituted as {uv-<name>}), custom holds caller-supplied
// values (substituted as {<custom_name>}).
type Variables struct {
	UV     map[string]string
	Custom map[string]string
}

// Resolver composes the C3L path, consults a fallback library, and falls
// back to a generic template, in that order.
type Resolver struct {
	baseDir  string
	fallback map[string]string
	logger   telemetry.Logger
}

// New builds a Resolver rooted at baseDir, the directory that contains the
// "steps" (c1) and "retry" trees.
// fallback maps a StepDefinition.FallbackKey to an in-memory template,
// consulted when the composed file path does not exist.
func New(baseDir string, fallback map[string]string, logger telemetry.Logger) *Resolver {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Resolver{baseDir: baseDir, fallback: fallback, logger: logger}
}

var varPattern = regexp.MustCompile(`\{[a-zA-Z0-9_-]+\}`)

// Resolve produces the final prompt string for step using vars. It never
// errors for an unresolved variable — those are left intact and a warning
// is logged — but source selection failure (no file, no fallback, and no
// generic template slot, which cannot happen since the generic template is
// always available) would be a ResolutionError in principle.
func (r *Resolver) Resolve(ctx context.Context, step *agentdef.StepDefinition, vars Variables) string {
	source, ok := r.read(step)
	if !ok {
		source = genericTemplate(step)
	}
	return r.substitute(ctx, source, vars)
}

func (r *Resolver) read(step *agentdef.StepDefinition) (string, bool) {
	path := filepath.Join(r.baseDir, "steps", step.C2, step.C3, "f_"+step.Edition+".md")
	if b, err := os.ReadFile(path); err == nil {
		return string(b), true
	}
	if step.FallbackKey != "" {
		if tmpl, ok := r.fallback[step.FallbackKey]; ok {
			return tmpl, true
		}
	}
	return "", false
}

func genericTemplate(step *agentdef.StepDefinition) string {
	return fmt.Sprintf("Step: %s\n\nNo prompt template is available for this step. Proceed using the variables provided.", step.StepID)
}

// ResolveRetry composes the pattern-specific retry C3L path
// (<baseDir>/retry/<c2>/<c3>/f_<pattern>.md), falling back to a built-in
// template restating the pattern and the failing step when no such file
// exists.
func (r *Resolver) ResolveRetry(ctx context.Context, step *agentdef.StepDefinition, pattern string, vars Variables) string {
	path := filepath.Join(r.baseDir, "retry", step.C2, step.C3, "f_"+pattern+".md")
	source, err := os.ReadFile(path)
	if err != nil {
		source = []byte(fmt.Sprintf(
			"Completion was declared but condition %q failed for step %q. Address it and declare completion again.",
			pattern, step.StepID))
	}
	return r.substitute(ctx, string(source), vars)
}

func (r *Resolver) substitute(ctx context.Context, source string, vars Variables) string {
	return varPattern.ReplaceAllStringFunc(source, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := lookupUV(name, vars.UV); ok {
			return v
		}
		if v, ok := vars.Custom[name]; ok {
			return v
		}
		r.logger.Warn(ctx, "prompt variable unresolved", "variable", token)
		return token
	})
}

func lookupUV(token string, uv map[string]string) (string, bool) {
	const prefix = "uv-"
	if len(token) <= len(prefix) || token[:len(prefix)] != prefix {
		return "", false
	}
	v, ok := uv[token[len(prefix):]]
	return v, ok
}
