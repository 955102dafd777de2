package promptresolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/agentengine/agent/agentdef"
)

func TestResolve_C3LPathFound(t *testing.T) {
	dir := t.TempDir()
	stepDir := filepath.Join(dir, "steps", "planning", "initial")
	require.NoError(t, os.MkdirAll(stepDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stepDir, "f_v1.md"), []byte("Hello {uv-name}, custom: {label}"), 0o644))

	r := New(dir, nil, nil)
	step := &agentdef.StepDefinition{StepID: "plan", C2: "planning", C3: "initial", Edition: "v1"}
	vars := Variables{UV: map[string]string{"name": "world"}, Custom: map[string]string{"label": "demo"}}

	got := r.Resolve(context.Background(), step, vars)
	assert.Equal(t, "Hello world, custom: demo", got)
}

func TestResolve_FallsBackToFallbackKey(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, map[string]string{"generic-plan": "Fallback for {uv-name}"}, nil)
	step := &agentdef.StepDefinition{StepID: "plan", C2: "planning", C3: "initial", Edition: "v1", FallbackKey: "generic-plan"}

	got := r.Resolve(context.Background(), step, Variables{UV: map[string]string{"name": "world"}})
	assert.Equal(t, "Fallback for world", got)
}

func TestResolve_FallsBackToGenericTemplate(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	step := &agentdef.StepDefinition{StepID: "plan", C2: "planning", C3: "initial", Edition: "v1"}

	got := r.Resolve(context.Background(), step, Variables{})
	assert.Contains(t, got, "plan")
	assert.Contains(t, got, "No prompt template is available")
}

func TestResolve_UnresolvedVariableLeftIntact(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	step := &agentdef.StepDefinition{StepID: "plan", C2: "x", C3: "y", Edition: "v1", FallbackKey: "k"}
	r.fallback = map[string]string{"k": "Value: {uv-missing}"}

	got := r.Resolve(context.Background(), step, Variables{})
	assert.Equal(t, "Value: {uv-missing}", got)
}

func TestResolveRetry_UsesPatternSpecificFileWhenPresent(t *testing.T) {
	dir := t.TempDir()
	retryDir := filepath.Join(dir, "retry", "review", "code")
	require.NoError(t, os.MkdirAll(retryDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(retryDir, "f_tests_failed.md"), []byte("Fix the tests, {uv-name}."), 0o644))

	r := New(dir, nil, nil)
	step := &agentdef.StepDefinition{StepID: "review", C2: "review", C3: "code"}

	got := r.ResolveRetry(context.Background(), step, "tests_failed", Variables{UV: map[string]string{"name": "bot"}})
	assert.Equal(t, "Fix the tests, bot.", got)
}

func TestResolveRetry_FallsBackToBuiltinTemplate(t *testing.T) {
	dir := t.TempDir()
	r := New(dir, nil, nil)
	step := &agentdef.StepDefinition{StepID: "review", C2: "review", C3: "code"}

	got := r.ResolveRetry(context.Background(), step, "tests_failed", Variables{})
	assert.Contains(t, got, "tests_failed")
	assert.Contains(t, got, "review")
}
