package stepcontext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/agentengine/agent/agentdef"
)

func TestSet_DefensiveCopy(t *testing.T) {
	c := New()
	values := map[string]any{"key": "original"}
	c.Set("step1", values)
	values["key"] = "mutated"

	v, ok := c.Get("step1", "key")
	require.True(t, ok)
	assert.Equal(t, "original", v)
}

func TestGet_MissingStepOrKey(t *testing.T) {
	c := New()
	_, ok := c.Get("nope", "key")
	assert.False(t, ok)

	c.Set("step1", map[string]any{"a": 1})
	_, ok = c.Get("step1", "b")
	assert.False(t, ok)
}

func TestToUV_RequiredDefaultAndMissing(t *testing.T) {
	c := New()
	c.Set("prior", map[string]any{"title": "fix bug", "count": 3})

	spec := []agentdef.InputSpecEntry{
		{Name: "title", From: "prior.title", Required: true},
		{Name: "missingWithDefault", From: "prior.absent", Default: "fallback"},
		{Name: "count", From: "prior.count"},
	}
	uv, err := c.ToUV(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, "fix bug", uv["uv-title"])
	assert.Equal(t, "fallback", uv["uv-missingWithDefault"])
	assert.Equal(t, "3", uv["uv-count"])
}

func TestToUV_MissingRequiredReturnsTypedError(t *testing.T) {
	c := New()
	spec := []agentdef.InputSpecEntry{
		{Name: "title", From: "prior.title", Required: true},
	}
	_, err := c.ToUV(spec, nil)
	require.Error(t, err)
	var missing *MissingRequiredInput
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "title", missing.Name)
}

func TestToUV_OptionalMissingOmitted(t *testing.T) {
	c := New()
	spec := []agentdef.InputSpecEntry{
		{Name: "optional", From: "prior.absent"},
	}
	uv, err := c.ToUV(spec, nil)
	require.NoError(t, err)
	_, present := uv["uv-optional"]
	assert.False(t, present)
}

func TestToUV_MalformedFromErrors(t *testing.T) {
	c := New()
	spec := []agentdef.InputSpecEntry{
		{Name: "bad", From: "nodot", Required: true},
	}
	_, err := c.ToUV(spec, nil)
	assert.Error(t, err)
}

func TestToUV_NestedDottedKeyResolvedAgainstRegistryStepID(t *testing.T) {
	c := New()
	c.Set("initial.issue", map[string]any{"next_action.summary": "picked up the ticket"})

	registry := &agentdef.StepRegistry{
		Steps: map[string]*agentdef.StepDefinition{
			"initial.issue": {StepID: "initial.issue"},
			"review.code":   {StepID: "review.code"},
		},
	}
	spec := []agentdef.InputSpecEntry{
		{Name: "summary", From: "initial.issue.next_action.summary", Required: true},
	}

	uv, err := c.ToUV(spec, registry)
	require.NoError(t, err)
	assert.Equal(t, "picked up the ticket", uv["uv-summary"])
}

func TestToUV_WithoutRegistryFallsBackToLastDotSplit(t *testing.T) {
	c := New()
	c.Set("prior", map[string]any{"title": "fix bug"})
	spec := []agentdef.InputSpecEntry{
		{Name: "title", From: "prior.title", Required: true},
	}
	uv, err := c.ToUV(spec, nil)
	require.NoError(t, err)
	assert.Equal(t, "fix bug", uv["uv-title"])
}
