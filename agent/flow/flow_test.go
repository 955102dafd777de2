package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/stepcontext"
)

func registryABC() *agentdef.StepRegistry {
	gate := func(intents ...string) *agentdef.StructuredGate {
		return &agentdef.StructuredGate{
			IntentField:    "next_action.action",
			AllowedIntents: intents,
			HandoffFields:  []string{"next_action.summary"},
		}
	}
	return &agentdef.StepRegistry{
		Steps: map[string]*agentdef.StepDefinition{
			"A": {
				StepID:         "A",
				StructuredGate: gate("next", "repeat", "complete"),
				Transitions:    agentdef.Transitions{"next": "B", "repeat": "A", "complete": "C"},
			},
			"B": {
				StepID:         "B",
				StructuredGate: gate("complete"),
				Transitions:    agentdef.Transitions{"complete": "C"},
			},
			"C": {
				StepID:         "C",
				StructuredGate: gate("complete"),
				Transitions:    agentdef.Transitions{"complete": agentdef.TargetComplete},
			},
		},
	}
}

func out(action string) map[string]any {
	return map[string]any{"next_action": map[string]any{"action": action, "summary": "ok"}}
}

// Scenario 5 from the testable-properties section: A -> B -> C, where
// B's "complete" transition names a real step (C), so routing B with
// "complete" hands the flow to C for one more iteration instead of ending.
func TestRouteFrom_CompleteWithRealTargetRunsOnceMore(t *testing.T) {
	reg := registryABC()
	c := New(reg, stepcontext.New(), "A")

	require.Equal(t, "A", c.StartIteration())
	route, err := c.RouteFrom("A", out("next"))
	require.NoError(t, err)
	assert.Equal(t, "B", route.NextStepID)
	assert.False(t, route.SignalCompletion)
	assert.False(t, c.Final())

	require.Equal(t, "B", c.StartIteration())
	route, err = c.RouteFrom("B", out("complete"))
	require.NoError(t, err)
	assert.Equal(t, "C", route.NextStepID)
	assert.True(t, route.SignalCompletion)
	assert.True(t, c.Final())

	require.Equal(t, "C", c.StartIteration())
}

func TestRouteFrom_CompleteWithNoRealTargetEndsImmediately(t *testing.T) {
	reg := registryABC()
	c := New(reg, stepcontext.New(), "C")
	c.StartIteration()
	route, err := c.RouteFrom("C", out("complete"))
	require.NoError(t, err)
	assert.True(t, route.SignalCompletion)
	assert.Empty(t, route.NextStepID)
	assert.False(t, c.Final())
}

func TestRouteFrom_ClosingIsAliasForComplete(t *testing.T) {
	reg := registryABC()
	c := New(reg, stepcontext.New(), "C")
	c.StartIteration()
	route, err := c.RouteFrom("C", out("closing"))
	require.NoError(t, err)
	assert.True(t, route.SignalCompletion)
}

func TestRouteFrom_FallbackIntentUsedWhenMissing(t *testing.T) {
	reg := registryABC()
	reg.Steps["A"].StructuredGate.FallbackIntent = "repeat"
	c := New(reg, stepcontext.New(), "A")
	c.StartIteration()
	route, err := c.RouteFrom("A", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "A", route.NextStepID)
}

func TestRouteFrom_UndefinedIntentErrors(t *testing.T) {
	reg := registryABC()
	c := New(reg, stepcontext.New(), "A")
	c.StartIteration()
	_, err := c.RouteFrom("A", map[string]any{})
	assert.Error(t, err)
}

func TestRouteFrom_StepLoopGuard(t *testing.T) {
	reg := registryABC()
	c := New(reg, stepcontext.New(), "A")
	var err error
	for i := 0; i <= StepLoopLimit; i++ {
		c.StartIteration()
		_, err = c.RouteFrom("A", out("repeat"))
		if err != nil {
			break
		}
	}
	assert.Error(t, err)
}

func TestRecordOutput_WritesHandoffFieldsToStepContext(t *testing.T) {
	sc := stepcontext.New()
	reg := registryABC()
	c := New(reg, sc, "A")
	c.RecordOutput("A", []string{"next_action.summary"}, out("next"))
	v, ok := sc.Get("A", "next_action.summary")
	require.True(t, ok)
	assert.Equal(t, "ok", v)
}

func TestRouteFrom_UndefinedTransitionTargetErrors(t *testing.T) {
	reg := registryABC()
	reg.Steps["A"].Transitions["next"] = "ghost"
	c := New(reg, stepcontext.New(), "A")
	c.StartIteration()
	_, err := c.RouteFrom("A", out("next"))
	assert.Error(t, err)
}
