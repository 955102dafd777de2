package agentdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func minimalRegistry() *StepRegistry {
	return &StepRegistry{
		Steps: map[string]*StepDefinition{
			"only": {
				StepID:         "only",
				StructuredGate: &StructuredGate{IntentField: "action", AllowedIntents: []string{"complete"}},
				Transitions:    Transitions{"complete": TargetComplete},
			},
		},
		Flow:      map[string][]string{"default": {"only"}},
		EntryStep: "only",
	}
}

func TestResolveEntryStep_MappingWinsOverBareEntryStep(t *testing.T) {
	reg := minimalRegistry()
	reg.EntryStepMapping = map[CompletionType]string{CompletionIterationBudget: "only"}
	id, err := reg.ResolveEntryStep(CompletionIterationBudget)
	require.NoError(t, err)
	assert.Equal(t, "only", id)
}

func TestResolveEntryStep_FallsBackToEntryStepWhenMappingAbsent(t *testing.T) {
	reg := minimalRegistry()
	id, err := reg.ResolveEntryStep(CompletionKeywordSignal)
	require.NoError(t, err)
	assert.Equal(t, "only", id)
}

func TestResolveEntryStep_ErrorsWhenNeitherPresent(t *testing.T) {
	reg := &StepRegistry{Steps: map[string]*StepDefinition{}}
	_, err := reg.ResolveEntryStep(CompletionIterationBudget)
	assert.Error(t, err)
}

func TestRegistryValidate_RequiresGateAndTransitionsForFlowSteps(t *testing.T) {
	reg := minimalRegistry()
	reg.Steps["only"].StructuredGate = nil
	err := reg.Validate()
	assert.Error(t, err)
}

func TestRegistryValidate_RejectsUndefinedTransitionTarget(t *testing.T) {
	reg := minimalRegistry()
	reg.Steps["only"].Transitions["complete"] = "ghost"
	err := reg.Validate()
	assert.Error(t, err)
}

func TestRegistryValidate_TargetCompleteIsAlwaysAllowed(t *testing.T) {
	reg := minimalRegistry()
	err := reg.Validate()
	assert.NoError(t, err)
}

func TestAgentDefinitionValidate_IterationBudgetRequiresPositiveMax(t *testing.T) {
	def := &AgentDefinition{
		Name:           "demo",
		CompletionType: CompletionIterationBudget,
		Registry:       minimalRegistry(),
	}
	err := def.Validate()
	assert.Error(t, err)

	def.CompletionCfg.MaxIterations = 5
	assert.NoError(t, def.Validate())
}

func TestAgentDefinitionValidate_KeywordSignalRequiresKeyword(t *testing.T) {
	def := &AgentDefinition{
		Name:           "demo",
		CompletionType: CompletionKeywordSignal,
		Registry:       minimalRegistry(),
	}
	assert.Error(t, def.Validate())
	def.CompletionCfg.CompletionKeyword = "DONE"
	assert.NoError(t, def.Validate())
}

func TestAgentDefinitionValidate_CompositeRequiresConditionsAndMode(t *testing.T) {
	def := &AgentDefinition{
		Name:           "demo",
		CompletionType: CompletionComposite,
		Registry:       minimalRegistry(),
	}
	assert.Error(t, def.Validate())

	def.CompletionCfg.Conditions = []CompletionCondition{{Probe: "issue-state", Expected: "closed"}}
	assert.Error(t, def.Validate())

	def.CompletionCfg.Mode = CompositeAny
	assert.NoError(t, def.Validate())
}

func TestAgentDefinitionValidate_UnknownCompletionTypeRejected(t *testing.T) {
	def := &AgentDefinition{
		Name:           "demo",
		CompletionType: CompletionType("bogus"),
		Registry:       minimalRegistry(),
	}
	assert.Error(t, def.Validate())
}

func TestAgentDefinitionValidate_RequiresNameAndRegistry(t *testing.T) {
	assert.Error(t, (&AgentDefinition{}).Validate())
	assert.Error(t, (&AgentDefinition{Name: "demo"}).Validate())
}
