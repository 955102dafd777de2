// Package agentdef defines the declarative, load-time-validated shape of an
// agent: its AgentDefinition, StepRegistry, and the StepDefinition/
// StructuredGate/Transitions types the Flow Controller and Closer operate
// on. Definitions are immutable once loaded.
package agentdef

import (
	"fmt"
	"sort"

	"github.com/stepforge/agentengine/agent/agenterr"
)

// CompletionType selects the Completion Subsystem strategy. Modeled as a
// single tagged variant rather than a class hierarchy with optional
// methods: one enum plus a strategy-specific config payload.
type CompletionType string

const (
	CompletionIterationBudget CompletionType = "iterationBudget"
	CompletionKeywordSignal   CompletionType = "keywordSignal"
	CompletionExternalState   CompletionType = "externalState"
	CompletionComposite       CompletionType = "composite"
)

// PermissionMode is forwarded opaquely to the SDK bridge.
type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionPlan              PermissionMode = "plan"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// CompositeMode selects short-circuit ("any") or exhaustive ("all")
// evaluation for a composite completion condition list.
type CompositeMode string

const (
	CompositeAny CompositeMode = "any"
	CompositeAll CompositeMode = "all"
)

// CompletionCondition is one entry of a composite completionConfig, or the
// sole condition for externalState. Probe is an opaque implementation
// identifier (e.g. "issue-state"); Expected is the value the probe must
// report for the condition to hold.
type CompletionCondition struct {
	Probe    string
	Expected string
}

// CompletionConfig carries the shape-varying payload for CompletionType.
// Only the fields relevant to Type are meaningful.
type CompletionConfig struct {
	// MaxIterations is required, must be positive, for iterationBudget.
	MaxIterations int
	// CompletionKeyword is required, non-empty, for keywordSignal.
	CompletionKeyword string
	CaseSensitive     bool
	// ExternalState is the single probe condition for externalState.
	ExternalState CompletionCondition
	// Conditions and Mode apply to composite; each condition is itself one
	// of the strategies above, evaluated in declared array order.
	Conditions []CompletionCondition
	Mode       CompositeMode
}

// LoggingConfig names the JSONL sink directory and format, treated as
// opaque configuration by the engine beyond validating presence.
type LoggingConfig struct {
	Directory string
	Format    string
}

// WorktreeConfig enables the optional git worktree lifecycle around a run.
type WorktreeConfig struct {
	Enabled bool
	Root    string
}

// GitHubConfig is opaque configuration for the GitHub collaborator
// (issue/project lookups), never interpreted by the engine itself.
type GitHubConfig struct {
	Owner string
	Repo  string
}

// AgentDefinition is immutable for the lifetime of a run.
type AgentDefinition struct {
	Name           string
	DisplayName    string
	Version        string
	Description    string
	CompletionType CompletionType
	CompletionCfg  CompletionConfig
	AllowedTools   []string
	PermissionMode PermissionMode
	SystemPromptPath string

	Registry *StepRegistry

	// PromptsDir is the Prompt Resolver's c1 root: the directory containing
	// the "steps/" and "retry/" C3L trees. Resolved at load time relative to
	// the agent definition file's own directory.
	PromptsDir string

	Logging  LoggingConfig
	Worktree WorktreeConfig
	GitHub   *GitHubConfig
}

// InputSpecEntry declares one input a step consumes from the StepContext.
type InputSpecEntry struct {
	Name     string
	From     string // "stepId.key"
	Required bool
	Default  string
}

// StructuredGate declares how a step's structured output is interpreted to
// pick the next step.
type StructuredGate struct {
	IntentField    string
	AllowedIntents []string
	FallbackIntent string
	HandoffFields  []string
}

// Transitions maps an intent to its routing target. TargetComplete is the
// reserved intent value signaling end-of-flow.
const TargetComplete = "complete"

type Transitions map[string]string

// ResponseFormatType selects the Retry/Format-Validation layer's decoding
// strategy for a step's structured output.
type ResponseFormatType string

const (
	FormatJSON        ResponseFormatType = "json"
	FormatTextPattern  ResponseFormatType = "text-pattern"
	FormatActionBlock ResponseFormatType = "action-block"
)

// ResponseFormat declares the step's expected structured-output shape.
type ResponseFormat struct {
	Type ResponseFormatType

	// json
	SchemaFile string
	SchemaName string

	// text-pattern
	Pattern string

	// action-block
	Language       string
	RequiredFields []string
	LiteralFields  map[string]string
}

// OnFailurePolicy governs the Validator retry path.
type OnFailurePolicy struct {
	MaxAttempts int
}

// OnFailPolicy governs the format retry path.
type OnFailPolicy struct {
	MaxRetries int
}

// StepContextDescriptor declares a step's validators and expected output
// format, consumed by the Retry/Format-Validation layer and the Closer.
type StepContextDescriptor struct {
	ResponseFormat       *ResponseFormat
	OnFail               OnFailPolicy
	CompletionConditions []ValidatorDescriptor
	OnFailure            OnFailurePolicy
}

// ValidatorKind is the Validator capability set: {runCommand, checkState,
// checkSchema}. This is the single extension seam the design note calls
// for in place of the source's two competing condition systems.
type ValidatorKind string

const (
	ValidatorCommand ValidatorKind = "command"
	ValidatorState   ValidatorKind = "state"
	ValidatorSchema  ValidatorKind = "schema"
)

// FailurePattern names a regex scanned against a failed command's
// stdout+stderr, in declared order, to classify the failure.
type FailurePattern struct {
	Name     string
	Regex    string
	Captures []string
}

// ValidatorDescriptor is one entry of a step's completionConditions list.
type ValidatorDescriptor struct {
	Kind ValidatorKind

	// command
	Argv             []string
	Cwd              string
	Env              map[string]string
	SuccessExitCodes []int
	FailurePatterns  []FailurePattern

	// state
	Probe    string
	Expected string

	// schema
	SchemaFile string
	SchemaName string
}

// StepDefinition is one unit of prompt-LLM-response work.
type StepDefinition struct {
	StepID string

	// C3L coordinates used by the Prompt Resolver.
	C2      string
	C3      string
	Edition string

	FallbackKey string

	OutputSchemaFile string
	OutputSchemaName string

	InputSpec []InputSpecEntry

	// StructuredGate and Transitions are mandatory for any step that
	// appears in a flow; nil for steps that do not.
	StructuredGate *StructuredGate
	Transitions    Transitions

	Context *StepContextDescriptor
}

// StepRegistry maps stepId to StepDefinition plus the flow graph and entry
// point resolution rules.
type StepRegistry struct {
	Version string
	Steps   map[string]*StepDefinition

	// Flow maps a mode name to an ordered list of step ids. Every step id
	// appearing in any flow value MUST declare StructuredGate and
	// Transitions.
	Flow map[string][]string

	// EntryStepMapping takes precedence over EntryStep per the decided
	// open question (entryStepMapping wins when both are present; load
	// fails when both are absent).
	EntryStepMapping map[CompletionType]string
	EntryStep        string

	CompletionSteps map[string]string
}

// ResolveEntryStep resolves the entry point for a run with the given completion
// type. entryStepMapping wins over the bare entryStep when both are
// present, per the decided open question in the design notes.
func (r *StepRegistry) ResolveEntryStep(ct CompletionType) (string, error) {
	if r.EntryStepMapping != nil {
		if id, ok := r.EntryStepMapping[ct]; ok && id != "" {
			return id, nil
		}
	}
	if r.EntryStep != "" {
		return r.EntryStep, nil
	}
	return "", agenterr.New(agenterr.KindConfiguration,
		"no entryStepMapping entry for completionType and no entryStep declared")
}

// Validate enforces the load-time invariants from the external-interfaces
// and testable-properties sections: every step appearing in any flow must
// declare both StructuredGate and Transitions, and every transition target
// must exist in the registry. Failures name every offending stepId.
func (r *StepRegistry) Validate() error {
	var missingGate []string
	seen := map[string]bool{}
	for _, ids := range r.Flow {
		for _, id := range ids {
			if seen[id] {
				continue
			}
			seen[id] = true
			step, ok := r.Steps[id]
			if !ok {
				missingGate = append(missingGate, id+" (undefined)")
				continue
			}
			if step.StructuredGate == nil || len(step.Transitions) == 0 {
				missingGate = append(missingGate, id)
			}
		}
	}
	if len(missingGate) > 0 {
		sort.Strings(missingGate)
		return agenterr.Newf(agenterr.KindConfiguration,
			"structuredGate and transitions required for steps: %v", missingGate)
	}

	var badTargets []string
	for id, step := range r.Steps {
		if step.Transitions == nil {
			continue
		}
		for intent, target := range step.Transitions {
			if target == TargetComplete {
				continue
			}
			if _, ok := r.Steps[target]; !ok {
				badTargets = append(badTargets, fmt.Sprintf("%s -> %s", id, target))
			}
		}
	}
	if len(badTargets) > 0 {
		sort.Strings(badTargets)
		return agenterr.Newf(agenterr.KindConfiguration,
			"transitions route to undefined steps: %v", badTargets)
	}
	return nil
}

// Validate enforces AgentDefinition-level invariants that do not belong to
// the registry: completionConfig shape matches completionType, and the
// registry itself validates clean.
func (d *AgentDefinition) Validate() error {
	if d.Name == "" {
		return agenterr.New(agenterr.KindConfiguration, "name is required")
	}
	if d.Registry == nil {
		return agenterr.New(agenterr.KindConfiguration, "a step registry is required")
	}
	if err := d.Registry.Validate(); err != nil {
		return err
	}
	if _, err := d.Registry.ResolveEntryStep(d.CompletionType); err != nil {
		return err
	}
	switch d.CompletionType {
	case CompletionIterationBudget:
		if d.CompletionCfg.MaxIterations <= 0 {
			return agenterr.New(agenterr.KindConfiguration,
				"maxIterations must be a positive integer for iterationBudget")
		}
	case CompletionKeywordSignal:
		if d.CompletionCfg.CompletionKeyword == "" {
			return agenterr.New(agenterr.KindConfiguration,
				"completionKeyword must be non-empty for keywordSignal")
		}
	case CompletionExternalState:
		if d.CompletionCfg.ExternalState.Probe == "" {
			return agenterr.New(agenterr.KindConfiguration,
				"externalState completionConfig requires a probe")
		}
	case CompletionComposite:
		if len(d.CompletionCfg.Conditions) == 0 {
			return agenterr.New(agenterr.KindConfiguration,
				"composite completionConfig requires at least one condition")
		}
		if d.CompletionCfg.Mode != CompositeAny && d.CompletionCfg.Mode != CompositeAll {
			return agenterr.New(agenterr.KindConfiguration,
				`composite completionConfig mode must be "any" or "all"`)
		}
	default:
		return agenterr.Newf(agenterr.KindConfiguration, "unknown completionType %q", d.CompletionType)
	}
	return nil
}
