package agentdef

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/stepforge/agentengine/agent/agenterr"
)

// wireAgentDefinition mirrors the on-disk agent definition file shape from
// the external-interfaces contract. JSON is canonical; YAML is an accepted
// alternate loader input decoded into the same shape.
type wireAgentDefinition struct {
	Name        string `json:"name" yaml:"name"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	Version     string `json:"version" yaml:"version"`
	Description string `json:"description" yaml:"description"`

	Behavior struct {
		SystemPromptPath string           `json:"systemPromptPath" yaml:"systemPromptPath"`
		CompletionType   string           `json:"completionType" yaml:"completionType"`
		CompletionConfig wireCompletion   `json:"completionConfig" yaml:"completionConfig"`
		AllowedTools     []string         `json:"allowedTools" yaml:"allowedTools"`
		PermissionMode   string           `json:"permissionMode" yaml:"permissionMode"`
	} `json:"behavior" yaml:"behavior"`

	Prompts struct {
		RegistryPath string `json:"registryPath" yaml:"registryPath"`
		FallbackDir  string `json:"fallbackDir" yaml:"fallbackDir"`
	} `json:"prompts" yaml:"prompts"`

	Logging struct {
		Directory string `json:"directory" yaml:"directory"`
		Format    string `json:"format" yaml:"format"`
	} `json:"logging" yaml:"logging"`

	GitHub *struct {
		Owner string `json:"owner" yaml:"owner"`
		Repo  string `json:"repo" yaml:"repo"`
	} `json:"github,omitempty" yaml:"github,omitempty"`

	Worktree *struct {
		Enabled bool   `json:"enabled" yaml:"enabled"`
		Root    string `json:"root" yaml:"root"`
	} `json:"worktree,omitempty" yaml:"worktree,omitempty"`
}

type wireCondition struct {
	Probe    string `json:"probe" yaml:"probe"`
	Expected string `json:"expected" yaml:"expected"`
}

type wireCompletion struct {
	MaxIterations     int             `json:"maxIterations" yaml:"maxIterations"`
	CompletionKeyword string          `json:"completionKeyword" yaml:"completionKeyword"`
	CaseSensitive     *bool           `json:"caseSensitive" yaml:"caseSensitive"`
	ExternalState     wireCondition   `json:"externalState" yaml:"externalState"`
	Conditions        []wireCondition `json:"conditions" yaml:"conditions"`
	Mode              string          `json:"mode" yaml:"mode"`
}

// LoadAgentDefinition reads an agent definition file (JSON or YAML,
// dispatched on extension) and its referenced step registry, returning a
// fully validated, immutable AgentDefinition.
func LoadAgentDefinition(path string) (*AgentDefinition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfiguration, "read agent definition", err)
	}

	var w wireAgentDefinition
	if err := unmarshalByExt(path, raw, &w); err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfiguration, "parse agent definition", err)
	}

	def := &AgentDefinition{
		Name:             w.Name,
		DisplayName:      w.DisplayName,
		Version:          w.Version,
		Description:      w.Description,
		CompletionType:   CompletionType(w.Behavior.CompletionType),
		AllowedTools:     w.Behavior.AllowedTools,
		PermissionMode:   PermissionMode(w.Behavior.PermissionMode),
		SystemPromptPath: w.Behavior.SystemPromptPath,
		Logging: LoggingConfig{
			Directory: w.Logging.Directory,
			Format:    w.Logging.Format,
		},
	}
	def.CompletionCfg = CompletionConfig{
		MaxIterations:     w.Behavior.CompletionConfig.MaxIterations,
		CompletionKeyword: w.Behavior.CompletionConfig.CompletionKeyword,
		CaseSensitive:     w.Behavior.CompletionConfig.CaseSensitive == nil || *w.Behavior.CompletionConfig.CaseSensitive,
		ExternalState: CompletionCondition{
			Probe:    w.Behavior.CompletionConfig.ExternalState.Probe,
			Expected: w.Behavior.CompletionConfig.ExternalState.Expected,
		},
		Mode: CompositeMode(w.Behavior.CompletionConfig.Mode),
	}
	for _, c := range w.Behavior.CompletionConfig.Conditions {
		def.CompletionCfg.Conditions = append(def.CompletionCfg.Conditions, CompletionCondition{
			Probe: c.Probe, Expected: c.Expected,
		})
	}
	if w.GitHub != nil {
		def.GitHub = &GitHubConfig{Owner: w.GitHub.Owner, Repo: w.GitHub.Repo}
	}
	if w.Worktree != nil {
		def.Worktree = WorktreeConfig{Enabled: w.Worktree.Enabled, Root: w.Worktree.Root}
	}

	defDir := filepath.Dir(path)
	def.PromptsDir = w.Prompts.FallbackDir
	if def.PromptsDir == "" {
		def.PromptsDir = defDir
	} else if !filepath.IsAbs(def.PromptsDir) {
		def.PromptsDir = filepath.Join(defDir, def.PromptsDir)
	}

	registryPath := w.Prompts.RegistryPath
	if !filepath.IsAbs(registryPath) {
		registryPath = filepath.Join(defDir, registryPath)
	}
	registry, err := LoadStepRegistry(registryPath)
	if err != nil {
		return nil, err
	}
	def.Registry = registry

	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

type wireStepRegistry struct {
	Version          string                        `json:"version" yaml:"version"`
	EntryStep        string                        `json:"entryStep" yaml:"entryStep"`
	EntryStepMapping map[string]string             `json:"entryStepMapping" yaml:"entryStepMapping"`
	Steps            map[string]wireStepDefinition `json:"steps" yaml:"steps"`
	Flow             map[string][]string           `json:"flow" yaml:"flow"`
	CompletionSteps  map[string]string             `json:"completionSteps" yaml:"completionSteps"`
}

type wireStepDefinition struct {
	C2          string `json:"c2" yaml:"c2"`
	C3          string `json:"c3" yaml:"c3"`
	Edition     string `json:"edition" yaml:"edition"`
	FallbackKey string `json:"fallbackKey" yaml:"fallbackKey"`

	OutputSchemaRef *struct {
		File   string `json:"file" yaml:"file"`
		Schema string `json:"schema" yaml:"schema"`
	} `json:"outputSchemaRef,omitempty" yaml:"outputSchemaRef,omitempty"`

	InputSpec []struct {
		Name     string `json:"name" yaml:"name"`
		From     string `json:"from" yaml:"from"`
		Required *bool  `json:"required" yaml:"required"`
		Default  string `json:"default" yaml:"default"`
	} `json:"inputSpec" yaml:"inputSpec"`

	StructuredGate *struct {
		IntentField    string   `json:"intentField" yaml:"intentField"`
		AllowedIntents []string `json:"allowedIntents" yaml:"allowedIntents"`
		FallbackIntent string   `json:"fallbackIntent" yaml:"fallbackIntent"`
		HandoffFields  []string `json:"handoffFields" yaml:"handoffFields"`
	} `json:"structuredGate,omitempty" yaml:"structuredGate,omitempty"`

	Transitions map[string]string `json:"transitions,omitempty" yaml:"transitions,omitempty"`

	Context *wireStepContext `json:"context,omitempty" yaml:"context,omitempty"`
}

type wireStepContext struct {
	ResponseFormat *struct {
		Type           string            `json:"type" yaml:"type"`
		SchemaFile     string            `json:"schemaFile" yaml:"schemaFile"`
		SchemaName     string            `json:"schemaName" yaml:"schemaName"`
		Pattern        string            `json:"pattern" yaml:"pattern"`
		Language       string            `json:"language" yaml:"language"`
		RequiredFields []string          `json:"requiredFields" yaml:"requiredFields"`
		LiteralFields  map[string]string `json:"literalFields" yaml:"literalFields"`
	} `json:"responseFormat,omitempty" yaml:"responseFormat,omitempty"`

	OnFail struct {
		MaxRetries int `json:"maxRetries" yaml:"maxRetries"`
	} `json:"onFail" yaml:"onFail"`

	CompletionConditions []wireValidator `json:"completionConditions" yaml:"completionConditions"`

	OnFailure struct {
		MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`
	} `json:"onFailure" yaml:"onFailure"`
}

type wireValidator struct {
	Kind             string            `json:"kind" yaml:"kind"`
	Argv             []string          `json:"argv" yaml:"argv"`
	Cwd              string            `json:"cwd" yaml:"cwd"`
	Env              map[string]string `json:"env" yaml:"env"`
	SuccessExitCodes []int             `json:"successExitCodes" yaml:"successExitCodes"`
	FailurePatterns  []struct {
		Name     string   `json:"name" yaml:"name"`
		Regex    string   `json:"regex" yaml:"regex"`
		Captures []string `json:"captures" yaml:"captures"`
	} `json:"failurePatterns" yaml:"failurePatterns"`
	Probe      string `json:"probe" yaml:"probe"`
	Expected   string `json:"expected" yaml:"expected"`
	SchemaFile string `json:"schemaFile" yaml:"schemaFile"`
	SchemaName string `json:"schemaName" yaml:"schemaName"`
}

// LoadStepRegistry reads a step registry file (JSON or YAML) and returns
// it unvalidated; callers validate via StepRegistry.Validate or indirectly
// through AgentDefinition.Validate.
func LoadStepRegistry(path string) (*StepRegistry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfiguration, "read step registry", err)
	}
	var w wireStepRegistry
	if err := unmarshalByExt(path, raw, &w); err != nil {
		return nil, agenterr.Wrap(agenterr.KindConfiguration, "parse step registry", err)
	}

	reg := &StepRegistry{
		Version:         w.Version,
		EntryStep:       w.EntryStep,
		Steps:           make(map[string]*StepDefinition, len(w.Steps)),
		Flow:            w.Flow,
		CompletionSteps: w.CompletionSteps,
	}
	if len(w.EntryStepMapping) > 0 {
		reg.EntryStepMapping = make(map[CompletionType]string, len(w.EntryStepMapping))
		for k, v := range w.EntryStepMapping {
			reg.EntryStepMapping[CompletionType(k)] = v
		}
	}

	for id, ws := range w.Steps {
		step := &StepDefinition{
			StepID:      id,
			C2:          ws.C2,
			C3:          ws.C3,
			Edition:     ws.Edition,
			FallbackKey: ws.FallbackKey,
		}
		if ws.OutputSchemaRef != nil {
			step.OutputSchemaFile = ws.OutputSchemaRef.File
			step.OutputSchemaName = ws.OutputSchemaRef.Schema
		}
		for _, is := range ws.InputSpec {
			step.InputSpec = append(step.InputSpec, InputSpecEntry{
				Name:     is.Name,
				From:     is.From,
				Required: is.Required == nil || *is.Required,
				Default:  is.Default,
			})
		}
		if ws.StructuredGate != nil {
			step.StructuredGate = &StructuredGate{
				IntentField:    ws.StructuredGate.IntentField,
				AllowedIntents: ws.StructuredGate.AllowedIntents,
				FallbackIntent: ws.StructuredGate.FallbackIntent,
				HandoffFields:  ws.StructuredGate.HandoffFields,
			}
		}
		if len(ws.Transitions) > 0 {
			step.Transitions = Transitions(ws.Transitions)
		}
		if ws.Context != nil {
			step.Context = convertStepContext(ws.Context)
		}
		reg.Steps[id] = step
	}
	return reg, nil
}

func convertStepContext(w *wireStepContext) *StepContextDescriptor {
	desc := &StepContextDescriptor{
		OnFail:    OnFailPolicy{MaxRetries: defaultInt(w.OnFail.MaxRetries, 3)},
		OnFailure: OnFailurePolicy{MaxAttempts: defaultInt(w.OnFailure.MaxAttempts, 3)},
	}
	if w.ResponseFormat != nil {
		desc.ResponseFormat = &ResponseFormat{
			Type:           ResponseFormatType(w.ResponseFormat.Type),
			SchemaFile:     w.ResponseFormat.SchemaFile,
			SchemaName:     w.ResponseFormat.SchemaName,
			Pattern:        w.ResponseFormat.Pattern,
			Language:       w.ResponseFormat.Language,
			RequiredFields: w.ResponseFormat.RequiredFields,
			LiteralFields:  w.ResponseFormat.LiteralFields,
		}
	}
	for _, v := range w.CompletionConditions {
		vd := ValidatorDescriptor{
			Kind:             ValidatorKind(v.Kind),
			Argv:             v.Argv,
			Cwd:              v.Cwd,
			Env:              v.Env,
			SuccessExitCodes: v.SuccessExitCodes,
			Probe:            v.Probe,
			Expected:         v.Expected,
			SchemaFile:       v.SchemaFile,
			SchemaName:       v.SchemaName,
		}
		for _, fp := range v.FailurePatterns {
			vd.FailurePatterns = append(vd.FailurePatterns, FailurePattern{
				Name: fp.Name, Regex: fp.Regex, Captures: fp.Captures,
			})
		}
		if len(vd.SuccessExitCodes) == 0 {
			vd.SuccessExitCodes = []int{0}
		}
		desc.CompletionConditions = append(desc.CompletionConditions, vd)
	}
	return desc
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func unmarshalByExt(path string, raw []byte, out any) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(raw, out)
	default:
		return json.Unmarshal(raw, out)
	}
}
