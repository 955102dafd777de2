// Package runner implements the Runner: lifecycle owner of one agent run
// end-to-end. It validates the AgentDefinition, constructs every other
// component, and drives the main cooperative loop described by the
// component design.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/agenterr"
	"github.com/stepforge/agentengine/agent/closer"
	"github.com/stepforge/agentengine/agent/flow"
	"github.com/stepforge/agentengine/agent/iteration"
	"github.com/stepforge/agentengine/agent/model"
	"github.com/stepforge/agentengine/agent/policy"
	"github.com/stepforge/agentengine/agent/promptresolver"
	"github.com/stepforge/agentengine/agent/retryformat"
	"github.com/stepforge/agentengine/agent/runlog"
	"github.com/stepforge/agentengine/agent/schema"
	"github.com/stepforge/agentengine/agent/sdkbridge"
	"github.com/stepforge/agentengine/agent/session"
	"github.com/stepforge/agentengine/agent/stepcontext"
	"github.com/stepforge/agentengine/agent/validator"
	"github.com/stepforge/agentengine/agent/worktree"
	"github.com/stepforge/agentengine/internal/backoff"
	"github.com/stepforge/agentengine/internal/telemetry"
)

// AgentResult is the Runner's sole return value. Guaranteed invariant:
// iterations == len(Summaries).
type AgentResult struct {
	Success    bool
	Reason     string
	Iterations int
	Summaries  []model.IterationSummary
}

// Params bundles a run's ambient inputs into one explicit value threaded
// through every component, in place of the source's mix of dependency
// injection and global process state.
type Params struct {
	Cwd     string
	Issue   int
	Project int
	Branch  string

	// SessionResumeKey, when Resume is true, is looked up in the Session
	// Store to recover a prior SDK session id.
	Resume           bool
	SessionResumeKey string

	// Custom carries caller-supplied prompt variables beyond StepContext
	// derived ones (e.g. {issue}, {project}).
	Custom map[string]string
}

// Runner owns one run end-to-end. A Runner must not be reused across two
// calls to Run: the second call is rejected as AlreadyStarted.
type Runner struct {
	def      *agentdef.AgentDefinition
	bridge   sdkbridge.Bridge
	resolver *promptresolver.Resolver
	sessions session.Store
	runlog   runlog.Store
	logger   telemetry.Logger
	backoff  backoff.Config

	resumeReloadsSummaries bool

	started bool
}

// Config bundles Runner construction dependencies.
type Config struct {
	Definition             *agentdef.AgentDefinition
	Bridge                 sdkbridge.Bridge
	Resolver               *promptresolver.Resolver
	Sessions               session.Store
	RunLog                 runlog.Store
	Logger                 telemetry.Logger
	Backoff                backoff.Config
	ResumeReloadsSummaries bool
}

// New validates def and builds a Runner. Returns a ConfigurationError
// immediately if validation fails, so callers never drive a malformed
// definition into the loop.
func New(cfg Config) (*Runner, error) {
	if err := cfg.Definition.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	sessions := cfg.Sessions
	if sessions == nil {
		sessions = session.NewMemoryStore()
	}
	bo := cfg.Backoff
	if bo.MaxAttempts == 0 {
		bo = backoff.DefaultConfig()
	}
	return &Runner{
		def:                    cfg.Definition,
		bridge:                 cfg.Bridge,
		resolver:               cfg.Resolver,
		sessions:               sessions,
		runlog:                 cfg.RunLog,
		logger:                 logger,
		backoff:                bo,
		resumeReloadsSummaries: cfg.ResumeReloadsSummaries,
	}, nil
}

// Run drives one agent run to completion. It is guaranteed to return:
// unexpected failures are wrapped into success=false rather than
// propagated. Calling Run twice on the same Runner returns AlreadyStarted.
func (r *Runner) Run(ctx context.Context, params Params) AgentResult {
	if r.started {
		return AgentResult{Success: false, Reason: "AlreadyStarted: this Runner has already run"}
	}
	r.started = true

	var wt *worktree.Handle
	if r.def.Worktree.Enabled {
		root := r.def.Worktree.Root
		if root == "" {
			root = ".worktrees"
		}
		var err error
		wt, err = worktree.Setup(ctx, root, params.Branch, "main")
		if err != nil {
			return AgentResult{Success: false, Reason: "worktree setup failed: " + err.Error()}
		}
	}

	result := r.runLoop(ctx, params)

	if wt != nil {
		if result.Success {
			if err := wt.MergeBack(ctx, "main", worktree.MergeSquash); err != nil {
				result.Reason += fmt.Sprintf(" (merge-back failed: %v, worktree left at %s)", err, wt.Path())
				return result
			}
			if err := wt.Teardown(ctx); err != nil {
				result.Reason += fmt.Sprintf(" (worktree teardown failed: %v)", err)
			}
		} else {
			result.Reason += fmt.Sprintf(" (worktree left in place at %s)", wt.Path())
		}
	}
	return result
}

func (r *Runner) runLoop(ctx context.Context, params Params) AgentResult {
	entryStepID, err := r.def.Registry.ResolveEntryStep(r.def.CompletionType)
	if err != nil {
		return AgentResult{Success: false, Reason: err.Error()}
	}

	stepCtx := stepcontext.New()
	flowCtl := flow.New(r.def.Registry, stepCtx, entryStepID).WithLogger(r.logger)
	schemaValid := schema.New()
	validatorEngine := validator.New(schemaValid)
	formatChecker := retryformat.New(schemaValid)
	closerEngine := closer.New(r.def, r.resolver, validatorEngine, schemaValid)
	iterExec := iteration.New(r.bridge, r.logger)

	policyEngine := policy.New(r.def.AllowedTools)
	if err := r.checkToolPolicy(policyEngine); err != nil {
		return AgentResult{Success: false, Reason: err.Error()}
	}

	sessionID := ""
	if params.Resume && params.SessionResumeKey != "" {
		if st, ok, err := r.sessions.Load(ctx, params.SessionResumeKey); err == nil && ok {
			sessionID = st.SessionID
		}
	}

	var pendingRetryPrompt string
	var summaries []model.IterationSummary
	formatRetryCount := map[string]int{}

	for {
		select {
		case <-ctx.Done():
			return AgentResult{Success: false, Reason: "cancelled", Iterations: len(summaries), Summaries: summaries}
		default:
		}

		stepID := flowCtl.StartIteration()
		step := r.def.Registry.Steps[stepID]
		if step == nil {
			return AgentResult{Success: false, Reason: fmt.Sprintf("routed to undefined step %q", stepID),
				Iterations: len(summaries), Summaries: summaries}
		}

		uv, err := stepCtx.ToUV(step.InputSpec, r.def.Registry)
		if err != nil {
			return AgentResult{Success: false, Reason: err.Error(), Iterations: len(summaries), Summaries: summaries}
		}
		vars := promptresolver.Variables{UV: uv, Custom: params.Custom}

		prompt := pendingRetryPrompt
		if prompt == "" {
			prompt = r.resolver.Resolve(ctx, step, vars)
		}
		pendingRetryPrompt = ""

		out, execErr := r.executeWithBackoff(ctx, iterExec, iteration.Input{
			Iteration:      len(summaries) + 1,
			SessionID:      sessionID,
			Prompt:         prompt,
			AllowedTools:   r.def.AllowedTools,
			PermissionMode: string(r.def.PermissionMode),
		})
		if execErr != nil {
			return AgentResult{Success: false, Reason: execErr.Error(), Iterations: len(summaries), Summaries: summaries}
		}
		sessionID = out.SessionID
		summaries = append(summaries, out.Summary)
		r.persistSummary(ctx, out.Summary)

		if saveErr := r.saveSession(ctx, params, sessionID); saveErr != nil {
			r.logger.Warn(ctx, "failed to persist session state", "error", saveErr)
		}

		structuredOutput := out.Summary.StructuredOutput

		if step.Context != nil && step.Context.ResponseFormat != nil {
			outcome := formatChecker.Check(step.Context.ResponseFormat, lastText(out.Summary), structuredOutput)
			if !outcome.Valid {
				out.Summary.Errors = append(out.Summary.Errors, errors.New(fmt.Sprint(outcome.Errors)))
				formatRetryCount[stepID]++
				if formatRetryCount[stepID] <= step.Context.OnFail.MaxRetries {
					pendingRetryPrompt = retryformat.RetryPrompt(stepID, step.Context.ResponseFormat, outcome.Errors)
					continue
				}
				// formatRetryCount exhausted: the failure is recorded above,
				// but the run still falls through to routing and the
				// completion strategy instead of spinning on this step
				// forever. structuredOutput stays whatever the model last
				// produced, which is likely not gate-shaped, so routing
				// below will fall back or error per its own rules.
			} else if outcome.Decoded != nil {
				structuredOutput = outcome.Decoded
			}
		}

		var route flow.RouteResult
		haveRoute := false
		if step.StructuredGate != nil {
			flowCtl.RecordOutput(stepID, step.StructuredGate.HandoffFields, structuredOutput)

			var routeErr error
			route, routeErr = flowCtl.RouteFrom(stepID, structuredOutput)
			if routeErr != nil {
				return AgentResult{Success: false, Reason: routeErr.Error(), Iterations: len(summaries), Summaries: summaries}
			}
			haveRoute = true

			// The gate named a real further step as this step's completion
			// target: that step, not this one, is where the Completion
			// Subsystem gets to evaluate a declared completion. Run it
			// next without asking the Closer about this step at all.
			if flowCtl.Final() && route.NextStepID != "" {
				continue
			}
		}

		decision, err := closerEngine.Evaluate(ctx, step, len(summaries), out.Summary, vars)
		if err != nil {
			return AgentResult{Success: false, Reason: err.Error(), Iterations: len(summaries), Summaries: summaries}
		}
		if decision.Complete {
			return AgentResult{Success: true, Reason: decision.Reason, Iterations: len(summaries), Summaries: summaries}
		}
		if decision.PendingRetryPrompt != "" {
			pendingRetryPrompt = decision.PendingRetryPrompt
			continue
		}

		if haveRoute && route.SignalCompletion && route.NextStepID == "" {
			return AgentResult{Success: true, Reason: "flow signaled completion", Iterations: len(summaries), Summaries: summaries}
		}
	}
}

// checkToolPolicy rejects a run up front if any step declares a command
// validator whose argv[0] falls outside the agent's allowedTools, rather
// than discovering the mismatch mid-run.
func (r *Runner) checkToolPolicy(p *policy.Engine) error {
	for stepID, step := range r.def.Registry.Steps {
		if step.Context == nil {
			continue
		}
		var tools []string
		for _, cond := range step.Context.CompletionConditions {
			if cond.Kind == agentdef.ValidatorCommand && len(cond.Argv) > 0 {
				tools = append(tools, cond.Argv[0])
			}
		}
		if err := p.ValidateToolNames(stepID, tools); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) executeWithBackoff(ctx context.Context, exec *iteration.Executor, in iteration.Input) (iteration.Output, error) {
	var lastErr error
	for attempt := 1; attempt <= r.backoff.MaxAttempts; attempt++ {
		out, err := exec.Execute(ctx, in)
		if err != nil {
			return iteration.Output{}, err
		}
		transportErr := lastTransportError(out.Summary.Errors)
		if transportErr == nil {
			// Non-transport errors (a failed tool_result, a malformed
			// response) are the Retry/Format-Validation layer's concern,
			// not the backoff loop's; only a transport failure justifies
			// re-running the whole iteration.
			return out, nil
		}
		lastErr = transportErr
		if attempt == r.backoff.MaxAttempts {
			// The Iteration Executor itself never retries; the budget
			// exhausting here still returns the last summary so its
			// errors are visible to the caller rather than discarded.
			return out, nil
		}
		select {
		case <-ctx.Done():
			return iteration.Output{}, agenterr.Wrap(agenterr.KindCancellation, "cancelled during backoff", ctx.Err())
		case <-time.After(r.backoff.Delay(attempt)):
		}
	}
	return iteration.Output{}, agenterr.Wrap(agenterr.KindTransport, "transport retries exhausted", lastErr)
}

func (r *Runner) saveSession(ctx context.Context, params Params, sessionID string) error {
	if params.SessionResumeKey == "" || sessionID == "" {
		return nil
	}
	return r.sessions.Save(ctx, params.SessionResumeKey, session.State{SessionID: sessionID, UpdatedAt: time.Now()})
}

func (r *Runner) persistSummary(ctx context.Context, s model.IterationSummary) {
	if r.runlog == nil {
		return
	}
	for _, text := range s.AssistantTexts {
		_ = r.runlog.Append(ctx, runlog.Entry{Timestamp: time.Now(), Level: runlog.LevelAssistant, Message: text,
			Fields: map[string]any{"iteration": s.Iteration}})
	}
	for _, e := range s.Errors {
		_ = r.runlog.Append(ctx, runlog.Entry{Timestamp: time.Now(), Level: runlog.LevelError, Message: e.Error(),
			Fields: map[string]any{"iteration": s.Iteration}})
	}
}

// lastTransportError returns the most recent transport-classified error in
// errs, or nil if none of them are transport errors (e.g. a benign
// tool_result error, which does not warrant a whole-iteration retry).
func lastTransportError(errs []error) error {
	for i := len(errs) - 1; i >= 0; i-- {
		if e, ok := agenterr.As(errs[i]); ok && e.Kind == agenterr.KindTransport {
			return errs[i]
		}
	}
	return nil
}

func lastText(s model.IterationSummary) string {
	if len(s.AssistantTexts) == 0 {
		return ""
	}
	return s.AssistantTexts[len(s.AssistantTexts)-1]
}
