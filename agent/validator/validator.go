// Package validator implements the single extension seam the design notes
// call for: a narrow Validator capability set {runCommand, checkState,
// checkSchema} backing the Closer's completionConditions pipeline, in
// place of the source's two competing condition systems.
package validator

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"syscall"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/schema"
)

// Result is the outcome of one validator execution.
type Result struct {
	Valid   bool
	Pattern string
	Params  map[string]string
}

// StateProbe resolves an opaque state probe (e.g. "issue-state") against
// an expected value. The engine treats the probe name as implementation
// chosen; a concrete runtime registers probes it understands (issue
// state, branch state) via RegisterProbe.
type StateProbe func(ctx context.Context, expected string) (bool, error)

// Validator evaluates completionConditions entries against the three
// capabilities declared by the design note.
type Validator struct {
	probes       map[string]StateProbe
	schemaValid  *schema.Validator
}

// New builds a Validator with no registered state probes; callers add them
// with RegisterProbe before running any "state" kind condition.
func New(schemaValidator *schema.Validator) *Validator {
	return &Validator{probes: make(map[string]StateProbe), schemaValid: schemaValidator}
}

// RegisterProbe associates a probe name (as named in a StepDefinition's
// ValidatorDescriptor.Probe) with its implementation.
func (v *Validator) RegisterProbe(name string, probe StateProbe) {
	v.probes[name] = probe
}

// Run evaluates one ValidatorDescriptor and returns its Result. It never
// returns an error for an ordinary validation failure; errors are reserved
// for validator misconfiguration (unknown probe, bad regex).
func (v *Validator) Run(ctx context.Context, d agentdef.ValidatorDescriptor, structuredOutput map[string]any) (Result, error) {
	switch d.Kind {
	case agentdef.ValidatorCommand:
		return v.runCommand(ctx, d)
	case agentdef.ValidatorState:
		return v.checkState(ctx, d)
	case agentdef.ValidatorSchema:
		return v.checkSchema(d, structuredOutput)
	default:
		return Result{}, errors.New("unknown validator kind: " + string(d.Kind))
	}
}

// runCommand executes d.Argv as a subprocess. Its exit code against
// SuccessExitCodes decides Valid; on failure, FailurePatterns are scanned
// against combined stdout+stderr in declared order, and the first match
// yields Pattern/Params. A subprocess killed by a signal is treated
// identically to a non-zero exit code.
func (v *Validator) runCommand(ctx context.Context, d agentdef.ValidatorDescriptor) (Result, error) {
	if len(d.Argv) == 0 {
		return Result{}, errors.New("command validator requires a non-empty argv")
	}
	cmd := exec.CommandContext(ctx, d.Argv[0], d.Argv[1:]...)
	cmd.Dir = d.Cwd
	if len(d.Env) > 0 {
		env := cmd.Environ()
		for k, val := range d.Env {
			env = append(env, k+"="+val)
		}
		cmd.Env = env
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				exitCode = 128 + int(status.Signal())
			} else {
				exitCode = exitErr.ExitCode()
			}
		} else {
			return Result{}, err
		}
	}

	for _, code := range d.SuccessExitCodes {
		if code == exitCode {
			return Result{Valid: true}, nil
		}
	}

	combined := out.Bytes()
	for _, fp := range d.FailurePatterns {
		re, err := regexp.Compile(fp.Regex)
		if err != nil {
			return Result{}, err
		}
		if m := re.FindSubmatch(combined); m != nil {
			params := make(map[string]string, len(fp.Captures))
			for i, name := range fp.Captures {
				if i+1 < len(m) {
					params[name] = string(m[i+1])
				}
			}
			return Result{Valid: false, Pattern: fp.Name, Params: params}, nil
		}
	}
	return Result{Valid: false, Pattern: "unmatched_failure"}, nil
}

func (v *Validator) checkState(ctx context.Context, d agentdef.ValidatorDescriptor) (Result, error) {
	probe, ok := v.probes[d.Probe]
	if !ok {
		return Result{}, errors.New("no state probe registered for: " + d.Probe)
	}
	ok2, err := probe(ctx, d.Expected)
	if err != nil {
		// A probe error is "not complete", never fatal, per the Closer's
		// treatment of non-success probes.
		return Result{Valid: false, Pattern: "probe_error", Params: map[string]string{"error": err.Error()}}, nil
	}
	if ok2 {
		return Result{Valid: true}, nil
	}
	return Result{Valid: false, Pattern: "state_mismatch"}, nil
}

func (v *Validator) checkSchema(d agentdef.ValidatorDescriptor, structuredOutput map[string]any) (Result, error) {
	if err := v.schemaValid.Validate(d.SchemaFile, d.SchemaName, structuredOutput); err != nil {
		return Result{Valid: false, Pattern: "schema_invalid", Params: map[string]string{"error": err.Error()}}, nil
	}
	return Result{Valid: true}, nil
}
