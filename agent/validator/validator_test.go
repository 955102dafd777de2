package validator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepforge/agentengine/agent/agentdef"
	"github.com/stepforge/agentengine/agent/schema"
)

func TestRunCommand_SuccessExitCode(t *testing.T) {
	v := New(schema.New())
	d := agentdef.ValidatorDescriptor{
		Kind:             agentdef.ValidatorCommand,
		Argv:             []string{"true"},
		SuccessExitCodes: []int{0},
	}
	res, err := v.Run(context.Background(), d, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestRunCommand_FailureMatchesPattern(t *testing.T) {
	v := New(schema.New())
	d := agentdef.ValidatorDescriptor{
		Kind:             agentdef.ValidatorCommand,
		Argv:             []string{"sh", "-c", "echo 'error: FOO not found' >&2; exit 1"},
		SuccessExitCodes: []int{0},
		FailurePatterns: []agentdef.FailurePattern{
			{Name: "missing_symbol", Regex: `error: (\w+) not found`, Captures: []string{"symbol"}},
		},
	}
	res, err := v.Run(context.Background(), d, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "missing_symbol", res.Pattern)
	assert.Equal(t, "FOO", res.Params["symbol"])
}

func TestRunCommand_FailureWithNoMatchingPattern(t *testing.T) {
	v := New(schema.New())
	d := agentdef.ValidatorDescriptor{
		Kind:             agentdef.ValidatorCommand,
		Argv:             []string{"false"},
		SuccessExitCodes: []int{0},
	}
	res, err := v.Run(context.Background(), d, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "unmatched_failure", res.Pattern)
}

func TestRunCommand_EmptyArgvErrors(t *testing.T) {
	v := New(schema.New())
	_, err := v.Run(context.Background(), agentdef.ValidatorDescriptor{Kind: agentdef.ValidatorCommand}, nil)
	assert.Error(t, err)
}

func TestCheckState_UnregisteredProbeErrors(t *testing.T) {
	v := New(schema.New())
	_, err := v.Run(context.Background(), agentdef.ValidatorDescriptor{Kind: agentdef.ValidatorState, Probe: "ghost"}, nil)
	assert.Error(t, err)
}

func TestCheckState_ProbeErrorIsNotFatal(t *testing.T) {
	v := New(schema.New())
	v.RegisterProbe("flaky", func(ctx context.Context, expected string) (bool, error) {
		return false, assertErr{}
	})
	res, err := v.Run(context.Background(), agentdef.ValidatorDescriptor{Kind: agentdef.ValidatorState, Probe: "flaky", Expected: "x"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "probe_error", res.Pattern)
}

func TestCheckState_MatchAndMismatch(t *testing.T) {
	v := New(schema.New())
	v.RegisterProbe("issue-state", func(ctx context.Context, expected string) (bool, error) {
		return expected == "closed", nil
	})
	res, err := v.Run(context.Background(), agentdef.ValidatorDescriptor{Kind: agentdef.ValidatorState, Probe: "issue-state", Expected: "closed"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Valid)

	res, err = v.Run(context.Background(), agentdef.ValidatorDescriptor{Kind: agentdef.ValidatorState, Probe: "issue-state", Expected: "open"}, nil)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, "state_mismatch", res.Pattern)
}

func TestRun_UnknownKindErrors(t *testing.T) {
	v := New(schema.New())
	_, err := v.Run(context.Background(), agentdef.ValidatorDescriptor{Kind: agentdef.ValidatorKind("bogus")}, nil)
	assert.Error(t, err)
}

type assertErr struct{}

func (assertErr) Error() string { return "probe failed" }
