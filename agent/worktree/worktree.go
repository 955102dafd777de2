// Package worktree implements the optional git worktree lifecycle around a
// run: one worktree per branch, rejecting a second run
// against an occupied branch, and a merge-back strategy invoked as a
// subprocess once the run succeeds. Git/gh tooling is treated as an opaque
// subprocess collaborator throughout, never as an in-process library.
package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/stepforge/agentengine/agent/agenterr"
)

// MergeStrategy is one of the three declared merge-back strategies.
type MergeStrategy string

const (
	MergeSquash       MergeStrategy = "squash"
	MergeFastForward  MergeStrategy = "fast-forward"
	MergeStandard     MergeStrategy = "merge"
)

// occupancy tracks branches currently checked out by a worktree within
// this process, enforcing "two runs on the same branch must be rejected
// at start" for co-located runs. Cross-process occupancy is enforced by
// git itself refusing a second `worktree add` on an already-checked-out
// branch.
var occupancy = struct {
	mu    sync.Mutex
	taken map[string]bool
}{taken: make(map[string]bool)}

// Handle owns one worktree's lifecycle for the duration of a run.
type Handle struct {
	root   string
	branch string
	path   string
}

// Setup creates a worktree for branch under root, based on baseBranch.
// Fails fast if this process already holds the branch, or if git itself
// rejects the worktree add (e.g. the branch is checked out elsewhere).
func Setup(ctx context.Context, root, branch, baseBranch string) (*Handle, error) {
	occupancy.mu.Lock()
	if occupancy.taken[branch] {
		occupancy.mu.Unlock()
		return nil, agenterr.Newf(agenterr.KindConfiguration,
			"branch %q already has an active worktree in this process", branch)
	}
	occupancy.taken[branch] = true
	occupancy.mu.Unlock()

	path := filepath.Join(root, sanitize(branch))
	if err := os.MkdirAll(root, 0o755); err != nil {
		release(branch)
		return nil, fmt.Errorf("create worktree root: %w", err)
	}

	args := []string{"worktree", "add", "-B", branch, path, baseBranch}
	if err := runGit(ctx, "", args...); err != nil {
		release(branch)
		return nil, agenterr.Wrap(agenterr.KindConfiguration, "git worktree add failed", err)
	}
	return &Handle{root: root, branch: branch, path: path}, nil
}

// Path is the worktree's filesystem root; the Runner names it in
// AgentResult.Reason when a run leaves the worktree in place.
func (h *Handle) Path() string { return h.path }

// MergeBack attempts the declared merge strategy against baseBranch.
// Called only on a successful run.
func (h *Handle) MergeBack(ctx context.Context, baseBranch string, strategy MergeStrategy) error {
	switch strategy {
	case MergeSquash:
		return runGit(ctx, h.path, "merge", "--squash", h.branch)
	case MergeFastForward:
		return runGit(ctx, h.path, "merge", "--ff-only", h.branch)
	case MergeStandard:
		return runGit(ctx, h.path, "merge", "--no-ff", h.branch)
	default:
		return agenterr.Newf(agenterr.KindConfiguration, "unknown merge strategy %q", strategy)
	}
}

// Teardown removes the worktree and releases the branch. On a failed run
// the caller should skip Teardown, per the contract that a failing run
// leaves the worktree in place and surfaces this in its reason.
func (h *Handle) Teardown(ctx context.Context) error {
	defer release(h.branch)
	return runGit(ctx, "", "worktree", "remove", "--force", h.path)
}

func release(branch string) {
	occupancy.mu.Lock()
	delete(occupancy.taken, branch)
	occupancy.mu.Unlock()
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %w: %s", args, err, out.String())
	}
	return nil
}

func sanitize(branch string) string {
	out := make([]rune, 0, len(branch))
	for _, r := range branch {
		if r == '/' || r == ' ' {
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
