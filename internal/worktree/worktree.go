// Package worktree manages the git branches and worktrees backing iterations.
package worktree

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/iteratedev/iterate/internal/config"
	"github.com/iteratedev/iterate/internal/debug"
	"github.com/iteratedev/iterate/internal/store"
)

var (
	// ErrBaseRefNotFound means the base branch does not resolve to a commit,
	// either because the name is wrong or the repository has no commits.
	// Retrying will not help.
	ErrBaseRefNotFound = errors.New("base ref does not exist")
	ErrUnknownStrategy = errors.New("unknown pick strategy")
	// ErrDirtyBase means the main checkout has uncommitted changes to tracked
	// files, so a pick could not be rolled back cleanly.
	ErrDirtyBase = errors.New("base checkout has uncommitted changes")
)

// Strategy is how a picked branch is folded into the base branch.
type Strategy string

const (
	StrategyMerge  Strategy = "merge"
	StrategySquash Strategy = "squash"
	StrategyRebase Strategy = "rebase"
)

// ParseStrategy maps "" to StrategyMerge.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyMerge:
		return StrategyMerge, nil
	case StrategySquash:
		return StrategySquash, nil
	case StrategyRebase:
		return StrategyRebase, nil
	}
	return "", fmt.Errorf("%w: %q (want merge, squash or rebase)", ErrUnknownStrategy, s)
}

// Info describes an iteration worktree.
type Info struct {
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// Manager creates, picks and removes iteration worktrees of one repository.
type Manager struct {
	repoRoot string
}

// NewManager creates a Manager rooted at the given git repository root.
func NewManager(repoRoot string) *Manager {
	return &Manager{repoRoot: repoRoot}
}

// RepoRoot returns the repository the manager operates on.
func (m *Manager) RepoRoot() string {
	return m.repoRoot
}

// Path returns the deterministic worktree location for an iteration.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.repoRoot, config.DirName, "worktrees", name)
}

// CurrentBranch returns the branch checked out in the main worktree. It works
// in a repository without commits.
func (m *Manager) CurrentBranch(ctx context.Context) (string, error) {
	out, err := m.git(ctx, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolving current branch: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Create makes branch iterate/<name> from baseBranch (or the current branch
// when empty) and checks it out into a new worktree.
func (m *Manager) Create(ctx context.Context, name, baseBranch string) (Info, error) {
	debug.LogKV("worktree", "Create()", "name", name, "base", baseBranch, "repo_root", m.repoRoot)

	base := strings.TrimSpace(baseBranch)
	if base == "" {
		base = "HEAD"
		if current, err := m.CurrentBranch(ctx); err == nil {
			base = current
		}
	}

	head, err := m.git(ctx, "rev-parse", "--verify", "--quiet", base+"^{commit}")
	if err != nil {
		return Info{}, fmt.Errorf("%w: %s", ErrBaseRefNotFound, base)
	}
	head = strings.TrimSpace(head)

	if err := m.ensureExcluded(ctx); err != nil {
		debug.LogKV("worktree", "could not update info/exclude", "error", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.Path(name)), 0755); err != nil {
		return Info{}, fmt.Errorf("creating worktree dir: %w", err)
	}

	info := Info{Path: m.Path(name), Branch: store.BranchFor(name)}
	if _, err := m.git(ctx, "branch", info.Branch, head); err != nil {
		return Info{}, fmt.Errorf("creating branch %s: %w", info.Branch, err)
	}
	if _, err := m.git(ctx, "worktree", "add", info.Path, info.Branch); err != nil {
		// Rollback branch on failure.
		m.git(ctx, "branch", "-D", info.Branch)
		return Info{}, fmt.Errorf("worktree add: %w", err)
	}

	debug.LogKV("worktree", "created", "branch", info.Branch, "path", info.Path, "base", base, "head", head)
	return info, nil
}

// Remove force-removes the iteration's worktree. A worktree that is already
// gone is not an error. Branch deletion is best-effort.
func (m *Manager) Remove(ctx context.Context, name string, deleteBranch bool) error {
	debug.LogKV("worktree", "Remove()", "name", name, "delete_branch", deleteBranch)
	wtPath := m.Path(name)

	if _, statErr := os.Stat(wtPath); statErr == nil {
		if _, err := m.git(ctx, "worktree", "remove", "--force", wtPath); err != nil {
			// Fallback: manual cleanup.
			if removeErr := os.RemoveAll(wtPath); removeErr != nil {
				m.git(ctx, "worktree", "prune")
				return fmt.Errorf("worktree remove failed (%w) and manual cleanup also failed: %v", err, removeErr)
			}
		}
	}
	m.git(ctx, "worktree", "prune")

	if deleteBranch {
		// The branch may already be gone.
		m.git(ctx, "branch", "-D", store.BranchFor(name))
	}
	return nil
}

// Pick folds the winner's branch into the current branch using strategy and,
// on success, removes every iteration in allNames. When folding fails the
// in-progress merge or rebase is aborted before the error is returned, so the
// base checkout is left exactly as it was.
func (m *Manager) Pick(ctx context.Context, winner string, allNames []string, strategy Strategy) (string, error) {
	debug.LogKV("worktree", "Pick()", "winner", winner, "strategy", strategy, "all", strings.Join(allNames, ","))

	base, err := m.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if dirty, err := m.trackedChanges(ctx, ""); err != nil {
		return "", err
	} else if dirty != "" {
		return "", fmt.Errorf("%w:\n%s", ErrDirtyBase, dirty)
	}
	branch := store.BranchFor(winner)
	wtPath := m.Path(winner)

	if _, statErr := os.Stat(wtPath); statErr == nil {
		msg := fmt.Sprintf("iterate: work from %s", winner)
		if _, _, err := m.AutoCommitIfDirty(ctx, wtPath, msg); err != nil {
			return "", fmt.Errorf("committing pending changes in %s: %w", winner, err)
		}
	}

	var hash string
	switch strategy {
	case StrategyMerge:
		hash, err = m.Merge(ctx, branch, fmt.Sprintf("Merge iteration %s into %s", winner, base))
	case StrategySquash:
		hash, err = m.MergeSquash(ctx, branch, fmt.Sprintf("Squash iteration %s into %s", winner, base))
	case StrategyRebase:
		hash, err = m.Rebase(ctx, wtPath, branch, base)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	if err != nil {
		return "", fmt.Errorf("picking %s (%s): %w", winner, strategy, err)
	}

	for _, name := range allNames {
		if err := m.Remove(ctx, name, true); err != nil {
			debug.LogKV("worktree", "Pick: cleanup failed", "name", name, "error", err)
		}
	}
	m.git(ctx, "worktree", "prune")

	debug.LogKV("worktree", "picked", "winner", winner, "base", base, "head", hash)
	return hash, nil
}

// Merge merges the given branch into the current branch with a merge commit.
// A failed merge is aborted before returning.
func (m *Manager) Merge(ctx context.Context, branchName, message string) (hash string, err error) {
	debug.LogKV("worktree", "Merge()", "branch", branchName)
	if message == "" {
		message = "Merge " + branchName
	}
	defer func() {
		if err != nil {
			m.abortMerge(ctx)
		}
	}()

	args := append(m.identityArgs(ctx), "merge", "--no-ff", "-m", message, branchName)
	if _, err := m.git(ctx, args...); err != nil {
		return "", fmt.Errorf("merge %s: %w", branchName, err)
	}
	return m.head(ctx, "")
}

// MergeSquash squash-merges the given branch into the current branch and
// commits. A failed squash is rolled back before returning.
func (m *Manager) MergeSquash(ctx context.Context, branchName, message string) (hash string, err error) {
	debug.LogKV("worktree", "MergeSquash()", "branch", branchName)
	if message == "" {
		message = "Squash merge " + branchName
	}
	defer func() {
		if err != nil {
			m.abortMerge(ctx)
		}
	}()

	if _, err := m.git(ctx, "merge", "--squash", branchName); err != nil {
		return "", fmt.Errorf("squash-merge %s: %w", branchName, err)
	}
	staged, err := m.git(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return "", fmt.Errorf("inspecting squash result: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		// Nothing to commit: the branch carries no changes.
		return m.head(ctx, "")
	}
	args := append(m.identityArgs(ctx), "commit", "-m", message)
	if _, err := m.git(ctx, args...); err != nil {
		return "", fmt.Errorf("commit squash: %w", err)
	}
	return m.head(ctx, "")
}

// Rebase replays branchName onto base inside the branch's own worktree and
// then fast-forwards base to it. The base checkout is only touched by the
// fast-forward, which cannot conflict.
func (m *Manager) Rebase(ctx context.Context, wtPath, branchName, base string) (hash string, err error) {
	debug.LogKV("worktree", "Rebase()", "branch", branchName, "onto", base)
	defer func() {
		if err != nil {
			m.git(context.WithoutCancel(ctx), "-C", wtPath, "rebase", "--abort")
			m.abortMerge(ctx)
		}
	}()

	args := append([]string{"-C", wtPath}, m.identityArgs(ctx)...)
	args = append(args, "rebase", base)
	if _, err := m.git(ctx, args...); err != nil {
		return "", fmt.Errorf("rebase %s onto %s: %w", branchName, base, err)
	}
	if _, err := m.git(ctx, "merge", "--ff-only", branchName); err != nil {
		return "", fmt.Errorf("fast-forward %s to %s: %w", base, branchName, err)
	}
	return m.head(ctx, "")
}

// abortMerge restores the main checkout after a failed merge. Errors are
// swallowed: when no merge is in progress there is nothing to abort. It runs
// even when ctx is already cancelled. Pick refuses to start on a dirty base,
// so the final hard reset can only discard merge leftovers.
func (m *Manager) abortMerge(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if _, err := m.git(ctx, "merge", "--abort"); err != nil {
		m.git(ctx, "reset", "--merge")
	}
	if dirty, err := m.trackedChanges(ctx, ""); err != nil || dirty != "" {
		debug.LogKV("worktree", "abort left tracked changes, resetting", "changes", dirty, "error", err)
		m.git(ctx, "reset", "--hard", "HEAD")
	}
}

// trackedChanges returns `git status --porcelain` without untracked files.
func (m *Manager) trackedChanges(ctx context.Context, dir string) (string, error) {
	args := []string{"status", "--porcelain", "--untracked-files=no"}
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	out, err := m.git(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("checking status: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// AutoCommitIfDirty stages and commits all changes in a worktree when needed.
// It returns (commitHash, committed, error). If there are no changes, committed=false.
func (m *Manager) AutoCommitIfDirty(ctx context.Context, worktreePath, message string) (string, bool, error) {
	debug.LogKV("worktree", "AutoCommitIfDirty()", "path", worktreePath)
	if strings.TrimSpace(worktreePath) == "" {
		return "", false, fmt.Errorf("worktree path is empty")
	}

	status, err := m.git(ctx, "-C", worktreePath, "status", "--porcelain")
	if err != nil {
		return "", false, fmt.Errorf("status in worktree %s: %w", worktreePath, err)
	}
	if strings.TrimSpace(status) == "" {
		return "", false, nil
	}

	if _, err := m.git(ctx, "-C", worktreePath, "add", "-A"); err != nil {
		return "", false, fmt.Errorf("staging changes in worktree %s: %w", worktreePath, err)
	}
	args := append([]string{"-C", worktreePath}, m.identityArgs(ctx)...)
	args = append(args, "commit", "-m", message)
	if _, err := m.git(ctx, args...); err != nil {
		return "", false, fmt.Errorf("auto-commit in worktree %s: %w", worktreePath, err)
	}

	hash, err := m.head(ctx, worktreePath)
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}

// List returns the worktrees whose branch is under the iterate/ namespace.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	out, err := m.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktreeList(out), nil
}

// parseWorktreeList parses `git worktree list --porcelain`: one record per
// blank-line separated block, "worktree <path>" first.
func parseWorktreeList(out string) []Info {
	var result []Info
	for _, block := range strings.Split(strings.ReplaceAll(out, "\r\n", "\n"), "\n\n") {
		var current Info
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "worktree "):
				current.Path = strings.TrimPrefix(line, "worktree ")
			case strings.HasPrefix(line, "branch "):
				current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		}
		if current.Path != "" && strings.HasPrefix(current.Branch, store.BranchPrefix) {
			result = append(result, current)
		}
	}
	return result
}

// ensureExcluded keeps .iterate/ out of `git status` in the main checkout.
func (m *Manager) ensureExcluded(ctx context.Context) error {
	gitDir, err := m.git(ctx, "rev-parse", "--git-common-dir")
	if err != nil {
		return err
	}
	gitDir = strings.TrimSpace(gitDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(m.repoRoot, gitDir)
	}
	excludePath := filepath.Join(gitDir, "info", "exclude")
	pattern := "/" + config.DirName + "/"

	data, err := os.ReadFile(excludePath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(excludePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		pattern = "\n" + pattern
	}
	_, err = f.WriteString(pattern + "\n")
	return err
}

// identityArgs supplies a fallback committer when the repository has none
// configured, so picks never fail on "please tell me who you are".
func (m *Manager) identityArgs(ctx context.Context) []string {
	if out, err := m.git(ctx, "config", "user.email"); err == nil && strings.TrimSpace(out) != "" {
		return nil
	}
	return []string{"-c", "user.name=iterate", "-c", "user.email=iterate@local"}
}

func (m *Manager) head(ctx context.Context, dir string) (string, error) {
	args := []string{"rev-parse", "HEAD"}
	if dir != "" {
		args = append([]string{"-C", dir}, args...)
	}
	out, err := m.git(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("rev-parse HEAD: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// git runs a git command in the repo root and returns combined output.
func (m *Manager) git(ctx context.Context, args ...string) (string, error) {
	debug.LogKV("worktree", "git exec", "cmd", "git "+strings.Join(args, " "), "dir", m.repoRoot)
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = m.repoRoot
	out, err := cmd.CombinedOutput()
	if err != nil {
		debug.LogKV("worktree", "git exec failed", "cmd", "git "+strings.Join(args, " "), "error", err, "output_len", len(out))
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
