package worktree

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestCreateAndRemove(t *testing.T) {
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "exp1", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if info.Branch != "iterate/exp1" {
		t.Fatalf("branch = %q, want iterate/exp1", info.Branch)
	}
	if info.Path != filepath.Join(repo, ".iterate", "worktrees", "exp1") {
		t.Fatalf("path = %q", info.Path)
	}
	if _, err := os.Stat(filepath.Join(info.Path, "main.txt")); err != nil {
		t.Fatalf("worktree missing checked out file: %v", err)
	}
	if status := strings.TrimSpace(gitOutput(t, repo, "status", "--porcelain")); status != "" {
		t.Fatalf("main checkout should stay clean, status=%q", status)
	}

	if err := mgr.Remove(ctx, "exp1", true); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(info.Path); !os.IsNotExist(err) {
		t.Fatalf("worktree still on disk: %v", err)
	}
	if branchExists(t, repo, "iterate/exp1") {
		t.Fatal("branch iterate/exp1 should be deleted")
	}

	// Removing again tolerates the missing worktree and branch.
	if err := mgr.Remove(ctx, "exp1", true); err != nil {
		t.Fatalf("second Remove: %v", err)
	}
}

func TestCreateFromExplicitBase(t *testing.T) {
	repo := initGitRepo(t)
	runGit(t, repo, "checkout", "-b", "feature")
	commitFile(t, repo, "feature.txt", "feature\n", "feature commit")
	runGit(t, repo, "checkout", "main")

	mgr := NewManager(repo)
	info, err := mgr.Create(context.Background(), "onfeature", "feature")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := os.Stat(filepath.Join(info.Path, "feature.txt")); err != nil {
		t.Fatalf("worktree should be based on feature: %v", err)
	}
}

func TestCreateBaseRefNotFound(t *testing.T) {
	t.Run("unknown base", func(t *testing.T) {
		repo := initGitRepo(t)
		_, err := NewManager(repo).Create(context.Background(), "x", "does-not-exist")
		if !errors.Is(err, ErrBaseRefNotFound) {
			t.Fatalf("err = %v, want ErrBaseRefNotFound", err)
		}
		if branchExists(t, repo, "iterate/x") {
			t.Fatal("no branch should be created")
		}
	})

	t.Run("no commits", func(t *testing.T) {
		repo := t.TempDir()
		runGit(t, repo, "init")
		_, err := NewManager(repo).Create(context.Background(), "x", "")
		if !errors.Is(err, ErrBaseRefNotFound) {
			t.Fatalf("err = %v, want ErrBaseRefNotFound", err)
		}
	})
}

func TestList(t *testing.T) {
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		if _, err := mgr.Create(ctx, name, ""); err != nil {
			t.Fatalf("Create %s: %v", name, err)
		}
	}
	// A worktree outside the namespace is ignored.
	runGit(t, repo, "worktree", "add", "-b", "other", filepath.Join(t.TempDir(), "other"))

	list, err := mgr.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List returned %d entries, want 2: %+v", len(list), list)
	}
	for _, info := range list {
		if !strings.HasPrefix(info.Branch, "iterate/") {
			t.Fatalf("unexpected branch %q", info.Branch)
		}
	}
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\n" +
		"worktree /repo/.iterate/worktrees/a\nHEAD def\nbranch refs/heads/iterate/a\n\n" +
		"worktree /tmp/detached\nHEAD 123\ndetached\n\n"
	got := parseWorktreeList(out)
	if len(got) != 1 {
		t.Fatalf("parsed %d entries, want 1: %+v", len(got), got)
	}
	if got[0].Path != "/repo/.iterate/worktrees/a" || got[0].Branch != "iterate/a" {
		t.Fatalf("entry = %+v", got[0])
	}
}

func TestPickSquashRemovesAllIterations(t *testing.T) {
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	x, err := mgr.Create(ctx, "x", "")
	if err != nil {
		t.Fatalf("Create x: %v", err)
	}
	y, err := mgr.Create(ctx, "y", "")
	if err != nil {
		t.Fatalf("Create y: %v", err)
	}
	// Uncommitted work in the winner is committed as part of the pick.
	if err := os.WriteFile(filepath.Join(x.Path, "winner.txt"), []byte("from x\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := mgr.Pick(ctx, "x", []string{"x", "y"}, StrategySquash); err != nil {
		t.Fatalf("Pick: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(repo, "winner.txt"))
	if err != nil || string(data) != "from x\n" {
		t.Fatalf("winner change missing from base: %q, %v", data, err)
	}
	for _, p := range []string{x.Path, y.Path} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("worktree %s still exists", p)
		}
	}
	for _, b := range []string{"iterate/x", "iterate/y"} {
		if branchExists(t, repo, b) {
			t.Fatalf("branch %s should be deleted", b)
		}
	}
	if parents := strings.Fields(gitOutput(t, repo, "log", "-1", "--format=%P")); len(parents) != 1 {
		t.Fatalf("squash should create a single-parent commit, parents=%v", parents)
	}
}

func TestPickMergeAndRebase(t *testing.T) {
	for _, strategy := range []Strategy{StrategyMerge, StrategyRebase} {
		t.Run(string(strategy), func(t *testing.T) {
			repo := initGitRepo(t)
			mgr := NewManager(repo)
			ctx := context.Background()

			w, err := mgr.Create(ctx, "w", "")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			commitFile(t, w.Path, "w.txt", "w\n", "iteration work")
			// Base moves on independently; both strategies must still succeed.
			commitFile(t, repo, "base.txt", "base\n", "base work")

			hash, err := mgr.Pick(ctx, "w", []string{"w"}, strategy)
			if err != nil {
				t.Fatalf("Pick: %v", err)
			}
			if head := strings.TrimSpace(gitOutput(t, repo, "rev-parse", "HEAD")); head != hash {
				t.Fatalf("HEAD = %s, want %s", head, hash)
			}
			for _, f := range []string{"w.txt", "base.txt"} {
				if _, err := os.Stat(filepath.Join(repo, f)); err != nil {
					t.Fatalf("%s missing after pick: %v", f, err)
				}
			}
		})
	}
}

func TestPickConflictLeavesBaseUntouched(t *testing.T) {
	for _, strategy := range []Strategy{StrategyMerge, StrategySquash, StrategyRebase} {
		t.Run(string(strategy), func(t *testing.T) {
			repo := initGitRepo(t)
			mgr := NewManager(repo)
			ctx := context.Background()

			c, err := mgr.Create(ctx, "c", "")
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			commitFile(t, c.Path, "main.txt", "iteration version\n", "iteration edit")
			commitFile(t, repo, "main.txt", "base version\n", "base edit")

			headBefore := gitOutput(t, repo, "rev-parse", "HEAD")
			statusBefore := gitOutput(t, repo, "status", "--porcelain")

			if _, err := mgr.Pick(ctx, "c", []string{"c"}, strategy); err == nil {
				t.Fatal("Pick succeeded, want conflict error")
			}

			if got := gitOutput(t, repo, "rev-parse", "HEAD"); got != headBefore {
				t.Fatalf("HEAD moved: %s -> %s", headBefore, got)
			}
			if got := gitOutput(t, repo, "status", "--porcelain"); got != statusBefore {
				t.Fatalf("status changed: %q -> %q", statusBefore, got)
			}
			data, _ := os.ReadFile(filepath.Join(repo, "main.txt"))
			if string(data) != "base version\n" {
				t.Fatalf("main.txt = %q, want base version", data)
			}
			if _, err := os.Stat(filepath.Join(repo, ".git", "MERGE_HEAD")); !os.IsNotExist(err) {
				t.Fatal("MERGE_HEAD left behind")
			}
			// The losing worktree is kept for a retry.
			if _, err := os.Stat(c.Path); err != nil {
				t.Fatalf("worktree should survive a failed pick: %v", err)
			}
		})
	}
}

func TestPickRefusesDirtyBase(t *testing.T) {
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	if _, err := mgr.Create(ctx, "d", ""); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := os.WriteFile(filepath.Join(repo, "main.txt"), []byte("local edit\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	_, err := mgr.Pick(ctx, "d", []string{"d"}, StrategyMerge)
	if !errors.Is(err, ErrDirtyBase) {
		t.Fatalf("err = %v, want ErrDirtyBase", err)
	}
	data, _ := os.ReadFile(filepath.Join(repo, "main.txt"))
	if string(data) != "local edit\n" {
		t.Fatalf("local edit lost: %q", data)
	}
}

func TestAutoCommitIfDirty_CommitsChanges(t *testing.T) {
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "auto", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Remove(ctx, "auto", true)

	if err := os.WriteFile(filepath.Join(info.Path, "main.txt"), []byte("updated\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	hash, committed, err := mgr.AutoCommitIfDirty(ctx, info.Path, "test auto-commit")
	if err != nil {
		t.Fatalf("AutoCommitIfDirty: %v", err)
	}
	if !committed {
		t.Fatalf("committed = false, want true")
	}
	if head := strings.TrimSpace(gitOutput(t, repo, "rev-parse", info.Branch)); head != hash {
		t.Fatalf("branch head = %s, want %s", head, hash)
	}
	if status := strings.TrimSpace(gitOutput(t, info.Path, "status", "--porcelain")); status != "" {
		t.Fatalf("worktree should be clean after auto-commit, status=%q", status)
	}
}

func TestAutoCommitIfDirty_NoChanges(t *testing.T) {
	repo := initGitRepo(t)
	mgr := NewManager(repo)
	ctx := context.Background()

	info, err := mgr.Create(ctx, "clean", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer mgr.Remove(ctx, "clean", true)

	hash, committed, err := mgr.AutoCommitIfDirty(ctx, info.Path, "test auto-commit")
	if err != nil {
		t.Fatalf("AutoCommitIfDirty: %v", err)
	}
	if committed || hash != "" {
		t.Fatalf("committed=%v hash=%q, want false and empty", committed, hash)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy(""); err != nil || s != StrategyMerge {
		t.Fatalf("ParseStrategy(\"\") = %q, %v", s, err)
	}
	if s, err := ParseStrategy("Squash"); err != nil || s != StrategySquash {
		t.Fatalf("ParseStrategy(Squash) = %q, %v", s, err)
	}
	if _, err := ParseStrategy("octopus"); !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("err = %v, want ErrUnknownStrategy", err)
	}
}

func initGitRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()

	runGit(t, repo, "init")
	runGit(t, repo, "checkout", "-b", "main")
	commitFile(t, repo, "main.txt", "initial\n", "initial commit")
	return repo
}

func commitFile(t *testing.T, dir, name, content, message string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	runGit(t, dir, "add", name)
	runGitWithConfig(t, dir, []string{"user.name=Test", "user.email=test@example.com"}, "commit", "-m", message)
}

func branchExists(t *testing.T, repo, branch string) bool {
	t.Helper()
	cmd := exec.Command("git", "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	cmd.Dir = repo
	return cmd.Run() == nil
}

func gitOutput(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %v\n%s", strings.Join(args, " "), err, string(out))
	}
	return string(out)
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	_ = gitOutput(t, dir, args...)
}

func runGitWithConfig(t *testing.T, dir string, config []string, args ...string) {
	t.Helper()
	fullArgs := make([]string, 0, len(config)*2+len(args))
	for _, kv := range config {
		fullArgs = append(fullArgs, "-c", kv)
	}
	fullArgs = append(fullArgs, args...)
	runGit(t, dir, fullArgs...)
}
