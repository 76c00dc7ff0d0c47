package git

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func gitOrSkip(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func mustGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	if _, err := runGit(context.Background(), dir, args...); err != nil {
		t.Fatalf("git %s: %v", strings.Join(args, " "), err)
	}
}

// initRepo builds a repository with one commit on branch main.
func initRepo(t *testing.T) string {
	t.Helper()
	gitOrSkip(t)
	dir := t.TempDir()
	mustGit(t, dir, "init")
	mustGit(t, dir, "config", "user.email", "test@example.com")
	mustGit(t, dir, "config", "user.name", "test")
	mustGit(t, dir, "checkout", "-b", "main")
	mustGit(t, dir, "-c", "commit.gpgsign=false", "commit", "--allow-empty", "-m", "initial")
	return dir
}

func TestIsRepository(t *testing.T) {
	gitOrSkip(t)
	ctx := context.Background()
	repo := initRepo(t)
	if !IsRepository(ctx, repo) {
		t.Errorf("IsRepository(%s) = false, want true", repo)
	}
	if IsRepository(ctx, t.TempDir()) {
		t.Errorf("IsRepository reported true for a plain directory")
	}
}

func TestListWorktreesMainOnly(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)

	list, err := ListWorktrees(ctx, repo)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d worktrees, want 1", len(list))
	}
	wt := list[0]
	if !wt.IsMain {
		t.Errorf("main worktree not flagged as main")
	}
	if wt.Branch != "main" {
		t.Errorf("branch = %q, want main", wt.Branch)
	}
	if wt.Commit == "" {
		t.Errorf("commit hash is empty")
	}
	if !samePath(wt.Path, repo) {
		t.Errorf("path = %q, want %q", wt.Path, repo)
	}
}

func TestListWorktreesNotARepo(t *testing.T) {
	gitOrSkip(t)
	_, err := ListWorktrees(context.Background(), t.TempDir())
	if !errors.Is(err, ErrNotRepository) {
		t.Errorf("err = %v, want ErrNotRepository", err)
	}
}

func TestCreateWorktreeNewBranch(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)

	wt, err := CreateWorktree(ctx, repo, "feature/x", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wt.Branch != "feature/x" {
		t.Errorf("branch = %q, want feature/x", wt.Branch)
	}
	if wt.IsMain {
		t.Errorf("new worktree flagged as main")
	}
	wantDir := filepath.Join(filepath.Dir(repo), filepath.Base(repo)+"-worktrees", "feature-x")
	if !samePath(wt.Path, wantDir) {
		t.Errorf("path = %q, want %q", wt.Path, wantDir)
	}

	list, err := ListWorktrees(ctx, repo)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("got %d worktrees, want 2", len(list))
	}

	// Same name again collides instead of silently duplicating.
	if _, err := CreateWorktree(ctx, repo, "feature/x", ""); !errors.Is(err, ErrWorktreeExists) {
		t.Errorf("second create = %v, want ErrWorktreeExists", err)
	}
}

func TestCreateWorktreeAttachesExistingBranch(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	mustGit(t, repo, "branch", "existing")

	wt, err := CreateWorktree(ctx, repo, "existing", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if wt.Branch != "existing" {
		t.Errorf("branch = %q, want existing", wt.Branch)
	}
}

func TestCreateWorktreeBasePath(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)
	base := t.TempDir()

	wt, err := CreateWorktree(ctx, repo, "custom", base)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !samePath(wt.Path, filepath.Join(base, "custom")) {
		t.Errorf("path = %q, want under %q", wt.Path, base)
	}
}

func TestCreateWorktreeRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	repo := initRepo(t)

	for _, name := range []string{"", "   ", "bad~name", "a..b"} {
		if _, err := CreateWorktree(ctx, repo, name, ""); err == nil {
			t.Errorf("create(%q) succeeded, want error", name)
		}
	}
}

func TestSanitizeBranch(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr error
	}{
		{in: "feature/x", want: "feature/x"},
		{in: "fix bug 42", want: "fix-bug-42"},
		{in: "  padded  ", want: "padded"},
		{in: "tab\there", want: "tab-here"},
		{in: "", wantErr: ErrBranchEmpty},
		{in: "   ", wantErr: ErrBranchEmpty},
		{in: "bad~name", wantErr: ErrBranchInvalid},
		{in: "star*name", wantErr: ErrBranchInvalid},
		{in: "a..b", wantErr: ErrBranchInvalid},
		{in: "ref@{1}", wantErr: ErrBranchInvalid},
		{in: "-leading", wantErr: ErrBranchInvalid},
		{in: "trailing/", wantErr: ErrBranchInvalid},
		{in: "name.lock", wantErr: ErrBranchInvalid},
	}
	for _, tc := range cases {
		got, err := SanitizeBranch(tc.in)
		if tc.wantErr != nil {
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("SanitizeBranch(%q) err = %v, want %v", tc.in, err, tc.wantErr)
			}
			continue
		}
		if err != nil {
			t.Errorf("SanitizeBranch(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("SanitizeBranch(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseWorktrees(t *testing.T) {
	out := `worktree /repos/app
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /repos/app-worktrees/feature-x
HEAD 2222222222222222222222222222222222222222
branch refs/heads/feature/x
locked agent in flight

worktree /repos/app.git
bare

worktree /repos/detached-wt
HEAD 3333333333333333333333333333333333333333
detached
`
	list := parseWorktrees(out)
	if len(list) != 4 {
		t.Fatalf("got %d entries, want 4", len(list))
	}
	main := list[0]
	if !main.IsMain || main.Branch != "main" || main.Path != "/repos/app" {
		t.Errorf("main entry = %+v", main)
	}
	feat := list[1]
	if feat.Branch != "feature/x" || !feat.IsLocked || feat.IsMain {
		t.Errorf("feature entry = %+v", feat)
	}
	if !list[2].IsBare {
		t.Errorf("bare entry = %+v", list[2])
	}
	det := list[3]
	if det.Branch != "" || det.Commit == "" {
		t.Errorf("detached entry = %+v", det)
	}
}
