package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/ehrlich-b/hocbridge/internal/logger"
)

var (
	// ErrNotRepository means the path is not inside a git repository.
	ErrNotRepository = errors.New("not a git repository")
	// ErrBranchEmpty means the branch name was empty after trimming.
	ErrBranchEmpty = errors.New("branch name is empty")
	// ErrBranchInvalid means the branch name contains characters git
	// refs cannot carry.
	ErrBranchInvalid = errors.New("invalid branch name")
	// ErrWorktreeExists means the target worktree path is already
	// taken.
	ErrWorktreeExists = errors.New("worktree already exists")
)

// Worktree describes one working directory linked to a repository.
// Snapshots are re-derived on every list call, never cached.
type Worktree struct {
	Path     string
	Branch   string
	Commit   string
	IsMain   bool
	IsBare   bool
	IsLocked bool
}

// runGit executes git -C dir with args and returns stdout. Non-zero
// exits surface stderr in the error.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	full := append([]string{"-C", dir}, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	logger.Debug("running git", "dir", dir, "args", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}

// IsRepository reports whether path is inside a git repository.
func IsRepository(ctx context.Context, path string) bool {
	_, err := runGit(ctx, path, "rev-parse", "--git-dir")
	return err == nil
}

// repoRoot resolves the top-level directory of the repository
// containing path.
func repoRoot(ctx context.Context, path string) (string, error) {
	out, err := runGit(ctx, path, "rev-parse", "--show-toplevel")
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotRepository, path)
	}
	return strings.TrimSpace(out), nil
}

// ListWorktrees returns every worktree of the repository containing
// repoPath, main worktree first.
func ListWorktrees(ctx context.Context, repoPath string) ([]Worktree, error) {
	root, err := repoRoot(ctx, repoPath)
	if err != nil {
		return nil, err
	}
	out, err := runGit(ctx, root, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktrees(out), nil
}

// parseWorktrees reads `git worktree list --porcelain` output: one
// attribute per line, blank line between entries, main worktree
// first.
func parseWorktrees(out string) []Worktree {
	var list []Worktree
	var cur Worktree
	flush := func() {
		if cur.Path != "" {
			list = append(list, cur)
		}
		cur = Worktree{}
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		switch {
		case line == "":
			flush()
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur.Path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "HEAD "):
			cur.Commit = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			ref := strings.TrimPrefix(line, "branch ")
			cur.Branch = strings.TrimPrefix(ref, "refs/heads/")
		case line == "bare":
			cur.IsBare = true
		case line == "detached":
			// no branch; Branch stays empty
		case line == "locked" || strings.HasPrefix(line, "locked "):
			cur.IsLocked = true
		}
	}
	flush()
	if len(list) > 0 {
		list[0].IsMain = true
	}
	return list
}

// refUnsafe are characters git refuses in ref names.
const refUnsafe = "~^:?*[\\\""

// SanitizeBranch normalizes a requested branch name: surrounding
// whitespace is trimmed, inner whitespace becomes dashes, and
// anything a git ref cannot carry is rejected outright.
func SanitizeBranch(name string) (string, error) {
	name = strings.Join(strings.Fields(name), "-")
	if name == "" {
		return "", ErrBranchEmpty
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(refUnsafe, r) {
			return "", fmt.Errorf("%w: %q contains %q", ErrBranchInvalid, name, r)
		}
	}
	switch {
	case strings.Contains(name, ".."),
		strings.Contains(name, "@{"),
		strings.Contains(name, "//"),
		strings.HasPrefix(name, "-"),
		strings.HasPrefix(name, "/"),
		strings.HasSuffix(name, "/"),
		strings.HasSuffix(name, "."),
		strings.HasSuffix(name, ".lock"):
		return "", fmt.Errorf("%w: %q", ErrBranchInvalid, name)
	}
	return name, nil
}

// CreateWorktree adds a worktree for branchName to the repository
// containing repoPath. An existing local branch is attached;
// otherwise a new branch is created from HEAD. The worktree directory
// lands under basePath, or under a sibling of the repository named
// <repo>-worktrees when basePath is empty.
func CreateWorktree(ctx context.Context, repoPath, branchName, basePath string) (Worktree, error) {
	branch, err := SanitizeBranch(branchName)
	if err != nil {
		return Worktree{}, err
	}
	root, err := repoRoot(ctx, repoPath)
	if err != nil {
		return Worktree{}, err
	}

	base := basePath
	if base == "" {
		base = filepath.Join(filepath.Dir(root), filepath.Base(root)+"-worktrees")
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return Worktree{}, fmt.Errorf("create worktree base: %w", err)
	}
	wtPath := filepath.Join(base, strings.ReplaceAll(branch, "/", "-"))
	if abs, aerr := filepath.Abs(wtPath); aerr == nil {
		wtPath = abs
	}
	if _, err := os.Stat(wtPath); err == nil {
		return Worktree{}, fmt.Errorf("%w: %s", ErrWorktreeExists, wtPath)
	}

	if branchExists(ctx, root, branch) {
		_, err = runGit(ctx, root, "worktree", "add", wtPath, branch)
	} else {
		_, err = runGit(ctx, root, "worktree", "add", "-b", branch, wtPath)
	}
	if err != nil {
		return Worktree{}, err
	}
	logger.Info("worktree created", "repo", root, "branch", branch, "path", wtPath)

	list, err := ListWorktrees(ctx, root)
	if err != nil {
		return Worktree{Path: wtPath, Branch: branch}, nil
	}
	for _, wt := range list {
		if samePath(wt.Path, wtPath) {
			return wt, nil
		}
	}
	return Worktree{Path: wtPath, Branch: branch}, nil
}

func branchExists(ctx context.Context, root, branch string) bool {
	_, err := runGit(ctx, root, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
	return err == nil
}

func samePath(a, b string) bool {
	if ra, err := filepath.EvalSymlinks(a); err == nil {
		a = ra
	}
	if rb, err := filepath.EvalSymlinks(b); err == nil {
		b = rb
	}
	return filepath.Clean(a) == filepath.Clean(b)
}
