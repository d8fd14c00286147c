// Package git records pipeline progress in the project's git history.
// When auto-commit is enabled each session works on its own branch and
// every completed subtask becomes one commit, so the QA agent can be
// shown exactly what the session changed.
package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// Repo runs git commands in a working directory.
type Repo struct {
	workDir string
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

func (r *Repo) git(args ...string) *exec.Cmd {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.workDir
	return cmd
}

// output runs git and returns trimmed stdout. Failures carry git's own
// message.
func (r *Repo) output(what string, args ...string) (string, error) {
	out, err := r.git(args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %s", what, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// IsGitRepo checks if the working directory is a git repository.
func (r *Repo) IsGitRepo() bool {
	out, err := r.git("rev-parse", "--is-inside-work-tree").Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// CurrentBranch returns the name of the current git branch.
func (r *Repo) CurrentBranch() (string, error) {
	return r.output("get current branch", "rev-parse", "--abbrev-ref", "HEAD")
}

// HeadCommit returns the full hash of HEAD.
func (r *Repo) HeadCommit() (string, error) {
	return r.output("get head commit", "rev-parse", "HEAD")
}

// BranchName returns the working branch of a session.
func BranchName(sessionID string) string {
	return "prp/session-" + sessionID
}

// BranchExists checks if a branch exists.
func (r *Repo) BranchExists(branch string) bool {
	return r.git("rev-parse", "--verify", "--quiet", branch).Run() == nil
}

// EnsureBranch switches to branch, creating it from HEAD when missing.
func (r *Repo) EnsureBranch(branch string) error {
	if r.BranchExists(branch) {
		_, err := r.output("checkout "+branch, "checkout", branch)
		return err
	}
	_, err := r.output("create branch "+branch, "checkout", "-b", branch)
	return err
}

// HasUncommittedChanges checks if there are uncommitted changes in the working tree.
func (r *Repo) HasUncommittedChanges() bool {
	out, err := r.git("status", "--porcelain").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// CommitAll stages all changes and commits them. It returns the new
// commit hash, or "" when there was nothing to commit.
func (r *Repo) CommitAll(message string) (string, error) {
	if _, err := r.output("git add", "add", "-A"); err != nil {
		return "", err
	}

	// Exit status 0 means nothing is staged.
	if r.git("diff", "--cached", "--quiet").Run() == nil {
		return "", nil
	}

	if _, err := r.output("git commit", "commit", "-m", message); err != nil {
		return "", err
	}
	return r.HeadCommit()
}

// DiffSince returns the changes between ref and the working tree.
func (r *Repo) DiffSince(ref string) (string, error) {
	out, err := r.git("diff", ref).Output()
	if err != nil {
		return "", fmt.Errorf("git diff: %w", err)
	}
	return string(out), nil
}

// LogSince returns the one-line commit log after ref.
func (r *Repo) LogSince(ref string) (string, error) {
	return r.output("git log", "log", "--oneline", ref+"..HEAD")
}
