// Package repoisolate manages the isolated git working copy a run executes
// in: a linked worktree on a fresh branch named after the run id, sharing
// the source repository's object database.
package repoisolate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// ErrWorktreeExists is returned by Prepare when a worktree for this run id
// already exists (a stale worktree from an interrupted prior run).
var ErrWorktreeExists = errors.New("worktree already exists for this run id")

// ErrDirtyStagingArea is returned when the worktree has uncommitted changes
// that apply_and_commit did not make, indicating external mutation.
var ErrDirtyStagingArea = errors.New("worktree staging area is unexpectedly dirty")

// Worktree is the isolated working copy for one run.
type Worktree struct {
	Path       string
	Branch     string
	SourceRepo string

	repo *git.Repository
}

// branchName derives the run's working branch name.
func branchName(runID string) string {
	return "refactorctl/" + runID
}

// Prepare creates a branch named after runID off sourceRepo's current HEAD
// and materializes a linked worktree for it at worktreePath. Fails with
// ErrWorktreeExists if worktreePath already exists.
func Prepare(ctx context.Context, sourceRepo, worktreePath, runID string) (*Worktree, error) {
	if _, err := os.Stat(worktreePath); err == nil {
		return nil, ErrWorktreeExists
	}

	branch := branchName(runID)

	// go-git cannot create linked worktrees (git-worktree(1) manages a
	// second .git pointer file and administrative metadata go-git doesn't
	// write), so the porcelain command does the materialization.
	cmd := exec.CommandContext(ctx, "git", "-C", sourceRepo, "worktree", "add", "-b", branch, worktreePath) //nolint:gosec // sourceRepo/worktreePath/branch are caller-controlled
	if output, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("git worktree add: %w: %s", err, strings.TrimSpace(string(output)))
	}

	repo, err := git.PlainOpenWithOptions(worktreePath, &git.PlainOpenOptions{
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening isolated worktree: %w", err)
	}

	return &Worktree{
		Path:       worktreePath,
		Branch:     branch,
		SourceRepo: sourceRepo,
		repo:       repo,
	}, nil
}

// Baseline returns the commit hash the worktree was created at.
func (w *Worktree) Baseline() (string, error) {
	head, err := w.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading worktree HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// ApplyAndCommit stages every path named in touchedFiles and creates one
// commit with message. Returns the new commit's hash.
func (w *Worktree) ApplyAndCommit(touchedFiles []string, message, authorName, authorEmail string) (string, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("getting worktree handle: %w", err)
	}

	for _, path := range touchedFiles {
		if _, err := wt.Add(path); err != nil {
			return "", fmt.Errorf("staging %s: %w", path, err)
		}
	}

	status, err := wt.Status()
	if err != nil {
		return "", fmt.Errorf("reading worktree status: %w", err)
	}
	if status.IsClean() {
		return "", fmt.Errorf("%w: no changes staged for commit", ErrDirtyStagingArea)
	}

	commit, err := wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  authorName,
			Email: authorEmail,
			When:  time.Now(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("creating checkpoint commit: %w", err)
	}

	return commit.String(), nil
}

// ResetTo hard-resets the worktree to commitRef, discarding any uncommitted
// changes and any commits made after it on the run branch.
func (w *Worktree) ResetTo(commitRef string) error {
	wt, err := w.repo.Worktree()
	if err != nil {
		return fmt.Errorf("getting worktree handle: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{
		Commit: plumbing.NewHash(commitRef),
		Mode:   git.HardReset,
	}); err != nil {
		return fmt.Errorf("hard reset to %s: %w", commitRef, err)
	}
	return nil
}

// IsClean reports whether the worktree has no uncommitted changes.
func (w *Worktree) IsClean() (bool, error) {
	wt, err := w.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("getting worktree handle: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("reading worktree status: %w", err)
	}
	return status.IsClean(), nil
}

// Teardown removes the linked worktree. If keep is true, the worktree
// directory and branch are left in place for inspection and only the
// worktree administrative metadata is pruned from the source repo.
func Teardown(ctx context.Context, sourceRepo, worktreePath string, keep bool) error {
	if keep {
		cmd := exec.CommandContext(ctx, "git", "-C", sourceRepo, "worktree", "prune") //nolint:gosec // sourceRepo is caller-controlled
		if output, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("git worktree prune: %w: %s", err, strings.TrimSpace(string(output)))
		}
		return nil
	}

	cmd := exec.CommandContext(ctx, "git", "-C", sourceRepo, "worktree", "remove", "--force", worktreePath) //nolint:gosec // sourceRepo/worktreePath are caller-controlled
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("git worktree remove: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
