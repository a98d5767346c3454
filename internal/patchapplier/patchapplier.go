// Package patchapplier validates an agent's patch proposal against scope,
// budget, and formatting-only rules before handing it to the worktree's
// native git apply, exactly the way a reviewer would check a diff before
// merging it.
package patchapplier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrOutOfScope is returned when a touched file does not match any scope
// glob, or matches an exclude glob.
var ErrOutOfScope = errors.New("touched file out of scope")

// ErrDiffBudgetExceeded is returned when the diff's added+removed line
// count exceeds the batch's configured budget.
var ErrDiffBudgetExceeded = errors.New("diff exceeds configured budget")

// ErrBinaryHunk is returned when the diff contains a binary patch hunk and
// binary hunks are not explicitly allowed.
var ErrBinaryHunk = errors.New("diff contains a binary hunk")

// ErrFormatOnlyViolation is returned when a formatting-only batch's
// touched_files include a file outside the configured formatter extensions.
var ErrFormatOnlyViolation = errors.New("formatting-only batch touched a non-formatter file")

// ErrDryRunFailed is returned when the worktree rejects the diff in check
// mode; the working tree is left untouched.
var ErrDryRunFailed = errors.New("dry-run patch application failed")

// CommandRunner builds the *exec.Cmd used to invoke git, overridable in
// tests the same way the agent driver's command runner is.
type CommandRunner func(ctx context.Context, name string, args ...string) *exec.Cmd

// Options configures one Apply call.
type Options struct {
	WorktreePath        string
	ExcludeGlobs        []string
	FormatterExtensions []string
	AllowBinaryHunks    bool
	CommandRunner       CommandRunner
}

func (o Options) runner() CommandRunner {
	if o.CommandRunner != nil {
		return o.CommandRunner
	}
	return exec.CommandContext
}

// Result records what Apply did.
type Result struct {
	AddedLines   int
	RemovedLines int
}

// Validate checks proposal against batch's scope and the configured
// excludes and formatter rules without touching the filesystem.
func Validate(batch model.Batch, proposal model.PatchProposal, opts Options) (Result, error) {
	if len(proposal.TouchedFiles) == 0 {
		return Result{}, fmt.Errorf("%w: proposal declares no touched files", ErrOutOfScope)
	}

	isFormatOnly := len(batch.Operations) == 1 && batch.Operations[0] == model.OpFormatOnly

	for _, path := range proposal.TouchedFiles {
		if !matchesAny(path, batch.ScopeGlobs) {
			return Result{}, fmt.Errorf("%w: %s not in scope %v", ErrOutOfScope, path, batch.ScopeGlobs)
		}
		if matchesAny(path, opts.ExcludeGlobs) {
			return Result{}, fmt.Errorf("%w: %s matches an exclude glob", ErrOutOfScope, path)
		}
		if isFormatOnly && !hasAnySuffix(path, opts.FormatterExtensions) {
			return Result{}, fmt.Errorf("%w: %s", ErrFormatOnlyViolation, path)
		}
	}

	if !opts.AllowBinaryHunks && containsBinaryHunk(proposal.Diff) {
		return Result{}, ErrBinaryHunk
	}

	added, removed := countDiffLines(proposal.Diff)
	if added+removed > batch.DiffBudget {
		return Result{}, fmt.Errorf("%w: %d lines exceeds budget of %d", ErrDiffBudgetExceeded, added+removed, batch.DiffBudget)
	}

	return Result{AddedLines: added, RemovedLines: removed}, nil
}

// Apply validates proposal, dry-runs the diff, and, if the dry run
// succeeds, applies it to the worktree. The worktree is left untouched on
// any failure.
func Apply(ctx context.Context, batch model.Batch, proposal model.PatchProposal, opts Options) (Result, error) {
	result, err := Validate(batch, proposal, opts)
	if err != nil {
		return Result{}, err
	}

	if err := runGitApply(ctx, opts, proposal.Diff, true); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrDryRunFailed, err)
	}

	if err := runGitApply(ctx, opts, proposal.Diff, false); err != nil {
		return Result{}, fmt.Errorf("applying patch: %w", err)
	}

	return result, nil
}

func runGitApply(ctx context.Context, opts Options, diff string, checkOnly bool) error {
	args := []string{"-C", opts.WorktreePath, "apply", "--whitespace=nowarn"}
	if checkOnly {
		args = append(args, "--check")
	}
	args = append(args, "-")

	cmd := opts.runner()(ctx, "git", args...)
	cmd.Stdin = strings.NewReader(diff)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func matchesAny(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

func hasAnySuffix(path string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(path, s) {
			return true
		}
	}
	return false
}

// countDiffLines reconstructs each hunk's pre- and post-image from a
// unified diff and runs them through diffmatchpatch's line-mode diff, the
// same DiffLinesToChars/DiffMain/DiffCharsToLines pattern used to
// attribute checkpoint content elsewhere, rather than trusting the raw
// +/- prefixes. This catches proposals that pad their diff with redundant
// removed+added pairs for lines that did not actually change.
func countDiffLines(diff string) (added, removed int) {
	var oldLines, newLines []string

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---") || strings.HasPrefix(line, "@@"):
			continue
		case strings.HasPrefix(line, "+"):
			newLines = append(newLines, line[1:])
		case strings.HasPrefix(line, "-"):
			oldLines = append(oldLines, line[1:])
		case strings.HasPrefix(line, " "):
			text := line[1:]
			oldLines = append(oldLines, text)
			newLines = append(newLines, text)
		}
	}

	_, a, r := diffLines(strings.Join(oldLines, "\n"), strings.Join(newLines, "\n"))
	return a, r
}

// diffLines reports the unchanged, added, and removed line counts between
// before and after using a line-granularity diff.
func diffLines(before, after string) (unchanged, added, removed int) {
	if before == after {
		return countLinesStr(after), 0, 0
	}
	if before == "" {
		return 0, countLinesStr(after), 0
	}
	if after == "" {
		return 0, 0, countLinesStr(before)
	}

	dmp := diffmatchpatch.New()
	text1, text2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(text1, text2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	for _, d := range diffs {
		lines := countLinesStr(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			unchanged += lines
		case diffmatchpatch.DiffInsert:
			added += lines
		case diffmatchpatch.DiffDelete:
			removed += lines
		}
	}
	return unchanged, added, removed
}

// countLinesStr returns the number of lines in content; an empty string
// has 0 lines and a string without a trailing newline still counts its
// last line.
func countLinesStr(content string) int {
	if content == "" {
		return 0
	}
	lines := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		lines++
	}
	return lines
}

// containsBinaryHunk reports whether diff declares a binary patch, which
// git represents with a "GIT binary patch" or "Binary files ... differ" line.
func containsBinaryHunk(diff string) bool {
	return strings.Contains(diff, "GIT binary patch") || strings.Contains(diff, "Binary files")
}
