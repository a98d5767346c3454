package patchapplier

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/entirerefactor/refactorctl/internal/model"
)

func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
	return string(out)
}

func initRepoWithFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(content), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

// unifiedDiffFor edits main.go in place to newContent, captures the diff
// against HEAD via git, then restores the working tree so the caller can
// apply the captured diff fresh.
func unifiedDiffFor(t *testing.T, dir, newContent string) string {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "main.go"), []byte(newContent), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	diff := runGit(t, dir, "diff", "--no-color", "main.go")
	runGit(t, dir, "checkout", "--", "main.go")
	return diff
}

func TestValidate_AcceptsInScopeTouchedFile(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"pkg/**"}, DiffBudget: 50}
	proposal := model.PatchProposal{TouchedFiles: []string{"pkg/a.go"}, Diff: "+line\n"}

	if _, err := Validate(batch, proposal, Options{}); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_RejectsOutOfScopeFile(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"pkg/**"}, DiffBudget: 50}
	proposal := model.PatchProposal{TouchedFiles: []string{"other/a.go"}, Diff: "+line\n"}

	if _, err := Validate(batch, proposal, Options{}); err == nil {
		t.Fatal("expected error for out-of-scope file")
	}
}

func TestValidate_RejectsExcludedFile(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"pkg/**"}, DiffBudget: 50}
	proposal := model.PatchProposal{TouchedFiles: []string{"pkg/vendor/a.go"}, Diff: "+line\n"}

	opts := Options{ExcludeGlobs: []string{"pkg/vendor/**"}}
	if _, err := Validate(batch, proposal, opts); err == nil {
		t.Fatal("expected error for excluded file")
	}
}

func TestValidate_RejectsDiffOverBudget(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"pkg/**"}, DiffBudget: 2}
	diff := "+++ b/pkg/a.go\n--- a/pkg/a.go\n+one\n+two\n+three\n"
	proposal := model.PatchProposal{TouchedFiles: []string{"pkg/a.go"}, Diff: diff}

	if _, err := Validate(batch, proposal, Options{}); err == nil {
		t.Fatal("expected error for diff exceeding budget")
	}
}

func TestValidate_RejectsBinaryHunkByDefault(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"pkg/**"}, DiffBudget: 50}
	diff := "diff --git a/pkg/a.bin b/pkg/a.bin\nGIT binary patch\n"
	proposal := model.PatchProposal{TouchedFiles: []string{"pkg/a.bin"}, Diff: diff}

	if _, err := Validate(batch, proposal, Options{}); err == nil {
		t.Fatal("expected error for binary hunk")
	}
}

func TestValidate_AllowsBinaryHunkWhenConfigured(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"pkg/**"}, DiffBudget: 50}
	diff := "diff --git a/pkg/a.bin b/pkg/a.bin\nGIT binary patch\n"
	proposal := model.PatchProposal{TouchedFiles: []string{"pkg/a.bin"}, Diff: diff}

	if _, err := Validate(batch, proposal, Options{AllowBinaryHunks: true}); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestValidate_RejectsFormatOnlyBatchTouchingNonFormatterFile(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"**"}, DiffBudget: 50, Operations: []model.OperationKind{model.OpFormatOnly}}
	proposal := model.PatchProposal{TouchedFiles: []string{"pkg/a.go"}, Diff: "+line\n"}

	opts := Options{FormatterExtensions: []string{".golangci.yml"}}
	if _, err := Validate(batch, proposal, opts); err == nil {
		t.Fatal("expected error for format-only batch touching a non-formatter file")
	}
}

func TestValidate_RejectsEmptyTouchedFiles(t *testing.T) {
	batch := model.Batch{ScopeGlobs: []string{"pkg/**"}, DiffBudget: 50}
	proposal := model.PatchProposal{Diff: "+line\n"}

	if _, err := Validate(batch, proposal, Options{}); err == nil {
		t.Fatal("expected error for empty touched_files")
	}
}

func TestApply_SucceedsAndLeavesWorktreeCleanOnValidDiff(t *testing.T) {
	dir := initRepoWithFile(t, "package main\n")
	diff := unifiedDiffFor(t, dir, "package main\n\nfunc main() {}\n")

	batch := model.Batch{ScopeGlobs: []string{"main.go"}, DiffBudget: 50}
	proposal := model.PatchProposal{TouchedFiles: []string{"main.go"}, Diff: diff}

	result, err := Apply(context.Background(), batch, proposal, Options{WorktreePath: dir})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if result.AddedLines == 0 {
		t.Error("expected AddedLines > 0")
	}

	data, err := os.ReadFile(filepath.Join(dir, "main.go"))
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if string(data) != "package main\n\nfunc main() {}\n" {
		t.Errorf("content = %q, unexpected after apply", data)
	}
}

func TestApply_LeavesWorktreeUntouchedOnOutOfScopeViolation(t *testing.T) {
	dir := initRepoWithFile(t, "package main\n")
	diff := unifiedDiffFor(t, dir, "package main\n\nfunc main() {}\n")

	batch := model.Batch{ScopeGlobs: []string{"other/**"}, DiffBudget: 50}
	proposal := model.PatchProposal{TouchedFiles: []string{"main.go"}, Diff: diff}

	if _, err := Apply(context.Background(), batch, proposal, Options{WorktreePath: dir}); err == nil {
		t.Fatal("expected error for out-of-scope apply")
	}

	data, err := os.ReadFile(filepath.Join(dir, "main.go"))
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if string(data) != "package main\n" {
		t.Error("expected worktree untouched after validation failure")
	}
}

func TestApply_FailsOnMalformedDiffWithoutTouchingWorktree(t *testing.T) {
	dir := initRepoWithFile(t, "package main\n")

	batch := model.Batch{ScopeGlobs: []string{"main.go"}, DiffBudget: 50}
	proposal := model.PatchProposal{TouchedFiles: []string{"main.go"}, Diff: "not a real diff at all\n"}

	if _, err := Apply(context.Background(), batch, proposal, Options{WorktreePath: dir}); err == nil {
		t.Fatal("expected error for malformed diff")
	}

	data, err := os.ReadFile(filepath.Join(dir, "main.go"))
	if err != nil {
		t.Fatalf("reading file: %v", err)
	}
	if string(data) != "package main\n" {
		t.Error("expected worktree untouched after dry-run failure")
	}
}
