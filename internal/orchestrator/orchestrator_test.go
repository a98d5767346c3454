package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/entirerefactor/refactorctl/internal/agentdriver"
	"github.com/entirerefactor/refactorctl/internal/config"
	"github.com/entirerefactor/refactorctl/internal/contextpack"
	"github.com/entirerefactor/refactorctl/internal/ledger"
	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/patchapplier"
	"github.com/entirerefactor/refactorctl/internal/repoisolate"
	"github.com/entirerefactor/refactorctl/internal/verifier"
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

func initRepoWithFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init")
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatalf("writing %s: %v", name, err)
		}
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

// diffForChange edits path in dir to newContent, captures the unified diff
// against HEAD, then restores path so the caller gets a clean diff text
// without mutating the working tree.
func diffForChange(t *testing.T, dir, path, newContent string) string {
	t.Helper()
	full := filepath.Join(dir, path)
	if err := os.WriteFile(full, []byte(newContent), 0o644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	diff := runGit(t, dir, "diff", "--no-color", path)
	runGit(t, dir, "checkout", "--", path)
	return diff
}

type envelope struct {
	Result string `json:"result"`
}

func envelopeFor(t *testing.T, v any) string {
	t.Helper()
	inner, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling inner proposal: %v", err)
	}
	env, err := json.Marshal(envelope{Result: string(inner)})
	if err != nil {
		t.Fatalf("marshaling envelope: %v", err)
	}
	return string(env)
}

// sequenceRunner returns one canned response per call, repeating the last
// response once the sequence is exhausted.
type sequenceRunner struct {
	responses []string
	calls     int
}

func (s *sequenceRunner) run(ctx context.Context, _ string, _ ...string) *exec.Cmd {
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	script := "cat <<'REFACTORCTL_EOF'\n" + s.responses[idx] + "\nREFACTORCTL_EOF"
	return exec.CommandContext(ctx, "sh", "-c", script)
}

func newTestOrchestrator(t *testing.T, repoDir string, responses []string) (*Orchestrator, *repoisolate.Worktree, string) {
	t.Helper()
	worktreePath := filepath.Join(t.TempDir(), "wt")
	wt, err := repoisolate.Prepare(context.Background(), repoDir, worktreePath, "run-1")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	t.Cleanup(func() { _ = repoisolate.Teardown(context.Background(), repoDir, worktreePath, false) })

	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	builder := contextpack.NewBuilder(contextpack.Index{}, ledgerPath)

	driver := agentdriver.New("claude", nil, 4, 6)
	seq := &sequenceRunner{responses: responses}
	driver.CommandRunner = seq.run

	verifierRunner := verifier.New(worktreePath, filepath.Join(t.TempDir(), "verifier-out"), map[model.VerifierLevel][]string{
		model.VerifierFast: {"true"},
		model.VerifierFull: {"true"},
	})

	o := &Orchestrator{
		Config:        &config.Config{RetryPerBatch: 1, RunFullVerifierEvery: 100},
		Ledger:        l,
		Worktree:      wt,
		ContextPack:   builder,
		Agent:         driver,
		Verifier:      verifierRunner,
		PatchOptions:  patchapplier.Options{WorktreePath: worktreePath},
		PatcherPrompt: "%s",
		RunID:         "run-1",
	}
	return o, wt, ledgerPath
}

func TestRun_HappyPathTwoBatches(t *testing.T) {
	repoDir := initRepoWithFiles(t, map[string]string{
		"a.py": "def foo():\n    pass\n",
		"b.py": "def foo():\n    pass\n",
	})

	diffA := diffForChange(t, repoDir, "a.py", "def bar():\n    pass\n")
	diffB := diffForChange(t, repoDir, "b.py", "def bar():\n    pass\n")

	proposalA := model.PatchProposal{Status: model.ProposalOK, Rationale: "renamed foo to bar", TouchedFiles: []string{"a.py"}, Diff: diffA}
	proposalB := model.PatchProposal{Status: model.ProposalOK, Rationale: "renamed foo to bar", TouchedFiles: []string{"b.py"}, Diff: diffB}

	responses := []string{envelopeFor(t, proposalA), envelopeFor(t, proposalB)}
	o, _, ledgerPath := newTestOrchestrator(t, repoDir, responses)

	batches := []model.Batch{
		{ID: "batch-001", Goal: "rename foo to bar", ScopeGlobs: []string{"a.py"}, Operations: []model.OperationKind{model.OpRename}, DiffBudget: 50, VerifierTier: model.VerifierFast},
		{ID: "batch-002", Goal: "rename foo to bar", ScopeGlobs: []string{"b.py"}, Operations: []model.OperationKind{model.OpRename}, DiffBudget: 50, VerifierTier: model.VerifierFast},
	}

	result, err := o.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != model.RunAwaitingUser {
		t.Errorf("Status = %q, want %q", result.Status, model.RunAwaitingUser)
	}
	if len(result.Batches) != 2 {
		t.Fatalf("expected 2 batch results, got %d", len(result.Batches))
	}
	for _, br := range result.Batches {
		if br.Outcome != model.OutcomeApplied {
			t.Errorf("batch %s outcome = %q, want applied", br.Batch.ID, br.Outcome)
		}
		if br.Checkpoint == "" {
			t.Errorf("batch %s: expected non-empty checkpoint", br.Batch.ID)
		}
	}

	entries, err := ledger.ReadAll(ledgerPath)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	applied := 0
	for _, e := range entries {
		if e.Outcome == model.OutcomeApplied {
			applied++
		}
	}
	if applied != 2 {
		t.Errorf("expected 2 applied ledger entries, got %d", applied)
	}
}

func TestRun_AgentNoopLeavesBatchUnapplied(t *testing.T) {
	repoDir := initRepoWithFiles(t, map[string]string{
		"a.py": "def foo():\n    pass\n",
		"b.py": "def foo():\n    pass\n",
	})

	diffA := diffForChange(t, repoDir, "a.py", "def bar():\n    pass\n")
	proposalA := model.PatchProposal{Status: model.ProposalOK, Rationale: "renamed foo to bar", TouchedFiles: []string{"a.py"}, Diff: diffA}
	proposalB := model.PatchProposal{Status: model.ProposalNoop, Rationale: "nothing to simplify"}

	responses := []string{envelopeFor(t, proposalA), envelopeFor(t, proposalB)}
	o, _, _ := newTestOrchestrator(t, repoDir, responses)

	batches := []model.Batch{
		{ID: "batch-001", Goal: "rename foo to bar", ScopeGlobs: []string{"a.py"}, Operations: []model.OperationKind{model.OpRename}, DiffBudget: 50, VerifierTier: model.VerifierFast},
		{ID: "batch-002", Goal: "simplify b.py", ScopeGlobs: []string{"b.py"}, Operations: []model.OperationKind{model.OpCleanup}, DiffBudget: 50, VerifierTier: model.VerifierFast},
	}

	result, err := o.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != model.RunAwaitingUser {
		t.Errorf("Status = %q, want %q", result.Status, model.RunAwaitingUser)
	}
	if result.Batches[0].Outcome != model.OutcomeApplied {
		t.Errorf("batch 1 outcome = %q, want applied", result.Batches[0].Outcome)
	}
	if result.Batches[1].Outcome != model.OutcomeNoop {
		t.Errorf("batch 2 outcome = %q, want noop", result.Batches[1].Outcome)
	}
}

func TestRun_NonCriticalBlockedBatchContinues(t *testing.T) {
	repoDir := initRepoWithFiles(t, map[string]string{"a.py": "def foo():\n    pass\n"})

	proposal := model.PatchProposal{Status: model.ProposalBlocked, Rationale: "unclear how to proceed safely"}
	responses := []string{envelopeFor(t, proposal)}
	o, _, _ := newTestOrchestrator(t, repoDir, responses)

	batches := []model.Batch{
		{ID: "batch-001", Goal: "rename foo to bar", ScopeGlobs: []string{"a.py"}, Operations: []model.OperationKind{model.OpRename}, DiffBudget: 50, VerifierTier: model.VerifierFast, Critical: false},
	}

	result, err := o.Run(context.Background(), batches)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Status != model.RunAwaitingUser {
		t.Errorf("Status = %q, want %q", result.Status, model.RunAwaitingUser)
	}
	if result.Batches[0].Outcome != model.OutcomeBlocked {
		t.Errorf("outcome = %q, want blocked", result.Batches[0].Outcome)
	}
}

func TestRun_CriticalBlockedBatchAborts(t *testing.T) {
	repoDir := initRepoWithFiles(t, map[string]string{"a.py": "def foo():\n    pass\n"})

	proposal := model.PatchProposal{Status: model.ProposalBlocked, Rationale: "too risky"}
	responses := []string{envelopeFor(t, proposal)}
	o, _, _ := newTestOrchestrator(t, repoDir, responses)

	batches := []model.Batch{
		{ID: "batch-001", Goal: "restructure module", ScopeGlobs: []string{"a.py"}, Operations: []model.OperationKind{model.OpRestructure}, DiffBudget: 50, VerifierTier: model.VerifierFast, Critical: true},
	}

	result, err := o.Run(context.Background(), batches)
	if err == nil {
		t.Fatal("expected error for critical blocked batch")
	}
	if result.Status != model.RunAborted {
		t.Errorf("Status = %q, want %q", result.Status, model.RunAborted)
	}
}

func TestRun_VerifyFailurePermanentAbortsAndResets(t *testing.T) {
	repoDir := initRepoWithFiles(t, map[string]string{"a.py": "def foo():\n    pass\n"})
	diffA := diffForChange(t, repoDir, "a.py", "def bar():\n    pass\n")

	proposal := model.PatchProposal{Status: model.ProposalOK, Rationale: "renamed foo to bar", TouchedFiles: []string{"a.py"}, Diff: diffA}
	responses := []string{envelopeFor(t, proposal), envelopeFor(t, proposal)}

	worktreePath := filepath.Join(t.TempDir(), "wt")
	wt, err := repoisolate.Prepare(context.Background(), repoDir, worktreePath, "run-1")
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	t.Cleanup(func() { _ = repoisolate.Teardown(context.Background(), repoDir, worktreePath, false) })

	ledgerPath := filepath.Join(t.TempDir(), "ledger.jsonl")
	l, err := ledger.Open(ledgerPath)
	if err != nil {
		t.Fatalf("ledger.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	builder := contextpack.NewBuilder(contextpack.Index{}, ledgerPath)
	driver := agentdriver.New("claude", nil, 4, 6)
	seq := &sequenceRunner{responses: responses}
	driver.CommandRunner = seq.run

	// The fast verifier passes on the untouched baseline (no "bar" yet) but
	// fails once the rename patch lands, forcing verify-failed on every
	// attempt without ever failing the initial baseline check.
	verifierRunner := verifier.New(worktreePath, filepath.Join(t.TempDir(), "verifier-out"), map[model.VerifierLevel][]string{
		model.VerifierFast: {"! grep -q bar a.py"},
		model.VerifierFull: {"true"},
	})

	o := &Orchestrator{
		Config:        &config.Config{RetryPerBatch: 1, RunFullVerifierEvery: 100},
		Ledger:        l,
		Worktree:      wt,
		ContextPack:   builder,
		Agent:         driver,
		Verifier:      verifierRunner,
		PatchOptions:  patchapplier.Options{WorktreePath: worktreePath},
		PatcherPrompt: "%s",
		RunID:         "run-1",
	}

	batches := []model.Batch{
		{ID: "batch-001", Goal: "rename foo to bar", ScopeGlobs: []string{"a.py"}, Operations: []model.OperationKind{model.OpRename}, DiffBudget: 50, VerifierTier: model.VerifierFast},
	}

	baseline, err := wt.Baseline()
	if err != nil {
		t.Fatalf("Baseline() error = %v", err)
	}

	result, err := o.Run(context.Background(), batches)
	if err == nil {
		t.Fatal("expected error for permanent verify failure")
	}
	if result.Status != model.RunAborted {
		t.Errorf("Status = %q, want %q", result.Status, model.RunAborted)
	}

	head, err := wt.Baseline()
	if err != nil {
		t.Fatalf("Baseline() error = %v", err)
	}
	if head != baseline {
		t.Error("expected worktree to be reset back to the pre-batch checkpoint after permanent verify failure")
	}
}
