package cliapp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/entirerefactor/refactorctl/internal/agentdriver"
	"github.com/entirerefactor/refactorctl/internal/backup"
	"github.com/entirerefactor/refactorctl/internal/contextpack"
	"github.com/entirerefactor/refactorctl/internal/contractsnapshot"
	"github.com/entirerefactor/refactorctl/internal/ledger"
	"github.com/entirerefactor/refactorctl/internal/logging"
	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/orchestrator"
	"github.com/entirerefactor/refactorctl/internal/prompts"
	"github.com/entirerefactor/refactorctl/internal/report"
	"github.com/entirerefactor/refactorctl/internal/repoisolate"
	"github.com/entirerefactor/refactorctl/internal/sourceindex"
	"github.com/entirerefactor/refactorctl/internal/verifier"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "run <repo>",
		Short: "Plan and execute a refactor run against an isolated worktree",
		Long:  "run indexes the repository, builds a plan, snapshots a backup, and then autonomously drives the agent through the batch state machine, prompting for confirmation exactly once before any mutation.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, args[0], yes)
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

func runRun(cmd *cobra.Command, repoPath string, skipConfirm bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	p, err := newPipeline(repoPath)
	if err != nil {
		return withExitCode(err, ExitUserError)
	}

	avail, err := p.Agent.CheckAvailable(ctx)
	if err != nil {
		return withExitCode(fmt.Errorf("checking agent availability: %w", err), ExitUserError)
	}
	if avail != agentdriver.AvailabilityOK {
		return withExitCode(fmt.Errorf("agent unavailable: %s", avail), ExitAgentUnavailable)
	}

	batches, refined, err := p.buildPlan(ctx)
	if err != nil {
		return withExitCode(err, ExitUserError)
	}
	if len(batches) == 0 {
		fmt.Fprintln(out, "no batches planned: nothing in scope matched a refactor stage")
		return nil
	}
	fmt.Fprintf(out, "planned %d batch(es) (agent-refined: %v)\n", len(batches), refined)

	if !skipConfirm {
		confirmed, err := confirmRun(p.RepoPath, len(batches))
		if err != nil {
			return withExitCode(err, ExitUserError)
		}
		if !confirmed {
			return withExitCode(errors.New("run cancelled by user"), ExitUserCancelled)
		}
	}

	runID := newRunID()
	wtRoot, err := worktreesRoot()
	if err != nil {
		return withExitCode(err, ExitUserError)
	}
	worktreePath := filepath.Join(wtRoot, runID)

	backupsDir, err := backupsRoot()
	if err != nil {
		return withExitCode(err, ExitUserError)
	}
	backupMgr := backup.NewManager(backupsDir)
	name := repoName(p.RepoPath)

	artifact, err := backupMgr.Snapshot(ctx, p.RepoPath, name, runID)
	if err != nil {
		return withExitCode(fmt.Errorf("snapshotting repository before mutation: %w", err), ExitUserError)
	}

	wt, err := repoisolate.Prepare(ctx, p.RepoPath, worktreePath, runID)
	if err != nil {
		return withExitCode(fmt.Errorf("preparing isolated worktree: %w", err), ExitUserError)
	}

	baseline, err := wt.Baseline()
	if err != nil {
		return withExitCode(fmt.Errorf("reading worktree baseline: %w", err), ExitUserError)
	}

	run := model.Run{
		ID:             runID,
		RepoPath:       p.RepoPath,
		WorktreePath:   worktreePath,
		BaselineCommit: baseline,
		BackupID:       artifact.ID,
		StartedAt:      time.Now(),
		Status:         model.RunInProgress,
	}
	if err := saveRunMeta(run); err != nil {
		logging.Warn(ctx, "failed to persist run metadata", "run_id", runID, "error", err)
	}

	prevWD, _ := os.Getwd()
	if err := os.Chdir(worktreePath); err == nil {
		defer func() { _ = os.Chdir(prevWD) }()
	}
	if err := logging.Init(runID); err != nil {
		logging.Warn(ctx, "failed to initialize run log file", "error", err)
	}
	defer logging.Close()

	ledgerPath := filepath.Join(worktreePath, ".refactorctl", "ledger.jsonl")
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return withExitCode(fmt.Errorf("opening ledger: %w", err), ExitUserError)
	}
	defer func() { _ = led.Close() }()

	outputDir := filepath.Join(worktreePath, ".refactorctl", "verifier-output")
	verifierRunner := verifier.New(worktreePath, outputDir, p.verifierLevels())

	preSnapshot := contractsnapshot.Build(p.Index)

	orch := &orchestrator.Orchestrator{
		Config:        p.Config,
		Ledger:        led,
		Worktree:      wt,
		ContextPack:   contextpack.NewBuilder(p.Index, ledgerPath),
		Agent:         p.Agent,
		Verifier:      verifierRunner,
		PatchOptions:  p.patchOptionsFor(worktreePath),
		PatcherPrompt: prompts.PatchTemplate,
		RunID:         runID,
	}

	result, runErr := orch.Run(ctx, batches)

	run.Status = result.Status
	run.EndedAt = time.Now()
	if err := saveRunMeta(run); err != nil {
		logging.Warn(ctx, "failed to persist final run metadata", "run_id", runID, "error", err)
	}

	if result.Status != model.RunAborted {
		postIndex, idxErr := sourceindex.Build(worktreePath, p.Config.ScopeExcludes)
		if idxErr == nil {
			postSnapshot := contractsnapshot.Build(postIndex)
			diff := contractsnapshot.Diff(preSnapshot, postSnapshot)
			if diff.Changed && !p.Config.AllowPublicAPIChanges {
				result.Status = model.RunAborted
				result.AbortReason = "public API surface changed and allow_public_api_changes is false"
			}
		}
	}

	rendered := report.Render(result, ledgerPath, run)
	fmt.Fprintln(out, rendered.Markdown)

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return withExitCode(runErr, ExitUserCancelled)
		}
		return withExitCode(runErr, ExitBatchFailure)
	}
	return nil
}
