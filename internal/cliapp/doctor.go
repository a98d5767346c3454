package cliapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/entirerefactor/refactorctl/internal/config"
	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/verifier"
	"github.com/spf13/cobra"
)

// stalenessThreshold is how long a run may sit in-progress before doctor
// considers it stuck rather than simply slow.
const stalenessThreshold = 1 * time.Hour

func newDoctorCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "doctor <repo>",
		Short: "Find and remediate stale runs left behind by an interrupted process",
		Long: `doctor scans the cache root for runs against this repository that never
reached a terminal status (completed or aborted).

For each stuck run, you can choose to:
  - Finalize: run the final verifier against the worktree as it stands and
    transition it to AWAITING_USER, the same place a normal run leaves it.
  - Discard: remove the worktree and run metadata, leaving the backup intact.
  - Skip: leave the run as-is.

Use --force to finalize every fixable run without prompting; runs whose
worktree no longer exists are discarded instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDoctor(cmd, args[0], force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "remediate every stuck run without prompting")
	return cmd
}

func runDoctor(cmd *cobra.Command, repoPath string, force bool) error {
	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return withExitCode(fmt.Errorf("resolving repository path: %w", err), ExitUserError)
	}

	runs, err := listRunMeta(absRepo)
	if err != nil {
		return withExitCode(fmt.Errorf("listing run metadata: %w", err), ExitUserError)
	}

	out := cmd.OutOrStdout()
	var stuck []model.Run
	now := time.Now()
	for _, run := range runs {
		if isStuck(run, now) {
			stuck = append(stuck, run)
		}
	}

	if len(stuck) == 0 {
		fmt.Fprintln(out, "no stuck runs found")
		return nil
	}

	fmt.Fprintf(out, "found %d stuck run(s):\n\n", len(stuck))

	for _, run := range stuck {
		displayStuckRun(out, run, now)

		worktreeExists := dirExists(run.WorktreePath)

		if force {
			remediateStuckRun(cmd.Context(), out, run, worktreeExists)
			continue
		}

		action, err := promptRunAction(run, worktreeExists)
		if err != nil {
			if errors.Is(err, huh.ErrUserAborted) {
				return nil
			}
			return withExitCode(err, ExitUserError)
		}

		switch action {
		case "finalize":
			finalizeRun(cmd.Context(), out, run)
		case "discard":
			discardRun(out, run)
		case "skip":
			fmt.Fprintln(out, "  -> skipped")
		}
	}

	return nil
}

func isStuck(run model.Run, now time.Time) bool {
	if run.Status == model.RunCompleted || run.Status == model.RunAborted {
		return false
	}
	return now.Sub(run.StartedAt) > stalenessThreshold
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func displayStuckRun(w io.Writer, run model.Run, now time.Time) {
	fmt.Fprintf(w, "  Run:       %s\n", run.ID)
	fmt.Fprintf(w, "  Repo:      %s\n", run.RepoPath)
	fmt.Fprintf(w, "  Status:    %s\n", run.Status)
	fmt.Fprintf(w, "  Started:   %s (%s ago)\n", run.StartedAt.Format(time.RFC3339), now.Sub(run.StartedAt).Truncate(time.Minute))
	fmt.Fprintf(w, "  Worktree:  %s\n", run.WorktreePath)
	if run.BackupID != "" {
		fmt.Fprintf(w, "  Backup id: %s\n", run.BackupID)
	}
}

func remediateStuckRun(ctx context.Context, out io.Writer, run model.Run, worktreeExists bool) {
	if worktreeExists {
		finalizeRun(ctx, out, run)
		return
	}
	discardRun(out, run)
}

func promptRunAction(run model.Run, worktreeExists bool) (string, error) {
	var action string

	options := make([]huh.Option[string], 0, 3)
	if worktreeExists {
		options = append(options, huh.NewOption("Finalize (run final verifier, mark awaiting-user)", "finalize"))
	}
	options = append(options,
		huh.NewOption("Discard (remove worktree and run metadata)", "discard"),
		huh.NewOption("Skip (leave as-is)", "skip"),
	)

	form := newAccessibleForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Fix run %s?", run.ID)).
				Options(options...).
				Value(&action),
		),
	)

	if err := form.Run(); err != nil {
		return "", fmt.Errorf("run remediation prompt failed: %w", err)
	}
	return action, nil
}

func finalizeRun(ctx context.Context, out io.Writer, run model.Run) {
	outputDir := filepath.Join(run.WorktreePath, ".refactorctl", "verifier-output")
	cfg, err := config.LoadFrom(run.RepoPath)
	if err != nil {
		fmt.Fprintf(out, "  -> warning: could not load configuration, skipping finalize: %v\n", err)
		return
	}

	runner := verifier.New(run.WorktreePath, outputDir, map[model.VerifierLevel][]string{
		model.VerifierFast: cfg.FastVerifier,
		model.VerifierFull: cfg.FullVerifier,
	})

	result, err := runner.Run(ctx, model.VerifierFull, "doctor-finalize")
	run.Status = model.RunAwaitingUser
	if err != nil || !result.Passed {
		run.Status = model.RunAborted
	}
	run.EndedAt = time.Now()

	if err := saveRunMeta(run); err != nil {
		fmt.Fprintf(out, "  -> warning: failed to persist run metadata: %v\n", err)
		return
	}
	fmt.Fprintf(out, "  -> finalized, status=%s\n\n", run.Status)
}

func discardRun(out io.Writer, run model.Run) {
	if err := os.RemoveAll(run.WorktreePath); err != nil {
		fmt.Fprintf(out, "  -> warning: failed to remove worktree: %v\n", err)
	}
	run.Status = model.RunAborted
	run.EndedAt = time.Now()
	if err := saveRunMeta(run); err != nil {
		fmt.Fprintf(out, "  -> warning: failed to persist run metadata: %v\n", err)
		return
	}
	fmt.Fprintf(out, "  -> discarded worktree, backup retained at id %s\n\n", run.BackupID)
}

