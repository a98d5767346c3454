package cliapp

import (
	"fmt"
	"os"

	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/verifier"
	"github.com/spf13/cobra"
)

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <repo>",
		Short: "Run the fast verifier against the repository as-is",
		Long:  "verify runs the configured fast verifier command list directly against the repository, the same baseline check run performs before touching anything, without creating a worktree.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd, args[0])
		},
	}
	return cmd
}

func runVerify(cmd *cobra.Command, repoPath string) error {
	p, err := newPipeline(repoPath)
	if err != nil {
		return withExitCode(err, ExitUserError)
	}

	outputDir, err := os.MkdirTemp("", "refactorctl-verify-*")
	if err != nil {
		return withExitCode(fmt.Errorf("creating verifier output directory: %w", err), ExitUserError)
	}

	runner := verifier.New(p.RepoPath, outputDir, p.verifierLevels())
	result, err := runner.RunBaseline(cmd.Context(), model.VerifierFast)
	out := cmd.OutOrStdout()

	for _, cr := range result.Commands {
		fmt.Fprintf(out, "%s -> exit %d (%s)\n", cr.Command, cr.ExitCode, cr.Elapsed)
	}

	if err != nil {
		fmt.Fprintf(out, "verifier output captured under %s\n", outputDir)
		return withExitCode(fmt.Errorf("%w: %s", err, verifier.FirstFailure(result)), ExitBaselineFailure)
	}

	fmt.Fprintln(out, "verifier passed")
	return nil
}
