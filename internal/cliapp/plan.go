package cliapp

import (
	"fmt"

	"github.com/entirerefactor/refactorctl/internal/jsonutil"
	"github.com/spf13/cobra"
)

// planArtifact is what plan writes to disk: the accepted batch list plus
// enough provenance to explain why it looks the way it does.
type planArtifact struct {
	RepoPath     string `json:"repo_path"`
	BatchCount   int    `json:"batch_count"`
	AgentRefined bool   `json:"agent_refined"`
	Batches      any    `json:"batches"`
}

func newPlanCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "plan <repo>",
		Short: "Build and print the batch plan without touching the repository",
		Long:  "plan indexes the target repository and produces the ordered batch plan a run would execute. It never creates a worktree or calls the verifier.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd, args[0], outPath)
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", "write the plan artifact to this path instead of stdout")

	return cmd
}

func runPlan(cmd *cobra.Command, repoPath, outPath string) error {
	p, err := newPipeline(repoPath)
	if err != nil {
		return withExitCode(err, ExitUserError)
	}

	batches, refined, err := p.buildPlan(cmd.Context())
	if err != nil {
		return withExitCode(err, ExitUserError)
	}
	if len(batches) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no batches planned: nothing in scope matched a refactor stage")
		return nil
	}

	artifact := planArtifact{
		RepoPath:     p.RepoPath,
		BatchCount:   len(batches),
		AgentRefined: refined,
		Batches:      batches,
	}

	data, err := jsonutil.MarshalIndentWithNewline(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering plan artifact: %w", err)
	}

	if outPath == "" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	return writeFileAtomic(outPath, data)
}
