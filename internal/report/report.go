// Package report renders a completed orchestrator run as both a
// machine-readable summary and a human-readable Markdown document, the
// same JSON-plus-Markdown pairing the teacher writes alongside its
// transcript artifacts.
package report

import (
	"fmt"
	"strings"

	"github.com/entirerefactor/refactorctl/internal/ledger"
	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/orchestrator"
)

// Rendered holds both representations of a run's final report.
type Rendered struct {
	Summary  ledger.Summary
	Markdown string
}

// Render builds the final report for a finished run. ledgerPath failures
// are not fatal: the Markdown report is still produced from result alone,
// with an empty summary.
func Render(result orchestrator.RunResult, ledgerPath string, run model.Run) Rendered {
	summary, err := ledger.Summarize(ledgerPath, result.RunID)
	if err != nil {
		summary = ledger.Summary{RunID: result.RunID}
	}

	return Rendered{
		Summary:  summary,
		Markdown: renderMarkdown(result, run),
	}
}

func renderMarkdown(result orchestrator.RunResult, run model.Run) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Refactor run %s\n\n", result.RunID)
	fmt.Fprintf(&sb, "- repository: %s\n", run.RepoPath)
	fmt.Fprintf(&sb, "- worktree: %s\n", run.WorktreePath)
	fmt.Fprintf(&sb, "- status: %s\n", result.Status)
	if run.BackupID != "" {
		fmt.Fprintf(&sb, "- backup id: %s\n", run.BackupID)
	}
	sb.WriteString("\n## Batches\n\n")

	if len(result.Batches) == 0 {
		sb.WriteString("no batches were attempted.\n")
	}

	for _, br := range result.Batches {
		fmt.Fprintf(&sb, "### %s — %s\n\n", br.Batch.ID, br.Outcome)
		fmt.Fprintf(&sb, "- goal: %s\n", br.Batch.Goal)
		fmt.Fprintf(&sb, "- attempts: %d\n", br.Attempts)
		if br.Checkpoint != "" {
			fmt.Fprintf(&sb, "- checkpoint: %s\n", br.Checkpoint)
		}
		if br.Verifier != nil {
			fmt.Fprintf(&sb, "- verifier (%s): passed=%v\n", br.Verifier.Level, br.Verifier.Passed)
		}
		if br.Error != "" {
			fmt.Fprintf(&sb, "- error: %s\n", br.Error)
		}
		sb.WriteString("\n")
	}

	if result.FinalVerify != nil {
		fmt.Fprintf(&sb, "## Final verification\n\npassed=%v\n\n", result.FinalVerify.Passed)
	}

	if result.Status == model.RunAborted {
		sb.WriteString("## Recovery\n\n")
		fmt.Fprintf(&sb, "run aborted: %s\n\n", result.AbortReason)
		sb.WriteString("Recommended next steps:\n")
		sb.WriteString("- accept the partial work already captured at the last checkpoint, or\n")
		sb.WriteString("- run `refactorctl rollback` with the backup id above to restore the pre-run state.\n")
	}

	return sb.String()
}
