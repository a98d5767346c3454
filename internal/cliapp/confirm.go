package cliapp

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
)

// newAccessibleForm returns a huh form that falls back to plain text
// prompts when ACCESSIBLE is set, the same switch the run confirmation and
// the doctor command's prompts use.
func newAccessibleForm(groups ...*huh.Group) *huh.Form {
	form := huh.NewForm(groups...)
	if os.Getenv("ACCESSIBLE") != "" {
		form = form.WithAccessible(true)
	}
	return form
}

// confirmRun asks the user to confirm before the orchestrator starts
// mutating the isolated worktree autonomously.
func confirmRun(repoPath string, batchCount int) (bool, error) {
	var confirmed bool

	form := newAccessibleForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Run the refactor pipeline?").
				Description(fmt.Sprintf("%s — %d planned batch(es)", repoPath, batchCount)).
				Affirmative("Run it").
				Negative("Cancel").
				Value(&confirmed),
		),
	)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			return false, nil
		}
		return false, err
	}
	return confirmed, nil
}
