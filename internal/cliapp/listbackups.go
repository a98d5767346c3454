package cliapp

import (
	"fmt"
	"path/filepath"

	"github.com/entirerefactor/refactorctl/internal/backup"
	"github.com/spf13/cobra"
)

func newListBackupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list-backups <repo>",
		Short: "List cached backup artifacts for a repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListBackups(cmd, args[0])
		},
	}
	return cmd
}

func runListBackups(cmd *cobra.Command, repoPath string) error {
	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return withExitCode(fmt.Errorf("resolving repository path: %w", err), ExitUserError)
	}

	backupsDir, err := backupsRoot()
	if err != nil {
		return withExitCode(err, ExitUserError)
	}
	mgr := backup.NewManager(backupsDir)

	artifacts, err := mgr.List(repoName(absRepo))
	if err != nil {
		return withExitCode(fmt.Errorf("listing backups: %w", err), ExitUserError)
	}

	out := cmd.OutOrStdout()
	if len(artifacts) == 0 {
		fmt.Fprintln(out, "no backups found")
		return nil
	}

	for _, a := range artifacts {
		fmt.Fprintf(out, "%s\trun=%s\tcaptured=%s\n", a.ID, a.RunID, a.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	}
	return nil
}
