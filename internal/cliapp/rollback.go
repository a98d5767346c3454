package cliapp

import (
	"fmt"
	"path/filepath"

	"github.com/entirerefactor/refactorctl/internal/backup"
	"github.com/entirerefactor/refactorctl/internal/validation"
	"github.com/spf13/cobra"
)

func newRollbackCmd() *cobra.Command {
	var backupID string

	cmd := &cobra.Command{
		Use:   "rollback <repo>",
		Short: "Restore a repository from a named backup",
		Long:  "rollback restores the repository's working tree from the snapshot taken at the start of the run identified by --backup-id, undoing every batch that run applied.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRollback(cmd, args[0], backupID)
		},
	}

	cmd.Flags().StringVar(&backupID, "backup-id", "", "backup id to restore from (see list-backups)")
	_ = cmd.MarkFlagRequired("backup-id")

	return cmd
}

func runRollback(cmd *cobra.Command, repoPath, backupID string) error {
	if err := validation.ValidateBackupID(backupID); err != nil {
		return withExitCode(err, ExitUserError)
	}

	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return withExitCode(fmt.Errorf("resolving repository path: %w", err), ExitUserError)
	}

	backupsDir, err := backupsRoot()
	if err != nil {
		return withExitCode(err, ExitUserError)
	}
	mgr := backup.NewManager(backupsDir)

	artifact, err := mgr.Get(repoName(absRepo), backupID)
	if err != nil {
		return withExitCode(fmt.Errorf("looking up backup %s: %w", backupID, err), ExitUserError)
	}

	if err := mgr.Restore(artifact, absRepo); err != nil {
		return withExitCode(fmt.Errorf("restoring backup: %w", err), ExitUserError)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "restored %s from backup %s (run %s, captured %s)\n", absRepo, artifact.ID, artifact.RunID, artifact.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}
