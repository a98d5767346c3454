// Package cliapp assembles the refactorctl command tree — plan, run,
// verify, rollback, list-backups, and doctor — wiring each command to the
// components in internal/ against one target repository at a time.
package cliapp

import (
	"fmt"
	"os"
	"runtime"

	"github.com/entirerefactor/refactorctl/internal/telemetry"
	"github.com/entirerefactor/refactorctl/internal/versioncheck"
	"github.com/spf13/cobra"
)

const accessibilityHelp = `
Environment Variables:
  ACCESSIBLE              Set to any value to use plain text prompts instead
                          of interactive TUI elements.
  REFACTORCTL_LOG_LEVEL   Override the configured log level (debug, info,
                          warn, error).
  REFACTORCTL_CACHE_ROOT  Override the user-home cache directory worktrees,
                          backups, and run metadata are written under.
`

// Version information, set at build time.
var (
	Version = "dev"
	Commit  = "unknown"
)

// NewRootCmd builds the refactorctl command tree.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refactorctl",
		Short: "Drive an external coding agent through a batch refactor of a repository",
		Long:  "refactorctl orchestrates an external agent binary through an indexed, batched, checkpointed refactor of a target repository." + accessibilityHelp,
		// main handles error printing so it is never duplicated.
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			versioncheck.CheckAndNotify(cmd, Version)

			client := telemetry.NewClient(Version, telemetryEnabledFromEnv())
			defer client.Close()
			client.TrackCommand(cmd, "", 0)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newPlanCmd())
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newVerifyCmd())
	cmd.AddCommand(newRollbackCmd())
	cmd.AddCommand(newListBackupsCmd())
	cmd.AddCommand(newDoctorCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "refactorctl %s (%s)\n", Version, Commit)
			fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

// telemetryEnabledFromEnv has no settings file of its own to read (unlike
// the teacher, refactorctl has no global enable/disable toggle) so
// telemetry is opt-in purely via REFACTORCTL_TELEMETRY, defaulting to
// disabled.
func telemetryEnabledFromEnv() *bool {
	enabled := os.Getenv("REFACTORCTL_TELEMETRY") != ""
	return &enabled
}
