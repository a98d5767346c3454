package cliapp

import (
	"fmt"
	"os"
	"path/filepath"
)

// cacheRootEnvVar overrides the user-home cache directory when set, the
// "optional variable" named in the persisted state layout.
const cacheRootEnvVar = "REFACTORCTL_CACHE_ROOT"

// cacheRoot is where worktrees, backups, and per-run ledgers live, always
// outside the target repository per the isolation invariant: no core
// component ever writes into the original repo path.
func cacheRoot() (string, error) {
	if override := os.Getenv(cacheRootEnvVar); override != "" {
		return override, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolving user cache directory: %w", err)
	}
	return filepath.Join(base, "refactorctl"), nil
}

func worktreesRoot() (string, error) {
	root, err := cacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "worktrees"), nil
}

func backupsRoot() (string, error) {
	root, err := cacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "backups"), nil
}

func runsMetaRoot() (string, error) {
	root, err := cacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "runs"), nil
}

func repoName(repoPath string) string {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		abs = repoPath
	}
	return filepath.Base(abs)
}
