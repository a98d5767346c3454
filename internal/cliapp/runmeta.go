package cliapp

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/entirerefactor/refactorctl/internal/jsonutil"
	"github.com/entirerefactor/refactorctl/internal/model"
)

// saveRunMeta persists run as <runs-root>/<run-id>.json, the record doctor
// and rollback use to find a run's worktree and backup without re-deriving
// them from the ledger.
func saveRunMeta(run model.Run) error {
	root, err := runsMetaRoot()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return fmt.Errorf("creating runs metadata directory: %w", err)
	}

	data, err := jsonutil.MarshalIndentWithNewline(run, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling run metadata: %w", err)
	}

	path := filepath.Join(root, run.ID+".json")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing run metadata: %w", err)
	}
	return nil
}

func loadRunMeta(runID string) (model.Run, error) {
	root, err := runsMetaRoot()
	if err != nil {
		return model.Run{}, err
	}
	data, err := os.ReadFile(filepath.Join(root, runID+".json")) //nolint:gosec // runID is validated by the caller
	if err != nil {
		return model.Run{}, fmt.Errorf("reading run metadata: %w", err)
	}

	var run model.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return model.Run{}, fmt.Errorf("parsing run metadata: %w", err)
	}
	return run, nil
}

// listRunMeta enumerates every run recorded for repoPath, most recent first.
func listRunMeta(repoPath string) ([]model.Run, error) {
	root, err := runsMetaRoot()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing runs metadata: %w", err)
	}

	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		absRepo = repoPath
	}

	var runs []model.Run
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(root, entry.Name())) //nolint:gosec // walked from our own runs directory
		if err != nil {
			continue
		}
		var run model.Run
		if err := json.Unmarshal(data, &run); err != nil {
			continue
		}
		if run.RepoPath == absRepo {
			runs = append(runs, run)
		}
	}
	return runs, nil
}
