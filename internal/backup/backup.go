// Package backup snapshots a repository before a run touches it and
// restores from that snapshot on user rejection or catastrophic failure.
// Snapshots are written under a user-home cache directory keyed by repo
// name and run id, never into the original repository.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/entirerefactor/refactorctl/internal/model"
)

// BundleFile and ArchiveFile are the two artifacts written per snapshot.
const (
	BundleFile  = "backup.bundle"
	ArchiveFile = "snapshot.tar.gz"
)

// Manager creates and restores repository snapshots under root, typically
// "<cache-root>/backups".
type Manager struct {
	root string
}

// NewManager returns a Manager rooted at root.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// artifactDir returns the directory a given repo/run pair's artifacts live in.
func (m *Manager) artifactDir(repoName, runID string) string {
	return filepath.Join(m.root, repoName, runID)
}

// Snapshot captures repoPath's full history (a bundle of every ref) and a
// compressed archive of its working tree, writing both under the manager's
// cache root keyed by repoName and runID. repoPath must be a git repository;
// callers initialize a temporary one first for unversioned repos.
func (m *Manager) Snapshot(ctx context.Context, repoPath, repoName, runID string) (model.BackupArtifact, error) {
	dir := m.artifactDir(repoName, runID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return model.BackupArtifact{}, fmt.Errorf("creating backup directory: %w", err)
	}

	bundlePath := filepath.Join(dir, BundleFile)
	if err := createBundle(ctx, repoPath, bundlePath); err != nil {
		return model.BackupArtifact{}, fmt.Errorf("creating bundle: %w", err)
	}

	archivePath := filepath.Join(dir, ArchiveFile)
	if err := createArchive(repoPath, archivePath); err != nil {
		return model.BackupArtifact{}, fmt.Errorf("creating archive: %w", err)
	}

	return model.BackupArtifact{
		ID:          runID,
		RepoName:    repoName,
		RunID:       runID,
		BundlePath:  bundlePath,
		ArchivePath: archivePath,
		CreatedAt:   time.Now(),
	}, nil
}

// createBundle shells out to "git bundle create --all" since go-git has no
// bundle-writing support; it is the one place in the snapshot path that
// needs the porcelain command rather than go-git plumbing.
func createBundle(ctx context.Context, repoPath, bundlePath string) error {
	cmd := exec.CommandContext(ctx, "git", "-C", repoPath, "bundle", "create", bundlePath, "--all") //nolint:gosec // repoPath and bundlePath are caller-controlled
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git bundle create: %w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// createArchive writes a gzip-compressed tar of repoPath's working tree,
// skipping the .git directory (already captured by the bundle).
func createArchive(repoPath, archivePath string) error {
	f, err := os.Create(archivePath) //nolint:gosec // archivePath is caller-controlled
	if err != nil {
		return fmt.Errorf("creating archive file: %w", err)
	}
	defer func() { _ = f.Close() }()

	gw := gzip.NewWriter(f)
	defer func() { _ = gw.Close() }()

	tw := tar.NewWriter(gw)
	defer func() { _ = tw.Close() }()

	return filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(repoPath, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return fmt.Errorf("building tar header for %s: %w", rel, err)
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return fmt.Errorf("writing tar header for %s: %w", rel, err)
		}

		if d.IsDir() || !info.Mode().IsRegular() {
			return nil
		}

		src, err := os.Open(path) //nolint:gosec // path is under repoPath, walked by us
		if err != nil {
			return fmt.Errorf("opening %s: %w", rel, err)
		}
		defer func() { _ = src.Close() }()

		if _, err := io.Copy(tw, src); err != nil { //nolint:gosec // bounded by working tree size
			return fmt.Errorf("writing %s: %w", rel, err)
		}
		return nil
	})
}

// Restore extracts the snapshot archive into target, atomically: it builds
// the new tree in a staging directory alongside target and then swaps them,
// so a crash mid-restore never leaves target partially overwritten.
func (m *Manager) Restore(artifact model.BackupArtifact, target string) error {
	if artifact.ArchivePath == "" {
		return fmt.Errorf("backup artifact %s has no archive to restore from", artifact.ID)
	}

	stagingDir := target + ".restore-staging"
	if err := os.RemoveAll(stagingDir); err != nil {
		return fmt.Errorf("clearing staging directory: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0o750); err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}

	if err := extractArchive(artifact.ArchivePath, stagingDir); err != nil {
		_ = os.RemoveAll(stagingDir)
		return fmt.Errorf("extracting archive: %w", err)
	}

	backupOfTarget := target + ".pre-restore"
	_ = os.RemoveAll(backupOfTarget)
	if _, err := os.Stat(target); err == nil {
		if err := os.Rename(target, backupOfTarget); err != nil {
			_ = os.RemoveAll(stagingDir)
			return fmt.Errorf("moving aside existing target: %w", err)
		}
	}

	if err := os.Rename(stagingDir, target); err != nil {
		if _, statErr := os.Stat(backupOfTarget); statErr == nil {
			_ = os.Rename(backupOfTarget, target)
		}
		return fmt.Errorf("swapping in restored tree: %w", err)
	}

	_ = os.RemoveAll(backupOfTarget)
	return nil
}

func extractArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath) //nolint:gosec // archivePath is caller-controlled
	if err != nil {
		return fmt.Errorf("opening archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("opening gzip stream: %w", err)
	}
	defer func() { _ = gr.Close() }()

	tr := tar.NewReader(gr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target := filepath.Join(dest, filepath.FromSlash(header.Name)) //nolint:gosec // entries were written by createArchive from a walked tree
		if !strings.HasPrefix(target, filepath.Clean(dest)+string(filepath.Separator)) {
			return fmt.Errorf("tar entry %q escapes destination", header.Name)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return fmt.Errorf("creating directory %s: %w", target, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return fmt.Errorf("creating parent directory for %s: %w", target, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode)) //nolint:gosec // mode comes from our own archive
			if err != nil {
				return fmt.Errorf("creating file %s: %w", target, err)
			}
			if _, err := io.Copy(out, tr); err != nil { //nolint:gosec // bounded by archive size
				_ = out.Close()
				return fmt.Errorf("writing file %s: %w", target, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("closing file %s: %w", target, err)
			}
		}
	}
	return nil
}

// List enumerates backup artifacts cached for repoName, most recent first.
func (m *Manager) List(repoName string) ([]model.BackupArtifact, error) {
	repoDir := filepath.Join(m.root, repoName)
	entries, err := os.ReadDir(repoDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing backups: %w", err)
	}

	var artifacts []model.BackupArtifact
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		runID := entry.Name()
		dir := filepath.Join(repoDir, runID)
		info, err := entry.Info()
		if err != nil {
			continue
		}

		artifact := model.BackupArtifact{
			ID:        runID,
			RepoName:  repoName,
			RunID:     runID,
			CreatedAt: info.ModTime(),
		}
		if bundlePath := filepath.Join(dir, BundleFile); fileExists(bundlePath) {
			artifact.BundlePath = bundlePath
		}
		if archivePath := filepath.Join(dir, ArchiveFile); fileExists(archivePath) {
			artifact.ArchivePath = archivePath
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

// Get looks up a single backup artifact by run id.
func (m *Manager) Get(repoName, runID string) (model.BackupArtifact, error) {
	artifacts, err := m.List(repoName)
	if err != nil {
		return model.BackupArtifact{}, err
	}
	for _, a := range artifacts {
		if a.ID == runID {
			return a, nil
		}
	}
	return model.BackupArtifact{}, fmt.Errorf("no backup found with id %q for repo %q", runID, repoName)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
