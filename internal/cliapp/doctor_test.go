package cliapp

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/entirerefactor/refactorctl/internal/model"
)

func TestIsStuck_InProgressPastThresholdIsStuck(t *testing.T) {
	run := model.Run{Status: model.RunInProgress, StartedAt: time.Now().Add(-2 * time.Hour)}
	assert.True(t, isStuck(run, time.Now()))
}

func TestIsStuck_RecentRunIsNotStuck(t *testing.T) {
	run := model.Run{Status: model.RunInProgress, StartedAt: time.Now().Add(-1 * time.Minute)}
	assert.False(t, isStuck(run, time.Now()))
}

func TestIsStuck_TerminalStatusIsNeverStuck(t *testing.T) {
	old := time.Now().Add(-48 * time.Hour)
	for _, status := range []model.RunStatus{model.RunCompleted, model.RunAborted} {
		run := model.Run{Status: status, StartedAt: old}
		assert.False(t, isStuck(run, time.Now()), "status %s should never be stuck", status)
	}
}

func TestDirExists(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, dirExists(dir))
	assert.False(t, dirExists(filepath.Join(dir, "missing")))

	file := filepath.Join(dir, "f.txt")
	writeTestFile(t, file, "x")
	assert.False(t, dirExists(file), "a plain file should not count as a directory")
}
