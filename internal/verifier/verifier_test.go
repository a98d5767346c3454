package verifier

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/entirerefactor/refactorctl/internal/model"
)

func TestRun_PassesWhenEveryCommandExitsZero(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"true", "true"},
	})

	result, err := r.Run(context.Background(), model.VerifierFast, "batch-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !result.Passed {
		t.Error("expected Passed = true")
	}
	if len(result.Commands) != 2 {
		t.Fatalf("expected 2 commands recorded, got %d", len(result.Commands))
	}
}

func TestRun_StopsAtFirstFailure(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"false", "true"},
	})

	result, err := r.Run(context.Background(), model.VerifierFast, "batch-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Passed {
		t.Error("expected Passed = false")
	}
	if len(result.Commands) != 1 {
		t.Fatalf("expected execution to stop after the first failing command, got %d entries", len(result.Commands))
	}
	if result.Commands[0].ExitCode != 1 {
		t.Errorf("ExitCode = %d, want 1", result.Commands[0].ExitCode)
	}
}

func TestRun_CapturesOutputToFiles(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"echo hello"},
	})

	result, err := r.Run(context.Background(), model.VerifierFast, "batch-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	cr := result.Commands[0]
	data, err := os.ReadFile(cr.StdoutPath)
	if err != nil {
		t.Fatalf("reading stdout capture: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("stdout capture = %q, want %q", data, "hello\n")
	}
}

func TestRun_RecordsTimeout(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"sleep 5"},
	})
	r.Timeout = 50 * time.Millisecond

	result, err := r.Run(context.Background(), model.VerifierFast, "batch-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Passed {
		t.Error("expected Passed = false on timeout")
	}
	if !result.Commands[0].TimedOut {
		t.Error("expected TimedOut = true")
	}
}

func TestRun_RedactsSecretsInCapturedOutput(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	const secret = "sk-ant-REDACTED"
	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"echo " + secret},
	})

	result, err := r.Run(context.Background(), model.VerifierFast, "batch-1")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	data, err := os.ReadFile(result.Commands[0].StdoutPath)
	if err != nil {
		t.Fatalf("reading stdout capture: %v", err)
	}
	if strings.Contains(string(data), secret) {
		t.Errorf("expected secret to be redacted from captured output, got %q", data)
	}
}

func TestRunBaseline_ReturnsErrOnFailure(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"false"},
	})

	_, err := r.RunBaseline(context.Background(), model.VerifierFast)
	if err == nil {
		t.Fatal("expected error for failing baseline run")
	}
}

func TestRunBaseline_SucceedsWhenAllCommandsPass(t *testing.T) {
	dir := t.TempDir()
	outDir := t.TempDir()

	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"true"},
	})

	result, err := r.RunBaseline(context.Background(), model.VerifierFast)
	if err != nil {
		t.Fatalf("RunBaseline() error = %v", err)
	}
	if !result.Passed {
		t.Error("expected Passed = true")
	}
}

func TestFirstFailure_DescribesFailingCommand(t *testing.T) {
	result := model.VerifierResult{
		Commands: []model.CommandResult{
			{Command: "go test ./...", ExitCode: 0},
			{Command: "go vet ./...", ExitCode: 1},
		},
	}
	if got := FirstFailure(result); got == "" {
		t.Error("expected non-empty failure description")
	}
}

func TestRun_CreatesOutputDirIfMissing(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(t.TempDir(), "nested", "logs")

	r := New(dir, outDir, map[model.VerifierLevel][]string{
		model.VerifierFast: {"true"},
	})

	if _, err := r.Run(context.Background(), model.VerifierFast, "batch-1"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if _, err := os.Stat(outDir); err != nil {
		t.Errorf("expected output dir to be created: %v", err)
	}
}
