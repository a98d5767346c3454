package ledger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/entirerefactor/refactorctl/internal/model"
)

func entryFor(runID, batchID string, outcome model.BatchOutcome) model.LedgerEntry {
	return model.LedgerEntry{
		RunID:     runID,
		BatchID:   batchID,
		Attempt:   1,
		Timestamp: time.Now(),
		Outcome:   outcome,
	}
}

func TestOpen_CreatesDirectoryAndFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", FileName)

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = l.Close() }()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("ledger file not created: %v", err)
	}
}

func TestAppend_WritesOneJSONLinePerEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := l.Append(entryFor("run-1", "batch-1", model.OutcomeApplied)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Append(entryFor("run-1", "batch-2", model.OutcomeNoop)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading ledger file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
}

func TestAppend_RedactsSecretsInErrorField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	const secret = "sk-ant-REDACTED"
	entry := entryFor("run-1", "batch-1", model.OutcomeApplyFailed)
	entry.Error = "patch command failed: " + secret
	if err := l.Append(entry); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading ledger file: %v", err)
	}
	if strings.Contains(string(data), secret) {
		t.Errorf("expected secret to be redacted from the persisted entry, got %q", data)
	}
}

func TestReadAll_SkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	content := `{"run_id":"run-1","batch_id":"b1","outcome":"applied"}
not valid json
{"run_id":"run-1","batch_id":"b2","outcome":"noop"}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing ledger file: %v", err)
	}

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 valid entries, got %d", len(entries))
	}
}

func TestReadAll_MissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.jsonl")

	entries, err := ReadAll(path)
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if entries != nil {
		t.Errorf("expected nil entries for missing file, got %v", entries)
	}
}

func TestTail_ReturnsLastN(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Append(entryFor("run-1", "batch", model.OutcomeApplied)); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	tail, err := Tail(path, 2)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(tail))
	}
}

func TestTail_FewerEntriesThanRequested(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Append(entryFor("run-1", "batch", model.OutcomeApplied)); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	tail, err := Tail(path, 10)
	if err != nil {
		t.Fatalf("Tail() error = %v", err)
	}
	if len(tail) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(tail))
	}
}

func TestSummarize_AggregatesByRunAndOutcome(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	_ = l.Append(entryFor("run-1", "batch-1", model.OutcomeApplied))
	_ = l.Append(entryFor("run-1", "batch-2", model.OutcomeNoop))
	_ = l.Append(entryFor("run-1", "batch-2", model.OutcomeApplied))
	_ = l.Append(entryFor("run-2", "batch-1", model.OutcomeBlocked))
	if err := l.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	summary, err := Summarize(path, "run-1")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if summary.TotalAttempts != 3 {
		t.Errorf("TotalAttempts = %d, want 3", summary.TotalAttempts)
	}
	if summary.ByOutcome[model.OutcomeApplied] != 2 {
		t.Errorf("ByOutcome[applied] = %d, want 2", summary.ByOutcome[model.OutcomeApplied])
	}
	if len(summary.BatchIDs) != 2 {
		t.Errorf("BatchIDs = %v, want 2 unique batch ids", summary.BatchIDs)
	}
}

func TestClose_SafeToCallMultipleTimes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)

	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
