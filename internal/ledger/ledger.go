// Package ledger implements the append-only, newline-delimited JSON event
// log that is the source of truth for a run's progress. Every other
// component updates the ledger synchronously before acknowledging success.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/redact"
)

// FileName is the ledger's file name within a worktree's bookkeeping directory.
const FileName = "ledger.jsonl"

// Ledger is an append-only log of LedgerEntry records, kept open for the
// lifetime of a run and flushed+synced after every write.
type Ledger struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// Open opens (creating if necessary) the ledger file at path for append.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // path is caller-controlled
	if err != nil {
		return nil, fmt.Errorf("opening ledger: %w", err)
	}

	return &Ledger{path: path, file: f}, nil
}

// Close closes the underlying file.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append writes entry as one JSON line and syncs the file before returning,
// so a crash immediately after Append cannot lose the record.
func (l *Ledger) Append(entry model.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Error strings are often agent or verifier output quoted back; scrub
	// them before they land in a log that gets read into future context
	// packs and printed in the final report.
	if entry.Error != "" {
		entry.Error = redact.String(entry.Error)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling ledger entry: %w", err)
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}
	return nil
}

// ReadAll reads every entry currently in the ledger, in append order.
// Malformed lines are skipped rather than failing the whole read.
func ReadAll(path string) ([]model.LedgerEntry, error) {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []model.LedgerEntry
	reader := bufio.NewReader(f)
	for {
		lineBytes, readErr := reader.ReadBytes('\n')
		if readErr != nil && readErr != io.EOF {
			return nil, fmt.Errorf("reading ledger: %w", readErr)
		}
		if len(lineBytes) > 0 {
			var entry model.LedgerEntry
			if jsonErr := json.Unmarshal(lineBytes, &entry); jsonErr == nil {
				entries = append(entries, entry)
			}
		}
		if readErr == io.EOF {
			break
		}
	}
	return entries, nil
}

// Tail returns the last n entries from the ledger at path, oldest first.
// Used by the context pack builder to give the agent recent outcome memory.
func Tail(path string, n int) ([]model.LedgerEntry, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return nil, err
	}
	if n <= 0 || len(entries) <= n {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}

// Summary aggregates ledger entries for a run into outcome counts, used by
// the final report.
type Summary struct {
	RunID         string                     `json:"run_id"`
	TotalAttempts int                        `json:"total_attempts"`
	ByOutcome     map[model.BatchOutcome]int `json:"by_outcome"`
	BatchIDs      []string                   `json:"batch_ids"`
}

// Summarize reads the ledger at path and aggregates entries matching runID.
func Summarize(path, runID string) (Summary, error) {
	entries, err := ReadAll(path)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		RunID:     runID,
		ByOutcome: make(map[model.BatchOutcome]int),
	}
	seenBatches := make(map[string]bool)

	for _, entry := range entries {
		if entry.RunID != runID {
			continue
		}
		summary.TotalAttempts++
		summary.ByOutcome[entry.Outcome]++
		if !seenBatches[entry.BatchID] {
			seenBatches[entry.BatchID] = true
			summary.BatchIDs = append(summary.BatchIDs, entry.BatchID)
		}
	}

	return summary, nil
}
