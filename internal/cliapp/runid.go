package cliapp

import (
	"time"

	"github.com/google/uuid"
)

// newRunID generates a run identifier in the same date-prefixed shape the
// rest of the codebase uses for session identifiers: YYYY-MM-DD-<uuid>. The
// date prefix keeps run directories sorted chronologically on disk.
func newRunID() string {
	return time.Now().Format("2006-01-02") + "-" + uuid.NewString()
}
