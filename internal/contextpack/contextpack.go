// Package contextpack deterministically builds the bounded text packet sent
// to the agent for one batch. It never summarizes or interprets code itself
// — it selects, truncates, and concatenates material produced by the
// (externally maintained) source index and the ledger.
package contextpack

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/entirerefactor/refactorctl/internal/ledger"
	"github.com/entirerefactor/refactorctl/internal/model"
)

// Budget bounds are the defaults named in the retrieval policy; callers may
// override any of them for testing or via configuration.
const (
	DefaultMaxChars           = 40_000
	DefaultMaxExcerptLines    = 600
	DefaultMaxLedgerEntries   = 10
	DefaultFullFileLineCutoff = 60
	DefaultExcerptLinesPerRef = 30
)

// Symbol is one named declaration in a file, as produced by the external
// source indexer.
type Symbol struct {
	Name      string `json:"name"`
	Signature string `json:"signature"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	FanIn     int    `json:"fan_in"`
}

// FileEntry is one file's index record.
type FileEntry struct {
	Path    string   `json:"path"`
	Lines   []string `json:"lines"`
	Imports []string `json:"imports"`
	Symbols []Symbol `json:"symbols"`
}

// Index is the read-only artifact produced by the source-code indexer that
// the context pack builder consumes; it never builds or mutates it.
type Index struct {
	Files []FileEntry `json:"files"`
}

func (idx Index) fileByPath(path string) (FileEntry, bool) {
	for _, f := range idx.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Manifest lists every file referenced in a built pack, for audit and for
// the Patch Applier's later subset check against touched_files.
type Manifest struct {
	Files []string `json:"files"`
}

// Pack is the bounded text packet and its manifest.
type Pack struct {
	Text     string
	Manifest Manifest
}

// Budget overrides the package's default size bounds.
type Budget struct {
	MaxChars           int
	MaxExcerptLines    int
	MaxLedgerEntries   int
	FullFileLineCutoff int
	ExcerptLinesPerRef int
}

// DefaultBudget returns the budget named in the retrieval policy.
func DefaultBudget() Budget {
	return Budget{
		MaxChars:           DefaultMaxChars,
		MaxExcerptLines:    DefaultMaxExcerptLines,
		MaxLedgerEntries:   DefaultMaxLedgerEntries,
		FullFileLineCutoff: DefaultFullFileLineCutoff,
		ExcerptLinesPerRef: DefaultExcerptLinesPerRef,
	}
}

// Builder builds packs against a fixed index and ledger path.
type Builder struct {
	Index      Index
	LedgerPath string
	Budget     Budget
}

// NewBuilder returns a Builder with the default budget.
func NewBuilder(index Index, ledgerPath string) *Builder {
	return &Builder{Index: index, LedgerPath: ledgerPath, Budget: DefaultBudget()}
}

// inScope reports whether path matches at least one of globs.
func inScope(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

// Build selects files for batch per the three-tier retrieval policy,
// excerpts them within budget, and appends the ledger tail.
func (b *Builder) Build(batch model.Batch) (Pack, error) {
	budget := b.Budget
	if budget.MaxChars == 0 {
		budget = DefaultBudget()
	}

	tail, err := ledger.Tail(b.LedgerPath, budget.MaxLedgerEntries)
	if err != nil {
		return Pack{}, fmt.Errorf("reading ledger tail: %w", err)
	}

	recentlyTouched := make(map[string]bool)
	for _, entry := range tail {
		for _, f := range entry.TouchedFiles {
			recentlyTouched[f] = true
		}
	}

	ordered := b.selectFiles(batch, recentlyTouched)

	var sb strings.Builder
	var manifestFiles []string
	lineBudget := budget.MaxExcerptLines

	for _, fe := range ordered {
		if sb.Len() >= budget.MaxChars || lineBudget <= 0 {
			break
		}
		section, usedLines := renderFile(fe, budget)
		if sb.Len()+len(section) > budget.MaxChars {
			remaining := budget.MaxChars - sb.Len()
			if remaining <= 0 {
				break
			}
			section = section[:remaining]
		}
		sb.WriteString(section)
		manifestFiles = append(manifestFiles, fe.Path)
		lineBudget -= usedLines
	}

	sb.WriteString("\n## recent ledger entries\n")
	for _, entry := range tail {
		fmt.Fprintf(&sb, "- %s batch=%s attempt=%d outcome=%s\n", entry.Timestamp.Format("2006-01-02T15:04:05Z07:00"), entry.BatchID, entry.Attempt, entry.Outcome)
	}

	text := sb.String()
	if len(text) > budget.MaxChars {
		text = text[:budget.MaxChars]
	}

	return Pack{Text: text, Manifest: Manifest{Files: manifestFiles}}, nil
}

// selectFiles orders candidate files per the three retrieval tiers:
// recently touched in-scope files, then highest fan-in, then files imported
// by in-scope modules.
func (b *Builder) selectFiles(batch model.Batch, recentlyTouched map[string]bool) []FileEntry {
	var inScopeFiles []FileEntry
	inScopeSet := make(map[string]bool)
	for _, fe := range b.Index.Files {
		if inScope(fe.Path, batch.ScopeGlobs) {
			inScopeFiles = append(inScopeFiles, fe)
			inScopeSet[fe.Path] = true
		}
	}

	var tier1, tier1Rest []FileEntry
	if len(recentlyTouched) == 0 {
		tier1 = inScopeFiles
	} else {
		for _, fe := range inScopeFiles {
			if recentlyTouched[fe.Path] {
				tier1 = append(tier1, fe)
			} else {
				tier1Rest = append(tier1Rest, fe)
			}
		}
	}

	sort.SliceStable(tier1Rest, func(i, j int) bool {
		return maxFanIn(tier1Rest[i]) > maxFanIn(tier1Rest[j])
	})

	imported := make(map[string]bool)
	for _, fe := range inScopeFiles {
		for _, imp := range fe.Imports {
			imported[imp] = true
		}
	}
	var tier3 []FileEntry
	for _, fe := range b.Index.Files {
		if inScopeSet[fe.Path] {
			continue
		}
		if imported[fe.Path] {
			tier3 = append(tier3, fe)
		}
	}

	ordered := append([]FileEntry{}, tier1...)
	ordered = append(ordered, tier1Rest...)
	ordered = append(ordered, tier3...)
	return ordered
}

func maxFanIn(fe FileEntry) int {
	max := 0
	for _, s := range fe.Symbols {
		if s.FanIn > max {
			max = s.FanIn
		}
	}
	return max
}

// renderFile renders fe as either a full-file inclusion (tiny files) or a
// signature list plus short excerpts around each symbol.
func renderFile(fe FileEntry, budget Budget) (string, int) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n## %s\n", fe.Path)

	if len(fe.Lines) <= budget.FullFileLineCutoff {
		sb.WriteString("```\n")
		for _, l := range fe.Lines {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
		return sb.String(), len(fe.Lines)
	}

	used := 0
	for _, sym := range fe.Symbols {
		fmt.Fprintf(&sb, "- %s: %s\n", sym.Name, sym.Signature)
		start := sym.StartLine - 1
		end := sym.EndLine
		if end-start > budget.ExcerptLinesPerRef {
			end = start + budget.ExcerptLinesPerRef
		}
		if start < 0 {
			start = 0
		}
		if end > len(fe.Lines) {
			end = len(fe.Lines)
		}
		if start >= end {
			continue
		}
		sb.WriteString("```\n")
		for _, l := range fe.Lines[start:end] {
			sb.WriteString(l)
			sb.WriteString("\n")
		}
		sb.WriteString("```\n")
		used += end - start
	}

	return sb.String(), used
}
