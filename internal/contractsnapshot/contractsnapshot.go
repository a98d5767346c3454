// Package contractsnapshot captures a repository's public API surface —
// exported-looking symbols, route tables, and declared flags — from the
// read-only source index, and structurally diffs two snapshots. A
// non-empty diff after a run, with allow_public_api_changes left false,
// is treated as a verifier failure rather than a silent success.
package contractsnapshot

import (
	"regexp"
	"sort"
	"strings"

	"github.com/entirerefactor/refactorctl/internal/contextpack"
)

// Entry is one public-surface element: an exported symbol, an HTTP route,
// or a CLI flag, keyed by its declaring file so a diff can point at where
// the break happened.
type Entry struct {
	File      string `json:"file"`
	Kind      string `json:"kind"`
	Name      string `json:"name"`
	Signature string `json:"signature"`
}

// Snapshot is the full public surface at one point in time.
type Snapshot struct {
	Entries []Entry `json:"entries"`
}

// Diff is the structural comparison between two snapshots.
type Diff struct {
	Changed bool    `json:"changed"`
	Added   []Entry `json:"added"`
	Removed []Entry `json:"removed"`
}

var (
	exportedGoPattern = regexp.MustCompile(`^(func|type)\s+([A-Z][A-Za-z0-9_]*)`)
	routePattern      = regexp.MustCompile(`(?i)\.(get|post|put|patch|delete|handle)\s*\(\s*["']([^"']+)["']`)
	flagPattern       = regexp.MustCompile(`(?:Flags\(\)\.\w+\(|flag\.\w+\()\s*\(?&?\w*,?\s*["']([^"']+)["']`)
)

// Build derives a Snapshot from index, keeping only symbols and lines that
// look public by convention: exported Go identifiers, route-registration
// calls, and flag declarations. It never resolves types or imports — it is
// a structural surface check, not a compatibility checker.
func Build(index contextpack.Index) Snapshot {
	var entries []Entry

	for _, fe := range index.Files {
		for _, sym := range fe.Symbols {
			if m := exportedGoPattern.FindStringSubmatch(sym.Signature); m != nil {
				entries = append(entries, Entry{File: fe.Path, Kind: "symbol", Name: m[2], Signature: strings.TrimSpace(sym.Signature)})
			}
		}
		for _, line := range fe.Lines {
			if m := routePattern.FindStringSubmatch(line); m != nil {
				entries = append(entries, Entry{File: fe.Path, Kind: "route", Name: strings.ToUpper(m[1]) + " " + m[2], Signature: strings.TrimSpace(line)})
			}
			if m := flagPattern.FindStringSubmatch(line); m != nil {
				entries = append(entries, Entry{File: fe.Path, Kind: "flag", Name: m[1], Signature: strings.TrimSpace(line)})
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].File != entries[j].File {
			return entries[i].File < entries[j].File
		}
		return entries[i].Name < entries[j].Name
	})
	return Snapshot{Entries: entries}
}

// Diff reports entries present in after but not before (Added) and present
// in before but not after (Removed); a rename shows up as one of each.
func Diff(before, after Snapshot) Diff {
	beforeSet := make(map[string]Entry, len(before.Entries))
	for _, e := range before.Entries {
		beforeSet[key(e)] = e
	}
	afterSet := make(map[string]Entry, len(after.Entries))
	for _, e := range after.Entries {
		afterSet[key(e)] = e
	}

	var d Diff
	for k, e := range afterSet {
		if _, ok := beforeSet[k]; !ok {
			d.Added = append(d.Added, e)
		}
	}
	for k, e := range beforeSet {
		if _, ok := afterSet[k]; !ok {
			d.Removed = append(d.Removed, e)
		}
	}
	sort.Slice(d.Added, func(i, j int) bool { return key(d.Added[i]) < key(d.Added[j]) })
	sort.Slice(d.Removed, func(i, j int) bool { return key(d.Removed[i]) < key(d.Removed[j]) })
	d.Changed = len(d.Added) > 0 || len(d.Removed) > 0
	return d
}

func key(e Entry) string {
	return e.File + "|" + e.Kind + "|" + e.Name
}
