// Package sourceindex builds the minimal read-only FileEntry/Symbol index
// the context pack builder and contract snapshot consume. It is a stand-in
// for the production indexer the rest of the pipeline treats as an external
// collaborator: it does not resolve types or parse ASTs, only enough
// lexical structure (imports, top-level declarations, naive fan-in) to
// drive the retrieval policy.
package sourceindex

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/entirerefactor/refactorctl/internal/contextpack"
)

// declPattern matches a loose superset of top-level declarations across the
// languages a refactor target is likely to be written in.
var declPattern = regexp.MustCompile(
	`^\s*(?:func|def|class|type|struct|interface|fn|public\s+\w+\s+class|export\s+(?:function|class|const))\s+([A-Za-z_][A-Za-z0-9_]*)`,
)

var importPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*import\s+(?:\(|"|[A-Za-z0-9_./"]+)`),
	regexp.MustCompile(`^\s*from\s+([A-Za-z0-9_.]+)\s+import`),
	regexp.MustCompile(`^\s*#include\s+[<"]([^>"]+)[>"]`),
	regexp.MustCompile(`^\s*require\(['"]([^'"]+)['"]\)`),
)

// Build walks root and indexes every file not excluded by excludeGlobs,
// skipping .git and any directory that looks like a dependency cache.
func Build(root string, excludeGlobs []string) (contextpack.Index, error) {
	var files []contextpack.FileEntry
	importersOf := make(map[string][]string)

	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if isSkippedDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isSourceFile(rel) {
			return nil
		}
		if matchesAny(rel, excludeGlobs) {
			return nil
		}

		lines, err := readLines(path)
		if err != nil {
			return nil // unreadable files (binary, permissions) are simply not indexed
		}

		fe := contextpack.FileEntry{Path: rel, Lines: lines}
		fe.Imports = extractImports(lines)
		fe.Symbols = extractSymbols(lines)
		files = append(files, fe)

		for _, imp := range fe.Imports {
			importersOf[imp] = append(importersOf[imp], rel)
		}
		return nil
	})
	if err != nil {
		return contextpack.Index{}, err
	}

	applyFanIn(files, importersOf)

	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return contextpack.Index{Files: files}, nil
}

func isSkippedDir(name string) bool {
	switch name {
	case ".git", "node_modules", "vendor", ".refactorctl", "dist", "build", "__pycache__":
		return true
	default:
		return false
	}
}

var sourceExtensions = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".tsx": true, ".jsx": true,
	".java": true, ".rb": true, ".rs": true, ".c": true, ".h": true, ".cpp": true,
	".hpp": true, ".cs": true,
}

func isSourceFile(rel string) bool {
	return sourceExtensions[filepath.Ext(rel)]
}

func matchesAny(path string, globs []string) bool {
	for _, g := range globs {
		if ok, err := doublestar.Match(g, path); err == nil && ok {
			return true
		}
	}
	return false
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // path is produced by our own WalkDir over a caller-controlled root
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func extractImports(lines []string) []string {
	var imports []string
	seen := make(map[string]bool)
	for _, line := range lines {
		for _, pat := range importPatterns {
			if m := pat.FindStringSubmatch(line); m != nil {
				target := strings.Trim(line, " \t\"();")
				if len(m) > 1 && m[1] != "" {
					target = m[1]
				}
				if !seen[target] {
					seen[target] = true
					imports = append(imports, target)
				}
			}
		}
	}
	return imports
}

func extractSymbols(lines []string) []contextpack.Symbol {
	var symbols []contextpack.Symbol
	var open *contextpack.Symbol

	for i, line := range lines {
		if m := declPattern.FindStringSubmatch(line); m != nil {
			if open != nil {
				open.EndLine = i
			}
			sym := contextpack.Symbol{
				Name:      m[1],
				Signature: strings.TrimSpace(line),
				StartLine: i + 1,
				EndLine:   i + 1,
			}
			symbols = append(symbols, sym)
			open = &symbols[len(symbols)-1]
		}
	}
	if open != nil {
		open.EndLine = len(lines)
	}
	return symbols
}

// applyFanIn sets each symbol's FanIn to the number of distinct files that
// import the file declaring it, a file-granularity proxy for the real
// indexer's per-symbol call graph.
func applyFanIn(files []contextpack.FileEntry, importersOf map[string][]string) {
	byPath := make(map[string]int, len(files))
	for i, fe := range files {
		byPath[fe.Path] = i
	}

	for path, importers := range importersOf {
		idx, ok := byPath[path]
		if !ok {
			continue
		}
		fanIn := len(importers)
		for i := range files[idx].Symbols {
			files[idx].Symbols[i].FanIn = fanIn
		}
	}
}
