// Package config loads refactorctl.yaml from the target repository root and
// applies local, uncommitted overrides from refactorctl.local.yaml, the same
// two-layer shape the rest of the pipeline uses for its own settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/entirerefactor/refactorctl/internal/jsonutil"
	"github.com/entirerefactor/refactorctl/internal/pathutil"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the committed configuration file at the target repo root.
	FileName = "refactorctl.yaml"
	// LocalFileName holds uncommitted overrides layered on top of FileName.
	LocalFileName = "refactorctl.local.yaml"
)

// ClaudeConfig configures the external agent binary invocation.
type ClaudeConfig struct {
	Binary           string   `yaml:"binary,omitempty" json:"binary,omitempty"`
	AllowedTools     []string `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	Tools            []string `yaml:"tools,omitempty" json:"tools,omitempty"`
	MaxTurnsPatcher  int      `yaml:"max_turns_patcher,omitempty" json:"max_turns_patcher,omitempty"`
	MaxTurnsPlanner  int      `yaml:"max_turns_planner,omitempty" json:"max_turns_planner,omitempty"`
}

// Config is the refactorctl.yaml document shape.
type Config struct {
	ScopeExcludes         []string `yaml:"scope_excludes,omitempty" json:"scope_excludes,omitempty"`
	FastVerifier          []string `yaml:"fast_verifier,omitempty" json:"fast_verifier,omitempty"`
	FullVerifier          []string `yaml:"full_verifier,omitempty" json:"full_verifier,omitempty"`
	MaxBatches            int      `yaml:"max_batches,omitempty" json:"max_batches,omitempty"`
	DiffBudgetLOC         int      `yaml:"diff_budget_loc,omitempty" json:"diff_budget_loc,omitempty"`
	RetryPerBatch         int      `yaml:"retry_per_batch,omitempty" json:"retry_per_batch,omitempty"`
	RunFullVerifierEvery  int      `yaml:"run_full_verifier_every,omitempty" json:"run_full_verifier_every,omitempty"`
	AllowPublicAPIChanges bool     `yaml:"allow_public_api_changes,omitempty" json:"allow_public_api_changes,omitempty"`
	Claude                ClaudeConfig `yaml:"claude,omitempty" json:"claude,omitempty"`
}

// defaults returns the configuration used when refactorctl.yaml is absent or
// omits a key.
func defaults() *Config {
	return &Config{
		MaxBatches:           40,
		DiffBudgetLOC:        150,
		RetryPerBatch:        1,
		RunFullVerifierEvery: 5,
		Claude: ClaudeConfig{
			Binary:          "claude",
			MaxTurnsPatcher: 6,
			MaxTurnsPlanner: 4,
		},
	}
}

// Load reads refactorctl.yaml from the repository root, then layers
// refactorctl.local.yaml on top if it exists. Missing files are not an
// error; Load returns defaults in that case. Works from any subdirectory
// within the repository.
func Load() (*Config, error) {
	fileAbs, err := pathutil.AbsPath(FileName)
	if err != nil {
		fileAbs = FileName
	}
	localAbs, err := pathutil.AbsPath(LocalFileName)
	if err != nil {
		localAbs = LocalFileName
	}
	return load(fileAbs, localAbs)
}

// LoadFrom reads refactorctl.yaml/refactorctl.local.yaml from repoRoot
// directly, for callers (such as the command surface) that operate on a
// target repository other than the current working directory.
func LoadFrom(repoRoot string) (*Config, error) {
	return load(filepath.Join(repoRoot, FileName), filepath.Join(repoRoot, LocalFileName))
}

func load(fileAbs, localAbs string) (*Config, error) {
	cfg, err := loadFromFile(fileAbs)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	localData, err := os.ReadFile(localAbs) //nolint:gosec // path from AbsPath or constant
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading local config file: %w", err)
		}
	} else if err := mergeYAML(cfg, localData); err != nil {
		return nil, fmt.Errorf("merging local config: %w", err)
	}

	return cfg, nil
}

func loadFromFile(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path) //nolint:gosec // path from caller
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("%w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)

	return cfg, nil
}

// mergeYAML merges local override data into cfg. Only keys present in data
// override the existing value; zero-value keys in the override document are
// left untouched, except booleans and ints which always take the override's
// value when the key is present at all.
func mergeYAML(cfg *Config, data []byte) error {
	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	if node, ok := raw["scope_excludes"]; ok && len(node.Content) > 0 {
		cfg.ScopeExcludes = override.ScopeExcludes
	}
	if node, ok := raw["fast_verifier"]; ok && len(node.Content) > 0 {
		cfg.FastVerifier = override.FastVerifier
	}
	if node, ok := raw["full_verifier"]; ok && len(node.Content) > 0 {
		cfg.FullVerifier = override.FullVerifier
	}
	if _, ok := raw["max_batches"]; ok {
		cfg.MaxBatches = override.MaxBatches
	}
	if _, ok := raw["diff_budget_loc"]; ok {
		cfg.DiffBudgetLOC = override.DiffBudgetLOC
	}
	if _, ok := raw["retry_per_batch"]; ok {
		cfg.RetryPerBatch = override.RetryPerBatch
	}
	if _, ok := raw["run_full_verifier_every"]; ok {
		cfg.RunFullVerifierEvery = override.RunFullVerifierEvery
	}
	if _, ok := raw["allow_public_api_changes"]; ok {
		cfg.AllowPublicAPIChanges = override.AllowPublicAPIChanges
	}
	if node, ok := raw["claude"]; ok && len(node.Content) > 0 {
		if override.Claude.Binary != "" {
			cfg.Claude.Binary = override.Claude.Binary
		}
		if len(override.Claude.AllowedTools) > 0 {
			cfg.Claude.AllowedTools = override.Claude.AllowedTools
		}
		if len(override.Claude.Tools) > 0 {
			cfg.Claude.Tools = override.Claude.Tools
		}
		if override.Claude.MaxTurnsPatcher != 0 {
			cfg.Claude.MaxTurnsPatcher = override.Claude.MaxTurnsPatcher
		}
		if override.Claude.MaxTurnsPlanner != 0 {
			cfg.Claude.MaxTurnsPlanner = override.Claude.MaxTurnsPlanner
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	d := defaults()
	if cfg.MaxBatches == 0 {
		cfg.MaxBatches = d.MaxBatches
	}
	if cfg.DiffBudgetLOC == 0 {
		cfg.DiffBudgetLOC = d.DiffBudgetLOC
	}
	if cfg.RetryPerBatch == 0 {
		cfg.RetryPerBatch = d.RetryPerBatch
	}
	if cfg.RunFullVerifierEvery == 0 {
		cfg.RunFullVerifierEvery = d.RunFullVerifierEvery
	}
	if cfg.Claude.Binary == "" {
		cfg.Claude.Binary = d.Claude.Binary
	}
	if cfg.Claude.MaxTurnsPatcher == 0 {
		cfg.Claude.MaxTurnsPatcher = d.Claude.MaxTurnsPatcher
	}
	if cfg.Claude.MaxTurnsPlanner == 0 {
		cfg.Claude.MaxTurnsPlanner = d.Claude.MaxTurnsPlanner
	}
}

// Save writes cfg to refactorctl.yaml at the repository root, pretty-printed
// for readability and diffability.
func Save(cfg *Config) error {
	fileAbs, err := pathutil.AbsPath(FileName)
	if err != nil {
		fileAbs = FileName
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	//nolint:gosec // G306: config file is not secrets; 0o644 is appropriate
	if err := os.WriteFile(fileAbs, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// DebugJSON renders cfg as indented JSON, used by the doctor command to
// print the effective configuration alongside other diagnostics.
func DebugJSON(cfg *Config) (string, error) {
	data, err := jsonutil.MarshalIndentWithNewline(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling config: %w", err)
	}
	return string(data), nil
}
