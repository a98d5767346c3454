package cliapp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/entirerefactor/refactorctl/internal/agentdriver"
	"github.com/entirerefactor/refactorctl/internal/config"
	"github.com/entirerefactor/refactorctl/internal/contextpack"
	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/entirerefactor/refactorctl/internal/patchapplier"
	"github.com/entirerefactor/refactorctl/internal/planner"
	"github.com/entirerefactor/refactorctl/internal/prompts"
	"github.com/entirerefactor/refactorctl/internal/sourceindex"
)

// pipeline bundles the components every subcommand assembles the same way,
// before a worktree exists: configuration, the source index, and the
// agent driver. Commands that need a worktree build the rest (ledger,
// verifier, context pack builder) themselves, since those are keyed to a
// specific run id and path.
type pipeline struct {
	RepoPath string
	Config   *config.Config
	Index    contextpack.Index
	Agent    *agentdriver.Driver
}

func newPipeline(repoPath string) (*pipeline, error) {
	absRepo, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repository path: %w", err)
	}

	cfg, err := config.LoadFrom(absRepo)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	index, err := sourceindex.Build(absRepo, cfg.ScopeExcludes)
	if err != nil {
		return nil, fmt.Errorf("indexing repository: %w", err)
	}

	agent := agentdriver.New(cfg.Claude.Binary, cfg.Claude.AllowedTools, cfg.Claude.MaxTurnsPlanner, cfg.Claude.MaxTurnsPatcher)

	return &pipeline{RepoPath: absRepo, Config: cfg, Index: index, Agent: agent}, nil
}

// fileGroups buckets the index's files by directory into planner.FileGroup
// values, the same coarse unit the draft stage sizes batches from. Files
// under a directory whose name looks format-tool-owned are marked
// FormatterOnly so the draft's format-only stage can target them
// separately from the rest of that directory's content.
func (p *pipeline) fileGroups() []planner.FileGroup {
	byDir := make(map[string][]string)
	locByDir := make(map[string]int)
	for _, fe := range p.Index.Files {
		dir := filepath.ToSlash(filepath.Dir(fe.Path))
		byDir[dir] = append(byDir[dir], fe.Path)
		locByDir[dir] += len(fe.Lines)
	}

	groups := make([]planner.FileGroup, 0, len(byDir))
	for dir, paths := range byDir {
		globs := make([]string, len(paths))
		copy(globs, paths)
		groups = append(groups, planner.FileGroup{
			Globs:     globs,
			ApproxLOC: locByDir[dir],
		})
	}
	return groups
}

// buildPlan runs the draft-then-refine stage and returns the accepted
// batch list plus whether the agent's refinement was used. Agent
// unavailability or an agent error is not fatal here: the draft is kept.
func (p *pipeline) buildPlan(ctx context.Context) ([]model.Batch, bool, error) {
	draft := planner.BuildDraft(p.fileGroups(), p.Config.DiffBudgetLOC)
	if len(draft) == 0 {
		return draft, false, nil
	}
	if len(draft) > p.Config.MaxBatches {
		draft = draft[:p.Config.MaxBatches]
	}

	draftJSON, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return draft, false, fmt.Errorf("rendering draft plan: %w", err)
	}

	avail, err := p.Agent.CheckAvailable(ctx)
	if err != nil || avail != agentdriver.AvailabilityOK {
		return draft, false, nil
	}

	refined, accepted, err := planner.Refine(ctx, p.Agent, prompts.PlanRefineTemplate, string(draftJSON), draft)
	if err != nil {
		return draft, false, nil
	}
	return refined, accepted, nil
}

// patchOptionsFor returns the Apply/Validate options for a worktree at
// worktreePath, honoring the repository's configured diff budget and scope
// excludes.
func (p *pipeline) patchOptionsFor(worktreePath string) patchapplier.Options {
	return patchapplier.Options{
		WorktreePath: worktreePath,
		ExcludeGlobs: p.Config.ScopeExcludes,
	}
}

// verifierLevels adapts the repository's configured command lists into the
// map the verifier runner keys on.
func (p *pipeline) verifierLevels() map[model.VerifierLevel][]string {
	return map[model.VerifierLevel][]string{
		model.VerifierFast: p.Config.FastVerifier,
		model.VerifierFull: p.Config.FullVerifier,
	}
}

func newVerifierRunner(worktreePath, outputDir string, levels map[model.VerifierLevel][]string) *verifier.Runner {
	return verifier.New(worktreePath, outputDir, levels)
}
