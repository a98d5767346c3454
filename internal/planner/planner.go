// Package planner builds the ordered batch plan for a run: a deterministic
// heuristic draft first, then an optional agent refinement that is accepted
// only if it stays within the draft's declared bounds.
package planner

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/entirerefactor/refactorctl/internal/agentdriver"
	"github.com/entirerefactor/refactorctl/internal/model"
)

// stageOrder is the risk-limiting ordering policy: draft batches are
// produced in this sequence and never reordered afterward.
var stageOrder = []model.OperationKind{
	model.OpFormatOnly,
	model.OpCleanup,
	model.OpRemoveDeadCode,
	model.OpRename,
	model.OpExtract,
	model.OpTestSeam,
	model.OpRestructure,
	model.OpArchitecture,
}

// FileGroup is one scope unit the draft stage sizes batches from: a set of
// paths sharing a directory or package, with an approximate line count used
// to keep each draft batch within the diff budget.
type FileGroup struct {
	Globs         []string
	ApproxLOC     int
	FormatterOnly bool
}

// MaxRefinedBatches is the default ceiling on an agent-refined plan's batch
// count; refinements above it are rejected and the draft is kept.
const MaxRefinedBatches = 200

const defaultRiskScore = 20

// RiskScoreByStage gives each stage kind a baseline risk score; later stages
// in stageOrder carry higher risk.
var riskScoreByStage = map[model.OperationKind]int{
	model.OpFormatOnly:     5,
	model.OpCleanup:        10,
	model.OpRemoveDeadCode: 15,
	model.OpRename:         25,
	model.OpExtract:        35,
	model.OpTestSeam:       30,
	model.OpRestructure:    60,
	model.OpArchitecture:   85,
}

// BuildDraft produces the ordered heuristic draft plan from the given file
// groups, splitting any group whose approximate size exceeds diffBudget into
// multiple same-stage batches.
func BuildDraft(groups []FileGroup, diffBudget int) []model.Batch {
	if diffBudget <= 0 {
		diffBudget = 1
	}

	var batches []model.Batch
	seq := 0
	for _, stage := range stageOrder {
		for _, g := range groups {
			if stage == model.OpFormatOnly && !g.FormatterOnly {
				continue
			}
			if stage != model.OpFormatOnly && g.FormatterOnly {
				continue
			}
			chunks := splitToBudget(g, diffBudget)
			for _, c := range chunks {
				seq++
				batches = append(batches, model.Batch{
					ID:           fmt.Sprintf("batch-%03d", seq),
					Goal:         string(stage) + " pass",
					ScopeGlobs:   c.Globs,
					Operations:   []model.OperationKind{stage},
					DiffBudget:   diffBudget,
					RiskScore:    riskScore(stage),
					VerifierTier: verifierTierFor(stage),
					Critical:     stage == model.OpRestructure || stage == model.OpArchitecture,
				})
			}
		}
	}
	return batches
}

func riskScore(stage model.OperationKind) int {
	if s, ok := riskScoreByStage[stage]; ok {
		return s
	}
	return defaultRiskScore
}

func verifierTierFor(stage model.OperationKind) model.VerifierLevel {
	switch stage {
	case model.OpRestructure, model.OpArchitecture:
		return model.VerifierFull
	default:
		return model.VerifierFast
	}
}

// splitToBudget divides a group into as many chunks as needed to keep each
// chunk's approximate size within diffBudget, distributing its globs evenly.
func splitToBudget(g FileGroup, diffBudget int) []FileGroup {
	if g.ApproxLOC <= diffBudget || len(g.Globs) <= 1 {
		return []FileGroup{g}
	}
	n := (g.ApproxLOC + diffBudget - 1) / diffBudget
	if n > len(g.Globs) {
		n = len(g.Globs)
	}
	if n < 1 {
		n = 1
	}
	chunkSize := (len(g.Globs) + n - 1) / n
	var out []FileGroup
	for i := 0; i < len(g.Globs); i += chunkSize {
		end := i + chunkSize
		if end > len(g.Globs) {
			end = len(g.Globs)
		}
		out = append(out, FileGroup{
			Globs:         append([]string{}, g.Globs[i:end]...),
			ApproxLOC:     g.ApproxLOC * (end - i) / len(g.Globs),
			FormatterOnly: g.FormatterOnly,
		})
	}
	return out
}

// Refine asks the agent driver to refine draft, and returns it unchanged
// (alongside a false acceptance flag) if the refinement violates the scope,
// operation, or count bounds, or if the agent call itself fails.
func Refine(ctx context.Context, driver *agentdriver.Driver, promptTemplate, draftText string, draft []model.Batch) ([]model.Batch, bool, error) {
	resp, err := driver.PlanRefine(ctx, promptTemplate, draftText)
	if err != nil {
		return draft, false, nil
	}

	if len(resp.Batches) == 0 || len(resp.Batches) > MaxRefinedBatches {
		return draft, false, nil
	}

	draftScope := collectScope(draft)
	for _, b := range resp.Batches {
		if !validOperations(b.Operations) {
			return draft, false, nil
		}
		for _, g := range b.ScopeGlobs {
			if !subsetOfScope(g, draftScope) {
				return draft, false, nil
			}
		}
	}

	return resp.Batches, true, nil
}

func validOperations(ops []model.OperationKind) bool {
	if len(ops) == 0 {
		return false
	}
	for _, op := range ops {
		found := false
		for _, allowed := range stageOrder {
			if op == allowed {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func collectScope(batches []model.Batch) []string {
	var globs []string
	for _, b := range batches {
		globs = append(globs, b.ScopeGlobs...)
	}
	return globs
}

// subsetOfScope reports whether glob is covered by at least one entry in
// scope: either an exact match, or scope contains a pattern that matches
// every path glob itself could match (approximated here by direct equality
// or by glob being matched as a literal path against a scope pattern).
func subsetOfScope(glob string, scope []string) bool {
	for _, s := range scope {
		if s == glob {
			return true
		}
		if ok, err := doublestar.Match(s, glob); err == nil && ok {
			return true
		}
	}
	return false
}
