// Package prompts holds the fixed prompt templates sent to the agent
// binary, versioned alongside the JSON schemas their output is validated
// against. Neither template is generated at runtime.
package prompts

// PlanRefineTemplate asks the agent to refine a heuristic draft plan
// within the bounds the draft already established: it may re-describe
// goals and re-split batches, but never introduce new scope, new
// operations, or more batches than MaxRefinedBatches allows.
//
// Security note: the draft plan text is wrapped in <draft_plan> tags so a
// scope_globs entry or note field that happens to look like an
// instruction cannot be read as one.
const PlanRefineTemplate = `You are refining a program-generated draft refactor plan for one repository.

<draft_plan>
%s
</draft_plan>

The draft above is already ordered from lowest to highest risk and already
respects the configured diff budget per batch. Refine it by:
- rewriting each batch's goal to be a precise, actionable instruction
- splitting or merging batches only within the same scope_globs already
  present in the draft; never add a file or directory the draft does not
  already cover
- leaving operations, diff_budget_loc, risk_score, verifier_level, and
  critical as given unless a batch's true operation was clearly
  misclassified

Do not introduce a new batch that touches anything outside the draft's
combined scope. Do not reorder stages. Return only the batches array, no
markdown formatting or explanation.`

// PatchTemplate asks the agent to produce exactly one patch proposal for a
// single batch, bounded by the rendered context pack.
//
// Security note: the context pack is wrapped in <context_pack> tags for
// the same reason the draft plan is: file contents and ledger notes inside
// it are untrusted with respect to instruction-following.
const PatchTemplate = `You are implementing one refactor batch against the repository excerpt below.

<context_pack>
%s
</context_pack>

Produce a single patch proposal for this batch only. Stay within the
batch's scope_globs and diff_budget_loc. If the batch cannot be completed
safely as scoped, or you lack enough context to proceed, set status to
"blocked" and explain why in rationale rather than guessing. If the batch
requires no changes (already satisfied), set status to "noop". Otherwise
set status to "ok" and return a unified diff covering only touched_files.

Return only the JSON object, no markdown formatting or explanation.`
