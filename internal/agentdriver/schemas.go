package agentdriver

// PlannerSchema and PatcherSchema are the JSON Schema documents the agent's
// structured output is validated against, both locally (defense in depth)
// and via the --json-schema flag passed to the agent binary itself. They
// are versioned alongside the orchestrator, never synthesized at runtime.

// PlannerSchema bounds a PlannerResponse refinement.
const PlannerSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["batches"],
  "additionalProperties": false,
  "properties": {
    "batches": {
      "type": "array",
      "maxItems": 200,
      "items": {
        "type": "object",
        "required": ["id", "goal", "scope_globs", "operations", "diff_budget_loc", "risk_score", "verifier_level", "critical"],
        "additionalProperties": false,
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "goal": {"type": "string", "minLength": 1},
          "scope_globs": {"type": "array", "items": {"type": "string"}},
          "operations": {
            "type": "array",
            "items": {
              "type": "string",
              "enum": ["format-only", "cleanup", "rename", "extract", "remove-dead-code", "test-seam", "restructure", "architecture"]
            }
          },
          "diff_budget_loc": {"type": "integer", "minimum": 1},
          "risk_score": {"type": "integer", "minimum": 0, "maximum": 100},
          "verifier_level": {"type": "string", "enum": ["fast", "full"]},
          "critical": {"type": "boolean"},
          "notes": {"type": "string"}
        }
      }
    },
    "notes": {"type": "string"}
  }
}`

// PatcherSchema bounds a PatchProposal.
const PatcherSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["status", "rationale"],
  "additionalProperties": false,
  "properties": {
    "status": {"type": "string", "enum": ["ok", "noop", "blocked"]},
    "rationale": {"type": "string", "minLength": 1},
    "risk_notes": {"type": "array", "items": {"type": "string"}},
    "diff": {"type": "string"},
    "touched_files": {"type": "array", "items": {"type": "string"}},
    "expected_verifier_commands": {"type": "array", "items": {"type": "string"}},
    "follow_up_suggestions": {"type": "array", "items": {"type": "string"}}
  }
}`

// CriticSchema bounds the optional critic pass's review of a proposal
// before it reaches the Patch Applier.
const CriticSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["approve"],
  "additionalProperties": false,
  "properties": {
    "approve": {"type": "boolean"},
    "concerns": {"type": "array", "items": {"type": "string"}}
  }
}`
