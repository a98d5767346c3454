// Package agentdriver invokes the external coding-agent binary in
// print/headless mode, parses its structured output, and re-validates it
// locally as defense in depth against a misbehaving or degraded agent.
package agentdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/entirerefactor/refactorctl/internal/model"
	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Availability is the closed set of outcomes check_available may report.
type Availability string

const (
	AvailabilityOK               Availability = "ok"
	AvailabilityNotInstalled     Availability = "not-installed"
	AvailabilityNotAuthenticated Availability = "not-authenticated"
)

// ErrBlocked is returned when the agent's output fails schema validation
// twice in a row (the initial attempt and the one stricter-reminder retry).
var ErrBlocked = errors.New("agent response blocked after retry")

// CommandRunner builds the *exec.Cmd for one agent invocation, overridable
// in tests the same way the summary generator's command runner is.
type CommandRunner func(ctx context.Context, name string, args ...string) *exec.Cmd

// Driver invokes the configured agent binary in print mode.
type Driver struct {
	Binary        string
	AllowedTools  []string
	MaxTurnsPlan  int
	MaxTurnsPatch int
	CommandRunner CommandRunner
}

// New returns a Driver for the given binary path and tool allowlist.
func New(binary string, allowedTools []string, maxTurnsPlan, maxTurnsPatch int) *Driver {
	return &Driver{
		Binary:        binary,
		AllowedTools:  allowedTools,
		MaxTurnsPlan:  maxTurnsPlan,
		MaxTurnsPatch: maxTurnsPatch,
	}
}

func (d *Driver) runner() CommandRunner {
	if d.CommandRunner != nil {
		return d.CommandRunner
	}
	return exec.CommandContext
}

// CheckAvailable runs a probe invocation to determine whether the agent
// binary is installed and authenticated.
func (d *Driver) CheckAvailable(ctx context.Context) (Availability, error) {
	cmd := d.runner()(ctx, d.Binary, "--print", "--output-format", "json", "--max-turns", "1")
	cmd.Stdin = strings.NewReader("respond with the single word ready")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return AvailabilityNotInstalled, nil
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if looksUnauthenticated(stderr.String()) {
				return AvailabilityNotAuthenticated, nil
			}
			return "", fmt.Errorf("probe invocation failed (exit %d): %s", exitErr.ExitCode(), stderr.String())
		}
		return "", fmt.Errorf("running probe invocation: %w", err)
	}

	return AvailabilityOK, nil
}

func looksUnauthenticated(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "not authenticated") || strings.Contains(lower, "login") || strings.Contains(lower, "unauthorized")
}

// cliResponse mirrors the agent's print-mode JSON envelope: the structured
// output lives in the "result" field as a JSON string.
type cliResponse struct {
	Result string `json:"result"`
}

// invoke runs one print-mode call with prompt and schema, retrying once
// with a stricter reminder if the result fails to parse or validate.
func (d *Driver) invoke(ctx context.Context, prompt, schemaJSON string, maxTurns int) (map[string]any, error) {
	result, err := d.invokeOnce(ctx, prompt, schemaJSON, maxTurns)
	if err == nil {
		return result, nil
	}

	stricter := "Your previous response did not conform to the required JSON schema. " +
		"Respond with ONLY a single JSON object matching the schema, no markdown fences, no prose.\n\n" + prompt
	result, retryErr := d.invokeOnce(ctx, stricter, schemaJSON, maxTurns)
	if retryErr != nil {
		return nil, fmt.Errorf("%w: %v (after retry: %v)", ErrBlocked, err, retryErr)
	}
	return result, nil
}

func (d *Driver) invokeOnce(ctx context.Context, prompt, schemaJSON string, maxTurns int) (map[string]any, error) {
	sessionID := uuid.NewString()

	args := []string{
		"--print",
		"--output-format", "json",
		"--json-schema", schemaJSON,
		"--session-id", sessionID,
		"--max-turns", fmt.Sprintf("%d", maxTurns),
		"--setting-sources", "user",
	}
	if len(d.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(d.AllowedTools, ","))
	}

	cmd := d.runner()(ctx, d.Binary, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("agent invocation failed (exit %d): %s", exitErr.ExitCode(), stderr.String())
		}
		return nil, fmt.Errorf("running agent: %w", err)
	}

	var envelope cliResponse
	if err := json.Unmarshal(stdout.Bytes(), &envelope); err != nil {
		return nil, fmt.Errorf("parsing agent envelope: %w", err)
	}

	resultJSON := extractJSONFromMarkdown(envelope.Result)

	var out map[string]any
	dec := json.NewDecoder(strings.NewReader(resultJSON))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing structured output: %w", err)
	}

	schema, err := compileSchema(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	if err := schema.Validate(out); err != nil {
		return nil, fmt.Errorf("structured output failed schema validation: %w", err)
	}

	return out, nil
}

func compileSchema(schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func extractJSONFromMarkdown(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		return strings.TrimSpace(s)
	}
	return s
}

// PlanRefine asks the agent to refine a program-generated draft plan within
// contextText. Returns the parsed PlannerResponse.
func (d *Driver) PlanRefine(ctx context.Context, promptTemplate, contextText string) (model.PlannerResponse, error) {
	prompt := fmt.Sprintf(promptTemplate, contextText)
	out, err := d.invoke(ctx, prompt, PlannerSchema, d.MaxTurnsPlan)
	if err != nil {
		return model.PlannerResponse{}, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return model.PlannerResponse{}, fmt.Errorf("re-marshaling planner output: %w", err)
	}
	var resp model.PlannerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return model.PlannerResponse{}, fmt.Errorf("decoding planner output: %w", err)
	}
	return resp, nil
}

// Patch asks the agent to produce exactly one patch proposal for a batch,
// given its rendered context pack.
func (d *Driver) Patch(ctx context.Context, promptTemplate, contextPack string) (model.PatchProposal, error) {
	prompt := fmt.Sprintf(promptTemplate, contextPack)
	out, err := d.invoke(ctx, prompt, PatcherSchema, d.MaxTurnsPatch)
	if err != nil {
		return model.PatchProposal{}, err
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return model.PatchProposal{}, fmt.Errorf("re-marshaling patch output: %w", err)
	}
	var proposal model.PatchProposal
	if err := json.Unmarshal(raw, &proposal); err != nil {
		return model.PatchProposal{}, fmt.Errorf("decoding patch output: %w", err)
	}
	return proposal, nil
}
