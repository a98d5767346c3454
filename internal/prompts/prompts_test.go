package prompts

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTemplates_HaveExactlyOneSubstitutionPoint(t *testing.T) {
	for name, tmpl := range map[string]string{
		"PlanRefineTemplate": PlanRefineTemplate,
		"PatchTemplate":      PatchTemplate,
	} {
		assert.Equal(t, 1, strings.Count(tmpl, "%s"), "%s should have exactly one %%s placeholder", name)
		assert.Contains(t, fmt.Sprintf(tmpl, "payload"), "payload", "%s: substitution did not appear in output", name)
	}
}

func TestPlanRefineTemplate_FencesUntrustedContent(t *testing.T) {
	assert.Contains(t, PlanRefineTemplate, "<draft_plan>")
	assert.Contains(t, PlanRefineTemplate, "</draft_plan>")
}

func TestPatchTemplate_FencesUntrustedContent(t *testing.T) {
	assert.Contains(t, PatchTemplate, "<context_pack>")
	assert.Contains(t, PatchTemplate, "</context_pack>")
}
