package graph

import (
	"strings"
	"testing"
)

const samplePlan = `
name: release-notes
goal: "Publish release notes for {{params.version}}"
variables:
  version: "v0.0.0"
steps:
  - id: collect
    label: Collect merged changes
    action: research
  - id: draft
    label: Draft notes
    action: creation
    depends_on: [collect]
  - id: publish
    label: Publish to {{params.channel}}
    action: integration
    tool: slack
    depends_on: [draft]
    parameters:
      channel: "{{params.channel}}"
`

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan(samplePlan, map[string]string{"version": "v1.2.0", "channel": "releases"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if plan.Goal != "Publish release notes for v1.2.0" {
		t.Fatalf("params not rendered into goal: %q", plan.Goal)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(plan.Steps))
	}
	publish := plan.Steps[2]
	if publish.ActionType != ActionIntegration || publish.ToolID != "slack" {
		t.Fatalf("unexpected publish step: %+v", publish)
	}
	if publish.Parameters["channel"] != "releases" {
		t.Fatalf("parameter not rendered: %v", publish.Parameters)
	}
	if publish.Label != "Publish to releases" {
		t.Fatalf("label not rendered: %q", publish.Label)
	}
	for _, s := range plan.Steps {
		if s.Status != StatusPending {
			t.Fatalf("step %s should start pending, got %s", s.ID, s.Status)
		}
	}
}

func TestParsePlanUsesDeclaredDefaults(t *testing.T) {
	plan, err := ParsePlan(samplePlan, nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasSuffix(plan.Goal, "v0.0.0") {
		t.Fatalf("expected default version, got %q", plan.Goal)
	}
}

func TestParsePlanRejectsInvalidPlans(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"empty", "name: x\nsteps: []\n", "no steps"},
		{"missing id", "steps:\n  - label: a\n    action: code\n", "has no id"},
		{"duplicate", "steps:\n  - id: a\n    action: code\n  - id: a\n    action: code\n", "duplicate"},
		{"bad action", "steps:\n  - id: a\n    action: dance\n", "unknown action type"},
		{"unknown dep", "steps:\n  - id: a\n    action: code\n    depends_on: [b]\n", "unknown step"},
		{"self dep", "steps:\n  - id: a\n    action: code\n    depends_on: [a]\n", "itself"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePlan(tt.yaml, nil)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRenderParamsKeepsUnknownPlaceholders(t *testing.T) {
	got := RenderParams("{{ params.a }}-{{params.b}}", map[string]string{"a": "1"})
	if got != "1-{{params.b}}" {
		t.Fatalf("unexpected render: %q", got)
	}
}
