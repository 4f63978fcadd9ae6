package graph

import (
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

// ─── Plan File Structures ───

// PlanFile is the YAML form of a pre-authored plan.
type PlanFile struct {
	Name        string            `yaml:"name"`
	Goal        string            `yaml:"goal"`
	Description string            `yaml:"description"`
	Variables   map[string]string `yaml:"variables"`
	Steps       []StepDef         `yaml:"steps"`
}

// StepDef is a step as written in a plan file.
type StepDef struct {
	ID          string            `yaml:"id"`
	Label       string            `yaml:"label"`
	Description string            `yaml:"description"`
	Action      string            `yaml:"action"` // RESEARCH / CODE / ANALYSIS / DECISION / CREATION / INTEGRATION
	DependsOn   []string          `yaml:"depends_on"`
	Agent       string            `yaml:"agent"`
	Tool        string            `yaml:"tool"`
	Parameters  map[string]string `yaml:"parameters"`
	PreApproved bool              `yaml:"pre_approved"`
}

// Plan is a validated, ready-to-run plan.
type Plan struct {
	Name  string
	Goal  string
	Steps []Step
}

// ParsePlan parses a YAML plan, substituting {{params.xxx}} placeholders from
// the plan's own variables overlaid with params. Plans without steps, steps
// without ids, duplicate ids, unknown action types and dependencies on
// undeclared steps are rejected. Every step starts PENDING.
func ParsePlan(planYAML string, params map[string]string) (*Plan, error) {
	// Defaults declared in the plan itself. Unquoted placeholders can make the
	// raw document invalid YAML; in that case only params are applied.
	var header PlanFile
	_ = yaml.Unmarshal([]byte(planYAML), &header)

	vars := make(map[string]string, len(header.Variables)+len(params))
	for k, v := range header.Variables {
		vars[k] = v
	}
	for k, v := range params {
		vars[k] = v
	}

	var pf PlanFile
	if err := yaml.Unmarshal([]byte(RenderParams(planYAML, vars)), &pf); err != nil {
		return nil, fmt.Errorf("parse rendered YAML: %w", err)
	}

	if len(pf.Steps) == 0 {
		return nil, fmt.Errorf("plan has no steps")
	}

	plan := &Plan{Name: pf.Name, Goal: pf.Goal, Steps: make([]Step, 0, len(pf.Steps))}
	if plan.Goal == "" {
		plan.Goal = pf.Description
	}

	ids := make(map[string]bool, len(pf.Steps))
	for i, def := range pf.Steps {
		if def.ID == "" {
			return nil, fmt.Errorf("step at index %d has no id", i)
		}
		if ids[def.ID] {
			return nil, fmt.Errorf("duplicate step id: %s", def.ID)
		}
		ids[def.ID] = true
	}

	for _, def := range pf.Steps {
		action, err := ParseActionType(def.Action)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", def.ID, err)
		}
		for _, dep := range def.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("step %s depends on unknown step: %s", def.ID, dep)
			}
			if dep == def.ID {
				return nil, fmt.Errorf("step %s depends on itself", def.ID)
			}
		}
		label := def.Label
		if label == "" {
			label = def.ID
		}
		plan.Steps = append(plan.Steps, Step{
			ID:              def.ID,
			Label:           label,
			Description:     def.Description,
			ActionType:      action,
			Dependencies:    append([]string(nil), def.DependsOn...),
			Status:          StatusPending,
			AssignedAgentID: def.Agent,
			ToolID:          def.Tool,
			Parameters:      def.Parameters,
			ApprovalGranted: def.PreApproved,
		})
	}

	return plan, nil
}

// paramsPattern matches {{params.xxx}} and {{ params.xxx }} with optional spaces
var paramsPattern = regexp.MustCompile(`\{\{\s*params\.(\w+)\s*\}\}`)

// RenderParams replaces {{params.xxx}} placeholders with values from
// variables. Unknown placeholders are left untouched.
func RenderParams(text string, variables map[string]string) string {
	return paramsPattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := paramsPattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		if val, ok := variables[sub[1]]; ok {
			return val
		}
		return match
	})
}
