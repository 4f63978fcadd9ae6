package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flosch/pongo2/v6"
	"go.uber.org/zap"

	"github.com/sunshow/workgear/conductor/internal/graph"
)

func init() {
	// "truncate" is truncatechars without the ellipsis. It cuts on rune
	// boundaries so multibyte goals stay valid UTF-8.
	if err := pongo2.RegisterFilter("truncate", truncateFilter); err != nil {
		panic(fmt.Sprintf("register truncate filter: %v", err))
	}

	offlineTemplates = make(map[graph.ActionType]*pongo2.Template, len(offlineSources))
	for action, src := range offlineSources {
		offlineTemplates[action] = pongo2.Must(pongo2.FromString(src))
	}
}

func truncateFilter(in *pongo2.Value, param *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
	runes := []rune(in.String())
	n := param.Integer()
	if n <= 0 || n >= len(runes) {
		return in, nil
	}
	return pongo2.AsValue(string(runes[:n])), nil
}

// offlineTemplates produce deterministic step output per action type. They
// are compiled in init once the filters they use are registered.
var offlineTemplates map[graph.ActionType]*pongo2.Template

var offlineSources = map[graph.ActionType]string{
	graph.ActionResearch: `## {{ step.Label }}

Collected background for "{{ goal|truncate:80 }}".
{% for p in prior %}- builds on {{ p.Label }}
{% endfor %}Sources are listed as citations.`,
	graph.ActionAnalysis: `## {{ step.Label }}

Analysis of {{ prior|length }} upstream result(s) for "{{ goal|truncate:80 }}".
Key constraints identified; no blockers found.`,
	graph.ActionDecision: `## {{ step.Label }}

Decision: proceed with the simplest option that satisfies "{{ goal|truncate:80 }}".`,
	graph.ActionCode: "## {{ step.Label }}\n\n" +
		"```go\n" +
		"package main\n\n" +
		"// {{ step.ID }} implements part of: {{ goal|truncate:60 }}\n" +
		"func main() {}\n" +
		"```\n",
	graph.ActionCreation: `## {{ step.Label }}

Draft prepared for "{{ goal|truncate:80 }}".

![{{ step.ID }}](offline://{{ step.ID }}.png)`,
	graph.ActionIntegration: `## {{ step.Label }}

Delivered via {% if step.ToolID %}{{ step.ToolID }}{% else %}the default channel{% endif %}.
{% for k, v in step.Parameters %}- {{ k }}: {{ v }}
{% endfor %}`,
}

// OfflineConfidence is the confidence reported for every offline result.
const OfflineConfidence = 0.9

// Offline is a deterministic oracle that needs no network. It backs plan
// generation when the primary oracle is unavailable and drives local runs.
type Offline struct {
	delay  time.Duration
	logger *zap.SugaredLogger
}

// NewOffline creates an offline oracle. delay simulates latency on every
// call and may be zero.
func NewOffline(delay time.Duration, logger *zap.SugaredLogger) *Offline {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Offline{delay: delay, logger: logger}
}

func (o *Offline) wait(ctx context.Context) error {
	if o.delay <= 0 {
		return nil
	}
	select {
	case <-time.After(o.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GeneratePlan returns the fixed template research, analysis, code and
// creation in parallel, then integration.
func (o *Offline) GeneratePlan(ctx context.Context, req *PlanRequest) (*PlanResult, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		goal = "the requested outcome"
	}
	steps := []graph.Step{
		{ID: "research", Label: "Research " + goal, ActionType: graph.ActionResearch},
		{ID: "analysis", Label: "Analyse findings", ActionType: graph.ActionAnalysis, Dependencies: []string{"research"}},
		{ID: "build", Label: "Build solution", ActionType: graph.ActionCode, Dependencies: []string{"analysis"}},
		{ID: "create", Label: "Create deliverable", ActionType: graph.ActionCreation, Dependencies: []string{"analysis"}},
		{ID: "integrate", Label: "Integrate results", ActionType: graph.ActionIntegration, Dependencies: []string{"build", "create"}},
	}
	for i := range steps {
		steps[i].Description = fmt.Sprintf("%s (offline plan)", steps[i].Label)
		steps[i].Status = graph.StatusPending
	}
	o.logger.Debugw("Generated offline plan", "goal", goal, "steps", len(steps))
	return &PlanResult{Steps: steps, TokensUsed: HeuristicTokens(goal)}, nil
}

// ExecuteStep renders the action type's template.
func (o *Offline) ExecuteStep(ctx context.Context, req *ExecuteRequest) (*ExecuteResult, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	tpl, ok := offlineTemplates[req.Step.ActionType]
	if !ok {
		return nil, fmt.Errorf("no offline template for action %q: %w", req.Step.ActionType, ErrMalformedOutput)
	}
	out, err := tpl.Execute(pongo2.Context{
		"step":  req.Step,
		"goal":  req.Goal,
		"prior": req.PriorSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("render offline output for %s: %w", req.Step.ID, err)
	}

	var citations []string
	if req.Step.ActionType == graph.ActionResearch {
		citations = []string{"offline://knowledge-base/" + req.Step.ID}
	}
	return &ExecuteResult{
		Output: out,
		Reasoning: []string{
			fmt.Sprintf("Selected %s tier for %s", ModelFor(req.Step.ActionType), req.Step.ActionType),
			fmt.Sprintf("Considered %d prior step(s)", len(req.PriorSteps)),
		},
		TokensUsed: HeuristicTokens(out),
		Citations:  citations,
		ModelUsed:  "offline/" + ModelFor(req.Step.ActionType),
		Confidence: OfflineConfidence,
	}, nil
}

// VerifyOutput passes any non-empty output.
func (o *Offline) VerifyOutput(ctx context.Context, req *VerifyRequest) (*VerifyResult, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Output) == "" {
		return &VerifyResult{Passed: false, Reason: "output is empty"}, nil
	}
	return &VerifyResult{Passed: true, Reason: "output present", TokensUsed: HeuristicTokens(req.Output)}, nil
}

// Replan returns a single retry step of the failed step's action type.
func (o *Offline) Replan(ctx context.Context, req *ReplanRequest) (*PlanResult, error) {
	if err := o.wait(ctx); err != nil {
		return nil, err
	}
	failed := req.FailedStep
	retry := graph.Step{
		ID:          "retry",
		Label:       "Retry " + failed.Label,
		Description: fmt.Sprintf("Retry of %s after: %s", failed.ID, req.ErrorReason),
		ActionType:  failed.ActionType,
		ToolID:      failed.ToolID,
		Parameters:  failed.Clone().Parameters,
		Status:      graph.StatusPending,
	}
	return &PlanResult{Steps: []graph.Step{retry}, TokensUsed: HeuristicTokens(req.ErrorReason)}, nil
}
