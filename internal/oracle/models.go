package oracle

import "github.com/sunshow/workgear/conductor/internal/graph"

// Model tiers requested from the oracle backend.
const (
	ModelReasoning = "reasoning-large"
	ModelGrounded  = "grounded-search"
	ModelFast      = "fast-small"
)

// ModelFor returns the model tier used to execute a step of the given action
// type. Research is grounded so citations come back, code and decisions get
// the reasoning tier, and everything else runs on the fast tier.
func ModelFor(action graph.ActionType) string {
	switch action {
	case graph.ActionResearch:
		return ModelGrounded
	case graph.ActionCode, graph.ActionDecision:
		return ModelReasoning
	case graph.ActionAnalysis, graph.ActionCreation, graph.ActionIntegration:
		return ModelFast
	default:
		return ModelFast
	}
}
