package agent

import "github.com/sunshow/workgear/conductor/internal/graph"

// BusySet records the agents already claimed during one dispatch tick.
type BusySet map[string]struct{}

// Add marks an agent busy.
func (b BusySet) Add(id string) {
	b[id] = struct{}{}
}

// Has reports whether an agent is busy.
func (b BusySet) Has(id string) bool {
	_, ok := b[id]
	return ok
}

// executes reports whether agents holding role run regular steps. Routers,
// planners and verifiers only ever act on the workflow as a whole.
func executes(role Role) bool {
	switch role {
	case RoleSpecialist, RoleIntegrator, RoleExecutor:
		return true
	case RoleRouter, RolePlanner, RoleVerifier:
		return false
	default:
		return false
	}
}

// SelectAgent picks the agent that runs step, given the agents already busy
// in this tick.
//
// A pinned agent that exists wins unconditionally, even when busy. Otherwise
// the first idle executing agent with an exact capability match is chosen,
// then any idle executing agent matching exactly or through the wildcard,
// then the exact match even though busy, then the first EXECUTOR, then the
// first agent in the registry. The result is greedy but deterministic for a
// given registry order and busy set.
func (r *Registry) SelectAgent(step *graph.Step, busy BusySet) (*Agent, error) {
	if len(r.agents) == 0 {
		return nil, &NoAgentError{StepID: step.ID}
	}
	if busy == nil {
		busy = BusySet{}
	}

	if step.AssignedAgentID != "" {
		if a, ok := r.byID[step.AssignedAgentID]; ok {
			return a, nil
		}
	}

	var candidates []*Agent
	for _, a := range r.agents {
		if executes(a.Role) {
			candidates = append(candidates, a)
		}
	}

	var preferred *Agent
	for _, a := range candidates {
		if a.Can(step.ActionType) {
			preferred = a
			break
		}
	}
	if preferred != nil && !busy.Has(preferred.ID) {
		return preferred, nil
	}

	for _, a := range candidates {
		if a != preferred && !busy.Has(a.ID) && a.CanAny(step.ActionType) {
			return a, nil
		}
	}

	if preferred != nil {
		return preferred, nil
	}
	for _, a := range candidates {
		if a.Role == RoleExecutor {
			return a, nil
		}
	}
	return r.agents[0], nil
}
