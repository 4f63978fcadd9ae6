package agent

import (
	"fmt"
	"strings"

	"github.com/sunshow/workgear/conductor/internal/graph"
)

// Role is the closed set of executor roles an agent can hold.
type Role string

const (
	RoleRouter     Role = "ROUTER"
	RolePlanner    Role = "PLANNER"
	RoleVerifier   Role = "VERIFIER"
	RoleSpecialist Role = "SPECIALIST"
	RoleIntegrator Role = "INTEGRATOR"
	RoleExecutor   Role = "EXECUTOR"
)

// ParseRole converts a loosely cased string into a Role.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	switch r {
	case RoleRouter, RolePlanner, RoleVerifier, RoleSpecialist, RoleIntegrator, RoleExecutor:
		return r, nil
	}
	return "", fmt.Errorf("unknown agent role: %q", s)
}

// Capability is an action type an agent can serve, or the wildcard.
type Capability string

// CapabilityAll matches every action type.
const CapabilityAll Capability = "ALL"

// Agent is an immutable executor identity.
type Agent struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Role         Role         `json:"role" yaml:"role"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// Can reports whether the agent lists action exactly among its capabilities.
func (a *Agent) Can(action graph.ActionType) bool {
	for _, c := range a.Capabilities {
		if c == Capability(action) {
			return true
		}
	}
	return false
}

// CanAny reports whether the agent lists action or the wildcard.
func (a *Agent) CanAny(action graph.ActionType) bool {
	for _, c := range a.Capabilities {
		if c == CapabilityAll || c == Capability(action) {
			return true
		}
	}
	return false
}

// Registry is the static catalog of agents. It is built once at start and
// never mutated afterwards, so lookups need no locking.
type Registry struct {
	agents []*Agent
	byID   map[string]*Agent
}

// NewRegistry creates a registry from the given agents, preserving order.
// Agents with an empty or duplicate id are rejected.
func NewRegistry(agents ...Agent) (*Registry, error) {
	r := &Registry{
		agents: make([]*Agent, 0, len(agents)),
		byID:   make(map[string]*Agent, len(agents)),
	}
	for i := range agents {
		a := agents[i]
		if a.ID == "" {
			return nil, fmt.Errorf("agent at index %d has no id", i)
		}
		if _, exists := r.byID[a.ID]; exists {
			return nil, fmt.Errorf("duplicate agent id: %s", a.ID)
		}
		role, err := ParseRole(string(a.Role))
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", a.ID, err)
		}
		a.Role = role
		a.Capabilities = append([]Capability(nil), a.Capabilities...)
		r.agents = append(r.agents, &a)
		r.byID[a.ID] = &a
	}
	return r, nil
}

// DefaultAgents is the built-in catalog used when no agents are configured.
func DefaultAgents() []Agent {
	return []Agent{
		{ID: "router", Name: "Router", Role: RoleRouter, Capabilities: []Capability{CapabilityAll}},
		{ID: "planner", Name: "Planner", Role: RolePlanner, Capabilities: []Capability{CapabilityAll}},
		{ID: "verifier", Name: "Verifier", Role: RoleVerifier, Capabilities: []Capability{CapabilityAll}},
		{ID: "researcher", Name: "Researcher", Role: RoleSpecialist, Capabilities: []Capability{Capability(graph.ActionResearch), Capability(graph.ActionAnalysis)}},
		{ID: "coder", Name: "Coder", Role: RoleSpecialist, Capabilities: []Capability{Capability(graph.ActionCode)}},
		{ID: "analyst", Name: "Analyst", Role: RoleSpecialist, Capabilities: []Capability{Capability(graph.ActionAnalysis), Capability(graph.ActionDecision)}},
		{ID: "creator", Name: "Creator", Role: RoleSpecialist, Capabilities: []Capability{Capability(graph.ActionCreation)}},
		{ID: "integrator", Name: "Integrator", Role: RoleIntegrator, Capabilities: []Capability{Capability(graph.ActionIntegration)}},
		{ID: "executor", Name: "Generalist", Role: RoleExecutor, Capabilities: []Capability{CapabilityAll}},
	}
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (*Agent, bool) {
	a, ok := r.byID[id]
	return a, ok
}

// All returns the agents in registration order.
func (r *Registry) All() []*Agent {
	return append([]*Agent(nil), r.agents...)
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}

// ByRole returns the first agent holding role.
func (r *Registry) ByRole(role Role) (*Agent, bool) {
	for _, a := range r.agents {
		if a.Role == role {
			return a, true
		}
	}
	return nil, false
}

// IDs returns all agent ids in registration order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.agents))
	for _, a := range r.agents {
		ids = append(ids, a.ID)
	}
	return ids
}

// NoAgentError is returned when the registry cannot provide an agent.
type NoAgentError struct {
	StepID string
}

func (e *NoAgentError) Error() string {
	return "no agent available for step: " + e.StepID
}
