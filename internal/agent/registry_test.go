package agent

import (
	"testing"

	"github.com/sunshow/workgear/conductor/internal/graph"
)

func defaultRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(DefaultAgents()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return r
}

func TestNewRegistryRejectsBadCatalogs(t *testing.T) {
	if _, err := NewRegistry(Agent{ID: "", Role: RoleExecutor}); err == nil {
		t.Fatalf("expected error for empty id")
	}
	if _, err := NewRegistry(Agent{ID: "a", Role: RoleExecutor}, Agent{ID: "a", Role: RoleExecutor}); err == nil {
		t.Fatalf("expected error for duplicate id")
	}
	if _, err := NewRegistry(Agent{ID: "a", Role: "JANITOR"}); err == nil {
		t.Fatalf("expected error for unknown role")
	}
}

func TestSelectAgentPrefersCapabilityMatch(t *testing.T) {
	r := defaultRegistry(t)
	tests := []struct {
		action graph.ActionType
		want   string
	}{
		{graph.ActionResearch, "researcher"},
		{graph.ActionCode, "coder"},
		{graph.ActionAnalysis, "researcher"},
		{graph.ActionDecision, "analyst"},
		{graph.ActionCreation, "creator"},
		{graph.ActionIntegration, "integrator"},
	}
	for _, tt := range tests {
		got, err := r.SelectAgent(&graph.Step{ID: "s", ActionType: tt.action}, nil)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if got.ID != tt.want {
			t.Errorf("%s: got %s want %s", tt.action, got.ID, tt.want)
		}
	}
}

func TestSelectAgentSpreadsLoadWithinTick(t *testing.T) {
	r := defaultRegistry(t)
	busy := BusySet{}
	var picked []string
	for i := 0; i < 3; i++ {
		a, err := r.SelectAgent(&graph.Step{ID: "s", ActionType: graph.ActionAnalysis}, busy)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		busy.Add(a.ID)
		picked = append(picked, a.ID)
	}
	want := []string{"researcher", "analyst", "executor"}
	for i := range want {
		if picked[i] != want[i] {
			t.Fatalf("picked %v, want %v", picked, want)
		}
	}

	// Everyone capable is busy: the preferred match is reused.
	a, err := r.SelectAgent(&graph.Step{ID: "s", ActionType: graph.ActionAnalysis}, busy)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.ID != "researcher" {
		t.Fatalf("expected fallback to busy preferred agent, got %s", a.ID)
	}
}

func TestSelectAgentHonoursPinEvenWhenBusy(t *testing.T) {
	r := defaultRegistry(t)
	busy := BusySet{"creator": {}}
	a, err := r.SelectAgent(&graph.Step{ID: "s", ActionType: graph.ActionCode, AssignedAgentID: "creator"}, busy)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.ID != "creator" {
		t.Fatalf("pin ignored, got %s", a.ID)
	}

	a, err = r.SelectAgent(&graph.Step{ID: "s", ActionType: graph.ActionCode, AssignedAgentID: "nobody"}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.ID != "coder" {
		t.Fatalf("unknown pin should fall through to policy, got %s", a.ID)
	}
}

func TestSelectAgentNeverPicksCoordinators(t *testing.T) {
	r := defaultRegistry(t)
	busy := BusySet{}
	for i := 0; i < 20; i++ {
		for _, action := range graph.ActionTypes {
			a, err := r.SelectAgent(&graph.Step{ID: "s", ActionType: action}, busy)
			if err != nil {
				t.Fatalf("select: %v", err)
			}
			switch a.Role {
			case RolePlanner, RoleVerifier, RoleRouter:
				t.Fatalf("coordinator %s (%s) selected for %s", a.ID, a.Role, action)
			}
			busy.Add(a.ID)
		}
	}
}

func TestSelectAgentFallbacks(t *testing.T) {
	// No capability match at all: first EXECUTOR wins.
	r, err := NewRegistry(
		Agent{ID: "plan", Role: RolePlanner, Capabilities: []Capability{CapabilityAll}},
		Agent{ID: "coder", Role: RoleSpecialist, Capabilities: []Capability{Capability(graph.ActionCode)}},
		Agent{ID: "gen", Role: RoleExecutor},
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	a, err := r.SelectAgent(&graph.Step{ID: "s", ActionType: graph.ActionCreation}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.ID != "gen" {
		t.Fatalf("expected executor fallback, got %s", a.ID)
	}

	// Only coordinators registered: first agent is returned so assignment never fails.
	r, err = NewRegistry(Agent{ID: "plan", Role: RolePlanner}, Agent{ID: "verify", Role: RoleVerifier})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	a, err = r.SelectAgent(&graph.Step{ID: "s", ActionType: graph.ActionCode}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if a.ID != "plan" {
		t.Fatalf("expected first agent fallback, got %s", a.ID)
	}

	empty, _ := NewRegistry()
	if _, err := empty.SelectAgent(&graph.Step{ID: "s"}, nil); err == nil {
		t.Fatalf("expected error from empty registry")
	}
}
