package graph

import (
	"fmt"
	"strings"
	"time"
)

// ActionType classifies what kind of work a step performs. It drives agent
// capability matching and oracle model selection.
type ActionType string

const (
	ActionResearch    ActionType = "RESEARCH"
	ActionCode        ActionType = "CODE"
	ActionAnalysis    ActionType = "ANALYSIS"
	ActionDecision    ActionType = "DECISION"
	ActionCreation    ActionType = "CREATION"
	ActionIntegration ActionType = "INTEGRATION"
)

// ActionTypes lists every action type in declaration order.
var ActionTypes = []ActionType{
	ActionResearch,
	ActionCode,
	ActionAnalysis,
	ActionDecision,
	ActionCreation,
	ActionIntegration,
}

// Valid reports whether a is one of the known action types.
func (a ActionType) Valid() bool {
	switch a {
	case ActionResearch, ActionCode, ActionAnalysis, ActionDecision, ActionCreation, ActionIntegration:
		return true
	}
	return false
}

// ParseActionType converts a loosely cased string into an ActionType.
func ParseActionType(s string) (ActionType, error) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	if !a.Valid() {
		return "", fmt.Errorf("unknown action type: %q", s)
	}
	return a, nil
}

// Status is the lifecycle state of a step.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusRunning            Status = "RUNNING"
	StatusCompleted          Status = "COMPLETED"
	StatusFailed             Status = "FAILED"
	StatusWaitingForApproval Status = "WAITING_FOR_APPROVAL"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a step may move from one status to another.
//
// COMPLETED and FAILED are terminal: a retry is always a fresh step with a new
// id, never a reset of an existing one.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusWaitingForApproval || to == StatusFailed
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusWaitingForApproval
	case StatusWaitingForApproval:
		return to == StatusRunning || to == StatusFailed
	default:
		return false
	}
}

// FailureKind distinguishes a step that failed on its own from one that was
// failed because something upstream of it failed, or because its
// dependencies could never complete.
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureDirect  FailureKind = "direct"
	FailureCascade FailureKind = "cascade"
	FailureStalled FailureKind = "stalled"
)

// Step is a single unit of orchestrated work.
type Step struct {
	ID              string            `json:"id" yaml:"id"`
	Label           string            `json:"label" yaml:"label"`
	Description     string            `json:"description,omitempty" yaml:"description"`
	ActionType      ActionType        `json:"action_type" yaml:"action_type"`
	Dependencies    []string          `json:"dependencies,omitempty" yaml:"dependencies"`
	Status          Status            `json:"status" yaml:"status"`
	AssignedAgentID string            `json:"assigned_agent_id,omitempty" yaml:"assigned_agent_id"`
	ToolID          string            `json:"tool_id,omitempty" yaml:"tool_id"`
	Parameters      map[string]string `json:"parameters,omitempty" yaml:"parameters"`

	Output    string   `json:"output,omitempty" yaml:"-"`
	Error     string   `json:"error,omitempty" yaml:"-"`
	Citations []string `json:"citations,omitempty" yaml:"-"`

	// ApprovalGranted is set once the step has passed the human approval
	// gate. The gate is only ever engaged while this is false.
	ApprovalGranted bool `json:"approval_granted" yaml:"approval_granted"`

	FailureKind FailureKind `json:"failure_kind,omitempty" yaml:"-"`
	// Origin is the namespace prefix of the replan that produced the step,
	// empty for steps from the original plan.
	Origin      string    `json:"origin,omitempty" yaml:"-"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	CompletedAt time.Time `json:"completed_at,omitempty" yaml:"-"`
}

// Clone returns a deep copy of the step.
func (s Step) Clone() Step {
	c := s
	if s.Dependencies != nil {
		c.Dependencies = append([]string(nil), s.Dependencies...)
	}
	if s.Citations != nil {
		c.Citations = append([]string(nil), s.Citations...)
	}
	if s.Parameters != nil {
		c.Parameters = make(map[string]string, len(s.Parameters))
		for k, v := range s.Parameters {
			c.Parameters[k] = v
		}
	}
	return c
}

// DependsOn reports whether id is a direct dependency of the step.
func (s *Step) DependsOn(id string) bool {
	for _, dep := range s.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// NeedsApproval reports whether the step must pass the human approval gate
// before it may execute.
func (s *Step) NeedsApproval() bool {
	return s.ActionType == ActionIntegration && !s.ApprovalGranted
}

// Workflow is a goal plus the steps produced for it. Steps are only ever
// appended or have their status mutated in place.
type Workflow struct {
	ID    string `json:"id"`
	Goal  string `json:"goal"`
	Steps []Step `json:"steps"`
}

// Clone returns a deep copy of the workflow.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}
	return &Workflow{ID: w.ID, Goal: w.Goal, Steps: CloneSteps(w.Steps)}
}

// CloneSteps deep-copies a step slice.
func CloneSteps(steps []Step) []Step {
	if steps == nil {
		return nil
	}
	out := make([]Step, len(steps))
	for i := range steps {
		out[i] = steps[i].Clone()
	}
	return out
}
