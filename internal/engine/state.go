package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sunshow/workgear/conductor/internal/graph"
)

// Phase is the lifecycle stage of the current workflow.
type Phase string

const (
	PhaseIdle          Phase = "IDLE"
	PhasePlanning      Phase = "PLANNING"
	PhaseExecuting     Phase = "EXECUTING"
	PhaseAwaitingInput Phase = "AWAITING_INPUT"
	PhaseReplanning    Phase = "REPLANNING"
	PhaseMaintenance   Phase = "MAINTENANCE"
	PhaseCompleted     Phase = "COMPLETED"
	PhaseFailed        Phase = "FAILED"
)

// Active reports whether a workflow in this phase still has work to do.
func (p Phase) Active() bool {
	switch p {
	case PhasePlanning, PhaseExecuting, PhaseAwaitingInput, PhaseReplanning:
		return true
	}
	return false
}

// Terminal reports whether execution has ended. MAINTENANCE is terminal for
// execution purposes: the graph never changes again.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseMaintenance
}

// Overlay is the execution record kept next to a step once it starts running.
type Overlay struct {
	AgentID            string    `json:"agent_id"`
	Verified           bool      `json:"verified"`
	VerificationReason string    `json:"verification_reason,omitempty"`
	Reasoning          []string  `json:"reasoning,omitempty"`
	ModelUsed          string    `json:"model_used,omitempty"`
	Confidence         float64   `json:"confidence,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at,omitempty"`
	// Attempts counts pipeline entries; the approval gate re-enters once.
	Attempts int `json:"attempts"`
}

func (o *Overlay) clone() Overlay {
	c := *o
	c.Reasoning = append([]string(nil), o.Reasoning...)
	return c
}

// Snapshot is a consistent copy of the current workflow for presentation.
type Snapshot struct {
	WorkflowID       string               `json:"workflow_id"`
	Goal             string               `json:"goal"`
	Phase            Phase                `json:"phase"`
	Revision         int64                `json:"revision"`
	Error            string               `json:"error,omitempty"`
	Steps            []graph.Step         `json:"steps"`
	Overlays         map[string]Overlay   `json:"overlays"`
	Artifacts        []Artifact           `json:"artifacts"`
	Ranks            map[string]int       `json:"ranks"`
	Counts           map[graph.Status]int `json:"counts"`
	PendingApprovals []string             `json:"pending_approvals,omitempty"`
	StartedAt        time.Time            `json:"started_at"`
}

// workflowState is everything the engine knows about the current workflow.
// It is only touched while Engine.mu is held.
type workflowState struct {
	id        string
	goal      string
	phase     Phase
	err       string
	revision  int64
	startedAt time.Time

	steps     []graph.Step
	index     map[string]int
	overlays  map[string]*Overlay
	artifacts []Artifact

	// approvals is the FIFO of steps waiting at the gate; notified is the
	// head the approver has already been told about.
	approvals []string
	notified  string

	replans         int
	lastCompletedID string
	maintCursor     int

	ctx    context.Context
	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

func newWorkflowState(goal string) *workflowState {
	ctx, cancel := context.WithCancel(context.Background())
	return &workflowState{
		id:        uuid.NewString(),
		goal:      goal,
		phase:     PhaseIdle,
		startedAt: time.Now(),
		index:     make(map[string]int),
		overlays:  make(map[string]*Overlay),
		ctx:       ctx,
		cancel:    cancel,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

func (ws *workflowState) step(id string) *graph.Step {
	i, ok := ws.index[id]
	if !ok {
		return nil
	}
	return &ws.steps[i]
}

func (ws *workflowState) appendSteps(steps []graph.Step) {
	for _, s := range steps {
		ws.index[s.ID] = len(ws.steps)
		ws.steps = append(ws.steps, s)
	}
}

func (ws *workflowState) overlay(id string) *Overlay {
	ov, ok := ws.overlays[id]
	if !ok {
		ov = &Overlay{}
		ws.overlays[id] = ov
	}
	return ov
}

func (ws *workflowState) removeApproval(id string) {
	for i, a := range ws.approvals {
		if a == id {
			ws.approvals = append(ws.approvals[:i:i], ws.approvals[i+1:]...)
			break
		}
	}
	if ws.notified == id {
		ws.notified = ""
	}
}

// resumePhase is the phase the workflow should be in once nothing more
// specific applies.
func (ws *workflowState) resumePhase() Phase {
	switch {
	case ws.phase.Terminal():
		return ws.phase
	case ws.replans > 0:
		return PhaseReplanning
	case len(ws.approvals) > 0:
		return PhaseAwaitingInput
	default:
		return PhaseExecuting
	}
}

func (ws *workflowState) snapshot() *Snapshot {
	s := &Snapshot{
		WorkflowID:       ws.id,
		Goal:             ws.goal,
		Phase:            ws.phase,
		Revision:         ws.revision,
		Error:            ws.err,
		Steps:            graph.CloneSteps(ws.steps),
		Overlays:         make(map[string]Overlay, len(ws.overlays)),
		Artifacts:        append([]Artifact(nil), ws.artifacts...),
		Ranks:            graph.Ranks(ws.steps),
		Counts:           graph.CountByStatus(ws.steps),
		PendingApprovals: append([]string(nil), ws.approvals...),
		StartedAt:        ws.startedAt,
	}
	for id, ov := range ws.overlays {
		s.Overlays[id] = ov.clone()
	}
	return s
}

func (ws *workflowState) marshal() (string, error) {
	b, err := json.Marshal(ws.snapshot())
	if err != nil {
		return "", err
	}
	return string(b), nil
}
