package engine

import (
	"context"
	"fmt"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
)

// RejectedReason is the failure reason recorded for rejected steps.
const RejectedReason = "Rejected by operator"

// Approver is told when a step reaches the head of the approval queue. The
// answer comes back through Engine.Approve or Engine.Reject, which an
// approver may call directly.
type Approver interface {
	RequestApproval(ctx context.Context, step graph.Step, a *agent.Agent)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, step graph.Step, a *agent.Agent)

func (f ApproverFunc) RequestApproval(ctx context.Context, step graph.Step, a *agent.Agent) {
	f(ctx, step, a)
}

type approvalRequest struct {
	step  graph.Step
	agent *agent.Agent
}

// nextApprovalLocked returns the head of the queue if the approver has not
// been told about it yet. Only one approval is outstanding at a time.
func (e *Engine) nextApprovalLocked(ws *workflowState) *approvalRequest {
	if len(ws.approvals) == 0 {
		return nil
	}
	head := ws.approvals[0]
	if ws.notified == head {
		return nil
	}
	ws.notified = head
	s := ws.step(head)
	if s == nil {
		return nil
	}
	var a *agent.Agent
	if ov, ok := ws.overlays[head]; ok {
		a, _ = e.registry.Get(ov.AgentID)
	}
	return &approvalRequest{step: s.Clone(), agent: a}
}

// waitingStepLocked returns the step if it is waiting at the gate.
func (e *Engine) waitingStepLocked(stepID string) (*workflowState, *graph.Step, error) {
	ws := e.state
	if ws == nil {
		return nil, nil, ErrNoWorkflow
	}
	s := ws.step(stepID)
	if s == nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if ws.phase.Terminal() {
		return nil, nil, fmt.Errorf("%w: workflow is %s", ErrNotAwaitingApproval, ws.phase)
	}
	if s.Status != graph.StatusWaitingForApproval {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrNotAwaitingApproval, stepID, s.Status)
	}
	return ws, s, nil
}

// Approve lets a waiting step through the gate. The step goes back to
// RUNNING and re-enters its pipeline from the top; the gate does not engage
// a second time.
func (e *Engine) Approve(stepID string) error {
	e.mu.Lock()
	ws, s, err := e.waitingStepLocked(stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	s.ApprovalGranted = true
	s.Status = graph.StatusRunning
	ws.removeApproval(stepID)
	ws.revision++

	var a *agent.Agent
	if ov, ok := ws.overlays[stepID]; ok {
		a, _ = e.registry.Get(ov.AgentID)
	}
	if a == nil {
		a, err = e.registry.SelectAgent(s, nil)
		if err != nil {
			e.mu.Unlock()
			return err
		}
		ws.overlay(stepID).AgentID = a.ID
	}

	e.logger.Infow("Step approved", "workflow_id", ws.id, "step_id", stepID)
	e.emit(ws, &event.Event{Type: event.StepApproved, StepID: stepID, AgentID: a.ID, Message: s.Label})
	next := e.nextApprovalLocked(ws)
	e.setPhaseLocked(ws, ws.resumePhase())
	e.inflight.Add(1)
	e.mu.Unlock()
	e.markDirty()

	go e.runPipeline(ws, stepID, a)
	e.requestApproval(ws, next)
	return nil
}

// Reject fails a waiting step with RejectedReason and hands it to the
// failure controller. note is kept on the event for the record.
func (e *Engine) Reject(stepID, note string) error {
	e.mu.Lock()
	ws, _, err := e.waitingStepLocked(stepID)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.logger.Infow("Step rejected", "workflow_id", ws.id, "step_id", stepID, "note", note)
	e.emit(ws, &event.Event{Type: event.StepRejected, StepID: stepID, Message: RejectedReason, Data: map[string]any{"note": note}})
	failed, next := e.markFailedLocked(ws, stepID, RejectedReason)
	e.inflight.Add(1)
	e.mu.Unlock()
	e.markDirty()

	e.requestApproval(ws, next)
	go func() {
		defer e.inflight.Done()
		e.replan(ws, failed, RejectedReason)
	}()
	return nil
}
