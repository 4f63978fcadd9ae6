package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
	"github.com/sunshow/workgear/conductor/internal/oracle"
)

// runPipeline takes one RUNNING step through the approval gate, execution,
// verification and commit. Failures never leave the goroutine: they become
// step failures handled by the failure controller.
func (e *Engine) runPipeline(ws *workflowState, stepID string, a *agent.Agent) {
	defer e.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("Pipeline panicked", "workflow_id", ws.id, "step_id", stepID, "panic", r)
			e.failStep(ws, stepID, fmt.Sprintf("internal error: %v", r))
		}
	}()

	step, prior, goal, ok := e.enterPipeline(ws, stepID, a)
	if !ok {
		return
	}

	ctx, span := e.startStepSpan(ws.ctx, ws.id, &step, a.ID)
	var spanErr error
	defer func() { endSpan(span, spanErr) }()

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			spanErr = err
			return
		}
		defer e.sem.Release(1)
	}

	// Execute.
	stopEstimate := e.estimateTokens(ws, &step, goal, a.ID)
	res, err := e.oracle.ExecuteStep(ctx, &oracle.ExecuteRequest{Step: step, PriorSteps: prior, Goal: goal})
	estimated := stopEstimate()
	if err != nil {
		// A failed call reports no usage; estimates recorded meanwhile are
		// withdrawn.
		if estimated > 0 {
			e.metrics.RecordTokens(a.ID, -estimated)
		}
		spanErr = err
		e.logger.Warnw("Step execution failed", "workflow_id", ws.id, "step_id", stepID, "agent_id", a.ID, "error", err)
		e.failStep(ws, stepID, "execution failed: "+err.Error())
		return
	}
	if delta := res.TokensUsed - estimated; delta != 0 {
		e.metrics.RecordTokens(a.ID, delta)
	}

	// Verify.
	verifierID := a.ID
	if v, ok := e.registry.ByRole(agent.RoleVerifier); ok {
		verifierID = v.ID
	}
	verdict, err := e.oracle.VerifyOutput(ctx, &oracle.VerifyRequest{
		Step:   step,
		Output: res.Output,
		Goal:   goal,
		Rigor:  oracle.RigorStrict,
	})
	if err != nil {
		verdict = &oracle.VerifyResult{Passed: false, Reason: "verification error: " + err.Error()}
	}
	e.metrics.RecordVerification(verifierID, verdict.Passed)
	if verdict.TokensUsed > 0 {
		e.metrics.RecordTokens(verifierID, verdict.TokensUsed)
	}
	verifyType := event.VerificationPassed
	if !verdict.Passed {
		verifyType = event.VerificationFailed
	}
	e.emit(ws, &event.Event{Type: verifyType, StepID: stepID, AgentID: verifierID, Message: verdict.Reason})

	if !verdict.Passed {
		spanErr = fmt.Errorf("verification failed: %s", verdict.Reason)
		e.failStep(ws, stepID, "verification failed: "+verdict.Reason)
		return
	}

	e.commit(ws, stepID, a, res, verdict)
}

// enterPipeline runs the approval gate. It returns a copy of the step, its
// completed dependencies and the goal when the step should execute now.
func (e *Engine) enterPipeline(ws *workflowState, stepID string, a *agent.Agent) (graph.Step, []graph.Step, string, bool) {
	e.mu.Lock()
	if !e.current(ws) {
		e.mu.Unlock()
		return graph.Step{}, nil, "", false
	}
	s := ws.step(stepID)
	if s == nil || s.Status != graph.StatusRunning {
		// Force-failed or cascaded between dispatch and start.
		e.mu.Unlock()
		return graph.Step{}, nil, "", false
	}
	ov := ws.overlay(stepID)
	ov.Attempts++

	if s.NeedsApproval() {
		s.Status = graph.StatusWaitingForApproval
		ws.approvals = append(ws.approvals, stepID)
		ws.revision++
		e.logger.Infow("Step waiting for approval", "workflow_id", ws.id, "step_id", stepID, "queue", len(ws.approvals))
		e.emit(ws, &event.Event{
			Type:    event.StepWaitingApproval,
			StepID:  stepID,
			AgentID: a.ID,
			Message: s.Label,
			Data:    map[string]any{"tool_id": s.ToolID, "position": len(ws.approvals)},
		})
		e.setPhaseLocked(ws, ws.resumePhase())
		req := e.nextApprovalLocked(ws)
		e.mu.Unlock()
		e.markDirty()
		e.requestApproval(ws, req)
		return graph.Step{}, nil, "", false
	}

	step := s.Clone()
	var prior []graph.Step
	for _, dep := range s.Dependencies {
		d := ws.step(dep)
		if d == nil || d.Status != graph.StatusCompleted {
			continue
		}
		prior = append(prior, d.Clone())
		if dov, ok := ws.overlays[dep]; ok && dov.AgentID != a.ID {
			e.emit(ws, &event.Event{
				Type:    event.Handoff,
				StepID:  stepID,
				AgentID: a.ID,
				Data:    map[string]any{"from_agent": dov.AgentID, "from_step": dep},
			})
		}
	}
	goal := ws.goal
	e.mu.Unlock()

	e.logger.Infow("Executing step",
		"workflow_id", ws.id,
		"step_id", stepID,
		"action_type", step.ActionType,
		"agent_id", a.ID,
		"model", oracle.ModelFor(step.ActionType),
	)
	return step, prior, goal, true
}

// commit records a verified result. A step that is no longer RUNNING, for
// example because it was force-failed meanwhile, keeps its state and the
// result is discarded.
func (e *Engine) commit(ws *workflowState, stepID string, a *agent.Agent, res *oracle.ExecuteResult, verdict *oracle.VerifyResult) {
	e.mu.Lock()
	if !e.current(ws) {
		e.mu.Unlock()
		return
	}
	s := ws.step(stepID)
	if s == nil || s.Status != graph.StatusRunning {
		e.mu.Unlock()
		e.logger.Infow("Discarding stale result", "workflow_id", ws.id, "step_id", stepID)
		return
	}

	now := time.Now()
	s.Status = graph.StatusCompleted
	s.Output = res.Output
	s.Citations = append([]string(nil), res.Citations...)
	s.CompletedAt = now
	ws.lastCompletedID = stepID

	ov := ws.overlay(stepID)
	ov.Verified = true
	ov.VerificationReason = verdict.Reason
	ov.Reasoning = append([]string(nil), res.Reasoning...)
	ov.ModelUsed = res.ModelUsed
	ov.Confidence = res.Confidence
	ov.FinishedAt = now

	artifacts := ExtractArtifacts(stepID, res.Output)
	ws.artifacts = append(ws.artifacts, artifacts...)
	ws.revision++

	e.emit(ws, &event.Event{
		Type:    event.StepCompleted,
		StepID:  stepID,
		AgentID: a.ID,
		Message: s.Label,
		Data:    map[string]any{"confidence": res.Confidence, "model": res.ModelUsed, "tokens": res.TokensUsed},
	})
	for _, art := range artifacts {
		e.emit(ws, &event.Event{
			Type:    event.ArtifactGenerated,
			StepID:  stepID,
			AgentID: a.ID,
			Message: art.ID,
			Data:    map[string]any{"kind": string(art.Kind), "language": art.Language},
		})
	}
	e.kick(ws)
	workflowID := ws.id
	e.mu.Unlock()

	e.metrics.RecordStepCompletion(a.ID)
	e.metrics.RecordConfidence(a.ID, res.Confidence)
	if e.persister != nil && len(artifacts) > 0 {
		e.persister.saveArtifacts(workflowID, artifacts)
	}
	e.markDirty()
	e.logger.Infow("Step completed", "workflow_id", workflowID, "step_id", stepID, "agent_id", a.ID, "artifacts", len(artifacts))
}

// requestApproval notifies the approver outside the engine lock.
func (e *Engine) requestApproval(ws *workflowState, req *approvalRequest) {
	if req == nil || e.approver == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ws.ctx, 30*time.Second)
	defer cancel()
	e.approver.RequestApproval(ctx, req.step, req.agent)
}
