package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
	"github.com/sunshow/workgear/conductor/internal/oracle"
)

// ManualFailurePrefix prefixes the reason of force-failed steps.
const ManualFailurePrefix = "manually failed: "

// failStep marks a step FAILED from inside its pipeline and runs the failure
// controller. Nothing happens if the step already settled.
func (e *Engine) failStep(ws *workflowState, stepID, reason string) {
	e.mu.Lock()
	if !e.current(ws) {
		e.mu.Unlock()
		return
	}
	s := ws.step(stepID)
	if s == nil || s.Status.Terminal() {
		e.mu.Unlock()
		return
	}
	failed, next := e.markFailedLocked(ws, stepID, reason)
	e.mu.Unlock()
	e.markDirty()

	e.requestApproval(ws, next)
	e.replan(ws, failed, reason)
}

// ForceFail fails a step that has not settled yet and runs the failure
// controller. If the step is running, its eventual result is discarded.
func (e *Engine) ForceFail(stepID, reason string) error {
	e.mu.Lock()
	ws := e.state
	if ws == nil {
		e.mu.Unlock()
		return ErrNoWorkflow
	}
	s := ws.step(stepID)
	if s == nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownStep, stepID)
	}
	if s.Status.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s is %s", ErrStepSettled, stepID, s.Status)
	}
	if ws.phase.Terminal() {
		e.mu.Unlock()
		return fmt.Errorf("%w: workflow is %s", ErrStepSettled, ws.phase)
	}
	full := ManualFailurePrefix + reason
	failed, next := e.markFailedLocked(ws, stepID, full)
	e.inflight.Add(1)
	e.mu.Unlock()
	e.markDirty()

	e.requestApproval(ws, next)
	go func() {
		defer e.inflight.Done()
		e.replan(ws, failed, full)
	}()
	return nil
}

// markFailedLocked records a direct failure, cascades it to every dependent
// that has not started and enters REPLANNING. It returns a copy of the failed
// step and the next approval to announce, if the cascade removed the head of
// the queue.
func (e *Engine) markFailedLocked(ws *workflowState, stepID, reason string) (graph.Step, *approvalRequest) {
	now := time.Now()
	s := ws.step(stepID)
	s.Status = graph.StatusFailed
	s.Error = reason
	s.FailureKind = graph.FailureDirect
	s.CompletedAt = now
	ws.removeApproval(stepID)

	agentID := ""
	if ov, ok := ws.overlays[stepID]; ok {
		ov.FinishedAt = now
		agentID = ov.AgentID
	}
	e.logger.Warnw("Step failed", "workflow_id", ws.id, "step_id", stepID, "reason", reason)
	e.emit(ws, &event.Event{Type: event.StepFailed, StepID: stepID, AgentID: agentID, Message: reason})

	e.cascadeLocked(ws, stepID, now)

	ws.replans++
	ws.revision++
	e.setPhaseLocked(ws, ws.resumePhase())
	return s.Clone(), e.nextApprovalLocked(ws)
}

// cascadeLocked fails every transitive dependent of failedID that is still
// PENDING or WAITING_FOR_APPROVAL. Running and settled steps are left alone.
func (e *Engine) cascadeLocked(ws *workflowState, failedID string, now time.Time) {
	reason := fmt.Sprintf("cascade: dependency %s failed", failedID)
	for _, id := range graph.TransitiveDependents(ws.steps, failedID) {
		d := ws.step(id)
		if d.Status != graph.StatusPending && d.Status != graph.StatusWaitingForApproval {
			continue
		}
		d.Status = graph.StatusFailed
		d.Error = reason
		d.FailureKind = graph.FailureCascade
		d.CompletedAt = now
		ws.removeApproval(id)
		e.emit(ws, &event.Event{Type: event.StepCascadeFailed, StepID: id, Message: reason})
	}
}

// replan asks the oracle for a replacement sub-graph and splices it in. A
// replan error is unrecoverable and fails the workflow.
func (e *Engine) replan(ws *workflowState, failed graph.Step, reason string) {
	e.mu.Lock()
	if !e.current(ws) {
		e.mu.Unlock()
		return
	}
	all := graph.CloneSteps(ws.steps)
	goal := ws.goal
	e.emit(ws, &event.Event{Type: event.ReplanStarted, StepID: failed.ID, Message: reason})
	e.mu.Unlock()

	ctx, span := e.startReplanSpan(ws.ctx, ws.id, failed.ID)
	res, err := e.oracle.Replan(ctx, &oracle.ReplanRequest{
		FailedStep:  failed,
		AllSteps:    all,
		ErrorReason: reason,
		Goal:        goal,
	})
	endSpan(span, err)

	e.mu.Lock()
	if !e.current(ws) {
		e.mu.Unlock()
		return
	}
	ws.replans--
	if err != nil {
		ws.err = fmt.Sprintf("replan after %s failed: %v", failed.ID, err)
		e.logger.Errorw("Replan failed", "workflow_id", ws.id, "step_id", failed.ID, "error", err)
		e.emit(ws, &event.Event{Type: event.ReplanFailed, StepID: failed.ID, Message: err.Error()})
		if !ws.phase.Terminal() {
			e.emit(ws, &event.Event{Type: event.WorkflowFailed, Message: ws.err})
		}
		e.setPhaseLocked(ws, PhaseFailed)
		e.mu.Unlock()
		e.markDirty()
		return
	}
	if ws.phase.Terminal() {
		e.mu.Unlock()
		e.logger.Infow("Dropping replan for finished workflow", "workflow_id", ws.id, "step_id", failed.ID)
		return
	}

	prefix, ids := e.spliceLocked(ws, res.Steps)
	ws.revision++
	e.logger.Infow("Replan spliced", "workflow_id", ws.id, "failed_step", failed.ID, "prefix", prefix, "steps", len(ids))
	e.emit(ws, &event.Event{
		Type:    event.ReplanSpliced,
		StepID:  failed.ID,
		Message: prefix,
		Data:    map[string]any{"steps": ids},
	})
	e.setPhaseLocked(ws, ws.resumePhase())
	e.kick(ws)
	e.mu.Unlock()
	e.markDirty()

	if res.TokensUsed > 0 {
		if planner, ok := e.registry.ByRole(agent.RolePlanner); ok {
			e.metrics.RecordTokens(planner.ID, res.TokensUsed)
		}
	}
}

// spliceLocked re-ids a replanned batch into a fresh namespace and appends it
// as PENDING. Dependencies inside the batch are rewritten, references to live
// existing steps are kept and anything else is dropped. A first step left
// without dependencies is wired to the most recently completed step.
func (e *Engine) spliceLocked(ws *workflowState, batch []graph.Step) (string, []string) {
	prefix := e.namespaceLocked(ws)

	// Local ids map to their first occurrence; later duplicates get a
	// positional suffix so every spliced id stays unique.
	idmap := make(map[string]string, len(batch))
	steps := make([]graph.Step, 0, len(batch))
	for i, s := range batch {
		c := s.Clone()
		local := c.ID
		if local == "" {
			local = fmt.Sprintf("step-%d", i+1)
		}
		id := prefix + "/" + local
		if _, dup := idmap[c.ID]; dup || c.ID == "" {
			id = fmt.Sprintf("%s-%d", id, i+1)
		} else {
			idmap[c.ID] = id
		}
		c.ID = id
		steps = append(steps, c)
	}

	now := time.Now()
	for i := range steps {
		c := &steps[i]
		deps := make([]string, 0, len(c.Dependencies))
		for _, d := range c.Dependencies {
			if mapped, ok := idmap[d]; ok {
				deps = append(deps, mapped)
			} else {
				deps = append(deps, d)
			}
		}
		c.Dependencies = deps
	}

	live := func(id string) bool {
		s := ws.step(id)
		return s != nil && s.Status != graph.StatusFailed
	}
	steps = graph.Sanitize(steps, live)

	if len(steps) > 0 && len(steps[0].Dependencies) == 0 && ws.lastCompletedID != "" {
		steps[0].Dependencies = []string{ws.lastCompletedID}
	}

	ids := make([]string, 0, len(steps))
	for i := range steps {
		e.normalizeStep(&steps[i], now)
		steps[i].Origin = prefix
		steps[i].ApprovalGranted = false
		ids = append(ids, steps[i].ID)
	}
	ws.appendSteps(steps)
	return prefix, ids
}

// namespaceLocked returns a replan prefix no existing step id starts with.
// It combines a per-engine sequence with the random tail of a time-ordered
// UUID.
func (e *Engine) namespaceLocked(ws *workflowState) string {
	for {
		seq := e.replanSeq.Add(1)
		u, err := uuid.NewV7()
		if err != nil {
			u = uuid.New()
		}
		tail := strings.ReplaceAll(u.String(), "-", "")
		prefix := fmt.Sprintf("replan-%d-%s", seq, tail[len(tail)-8:])
		clash := false
		for _, s := range ws.steps {
			if strings.HasPrefix(s.ID, prefix+"/") {
				clash = true
				break
			}
		}
		if !clash {
			return prefix
		}
	}
}
