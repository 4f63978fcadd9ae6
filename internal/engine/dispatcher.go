package engine

import (
	"context"
	"time"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
)

// stalledReason marks PENDING steps whose dependencies can never complete.
const stalledReason = "stalled: dependencies can never complete"

type dispatch struct {
	stepID string
	agent  *agent.Agent
}

// loop ticks the dispatcher for ws at the configured interval, and
// immediately whenever ws is kicked, until the workflow stops executing.
func (e *Engine) loop(ws *workflowState) {
	ticker := time.NewTicker(e.opts.TickInterval)
	defer ticker.Stop()
	e.logger.Debugw("Dispatcher started", "workflow_id", ws.id, "interval", e.opts.TickInterval)
	for {
		select {
		case <-ws.ctx.Done():
			return
		case <-ws.done:
			e.logger.Debugw("Dispatcher stopped", "workflow_id", ws.id)
			return
		case <-ws.kick:
		case <-ticker.C:
		}
		e.tick(ws)
	}
}

// Tick runs one dispatcher pass over the current workflow. The background
// loop calls it on its own; it is exported for callers using ManualTick.
// Nothing is dispatched once ctx is done.
func (e *Engine) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	e.mu.Lock()
	ws := e.state
	e.mu.Unlock()
	if ws != nil {
		e.tick(ws)
	}
}

// tick finds every executable step, assigns agents, promotes the batch to
// RUNNING in one mutation and hands each step to its own pipeline. It never
// waits for a pipeline.
func (e *Engine) tick(ws *workflowState) {
	e.mu.Lock()
	if !e.current(ws) || ws.phase != PhaseExecuting {
		e.mu.Unlock()
		return
	}

	ready := graph.ExecutableSteps(ws.steps)
	if len(ready) == 0 {
		e.settleLocked(ws)
		e.mu.Unlock()
		e.markDirty()
		return
	}

	busy := agent.BusySet{}
	for id, ov := range ws.overlays {
		if s := ws.step(id); s != nil && s.Status == graph.StatusRunning {
			busy.Add(ov.AgentID)
		}
	}

	now := time.Now()
	batch := make([]dispatch, 0, len(ready))
	for _, s := range ready {
		a, err := e.registry.SelectAgent(s, busy)
		if err != nil {
			e.logger.Errorw("Agent assignment failed", "workflow_id", ws.id, "step_id", s.ID, "error", err)
			continue
		}
		busy.Add(a.ID)
		s.Status = graph.StatusRunning
		ov := ws.overlay(s.ID)
		ov.AgentID = a.ID
		ov.StartedAt = now
		batch = append(batch, dispatch{stepID: s.ID, agent: a})
	}
	if len(batch) > 0 {
		ws.revision++
	}
	for _, d := range batch {
		e.emit(ws, &event.Event{
			Type:    event.StepStarted,
			StepID:  d.stepID,
			AgentID: d.agent.ID,
			Message: ws.step(d.stepID).Label,
		})
	}
	e.mu.Unlock()
	e.markDirty()

	e.logger.Infow("Dispatched steps", "workflow_id", ws.id, "count", len(batch))
	for _, d := range batch {
		e.inflight.Add(1)
		go e.runPipeline(ws, d.stepID, d.agent)
	}
}

// settleLocked handles a tick with nothing to dispatch: it ends the workflow
// once nothing is running, waiting or pending, and breaks stalls where
// PENDING steps remain but nothing can ever unblock them.
func (e *Engine) settleLocked(ws *workflowState) {
	counts := graph.CountByStatus(ws.steps)
	if counts[graph.StatusRunning] > 0 || counts[graph.StatusWaitingForApproval] > 0 || len(ws.approvals) > 0 {
		return
	}

	if counts[graph.StatusPending] > 0 {
		now := time.Now()
		for i := range ws.steps {
			s := &ws.steps[i]
			if s.Status != graph.StatusPending {
				continue
			}
			s.Status = graph.StatusFailed
			s.Error = stalledReason
			s.FailureKind = graph.FailureStalled
			s.CompletedAt = now
			e.logger.Warnw("Step stalled", "workflow_id", ws.id, "step_id", s.ID, "dependencies", s.Dependencies)
			e.emit(ws, &event.Event{
				Type:    event.StepFailed,
				StepID:  s.ID,
				Message: stalledReason,
				Data:    map[string]any{"failure_kind": string(graph.FailureStalled)},
			})
		}
		ws.revision++
		e.kick(ws)
		return
	}

	completed := counts[graph.StatusCompleted]
	failed := counts[graph.StatusFailed]
	e.logger.Infow("Workflow finished",
		"workflow_id", ws.id,
		"completed", completed,
		"failed", failed,
		"duration", time.Since(ws.startedAt),
	)
	e.emit(ws, &event.Event{
		Type:    event.WorkflowCompleted,
		Message: ws.goal,
		Data:    map[string]any{"completed": completed, "failed": failed},
	})
	if e.opts.Maintenance.Enabled {
		e.setPhaseLocked(ws, PhaseMaintenance)
	} else {
		e.setPhaseLocked(ws, PhaseCompleted)
	}
}
