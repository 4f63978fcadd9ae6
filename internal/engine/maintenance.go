package engine

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
	"github.com/sunshow/workgear/conductor/internal/oracle"
)

// maintain sweeps ws periodically while it stays the current workflow.
func (e *Engine) maintain(ws *workflowState) {
	ticker := time.NewTicker(e.opts.Maintenance.Interval)
	defer ticker.Stop()
	e.logger.Infow("Maintenance started", "workflow_id", ws.id, "interval", e.opts.Maintenance.Interval)
	for {
		select {
		case <-ws.ctx.Done():
			e.logger.Debugw("Maintenance stopped", "workflow_id", ws.id)
			return
		case <-ticker.C:
		}
		if err := e.sweep(ws.ctx, ws); err != nil {
			e.logger.Warnw("Maintenance sweep failed", "workflow_id", ws.id, "error", err)
		}
	}
}

// Sweep re-verifies the next batch of completed steps of a workflow in
// MAINTENANCE. Findings are reported as events; step state never changes.
func (e *Engine) Sweep(ctx context.Context) error {
	e.mu.Lock()
	ws := e.state
	e.mu.Unlock()
	if ws == nil {
		return ErrNoWorkflow
	}
	return e.sweep(ctx, ws)
}

func (e *Engine) sweep(ctx context.Context, ws *workflowState) error {
	e.mu.Lock()
	if !e.current(ws) || ws.phase != PhaseMaintenance {
		e.mu.Unlock()
		return nil
	}
	var completed []graph.Step
	for i := range ws.steps {
		if ws.steps[i].Status == graph.StatusCompleted {
			completed = append(completed, ws.steps[i].Clone())
		}
	}
	if len(completed) == 0 {
		e.mu.Unlock()
		return nil
	}
	n := e.opts.Maintenance.Batch
	if n > len(completed) {
		n = len(completed)
	}
	batch := make([]graph.Step, 0, n)
	for i := 0; i < n; i++ {
		batch = append(batch, completed[(ws.maintCursor+i)%len(completed)])
	}
	ws.maintCursor = (ws.maintCursor + n) % len(completed)
	goal := ws.goal
	e.mu.Unlock()

	verifierID := ""
	if v, ok := e.registry.ByRole(agent.RoleVerifier); ok {
		verifierID = v.ID
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Maintenance.Batch)
	for _, step := range batch {
		g.Go(func() error {
			res, err := e.oracle.VerifyOutput(gctx, &oracle.VerifyRequest{
				Step:   step,
				Output: step.Output,
				Goal:   goal,
				Rigor:  oracle.RigorRelaxed,
			})
			if err != nil {
				return err
			}
			if verifierID != "" && res.TokensUsed > 0 {
				e.metrics.RecordTokens(verifierID, res.TokensUsed)
			}

			e.mu.Lock()
			defer e.mu.Unlock()
			if !e.current(ws) {
				return nil
			}
			evt := &event.Event{Type: event.MaintenanceClean, StepID: step.ID, AgentID: verifierID, Message: res.Reason}
			if !res.Passed {
				evt.Type = event.MaintenanceFinding
				e.logger.Warnw("Maintenance finding", "workflow_id", ws.id, "step_id", step.ID, "reason", res.Reason)
			}
			e.emit(ws, evt)
			return nil
		})
	}
	return g.Wait()
}
