package engine

import (
	"sync/atomic"
	"time"

	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
)

// tokenEstimate reports estimated token usage for a running step until the
// authoritative count arrives.
type tokenEstimate struct {
	stop  chan struct{}
	done  chan struct{}
	total atomic.Int64
}

// estimateTokens starts a ticker that records estimated usage for agentID
// while the oracle call is outstanding. The first tick accounts for the
// prompt, later ticks for output at a quarter of the prompt size per tick.
// The returned function stops the ticker and returns the total recorded.
func (e *Engine) estimateTokens(ws *workflowState, step *graph.Step, goal, agentID string) func() int {
	interval := e.opts.TokenEstimateInterval
	if interval <= 0 {
		return func() int { return 0 }
	}
	est := &tokenEstimate{stop: make(chan struct{}), done: make(chan struct{})}
	prompt := e.tokenizer.Count(goal + "\n" + step.Label + "\n" + step.Description)
	perTick := prompt / 4
	if perTick < 1 {
		perTick = 1
	}

	go func() {
		defer close(est.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		first := true
		for {
			select {
			case <-est.stop:
				return
			case <-ws.ctx.Done():
				return
			case <-ticker.C:
				delta := perTick
				if first {
					delta = prompt
					first = false
				}
				est.total.Add(int64(delta))
				e.metrics.RecordTokens(agentID, delta)
				e.emit(ws, &event.Event{
					Type:    event.TokensEstimated,
					StepID:  step.ID,
					AgentID: agentID,
					Data:    map[string]any{"delta": delta, "estimated": est.total.Load()},
				})
			}
		}
	}()

	return func() int {
		close(est.stop)
		<-est.done
		return int(est.total.Load())
	}
}
