package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/db"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
	"github.com/sunshow/workgear/conductor/internal/metrics"
	"github.com/sunshow/workgear/conductor/internal/oracle"
)

// MaintenanceOptions configures the post-completion watchdog.
type MaintenanceOptions struct {
	Enabled  bool
	Interval time.Duration
	// Batch is the number of completed steps re-verified per sweep and the
	// concurrency limit of a sweep.
	Batch int
}

// Options configures an Engine.
type Options struct {
	TickInterval time.Duration
	// MaxConcurrency bounds in-flight oracle executions. 0 means unbounded.
	MaxConcurrency int
	// TokenEstimateInterval is how often running steps report estimated token
	// usage. 0 disables estimation.
	TokenEstimateInterval time.Duration
	HistoryCap            int
	Maintenance           MaintenanceOptions

	// ManualTick disables the background dispatcher and maintenance loops;
	// callers drive the engine with Tick and Sweep.
	ManualTick bool

	Store    db.Store
	Approver Approver
	Metrics  *metrics.Aggregator
}

// DefaultTickInterval is used when Options.TickInterval is zero.
const DefaultTickInterval = time.Second

// Engine drives one workflow at a time through planning, dispatch,
// verification, failure recovery and maintenance.
type Engine struct {
	oracle    oracle.Oracle
	registry  *agent.Registry
	metrics   *metrics.Aggregator
	bus       *event.Bus
	timeline  *event.Timeline
	store     db.Store
	approver  Approver
	tokenizer *oracle.Tokenizer
	tracer    trace.Tracer
	sem       *semaphore.Weighted
	opts      Options
	logger    *zap.SugaredLogger

	mu    sync.Mutex
	state *workflowState

	replanSeq atomic.Uint64
	inflight  sync.WaitGroup

	persister *persister
	detach    func()
}

// New creates an engine. The registry must hold at least one agent.
func New(orc oracle.Oracle, registry *agent.Registry, bus *event.Bus, opts Options, logger *zap.SugaredLogger) (*Engine, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, ErrNoAgents
	}
	if orc == nil {
		return nil, fmt.Errorf("oracle is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if bus == nil {
		bus = event.NewBus(logger)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.Maintenance.Interval <= 0 {
		opts.Maintenance.Interval = 30 * time.Second
	}
	if opts.Maintenance.Batch <= 0 {
		opts.Maintenance.Batch = 3
	}

	e := &Engine{
		oracle:    orc,
		registry:  registry,
		metrics:   opts.Metrics,
		bus:       bus,
		timeline:  event.NewTimeline(),
		store:     opts.Store,
		approver:  opts.Approver,
		tokenizer: oracle.NewTokenizer(logger),
		tracer:    newTracer(),
		opts:      opts,
		logger:    logger,
	}
	if e.metrics == nil {
		e.metrics = metrics.NewAggregator(registry.IDs(), opts.HistoryCap, logger)
	}
	if opts.MaxConcurrency > 0 {
		e.sem = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}
	e.detach = e.timeline.Attach(bus, event.Wildcard)
	if e.store != nil {
		e.persister = newPersister(e, e.store, logger)
	}
	return e, nil
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *event.Bus { return e.bus }

// Metrics returns the engine's metrics aggregator.
func (e *Engine) Metrics() *metrics.Aggregator { return e.metrics }

// Registry returns the agent catalog.
func (e *Engine) Registry() *agent.Registry { return e.registry }

// Timeline returns every event published since the last reset.
func (e *Engine) Timeline() []event.Event { return e.timeline.Events() }

// ─── Lifecycle ───

// Start asks the oracle for a plan for goal and begins executing it. It
// blocks while planning and returns the new workflow id.
func (e *Engine) Start(ctx context.Context, goal, image string) (string, error) {
	ws, err := e.begin(goal)
	if err != nil {
		return "", err
	}

	ctx, span := e.startPlanSpan(ctx, ws.id, goal)
	res, err := e.oracle.GeneratePlan(ctx, &oracle.PlanRequest{Goal: goal, Image: image})
	if err == nil && (res == nil || len(res.Steps) == 0) {
		err = fmt.Errorf("oracle returned an empty plan")
	}
	endSpan(span, err)

	if err != nil {
		e.mu.Lock()
		if e.state == ws {
			ws.err = err.Error()
			e.setPhaseLocked(ws, PhaseFailed)
			e.emit(ws, &event.Event{Type: event.WorkflowFailed, Message: ws.err})
		}
		e.mu.Unlock()
		e.markDirty()
		return ws.id, fmt.Errorf("generate plan: %w", err)
	}
	if res.TokensUsed > 0 {
		if planner, ok := e.registry.ByRole(agent.RolePlanner); ok {
			e.metrics.RecordTokens(planner.ID, res.TokensUsed)
		}
	}
	return ws.id, e.install(ws, res.Steps)
}

// StartWithPlan begins executing a plan parsed from a plan file, bypassing
// oracle planning.
func (e *Engine) StartWithPlan(ctx context.Context, plan *graph.Plan) (string, error) {
	if plan == nil || len(plan.Steps) == 0 {
		return "", fmt.Errorf("plan has no steps")
	}
	ws, err := e.begin(plan.Goal)
	if err != nil {
		return "", err
	}
	return ws.id, e.install(ws, plan.Steps)
}

// begin installs a fresh workflow in PLANNING.
func (e *Engine) begin(goal string) (*workflowState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != nil && e.state.phase.Active() {
		return nil, ErrWorkflowActive
	}
	if e.state != nil {
		e.state.cancel()
	}
	ws := newWorkflowState(goal)
	e.state = ws
	e.logger.Infow("Starting workflow", "workflow_id", ws.id, "goal", goal)
	e.setPhaseLocked(ws, PhasePlanning)
	return ws, nil
}

// install validates the planned steps and moves the workflow to EXECUTING.
func (e *Engine) install(ws *workflowState, planned []graph.Step) error {
	e.mu.Lock()
	if e.state != ws {
		e.mu.Unlock()
		return ErrWorkflowReset
	}
	sanitized := graph.Sanitize(planned, func(string) bool { return false })
	steps := make([]graph.Step, 0, len(sanitized))
	seen := make(map[string]bool, len(sanitized))
	now := time.Now()
	for _, s := range sanitized {
		if seen[s.ID] {
			e.logger.Warnw("Dropping duplicate step id", "workflow_id", ws.id, "step_id", s.ID)
			continue
		}
		seen[s.ID] = true
		e.normalizeStep(&s, now)
		steps = append(steps, s)
	}
	ws.appendSteps(steps)
	e.setPhaseLocked(ws, PhaseExecuting)
	e.mu.Unlock()
	e.markDirty()

	e.logger.Infow("Workflow planned", "workflow_id", ws.id, "steps", len(steps))
	if !e.opts.ManualTick {
		go e.loop(ws)
	}
	return nil
}

// normalizeStep prepares a step coming from the oracle or a plan file for
// insertion into the graph.
func (e *Engine) normalizeStep(s *graph.Step, now time.Time) {
	if !s.ActionType.Valid() {
		e.logger.Warnw("Unknown action type, treating as analysis", "step_id", s.ID, "action_type", s.ActionType)
		s.ActionType = graph.ActionAnalysis
	}
	if s.Label == "" {
		s.Label = s.ID
	}
	s.Status = graph.StatusPending
	s.Output = ""
	s.Error = ""
	s.Citations = nil
	s.FailureKind = graph.FailureNone
	s.CreatedAt = now
	s.CompletedAt = time.Time{}
}

// Done returns a channel closed when the current workflow stops executing,
// either by reaching a terminal phase or by being reset. With no workflow
// the channel is already closed.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return e.state.done
}

// Wait blocks until every in-flight pipeline and replan has returned.
func (e *Engine) Wait() {
	e.inflight.Wait()
}

// Reset discards the current workflow and clears metrics and the timeline.
// In-flight oracle calls are not interrupted; their results are discarded.
func (e *Engine) Reset() {
	e.mu.Lock()
	ws := e.state
	e.state = nil
	if ws != nil {
		ws.cancel()
		if !ws.phase.Terminal() {
			close(ws.done)
		}
		e.logger.Infow("Workflow reset", "workflow_id", ws.id, "phase", ws.phase)
	}
	e.mu.Unlock()

	e.metrics.Reset()
	e.timeline.Reset()
	e.bus.Publish(&event.Event{Type: event.PhaseChanged, Message: string(PhaseIdle), Data: map[string]any{"to": string(PhaseIdle)}})
}

// Close stops background work, waits for in-flight pipelines up to ctx and
// flushes persistence.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.state != nil {
		e.state.cancel()
	}
	e.mu.Unlock()

	var err error
	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for pipelines: %w", ctx.Err()))
	}

	if e.persister != nil {
		err = multierr.Append(err, e.persister.close(ctx))
	}
	if e.detach != nil {
		e.detach()
	}
	return err
}

// ─── Queries ───

// Snapshot returns a copy of the current workflow. With no workflow the
// phase is IDLE.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return &Snapshot{Phase: PhaseIdle, Overlays: map[string]Overlay{}, Ranks: map[string]int{}, Counts: map[graph.Status]int{}}
	}
	return e.state.snapshot()
}

// Phase returns the current phase.
func (e *Engine) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return PhaseIdle
	}
	return e.state.phase
}

// WorkflowID returns the id of the current workflow, or "".
func (e *Engine) WorkflowID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil {
		return ""
	}
	return e.state.id
}

// Persisted loads a workflow snapshot from the store. An empty id loads the
// most recently updated workflow.
func (e *Engine) Persisted(ctx context.Context, workflowID string) (*Snapshot, error) {
	if e.store == nil {
		return nil, db.ErrNotFound
	}
	var (
		rec *db.WorkflowRecord
		err error
	)
	if workflowID == "" {
		rec, err = e.store.LatestSnapshot(ctx)
	} else {
		rec, err = e.store.GetSnapshot(ctx, workflowID)
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(rec.Snapshot), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", rec.ID, err)
	}
	return &snap, nil
}

// PersistedEvents loads a workflow's stored timeline after seq.
func (e *Engine) PersistedEvents(ctx context.Context, workflowID string, afterSeq int64) ([]event.Event, error) {
	if e.store == nil {
		return nil, nil
	}
	rows, err := e.store.ListEvents(ctx, workflowID, afterSeq)
	if err != nil {
		return nil, err
	}
	out := make([]event.Event, 0, len(rows))
	for _, r := range rows {
		evt := event.Event{
			ID:         r.ID,
			Seq:        r.Seq,
			Type:       r.EventType,
			WorkflowID: r.WorkflowID,
			Message:    r.Message,
			Timestamp:  r.CreatedAt.UnixMilli(),
		}
		if r.StepID != nil {
			evt.StepID = *r.StepID
		}
		if r.AgentID != nil {
			evt.AgentID = *r.AgentID
		}
		if r.Content != "" {
			_ = json.Unmarshal([]byte(r.Content), &evt.Data)
		}
		out = append(out, evt)
	}
	return out, nil
}

// ─── Internal helpers ───

// setPhaseLocked moves ws to phase p and publishes the change.
func (e *Engine) setPhaseLocked(ws *workflowState, p Phase) {
	if ws.phase == p {
		return
	}
	from := ws.phase
	if from.Terminal() {
		return
	}
	ws.phase = p
	ws.revision++
	e.logger.Infow("Phase changed", "workflow_id", ws.id, "from", from, "to", p)
	e.emit(ws, &event.Event{
		Type:    event.PhaseChanged,
		Message: string(p),
		Data:    map[string]any{"from": string(from), "to": string(p)},
	})

	switch {
	case p == PhaseExecuting:
		e.kick(ws)
	case p.Terminal():
		close(ws.done)
		if p == PhaseMaintenance && !e.opts.ManualTick {
			go e.maintain(ws)
		}
	}
}

func (e *Engine) kick(ws *workflowState) {
	select {
	case ws.kick <- struct{}{}:
	default:
	}
}

// emit stamps evt with the workflow id and publishes it.
func (e *Engine) emit(ws *workflowState, evt *event.Event) {
	evt.WorkflowID = ws.id
	e.bus.Publish(evt)
}

func (e *Engine) markDirty() {
	if e.persister != nil {
		e.persister.markDirty()
	}
}

// current returns ws if it is still the engine's workflow. Callers hold mu.
func (e *Engine) current(ws *workflowState) bool {
	return ws != nil && e.state == ws
}
