package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/db"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
	"github.com/sunshow/workgear/conductor/internal/oracle"
)

// ─── Test oracle ───

// fakeOracle executes every step successfully unless told otherwise. Gates
// hold ExecuteStep for a step until the channel is closed.
type fakeOracle struct {
	mu sync.Mutex

	plan    []graph.Step
	planErr error

	execErr map[string]error
	outputs map[string]string
	tokens  map[string]int
	gates   map[string]chan struct{}
	reject  map[string]string // strict verification failures
	finding map[string]string // relaxed verification failures

	replan    func(req *oracle.ReplanRequest) (*oracle.PlanResult, error)
	replans   []oracle.ReplanRequest
	executed  []string
	sweptIDs  []string
	verifyTok int

	// active and peak count concurrent ExecuteStep calls.
	active int
	peak   int
}

func newFakeOracle(plan ...graph.Step) *fakeOracle {
	return &fakeOracle{
		plan:    plan,
		execErr: map[string]error{},
		outputs: map[string]string{},
		tokens:  map[string]int{},
		gates:   map[string]chan struct{}{},
		reject:  map[string]string{},
		finding: map[string]string{},
	}
}

func (f *fakeOracle) GeneratePlan(ctx context.Context, req *oracle.PlanRequest) (*oracle.PlanResult, error) {
	if f.planErr != nil {
		return nil, f.planErr
	}
	return &oracle.PlanResult{Steps: graph.CloneSteps(f.plan), TokensUsed: 10}, nil
}

func (f *fakeOracle) ExecuteStep(ctx context.Context, req *oracle.ExecuteRequest) (*oracle.ExecuteResult, error) {
	id := req.Step.ID
	f.mu.Lock()
	f.executed = append(f.executed, id)
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	gate := f.gates[id]
	err := f.execErr[id]
	out, ok := f.outputs[id]
	tokens := f.tokens[id]
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.active--
		f.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		out = "result of " + id
	}
	return &oracle.ExecuteResult{
		Output:     out,
		Reasoning:  []string{"looked at " + id},
		TokensUsed: tokens,
		ModelUsed:  oracle.ModelFor(req.Step.ActionType),
		Confidence: 0.8,
	}, nil
}

func (f *fakeOracle) VerifyOutput(ctx context.Context, req *oracle.VerifyRequest) (*oracle.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Rigor == oracle.RigorRelaxed {
		f.sweptIDs = append(f.sweptIDs, req.Step.ID)
		if reason, ok := f.finding[req.Step.ID]; ok {
			return &oracle.VerifyResult{Passed: false, Reason: reason}, nil
		}
		return &oracle.VerifyResult{Passed: true, Reason: "still fine"}, nil
	}
	if reason, ok := f.reject[req.Step.ID]; ok {
		return &oracle.VerifyResult{Passed: false, Reason: reason, TokensUsed: f.verifyTok}, nil
	}
	return &oracle.VerifyResult{Passed: true, Reason: "ok", TokensUsed: f.verifyTok}, nil
}

func (f *fakeOracle) Replan(ctx context.Context, req *oracle.ReplanRequest) (*oracle.PlanResult, error) {
	f.mu.Lock()
	f.replans = append(f.replans, *req)
	fn := f.replan
	f.mu.Unlock()
	if fn == nil {
		return &oracle.PlanResult{}, nil
	}
	return fn(req)
}

func (f *fakeOracle) executions() (executed []string, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...), f.peak
}

func (f *fakeOracle) replanRequests() []oracle.ReplanRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]oracle.ReplanRequest(nil), f.replans...)
}

// ─── Helpers ───

func newTestEngine(t *testing.T, orc oracle.Oracle, opts Options) *Engine {
	t.Helper()
	registry, err := agent.NewRegistry(agent.DefaultAgents()...)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	opts.ManualTick = true
	e, err := New(orc, registry, nil, opts, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e
}

func step(id string, action graph.ActionType, deps ...string) graph.Step {
	return graph.Step{ID: id, Label: id, ActionType: action, Dependencies: deps}
}

// drive ticks until until reports true for the current phase.
func drive(t *testing.T, e *Engine, until func(Phase) bool) {
	t.Helper()
	for i := 0; i < 100; i++ {
		e.Tick(context.Background())
		e.Wait()
		if until(e.Phase()) {
			return
		}
	}
	t.Fatalf("engine stuck in phase %s", e.Phase())
}

func terminal(p Phase) bool { return p.Terminal() }

func stepByID(t *testing.T, snap *Snapshot, id string) graph.Step {
	t.Helper()
	for _, s := range snap.Steps {
		if s.ID == id {
			return s
		}
	}
	t.Fatalf("step %s not in snapshot", id)
	return graph.Step{}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func countEvents(e *Engine, typ string) int {
	n := 0
	for _, evt := range e.Timeline() {
		if evt.Type == typ {
			n++
		}
	}
	return n
}

// ─── Lifecycle ───

func TestRoundTripCompletesOnce(t *testing.T) {
	orc := newFakeOracle(
		step("research", graph.ActionAnalysis),
		step("build", graph.ActionCode, "research"),
		step("draw", graph.ActionCreation, "research"),
		step("decide", graph.ActionDecision, "build", "draw"),
	)
	e := newTestEngine(t, orc, Options{})

	id, err := e.Start(context.Background(), "ship it", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if e.WorkflowID() != id {
		t.Fatalf("workflow id = %q, want %q", e.WorkflowID(), id)
	}
	drive(t, e, terminal)
	for i := 0; i < 3; i++ {
		e.Tick(context.Background())
		e.Wait()
	}

	snap := e.Snapshot()
	if snap.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", snap.Phase)
	}
	for _, s := range snap.Steps {
		if s.Status != graph.StatusCompleted {
			t.Fatalf("step %s is %s", s.ID, s.Status)
		}
		ov := snap.Overlays[s.ID]
		if !ov.Verified || ov.AgentID == "" || ov.Attempts != 1 {
			t.Fatalf("overlay for %s = %+v", s.ID, ov)
		}
	}
	if got := countEvents(e, event.WorkflowCompleted); got != 1 {
		t.Fatalf("workflow.completed emitted %d times", got)
	}
	if snap.Ranks["decide"] != 2 || snap.Ranks["build"] != 1 {
		t.Fatalf("unexpected ranks %v", snap.Ranks)
	}

	total := 0
	for _, m := range e.Metrics().Snapshot() {
		total += m.StepsCompleted
	}
	if total != 4 {
		t.Fatalf("steps completed across agents = %d, want 4", total)
	}
	planner, _ := e.Registry().ByRole(agent.RolePlanner)
	if m, _ := e.Metrics().Agent(planner.ID); m.TokensUsed != 10 {
		t.Fatalf("planner tokens = %d, want 10", m.TokensUsed)
	}

	select {
	case <-e.Done():
	default:
		t.Fatal("done channel not closed")
	}
}

func TestSiblingsDispatchInOneTick(t *testing.T) {
	orc := newFakeOracle(
		step("a", graph.ActionAnalysis),
		step("b", graph.ActionCode, "a"),
		step("c", graph.ActionCreation, "a"),
	)
	orc.gates["b"] = make(chan struct{})
	orc.gates["c"] = make(chan struct{})
	e := newTestEngine(t, orc, Options{})

	if _, err := e.Start(context.Background(), "siblings", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	e.Tick(cancelled)
	if stepByID(t, e.Snapshot(), "a").Status != graph.StatusPending {
		t.Fatal("tick with a cancelled context dispatched work")
	}
	e.Tick(context.Background())
	e.Wait()
	e.Tick(context.Background())

	snap := e.Snapshot()
	b, c := stepByID(t, snap, "b"), stepByID(t, snap, "c")
	if b.Status != graph.StatusRunning || c.Status != graph.StatusRunning {
		t.Fatalf("siblings not running together: b=%s c=%s", b.Status, c.Status)
	}
	if snap.Overlays["b"].AgentID == snap.Overlays["c"].AgentID {
		t.Fatalf("siblings share agent %s", snap.Overlays["b"].AgentID)
	}

	close(orc.gates["b"])
	close(orc.gates["c"])
	e.Wait()
	drive(t, e, terminal)
	if e.Phase() != PhaseCompleted {
		t.Fatalf("phase = %s", e.Phase())
	}
}

func TestMaxConcurrencyBoundsExecutions(t *testing.T) {
	orc := newFakeOracle(
		step("a", graph.ActionAnalysis),
		step("b", graph.ActionCode),
	)
	orc.gates["a"] = make(chan struct{})
	orc.gates["b"] = make(chan struct{})
	e := newTestEngine(t, orc, Options{MaxConcurrency: 1})

	if _, err := e.Start(context.Background(), "capped", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Tick(context.Background())

	snap := e.Snapshot()
	if stepByID(t, snap, "a").Status != graph.StatusRunning || stepByID(t, snap, "b").Status != graph.StatusRunning {
		t.Fatal("both siblings should be dispatched in one tick")
	}
	eventually(t, "first execution", func() bool {
		executed, _ := orc.executions()
		return len(executed) == 1
	})
	time.Sleep(20 * time.Millisecond)
	if executed, _ := orc.executions(); len(executed) != 1 {
		t.Fatalf("executions in flight = %v, want one", executed)
	}

	close(orc.gates["a"])
	close(orc.gates["b"])
	e.Wait()
	drive(t, e, terminal)

	executed, peak := orc.executions()
	if len(executed) != 2 || peak != 1 {
		t.Fatalf("executed = %v peak = %d, want both with peak 1", executed, peak)
	}
	if e.Phase() != PhaseCompleted {
		t.Fatalf("phase = %s", e.Phase())
	}
}

func TestHandoffOnlyWhenAgentChanges(t *testing.T) {
	orc := newFakeOracle(
		step("gather", graph.ActionResearch),
		step("dig", graph.ActionResearch, "gather"),
		step("build", graph.ActionCode, "dig"),
	)
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "handoff", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)

	var handoffs []event.Event
	for _, evt := range e.Timeline() {
		if evt.Type == event.Handoff {
			handoffs = append(handoffs, evt)
		}
	}
	if len(handoffs) != 1 {
		t.Fatalf("handoffs = %d, want 1", len(handoffs))
	}
	h := handoffs[0]
	if h.StepID != "build" || h.AgentID != "coder" || h.Data["from_agent"] != "researcher" || h.Data["from_step"] != "dig" {
		t.Fatalf("handoff = %+v", h)
	}
}

func TestTokenEstimatesReconcileToReportedUsage(t *testing.T) {
	tests := []struct {
		name    string
		tokens  int
		execErr error
		want    int
	}{
		{name: "success", tokens: 3, want: 3},
		{name: "execution error", execErr: errors.New("boom"), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orc := newFakeOracle(graph.Step{
				ID:          "build",
				Label:       "build the thing",
				Description: "a description long enough to estimate several tokens for",
				ActionType:  graph.ActionCode,
			})
			orc.gates["build"] = make(chan struct{})
			orc.tokens["build"] = tt.tokens
			if tt.execErr != nil {
				orc.execErr["build"] = tt.execErr
			}
			e := newTestEngine(t, orc, Options{TokenEstimateInterval: time.Millisecond})

			if _, err := e.Start(context.Background(), "estimate tokens for a goal", ""); err != nil {
				t.Fatalf("start: %v", err)
			}
			e.Tick(context.Background())
			eventually(t, "a token estimate", func() bool {
				return countEvents(e, event.TokensEstimated) > 0
			})
			if m, _ := e.Metrics().Agent("coder"); m.TokensUsed == 0 {
				t.Fatal("estimate not recorded while running")
			}

			close(orc.gates["build"])
			e.Wait()
			if m, _ := e.Metrics().Agent("coder"); m.TokensUsed != tt.want {
				t.Fatalf("coder tokens = %d, want %d", m.TokensUsed, tt.want)
			}
		})
	}
}

func TestStartRejectsWhileActive(t *testing.T) {
	orc := newFakeOracle()
	e := newTestEngine(t, orc, Options{})
	plan := &graph.Plan{Goal: "g", Steps: []graph.Step{step("only", graph.ActionAnalysis)}}

	if _, err := e.StartWithPlan(context.Background(), plan); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.StartWithPlan(context.Background(), plan); !errors.Is(err, ErrWorkflowActive) {
		t.Fatalf("second start err = %v, want ErrWorkflowActive", err)
	}

	e.Reset()
	if e.Phase() != PhaseIdle {
		t.Fatalf("phase after reset = %s", e.Phase())
	}
	if len(e.Timeline()) != 1 {
		t.Fatalf("timeline after reset has %d events, want the idle phase change", len(e.Timeline()))
	}
	if _, err := e.StartWithPlan(context.Background(), plan); err != nil {
		t.Fatalf("start after reset: %v", err)
	}
	drive(t, e, terminal)
	if _, err := e.StartWithPlan(context.Background(), plan); err != nil {
		t.Fatalf("start after completion: %v", err)
	}
}

func TestStartPlanFailureFailsWorkflow(t *testing.T) {
	orc := newFakeOracle()
	orc.planErr = errors.New("model unavailable")
	e := newTestEngine(t, orc, Options{})

	if _, err := e.Start(context.Background(), "doomed", ""); err == nil {
		t.Fatal("expected plan error")
	}
	if e.Phase() != PhaseFailed {
		t.Fatalf("phase = %s, want FAILED", e.Phase())
	}
	if !strings.Contains(e.Snapshot().Error, "model unavailable") {
		t.Fatalf("error = %q", e.Snapshot().Error)
	}
	if countEvents(e, event.WorkflowFailed) != 1 {
		t.Fatal("workflow.failed not emitted")
	}
}

func TestResetDiscardsInFlightResults(t *testing.T) {
	orc := newFakeOracle(step("slow", graph.ActionAnalysis))
	orc.gates["slow"] = make(chan struct{})
	e := newTestEngine(t, orc, Options{})

	if _, err := e.Start(context.Background(), "g", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	done := e.Done()
	e.Tick(context.Background())
	e.Reset()
	close(orc.gates["slow"])
	e.Wait()

	if e.Phase() != PhaseIdle {
		t.Fatalf("phase = %s, want IDLE", e.Phase())
	}
	select {
	case <-done:
	default:
		t.Fatal("Done channel still open after reset")
	}
	for id, m := range e.Metrics().Snapshot() {
		if m.StepsCompleted != 0 {
			t.Fatalf("agent %s recorded a discarded completion", id)
		}
	}
}

func TestStallBreakerFailsUnreachableSteps(t *testing.T) {
	orc := newFakeOracle(
		step("ok", graph.ActionAnalysis),
		step("x", graph.ActionAnalysis, "y"),
		step("y", graph.ActionAnalysis, "x"),
	)
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "cycle", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)

	snap := e.Snapshot()
	if snap.Phase != PhaseCompleted {
		t.Fatalf("phase = %s", snap.Phase)
	}
	for _, id := range []string{"x", "y"} {
		s := stepByID(t, snap, id)
		if s.Status != graph.StatusFailed || s.FailureKind != graph.FailureStalled || s.Error != stalledReason {
			t.Fatalf("%s = %s %s %q", id, s.Status, s.FailureKind, s.Error)
		}
	}
	stalled := 0
	for _, evt := range e.Timeline() {
		if evt.Type == event.StepFailed && evt.Data["failure_kind"] == string(graph.FailureStalled) {
			stalled++
		}
	}
	if stalled != 2 {
		t.Fatalf("stalled failure events = %d, want 2", stalled)
	}
	if n := len(orc.replanRequests()); n != 0 {
		t.Fatalf("stalled steps should not replan, got %d replans", n)
	}
	if stepByID(t, snap, "ok").Status != graph.StatusCompleted {
		t.Fatal("independent step did not complete")
	}
}

// ─── Failure handling ───

func TestExecutionFailureCascadesAndReplans(t *testing.T) {
	orc := newFakeOracle(
		step("a", graph.ActionAnalysis),
		step("b", graph.ActionCode, "a"),
		step("c", graph.ActionDecision, "b"),
	)
	orc.execErr["a"] = errors.New("boom")
	orc.replan = func(req *oracle.ReplanRequest) (*oracle.PlanResult, error) {
		return &oracle.PlanResult{Steps: []graph.Step{
			step("fix", graph.ActionAnalysis),
			step("finish", graph.ActionCode, "fix", "c", "nowhere"),
		}}, nil
	}
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "recover", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)

	snap := e.Snapshot()
	if snap.Phase != PhaseCompleted {
		t.Fatalf("phase = %s", snap.Phase)
	}
	a := stepByID(t, snap, "a")
	if a.Status != graph.StatusFailed || a.FailureKind != graph.FailureDirect || !strings.HasPrefix(a.Error, "execution failed: ") {
		t.Fatalf("a = %s %s %q", a.Status, a.FailureKind, a.Error)
	}
	for _, id := range []string{"b", "c"} {
		s := stepByID(t, snap, id)
		if s.Status != graph.StatusFailed || s.FailureKind != graph.FailureCascade || s.Error != "cascade: dependency a failed" {
			t.Fatalf("%s = %s %s %q", id, s.Status, s.FailureKind, s.Error)
		}
	}
	if got := countEvents(e, event.StepCascadeFailed); got != 2 {
		t.Fatalf("cascade events = %d, want 2", got)
	}

	reqs := orc.replanRequests()
	if len(reqs) != 1 || reqs[0].FailedStep.ID != "a" || len(reqs[0].AllSteps) != 3 {
		t.Fatalf("unexpected replan requests %+v", reqs)
	}

	if len(snap.Steps) != 5 {
		t.Fatalf("expected 5 steps after splice, got %d", len(snap.Steps))
	}
	fix, finish := snap.Steps[3], snap.Steps[4]
	if !strings.HasPrefix(fix.ID, "replan-") || !strings.HasSuffix(fix.ID, "/fix") {
		t.Fatalf("unexpected spliced id %q", fix.ID)
	}
	if fix.Origin == "" || fix.Origin != finish.Origin {
		t.Fatalf("origins %q and %q", fix.Origin, finish.Origin)
	}
	if len(fix.Dependencies) != 0 {
		t.Fatalf("fix deps = %v, nothing had completed", fix.Dependencies)
	}
	if len(finish.Dependencies) != 1 || finish.Dependencies[0] != fix.ID {
		t.Fatalf("finish deps = %v, want [%s]", finish.Dependencies, fix.ID)
	}
	if fix.Status != graph.StatusCompleted || finish.Status != graph.StatusCompleted {
		t.Fatalf("spliced steps = %s, %s", fix.Status, finish.Status)
	}
}

func TestVerificationFailureReplansWithAutoWire(t *testing.T) {
	orc := newFakeOracle(
		step("a", graph.ActionAnalysis),
		step("b", graph.ActionCode, "a"),
	)
	orc.reject["b"] = "tests missing"
	orc.replan = func(req *oracle.ReplanRequest) (*oracle.PlanResult, error) {
		// Reuses an existing local id on purpose.
		return &oracle.PlanResult{Steps: []graph.Step{step("a", graph.ActionCode)}}, nil
	}
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "verify", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)

	snap := e.Snapshot()
	b := stepByID(t, snap, "b")
	if b.Error != "verification failed: tests missing" {
		t.Fatalf("b error = %q", b.Error)
	}
	if countEvents(e, event.VerificationFailed) != 1 {
		t.Fatal("verification.failed not emitted")
	}

	seen := map[string]bool{}
	for _, s := range snap.Steps {
		if seen[s.ID] {
			t.Fatalf("duplicate step id %s", s.ID)
		}
		seen[s.ID] = true
	}
	spliced := snap.Steps[len(snap.Steps)-1]
	if spliced.ID == "a" || len(spliced.Dependencies) != 1 || spliced.Dependencies[0] != "a" {
		t.Fatalf("spliced step %s deps %v, want wired to a", spliced.ID, spliced.Dependencies)
	}
	if spliced.Status != graph.StatusCompleted || snap.Phase != PhaseCompleted {
		t.Fatalf("spliced %s, phase %s", spliced.Status, snap.Phase)
	}
}

func TestReplanNamespacesAreDisjoint(t *testing.T) {
	orc := newFakeOracle(
		step("a", graph.ActionAnalysis),
		step("b", graph.ActionAnalysis),
	)
	orc.execErr["a"] = errors.New("a broke")
	orc.execErr["b"] = errors.New("b broke")
	orc.replan = func(req *oracle.ReplanRequest) (*oracle.PlanResult, error) {
		return &oracle.PlanResult{Steps: []graph.Step{step("retry", graph.ActionAnalysis)}}, nil
	}
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "twice", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)

	snap := e.Snapshot()
	origins := map[string]bool{}
	for _, s := range snap.Steps[2:] {
		origins[s.Origin] = true
	}
	if len(snap.Steps) != 4 || len(origins) != 2 {
		t.Fatalf("expected two spliced steps from distinct replans, got %d steps, origins %v", len(snap.Steps), origins)
	}
	if snap.Steps[2].ID == snap.Steps[3].ID {
		t.Fatalf("replans collided on %s", snap.Steps[2].ID)
	}
}

func TestReplanErrorFailsWorkflow(t *testing.T) {
	orc := newFakeOracle(step("a", graph.ActionAnalysis))
	orc.execErr["a"] = errors.New("boom")
	orc.replan = func(req *oracle.ReplanRequest) (*oracle.PlanResult, error) {
		return nil, oracle.ErrQuotaExceeded
	}
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "g", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)

	snap := e.Snapshot()
	if snap.Phase != PhaseFailed {
		t.Fatalf("phase = %s, want FAILED", snap.Phase)
	}
	if !strings.Contains(snap.Error, "replan") {
		t.Fatalf("error = %q", snap.Error)
	}
	if countEvents(e, event.ReplanFailed) != 1 || countEvents(e, event.WorkflowFailed) != 1 {
		t.Fatal("missing replan.failed or workflow.failed")
	}
}

func TestForceFailDiscardsLateResult(t *testing.T) {
	orc := newFakeOracle(step("slow", graph.ActionAnalysis))
	orc.gates["slow"] = make(chan struct{})
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "g", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	e.Tick(context.Background())

	if err := e.ForceFail("slow", "taking too long"); err != nil {
		t.Fatalf("force fail: %v", err)
	}
	close(orc.gates["slow"])
	e.Wait()

	snap := e.Snapshot()
	slow := stepByID(t, snap, "slow")
	if slow.Status != graph.StatusFailed || slow.Error != "manually failed: taking too long" {
		t.Fatalf("slow = %s %q", slow.Status, slow.Error)
	}
	if countEvents(e, event.StepCompleted) != 0 {
		t.Fatal("late result was committed")
	}

	drive(t, e, terminal)
	if err := e.ForceFail("slow", "again"); !errors.Is(err, ErrStepSettled) {
		t.Fatalf("err = %v, want ErrStepSettled", err)
	}
	if err := e.ForceFail("ghost", "x"); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("err = %v, want ErrUnknownStep", err)
	}
}

// ─── Approval gate ───

type recordingApprover struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingApprover) RequestApproval(ctx context.Context, s graph.Step, a *agent.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, s.ID)
}

func (r *recordingApprover) requested() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

func TestApprovalGateQueuesAndResumes(t *testing.T) {
	orc := newFakeOracle(
		step("x", graph.ActionIntegration),
		step("y", graph.ActionIntegration),
	)
	approver := &recordingApprover{}
	e := newTestEngine(t, orc, Options{Approver: approver})
	if _, err := e.Start(context.Background(), "ship", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, func(p Phase) bool { return p == PhaseAwaitingInput && len(e.Snapshot().PendingApprovals) == 2 })

	snap := e.Snapshot()
	head, second := snap.PendingApprovals[0], snap.PendingApprovals[1]
	if got := approver.requested(); len(got) != 1 || got[0] != head {
		t.Fatalf("approver told about %v, want only %s", got, head)
	}
	if len(orc.executed) != 0 {
		t.Fatalf("gated steps executed: %v", orc.executed)
	}

	if err := e.Approve(second); err != nil {
		t.Fatalf("approve %s: %v", second, err)
	}
	if err := e.Approve(second); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Fatalf("second approve err = %v, want ErrNotAwaitingApproval", err)
	}
	e.Wait()
	if e.Phase() != PhaseAwaitingInput {
		t.Fatalf("phase = %s while %s still waits", e.Phase(), head)
	}
	if got := approver.requested(); len(got) != 1 {
		t.Fatalf("approver re-notified: %v", got)
	}

	if err := e.Approve(head); err != nil {
		t.Fatalf("approve %s: %v", head, err)
	}
	e.Wait()
	drive(t, e, terminal)

	snap = e.Snapshot()
	if snap.Phase != PhaseCompleted {
		t.Fatalf("phase = %s", snap.Phase)
	}
	for _, id := range []string{"x", "y"} {
		s := stepByID(t, snap, id)
		if s.Status != graph.StatusCompleted || !s.ApprovalGranted || snap.Overlays[id].Attempts != 2 {
			t.Fatalf("%s = %s granted=%v attempts=%d", id, s.Status, s.ApprovalGranted, snap.Overlays[id].Attempts)
		}
	}
	if err := e.Approve("ghost"); !errors.Is(err, ErrUnknownStep) {
		t.Fatalf("err = %v, want ErrUnknownStep", err)
	}
}

func TestRejectFailsStepAndReplans(t *testing.T) {
	orc := newFakeOracle(
		step("build", graph.ActionCode),
		step("deploy", graph.ActionIntegration, "build"),
	)
	orc.replan = func(req *oracle.ReplanRequest) (*oracle.PlanResult, error) {
		return &oracle.PlanResult{Steps: []graph.Step{step("report", graph.ActionAnalysis)}}, nil
	}
	e := newTestEngine(t, orc, Options{})
	if _, err := e.Start(context.Background(), "release", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, func(p Phase) bool { return p == PhaseAwaitingInput })

	if err := e.Reject("deploy", "not on a friday"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := e.Reject("deploy", "again"); !errors.Is(err, ErrNotAwaitingApproval) {
		t.Fatalf("second reject err = %v", err)
	}
	e.Wait()
	drive(t, e, terminal)

	snap := e.Snapshot()
	deploy := stepByID(t, snap, "deploy")
	if deploy.Status != graph.StatusFailed || deploy.Error != RejectedReason {
		t.Fatalf("deploy = %s %q", deploy.Status, deploy.Error)
	}
	reqs := orc.replanRequests()
	if len(reqs) != 1 || reqs[0].ErrorReason != RejectedReason {
		t.Fatalf("replan requests %+v", reqs)
	}
	report := snap.Steps[len(snap.Steps)-1]
	if len(report.Dependencies) != 1 || report.Dependencies[0] != "build" {
		t.Fatalf("report deps = %v, want [build]", report.Dependencies)
	}
	if countEvents(e, event.StepRejected) != 1 {
		t.Fatal("step.rejected not emitted")
	}
}

// ─── Results ───

func TestCommitExtractsArtifactsAndPersists(t *testing.T) {
	orc := newFakeOracle(step("build", graph.ActionCode))
	orc.outputs["build"] = "Done.\n\n```go\npackage main\n```\n\n![diagram](offline://build.png)\n"
	orc.tokens["build"] = 50
	orc.verifyTok = 7
	store := db.NewMemoryStore()
	e := newTestEngine(t, orc, Options{Store: store})

	id, err := e.Start(context.Background(), "code", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)

	snap := e.Snapshot()
	if len(snap.Artifacts) != 2 {
		t.Fatalf("artifacts = %+v", snap.Artifacts)
	}
	if countEvents(e, event.ArtifactGenerated) != 2 {
		t.Fatal("artifact.generated not emitted twice")
	}

	coder := snap.Overlays["build"].AgentID
	if m, _ := e.Metrics().Agent(coder); m.TokensUsed != 50 {
		t.Fatalf("coder tokens = %d, want 50", m.TokensUsed)
	}
	verifier, _ := e.Registry().ByRole(agent.RoleVerifier)
	if m, _ := e.Metrics().Agent(verifier.ID); m.TokensUsed != 7 || m.VerificationsPassed != 1 {
		t.Fatalf("verifier metrics = %+v", m)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	arts, err := store.ListArtifacts(ctx, id)
	if err != nil || len(arts) != 2 {
		t.Fatalf("stored artifacts = %d, err %v", len(arts), err)
	}
	persisted, err := e.Persisted(ctx, "")
	if err != nil {
		t.Fatalf("persisted: %v", err)
	}
	if persisted.WorkflowID != id || persisted.Phase != PhaseCompleted || persisted.Revision != snap.Revision {
		t.Fatalf("persisted %s %s rev %d, want %s COMPLETED rev %d", persisted.WorkflowID, persisted.Phase, persisted.Revision, id, snap.Revision)
	}
	events, err := e.PersistedEvents(ctx, id, 0)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != len(e.Timeline()) {
		t.Fatalf("persisted %d events, timeline has %d", len(events), len(e.Timeline()))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("events out of order at %d", i)
		}
	}
}

func TestMaintenanceSweepsRoundRobin(t *testing.T) {
	orc := newFakeOracle(
		step("a", graph.ActionAnalysis),
		step("b", graph.ActionAnalysis),
		step("c", graph.ActionAnalysis),
	)
	orc.finding["b"] = "source moved"
	e := newTestEngine(t, orc, Options{Maintenance: MaintenanceOptions{Enabled: true, Batch: 2}})
	if _, err := e.Start(context.Background(), "watch", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	drive(t, e, terminal)
	if e.Phase() != PhaseMaintenance {
		t.Fatalf("phase = %s, want MAINTENANCE", e.Phase())
	}

	for i := 0; i < 2; i++ {
		if err := e.Sweep(context.Background()); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}

	swept := map[string]int{}
	for _, id := range orc.sweptIDs {
		swept[id]++
	}
	if len(orc.sweptIDs) != 4 || swept["a"] != 2 || swept["b"] != 1 || swept["c"] != 1 {
		t.Fatalf("swept %v", orc.sweptIDs)
	}
	if countEvents(e, event.MaintenanceFinding) != 1 || countEvents(e, event.MaintenanceClean) != 3 {
		t.Fatalf("findings %d, clean %d", countEvents(e, event.MaintenanceFinding), countEvents(e, event.MaintenanceClean))
	}
	if stepByID(t, e.Snapshot(), "b").Status != graph.StatusCompleted {
		t.Fatal("maintenance changed step status")
	}
}

func TestSweepOutsideMaintenanceIsNoop(t *testing.T) {
	e := newTestEngine(t, newFakeOracle(), Options{})
	if err := e.Sweep(context.Background()); !errors.Is(err, ErrNoWorkflow) {
		t.Fatalf("err = %v, want ErrNoWorkflow", err)
	}
}
