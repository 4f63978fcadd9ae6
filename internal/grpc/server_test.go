package grpc

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/engine"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/oracle"
)

var errStop = errors.New("stop")

func startServer(t *testing.T) (*Client, *engine.Engine) {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()

	registry, err := agent.NewRegistry(agent.DefaultAgents()...)
	if err != nil {
		t.Fatal(err)
	}
	e, err := engine.New(oracle.NewOffline(0, logger), registry, nil, engine.Options{
		TickInterval: 10 * time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	server := grpclib.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	NewServer(e, logger).Register(server)
	go func() { _ = server.Serve(lis) }()

	client, err := Dial("passthrough:///bufnet", grpclib.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		server.Stop()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return client, e
}

func waitForPhase(t *testing.T, c *Client, want engine.Phase) *engine.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := c.GetSnapshot(context.Background(), &GetSnapshotRequest{})
		if err != nil {
			t.Fatalf("get snapshot: %v", err)
		}
		if resp.Snapshot.Phase == want {
			return resp.Snapshot
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("workflow never reached %s", want)
	return nil
}

func TestWorkflowOverGRPC(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start, err := client.StartWorkflow(ctx, &StartWorkflowRequest{Goal: "write a parser"})
	if err != nil || !start.Success {
		t.Fatalf("start: %v %+v", err, start)
	}

	again, err := client.StartWorkflow(ctx, &StartWorkflowRequest{Goal: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if again.Success {
		t.Fatal("second start should fail while the first is active")
	}

	snap := waitForPhase(t, client, engine.PhaseAwaitingInput)
	if len(snap.PendingApprovals) != 1 || snap.PendingApprovals[0] != "integrate" {
		t.Fatalf("pending approvals = %v", snap.PendingApprovals)
	}

	approve, err := client.ApproveStep(ctx, &StepActionRequest{StepID: "integrate"})
	if err != nil || !approve.Success {
		t.Fatalf("approve: %v %+v", err, approve)
	}
	dup, err := client.ApproveStep(ctx, &StepActionRequest{StepID: "integrate"})
	if err != nil || dup.Success {
		t.Fatalf("duplicate approve should report failure: %v %+v", err, dup)
	}

	snap = waitForPhase(t, client, engine.PhaseCompleted)
	if snap.WorkflowID != start.WorkflowID || len(snap.Artifacts) == 0 {
		t.Fatalf("unexpected final snapshot: id %s, %d artifacts", snap.WorkflowID, len(snap.Artifacts))
	}

	var completed int
	streamCtx, stopStream := context.WithTimeout(ctx, 5*time.Second)
	defer stopStream()
	err = client.StreamEvents(streamCtx, &StreamEventsRequest{WorkflowID: start.WorkflowID}, func(evt *event.Event) error {
		if evt.WorkflowID != start.WorkflowID {
			t.Fatalf("event for other workflow: %+v", evt)
		}
		if evt.Type == event.WorkflowCompleted {
			completed++
			return errStop
		}
		return nil
	})
	if !errors.Is(err, errStop) || completed != 1 {
		t.Fatalf("stream ended with %v after %d completions", err, completed)
	}

	m, err := client.GetMetrics(ctx, &GetMetricsRequest{IncludeHistory: true})
	if err != nil {
		t.Fatal(err)
	}
	if m.Agents["researcher"].StepsCompleted == 0 || len(m.History) == 0 {
		t.Fatalf("metrics = %+v", m.Agents["researcher"])
	}
}

func TestForceFailAndResetOverGRPC(t *testing.T) {
	client, e := startServer(t)
	ctx := context.Background()

	resp, err := client.ForceFailStep(ctx, &StepActionRequest{StepID: "x", Note: "n"})
	if err != nil || resp.Success {
		t.Fatalf("force fail with no workflow: %v %+v", err, resp)
	}

	if _, err := client.StartWorkflow(ctx, &StartWorkflowRequest{Goal: "g"}); err != nil {
		t.Fatal(err)
	}
	waitForPhase(t, client, engine.PhaseAwaitingInput)
	reject, err := client.RejectStep(ctx, &StepActionRequest{StepID: "integrate", Note: "not yet"})
	if err != nil || !reject.Success {
		t.Fatalf("reject: %v %+v", err, reject)
	}

	if _, err := client.ResetWorkflow(ctx); err != nil {
		t.Fatal(err)
	}
	if e.Phase() != engine.PhaseIdle {
		t.Fatalf("phase after reset = %s", e.Phase())
	}

	_, err = client.GetSnapshot(ctx, &GetSnapshotRequest{WorkflowID: "missing"})
	if status.Code(err) != codes.NotFound {
		t.Fatalf("err = %v, want NotFound", err)
	}

	_, err = client.StartWorkflow(ctx, &StartWorkflowRequest{})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("err = %v, want InvalidArgument", err)
	}
}

func TestStartWorkflowFromPlanYAML(t *testing.T) {
	client, _ := startServer(t)
	plan := `
name: tiny
goal: "Summarise {{params.topic}}"
steps:
  - id: read
    action: RESEARCH
    label: "Read about {{params.topic}}"
  - id: sum
    action: ANALYSIS
    depends_on: [read]
`
	resp, err := client.StartWorkflow(context.Background(), &StartWorkflowRequest{
		PlanYAML: plan,
		Params:   map[string]string{"topic": "gRPC"},
	})
	if err != nil || !resp.Success {
		t.Fatalf("start: %v %+v", err, resp)
	}
	snap := waitForPhase(t, client, engine.PhaseCompleted)
	if snap.Goal != "Summarise gRPC" || snap.Steps[0].Label != "Read about gRPC" {
		t.Fatalf("params not applied: goal %q, label %q", snap.Goal, snap.Steps[0].Label)
	}

	bad, err := client.StartWorkflow(context.Background(), &StartWorkflowRequest{PlanYAML: "steps: []"})
	if err != nil || bad.Success {
		t.Fatalf("empty plan should be rejected: %v %+v", err, bad)
	}
}
