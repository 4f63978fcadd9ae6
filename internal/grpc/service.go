package grpc

import (
	"context"

	grpclib "google.golang.org/grpc"

	"github.com/sunshow/workgear/conductor/internal/engine"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/metrics"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "conductor.v1.Conductor"

// ─── Messages ───

type StartWorkflowRequest struct {
	Goal  string `json:"goal"`
	Image string `json:"image,omitempty"`
	// PlanYAML, when set, runs the plan file instead of asking the oracle.
	PlanYAML string            `json:"plan_yaml,omitempty"`
	Params   map[string]string `json:"params,omitempty"`
}

type StartWorkflowResponse struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Phase      string `json:"phase,omitempty"`
}

// GetSnapshotRequest selects the live workflow when WorkflowID is empty or
// matches it, and the stored snapshot otherwise.
type GetSnapshotRequest struct {
	WorkflowID string `json:"workflow_id,omitempty"`
}

type GetSnapshotResponse struct {
	Snapshot *engine.Snapshot `json:"snapshot"`
}

type GetMetricsRequest struct {
	IncludeHistory bool `json:"include_history,omitempty"`
}

type GetMetricsResponse struct {
	Agents  map[string]metrics.AgentMetrics `json:"agents"`
	History []metrics.HistoryPoint          `json:"history,omitempty"`
}

type StepActionRequest struct {
	StepID string `json:"step_id"`
	Note   string `json:"note,omitempty"`
}

type ActionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type ResetWorkflowRequest struct{}

// StreamEventsRequest replays events after AfterSeq, then follows live
// events. An empty WorkflowID streams every workflow.
type StreamEventsRequest struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	AfterSeq   int64  `json:"after_seq,omitempty"`
}

// ConductorService is implemented by Server.
type ConductorService interface {
	StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error)
	GetSnapshot(ctx context.Context, req *GetSnapshotRequest) (*GetSnapshotResponse, error)
	GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error)
	ApproveStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error)
	RejectStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error)
	ForceFailStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error)
	ResetWorkflow(ctx context.Context, req *ResetWorkflowRequest) (*ActionResponse, error)
	StreamEvents(req *StreamEventsRequest, stream EventStream) error
}

// EventStream is the server side of StreamEvents.
type EventStream interface {
	Send(evt *event.Event) error
	Context() context.Context
}

// ─── Descriptor ───

var serviceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ConductorService)(nil),
	Methods: []grpclib.MethodDesc{
		unary("StartWorkflow", ConductorService.StartWorkflow),
		unary("GetSnapshot", ConductorService.GetSnapshot),
		unary("GetMetrics", ConductorService.GetMetrics),
		unary("ApproveStep", ConductorService.ApproveStep),
		unary("RejectStep", ConductorService.RejectStep),
		unary("ForceFailStep", ConductorService.ForceFailStep),
		unary("ResetWorkflow", ConductorService.ResetWorkflow),
	},
	Streams: []grpclib.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

// unary builds the method descriptor for one request/response call.
func unary[Req, Resp any](name string, call func(ConductorService, context.Context, *Req) (*Resp, error)) grpclib.MethodDesc {
	return grpclib.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			svc := srv.(ConductorService)
			if interceptor == nil {
				return call(svc, ctx, in)
			}
			info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(svc, ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

type eventStream struct {
	grpclib.ServerStream
}

func (s *eventStream) Send(evt *event.Event) error {
	return s.ServerStream.SendMsg(evt)
}

func streamEventsHandler(srv any, stream grpclib.ServerStream) error {
	in := new(StreamEventsRequest)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(ConductorService).StreamEvents(in, &eventStream{stream})
}
