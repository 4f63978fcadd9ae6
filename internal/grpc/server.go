package grpc

import (
	"context"
	"errors"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sunshow/workgear/conductor/internal/db"
	"github.com/sunshow/workgear/conductor/internal/engine"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
)

// streamBuffer is the per-client event buffer; slower clients lose events.
const streamBuffer = 256

// Server implements the Conductor gRPC service on top of an engine.
type Server struct {
	engine *engine.Engine
	logger *zap.SugaredLogger
}

// NewServer creates a new gRPC server
func NewServer(e *engine.Engine, logger *zap.SugaredLogger) *Server {
	return &Server{engine: e, logger: logger}
}

// Register registers the service with a gRPC server
func (s *Server) Register(server *grpclib.Server) {
	server.RegisterService(&serviceDesc, s)
}

// ─── Workflow Management ───

func (s *Server) StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error) {
	s.logger.Infow("StartWorkflow called", "goal", req.Goal, "plan", req.PlanYAML != "")

	var (
		id  string
		err error
	)
	if req.PlanYAML != "" {
		plan, perr := graph.ParsePlan(req.PlanYAML, req.Params)
		if perr != nil {
			return &StartWorkflowResponse{Success: false, Error: perr.Error()}, nil
		}
		if req.Goal != "" {
			plan.Goal = req.Goal
		}
		id, err = s.engine.StartWithPlan(ctx, plan)
	} else {
		if req.Goal == "" {
			return nil, status.Error(codes.InvalidArgument, "goal is required")
		}
		id, err = s.engine.Start(ctx, req.Goal, req.Image)
	}
	if err != nil {
		s.logger.Errorw("StartWorkflow failed", "error", err)
		return &StartWorkflowResponse{Success: false, Error: err.Error(), WorkflowID: id, Phase: string(s.engine.Phase())}, nil
	}
	return &StartWorkflowResponse{Success: true, WorkflowID: id, Phase: string(s.engine.Phase())}, nil
}

func (s *Server) GetSnapshot(ctx context.Context, req *GetSnapshotRequest) (*GetSnapshotResponse, error) {
	if req.WorkflowID == "" || req.WorkflowID == s.engine.WorkflowID() {
		return &GetSnapshotResponse{Snapshot: s.engine.Snapshot()}, nil
	}
	snap, err := s.engine.Persisted(ctx, req.WorkflowID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "workflow %s not found", req.WorkflowID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "load workflow: %v", err)
	}
	return &GetSnapshotResponse{Snapshot: snap}, nil
}

func (s *Server) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	resp := &GetMetricsResponse{Agents: s.engine.Metrics().Snapshot()}
	if req.IncludeHistory {
		resp.History = s.engine.Metrics().History()
	}
	return resp, nil
}

func (s *Server) ResetWorkflow(ctx context.Context, req *ResetWorkflowRequest) (*ActionResponse, error) {
	s.logger.Infow("ResetWorkflow called", "workflow_id", s.engine.WorkflowID())
	s.engine.Reset()
	return &ActionResponse{Success: true}, nil
}

// ─── Human Actions ───

func (s *Server) ApproveStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error) {
	s.logger.Infow("ApproveStep called", "step_id", req.StepID)
	return s.action("ApproveStep", s.engine.Approve(req.StepID))
}

func (s *Server) RejectStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error) {
	s.logger.Infow("RejectStep called", "step_id", req.StepID, "note", req.Note)
	return s.action("RejectStep", s.engine.Reject(req.StepID, req.Note))
}

func (s *Server) ForceFailStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error) {
	s.logger.Infow("ForceFailStep called", "step_id", req.StepID, "reason", req.Note)
	return s.action("ForceFailStep", s.engine.ForceFail(req.StepID, req.Note))
}

func (s *Server) action(name string, err error) (*ActionResponse, error) {
	if err != nil {
		s.logger.Errorw(name+" failed", "error", err)
		return &ActionResponse{Success: false, Error: err.Error()}, nil
	}
	return &ActionResponse{Success: true}, nil
}

// ─── Event Stream ───

func (s *Server) StreamEvents(req *StreamEventsRequest, stream EventStream) error {
	s.logger.Infow("StreamEvents started", "workflow_id", req.WorkflowID, "after_seq", req.AfterSeq)

	ctx := stream.Context()
	ch := make(chan *event.Event, streamBuffer)

	subChannel := event.Wildcard
	if req.WorkflowID != "" {
		subChannel = event.Channel(req.WorkflowID)
	}

	// Subscribe before replaying so nothing falls between the two.
	unsubscribe := s.engine.Bus().Subscribe(subChannel, func(evt *event.Event) {
		c := *evt
		select {
		case ch <- &c:
		default:
			s.logger.Warnw("Event dropped, client too slow", "event_type", evt.Type, "seq", evt.Seq)
		}
	})
	defer unsubscribe()

	last := req.AfterSeq
	for _, evt := range s.engine.Timeline() {
		if evt.Seq <= last || (req.WorkflowID != "" && evt.WorkflowID != req.WorkflowID) {
			continue
		}
		if err := stream.Send(&evt); err != nil {
			return err
		}
		last = evt.Seq
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("StreamEvents closed", "workflow_id", req.WorkflowID)
			return nil
		case evt := <-ch:
			if evt.Seq <= last {
				continue
			}
			if err := stream.Send(evt); err != nil {
				s.logger.Warnw("Failed to send event", "error", err)
				return err
			}
			last = evt.Seq
		}
	}
}
