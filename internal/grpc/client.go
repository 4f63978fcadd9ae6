package grpc

import (
	"context"
	"errors"
	"io"

	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/sunshow/workgear/conductor/internal/event"
)

// Client talks to a Conductor server using the JSON codec.
type Client struct {
	conn *grpclib.ClientConn
}

// Dial connects to target. Extra options are appended to the defaults,
// which use plaintext transport.
func Dial(target string, opts ...grpclib.DialOption) (*Client, error) {
	base := []grpclib.DialOption{
		grpclib.WithTransportCredentials(insecure.NewCredentials()),
		grpclib.WithDefaultCallOptions(grpclib.CallContentSubtype(codecName)),
	}
	conn, err := grpclib.NewClient(target, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	out := new(Resp)
	if err := c.conn.Invoke(ctx, fullMethod(method), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) StartWorkflow(ctx context.Context, req *StartWorkflowRequest) (*StartWorkflowResponse, error) {
	return invoke[StartWorkflowResponse](ctx, c, "StartWorkflow", req)
}

func (c *Client) GetSnapshot(ctx context.Context, req *GetSnapshotRequest) (*GetSnapshotResponse, error) {
	return invoke[GetSnapshotResponse](ctx, c, "GetSnapshot", req)
}

func (c *Client) GetMetrics(ctx context.Context, req *GetMetricsRequest) (*GetMetricsResponse, error) {
	return invoke[GetMetricsResponse](ctx, c, "GetMetrics", req)
}

func (c *Client) ApproveStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error) {
	return invoke[ActionResponse](ctx, c, "ApproveStep", req)
}

func (c *Client) RejectStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error) {
	return invoke[ActionResponse](ctx, c, "RejectStep", req)
}

func (c *Client) ForceFailStep(ctx context.Context, req *StepActionRequest) (*ActionResponse, error) {
	return invoke[ActionResponse](ctx, c, "ForceFailStep", req)
}

func (c *Client) ResetWorkflow(ctx context.Context) (*ActionResponse, error) {
	return invoke[ActionResponse](ctx, c, "ResetWorkflow", &ResetWorkflowRequest{})
}

// StreamEvents calls fn for every event until ctx ends, the server closes
// the stream or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, req *StreamEventsRequest, fn func(*event.Event) error) error {
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethod("StreamEvents"))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(req); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		evt := new(event.Event)
		if err := stream.RecvMsg(evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(evt); err != nil {
			return err
		}
	}
}
