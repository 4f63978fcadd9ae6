package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/sunshow/workgear/conductor/internal/event"
	grpcserver "github.com/sunshow/workgear/conductor/internal/grpc"
)

const remoteTimeout = 10 * time.Second

// withClient dials --addr and hands fn a client and a bounded context.
func withClient(cmd *cobra.Command, timeout time.Duration, fn func(ctx context.Context, c *grpcserver.Client) error) error {
	client, err := grpcserver.Dial(serverAddr)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, client)
}

func actionResult(cmd *cobra.Command, what string, resp *grpcserver.ActionResponse) error {
	if !resp.Success {
		return errors.New(resp.Error)
	}
	fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(what))
	return nil
}

func newStatusCmd() *cobra.Command {
	var workflowID string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current (or a persisted) workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, remoteTimeout, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.GetSnapshot(ctx, &grpcserver.GetSnapshotRequest{WorkflowID: workflowID})
				if err != nil {
					return err
				}
				printSnapshot(cmd.OutOrStdout(), resp.Snapshot)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "load a persisted workflow by id")
	return cmd
}

// stepActionCmd builds approve, reject and fail, which share a shape.
func stepActionCmd(use, short, done string, call func(*grpcserver.Client, context.Context, *grpcserver.StepActionRequest) (*grpcserver.ActionResponse, error)) *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   use + " <step-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, remoteTimeout, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := call(c, ctx, &grpcserver.StepActionRequest{StepID: args[0], Note: note})
				if err != nil {
					return err
				}
				return actionResult(cmd, fmt.Sprintf("%s %s", done, args[0]), resp)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "reason recorded on the step")
	return cmd
}

func newApproveCmd() *cobra.Command {
	return stepActionCmd("approve", "Approve a step waiting at the gate", "Approved", (*grpcserver.Client).ApproveStep)
}

func newRejectCmd() *cobra.Command {
	return stepActionCmd("reject", "Reject a step waiting at the gate and replan", "Rejected", (*grpcserver.Client).RejectStep)
}

func newFailCmd() *cobra.Command {
	return stepActionCmd("fail", "Force a step to fail and replan around it", "Failed", (*grpcserver.Client).ForceFailStep)
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard the current workflow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, remoteTimeout, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.ResetWorkflow(ctx)
				if err != nil {
					return err
				}
				return actionResult(cmd, "Reset", resp)
			})
		},
	}
}

func newEventsCmd() *cobra.Command {
	var (
		workflowID string
		afterSeq   int64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Replay and follow the event timeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			cmd.SetContext(ctx)

			out := cmd.OutOrStdout()
			return withClient(cmd, 0, func(ctx context.Context, c *grpcserver.Client) error {
				err := c.StreamEvents(ctx, &grpcserver.StreamEventsRequest{WorkflowID: workflowID, AfterSeq: afterSeq}, func(evt *event.Event) error {
					printEvent(out, evt)
					return nil
				})
				if status.Code(err) == codes.Canceled || errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&workflowID, "workflow", "", "only events of this workflow")
	cmd.Flags().Int64Var(&afterSeq, "after", 0, "skip events up to this sequence number")
	return cmd
}

func newMetricsCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show per-agent performance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, remoteTimeout, func(ctx context.Context, c *grpcserver.Client) error {
				resp, err := c.GetMetrics(ctx, &grpcserver.GetMetricsRequest{IncludeHistory: history})
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				printMetrics(out, resp.Agents)
				if history {
					fmt.Fprintf(out, "\n%d history points\n", len(resp.History))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "include the per-completion history")
	return cmd
}
