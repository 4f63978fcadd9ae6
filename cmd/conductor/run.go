package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sunshow/workgear/conductor/internal/agent"
	"github.com/sunshow/workgear/conductor/internal/config"
	"github.com/sunshow/workgear/conductor/internal/engine"
	"github.com/sunshow/workgear/conductor/internal/event"
	"github.com/sunshow/workgear/conductor/internal/graph"
)

func newRunCmd() *cobra.Command {
	var (
		planFile    string
		params      map[string]string
		image       string
		autoApprove bool
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run [goal]",
		Short: "Run a workflow in-process",
		Long: `Run plans the goal (or loads --plan), executes it with the offline oracle
and streams the timeline until the workflow finishes.

Integration steps stop at the approval gate: you are asked on stdin unless
--auto-approve is set.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if planFile == "" && len(args) == 0 {
				return fmt.Errorf("a goal or --plan is required")
			}
			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			// Runs end when the graph settles; sweeping afterwards would only
			// keep the process alive.
			cfg.MaintenanceEnabled = false

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			store, err := cfg.OpenStore(ctx, logger)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			out := cmd.OutOrStdout()
			gate := &promptApprover{in: bufio.NewReader(cmd.InOrStdin()), out: out, auto: autoApprove}
			eng, err := cfg.Engine(store, gate, logger)
			if err != nil {
				return err
			}
			gate.engine = eng
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = eng.Close(closeCtx)
			}()

			var printMu sync.Mutex
			unsubscribe := eng.Bus().Subscribe(event.Wildcard, func(evt *event.Event) {
				if evt.Type == event.TokensEstimated && !verbose {
					return
				}
				printMu.Lock()
				defer printMu.Unlock()
				printEvent(out, evt)
			})
			defer unsubscribe()

			if planFile != "" {
				data, err := os.ReadFile(planFile)
				if err != nil {
					return fmt.Errorf("read plan: %w", err)
				}
				plan, err := graph.ParsePlan(string(data), params)
				if err != nil {
					return err
				}
				if len(args) == 1 {
					plan.Goal = args[0]
				}
				if _, err := eng.StartWithPlan(ctx, plan); err != nil {
					return err
				}
			} else if _, err := eng.Start(ctx, args[0], image); err != nil {
				return err
			}

			select {
			case <-eng.Done():
			case <-ctx.Done():
				fmt.Fprintln(out, warnStyle.Render("Interrupted."))
			}
			eng.Wait()

			unsubscribe()
			printMu.Lock()
			defer printMu.Unlock()
			fmt.Fprintln(out)
			snap := eng.Snapshot()
			printSnapshot(out, snap)
			fmt.Fprintln(out)
			printMetrics(out, eng.Metrics().Snapshot())
			if snap.Phase == engine.PhaseFailed {
				return fmt.Errorf("workflow failed: %s", snap.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&planFile, "plan", "p", "", "run a YAML plan file instead of planning the goal")
	cmd.Flags().StringToStringVar(&params, "param", nil, "plan parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&image, "image", "", "optional image reference handed to the planner")
	cmd.Flags().BoolVarP(&autoApprove, "auto-approve", "y", false, "approve every integration step")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 waits forever)")
	return cmd
}

// promptApprover asks the operator on stdin, or approves everything.
type promptApprover struct {
	engine *engine.Engine
	in     *bufio.Reader
	out    io.Writer
	auto   bool
	mu     sync.Mutex
}

func (p *promptApprover) RequestApproval(ctx context.Context, step graph.Step, a *agent.Agent) {
	// The engine calls this from a pipeline; answering happens asynchronously
	// so the pipeline returns.
	go p.answer(step, a)
}

func (p *promptApprover) answer(step graph.Step, a *agent.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.auto {
		_ = p.engine.Approve(step.ID)
		return
	}
	who := "unassigned"
	if a != nil {
		who = a.Name
	}
	fmt.Fprintf(p.out, "%s %s (%s, tool %q, agent %s) [y/N]: ",
		warnStyle.Render("Approve"), step.ID, step.Label, step.ToolID, who)
	line, _ := p.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		_ = p.engine.Approve(step.ID)
	default:
		_ = p.engine.Reject(step.ID, "declined at prompt")
	}
}
