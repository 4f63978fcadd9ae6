package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sunshow/workgear/conductor/internal/graph"
)

func newPlanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Work with YAML plan files",
	}
	cmd.AddCommand(newPlanValidateCmd())
	return cmd
}

func newPlanValidateCmd() *cobra.Command {
	var params map[string]string
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Parse a plan and print its execution layers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read plan: %w", err)
			}
			plan, err := graph.ParsePlan(string(data), params)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			name := plan.Name
			if name == "" {
				name = args[0]
			}
			fmt.Fprintf(out, "%s %s: %d steps\n", okStyle.Render("Valid"), name, len(plan.Steps))
			if plan.Goal != "" {
				fmt.Fprintf(out, "  Goal: %s\n", plan.Goal)
			}
			for i, layer := range graph.Layers(plan.Steps) {
				fmt.Fprintf(out, "  %d: %s\n", i, strings.Join(layer, ", "))
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVar(&params, "param", nil, "plan parameter as key=value (repeatable)")
	return cmd
}
