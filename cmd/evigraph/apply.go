package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"evigraph/internal/contract"
	"evigraph/internal/logging"
	"evigraph/internal/schedule"
)

func applyCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "apply <contract>",
		Short: "Apply a contract document to the graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(args[0], actor)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "contract", "Actor recorded in the journal")
	return cmd
}

func runApply(path, actor string) error {
	ctx := context.Background()

	c, err := contract.Load(path)
	if err != nil {
		return err
	}

	eng, _, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	res, err := contract.Apply(ctx, eng, c, actor, logging.New("contract"))
	if res != nil {
		fmt.Fprintf(os.Stdout, "Steps applied: %d of %d\n", res.Steps, len(c.Steps))
		fmt.Fprintf(os.Stdout, "  Artifacts:   %d\n", len(res.Artifacts))
		fmt.Fprintf(os.Stdout, "  Anchors:     %d\n", len(res.Anchors))
		fmt.Fprintf(os.Stdout, "  Constraints: %d\n", len(res.Constraints))
		fmt.Fprintf(os.Stdout, "  Actions:     %d\n", len(res.Actions))
	}
	if err != nil {
		return err
	}

	if frontier := eng.Scheduler.Frontier(); len(frontier) > 0 {
		fmt.Fprintln(os.Stdout, "\nFrontier:")
		printFrontier(os.Stdout, frontier)
	}
	return nil
}

func printFrontier(out io.Writer, frontier []schedule.Ranked) {
	for i, r := range frontier {
		status := "ready"
		if r.Blocked != "" {
			status = "blocked: " + r.Blocked
		}
		name := r.Action.Name
		if name == "" {
			name = r.Action.Task
		}
		fmt.Fprintf(out, "  %2d. %s (%s) target=%s priority=%.3f voi=%.3f risk=%.2f [%s]\n",
			i+1, r.Action.ID, name, r.Action.Target, r.Priority, r.VOI, r.Risk, status)
	}
}
