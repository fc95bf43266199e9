package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"evigraph/internal/contract"
	"evigraph/internal/engine"
	"evigraph/internal/logging"
	"evigraph/internal/schedule"
)

var (
	runApplyContract bool
	runActor         string
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <contract> -- <command> [args...]",
		Short: "Dispatch a contract's actions to an executor command until the frontier drains",
		Long: `Declares the contract's tasks and dispatches them to the executor command, one
process per action. The process reads {"action", "attempt", "deadline"} as JSON on
stdin and writes {"mutations", "replay", "error"} as JSON on stdout.`,
		Args: cobra.MinimumNArgs(2),
		RunE: runRun,
	}
	cmd.Flags().BoolVar(&runApplyContract, "apply", false, "Apply every contract step first instead of declaring only its tasks")
	cmd.Flags().StringVar(&runActor, "actor", "contract", "Actor recorded for applied steps")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	eng, _, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	res, err := declareContract(ctx, eng, args[0], runApplyContract, runActor)
	if err != nil {
		return err
	}

	executor := &schedule.CommandExecutor{Path: args[1], Args: args[2:]}
	if err := eng.Runner().Run(ctx, executor); err != nil {
		return fmt.Errorf("running actions: %w", err)
	}
	printStatuses(os.Stdout, eng.Scheduler, res.Actions)
	return nil
}

// declareContract loads the contract at path and either applies all of its
// steps or only declares its tasks.
func declareContract(ctx context.Context, eng *engine.Engine, path string, apply bool, actor string) (*contract.Result, error) {
	c, err := contract.Load(path)
	if err != nil {
		return nil, err
	}
	log := logging.New("contract")
	if apply {
		return contract.Apply(ctx, eng, c, actor, log)
	}
	return contract.Plan(eng, c, log)
}

func printStatuses(out io.Writer, sched *schedule.Scheduler, actions []schedule.Action) {
	fmt.Fprintf(out, "Actions: %d\n", len(actions))
	for _, a := range actions {
		_, status, ok := sched.Action(a.ID)
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %s (%s) target=%s [%s]\n", a.ID, a.Task, a.Target, status)
	}
	for _, n := range sched.Notices() {
		fmt.Fprintf(out, "  notice %s %s: %s\n", n.Kind, n.ActionID, n.Detail)
	}
}
