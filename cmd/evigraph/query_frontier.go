package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"evigraph/internal/contract"
	"evigraph/internal/logging"
)

func queryFrontierCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "frontier <contract>",
		Short: "Rank a contract's tasks against the current graph without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()

			c, err := contract.Load(args[0])
			if err != nil {
				return err
			}
			eng, _, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close(ctx)

			if _, err := contract.Plan(eng, c, logging.New("contract")); err != nil {
				return err
			}
			frontier := eng.Scheduler.Frontier()
			if len(frontier) == 0 {
				fmt.Fprintln(os.Stdout, "No pending actions.")
				return nil
			}
			printFrontier(os.Stdout, frontier)
			return nil
		},
	}
}
