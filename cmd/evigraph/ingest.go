package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"evigraph/internal/ingest"
)

var (
	ingestFull    bool
	ingestExclude []string
	ingestActor   string
)

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <dir>...",
		Short: "Import markdown notes as artifacts",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIngest,
	}
	cmd.Flags().BoolVar(&ingestFull, "full", false, "Revise every note (ignore content hashes)")
	cmd.Flags().StringSliceVar(&ingestExclude, "exclude", nil, "Paths to skip")
	cmd.Flags().StringVar(&ingestActor, "actor", "ingest", "Actor recorded in the journal")
	return cmd
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	eng, _, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	result, err := ingest.Run(ctx, eng, args, ingest.Options{
		Exclude: ingestExclude,
		Actor:   ingestActor,
		Full:    ingestFull,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stdout, "Ingestion complete.")
	fmt.Fprintf(os.Stdout, "  Artifacts created: %d\n", result.Created)
	fmt.Fprintf(os.Stdout, "  Artifacts revised: %d\n", result.Revised)
	fmt.Fprintf(os.Stdout, "  Edges connected:   %d\n", result.EdgesConnected)
	fmt.Fprintf(os.Stdout, "  Files skipped:     %d\n", result.FilesSkipped)

	if len(result.Orphaned) > 0 {
		fmt.Fprintf(os.Stdout, "\nNotes missing for %d artifact(s):\n", len(result.Orphaned))
		for _, id := range result.Orphaned {
			fmt.Fprintf(os.Stdout, "  - %s\n", id)
		}
	}

	if len(result.Errors) > 0 {
		fmt.Fprintf(os.Stdout, "\nErrors (%d):\n", len(result.Errors))
		for _, item := range result.Errors {
			fmt.Fprintf(os.Stdout, "  - %v\n", item)
		}
		return fmt.Errorf("ingestion completed with errors")
	}
	return nil
}
