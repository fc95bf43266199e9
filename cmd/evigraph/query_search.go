package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"evigraph/internal/store"
)

func querySearchCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "search <text>",
		Short: "Search artifacts using the backend's text index",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuerySearch(strings.Join(args, " "), kind)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Artifact kind to filter")
	return cmd
}

func runQuerySearch(query, kind string) error {
	ctx := context.Background()

	eng, _, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	results, err := eng.Store.Search(ctx, query, store.Kind(kind))
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Fprintln(os.Stdout, "No matches found.")
		return nil
	}

	for _, result := range results {
		fmt.Fprintf(os.Stdout, "%s (%s) [%s] score=%.2f\n", result.ArtifactID, result.Kind, result.State, result.Score)
		if result.Snippet != "" {
			fmt.Fprintf(os.Stdout, "    %s\n", result.Snippet)
		}
	}
	return nil
}
