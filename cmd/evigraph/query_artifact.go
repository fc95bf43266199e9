package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func queryArtifactCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "artifact <id>",
		Short: "Display an artifact with its evidence and edges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueryArtifact(args[0])
		},
	}
	return cmd
}

func runQueryArtifact(id string) error {
	ctx := context.Background()

	eng, _, err := loadEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close(ctx)

	snap := eng.Store.Snapshot()
	a, ok := snap.Artifact(id)
	if !ok {
		fmt.Fprintf(os.Stdout, "No artifact found for %q.\n", id)
		return nil
	}

	fmt.Fprintf(os.Stdout, "ID: %s\n", a.ID)
	fmt.Fprintf(os.Stdout, "Kind: %s\n", a.Kind)
	fmt.Fprintf(os.Stdout, "State: %s\n", a.State)
	fmt.Fprintf(os.Stdout, "Validity: %.3f (effective %.3f)\n", a.V, snap.EffectiveV(a.ID))
	fmt.Fprintf(os.Stdout, "Risk: %.2f\n", a.R)
	if a.Unit != "" {
		fmt.Fprintf(os.Stdout, "Unit: %s\n", a.Unit)
	}
	if a.Owner != "" {
		fmt.Fprintf(os.Stdout, "Owner: %s\n", a.Owner)
	}
	if len(a.Tags) > 0 {
		fmt.Fprintf(os.Stdout, "Tags: %s\n", strings.Join(a.Tags, ", "))
	}
	if len(a.Sources) > 0 {
		fmt.Fprintf(os.Stdout, "Sources: %s\n", strings.Join(a.Sources, ", "))
	}
	if a.AltGroup != "" {
		fmt.Fprintf(os.Stdout, "Alternative group: %s\n", a.AltGroup)
	}
	if a.ValidTo != nil {
		fmt.Fprintf(os.Stdout, "Valid until: %s\n", a.ValidTo.UTC().Format(time.RFC3339))
	}

	if len(a.Content) > 0 {
		keys := make([]string, 0, len(a.Content))
		for key := range a.Content {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		fmt.Fprintln(os.Stdout, "Content:")
		for _, key := range keys {
			fmt.Fprintf(os.Stdout, "  %s: %v\n", key, a.Content[key])
		}
	}

	if items := snap.Evidence(a.ID); len(items) > 0 {
		fmt.Fprintln(os.Stdout, "Evidence:")
		for _, item := range items {
			mark := ""
			if snap.Retracted(item.ID) {
				mark = " (retracted)"
			}
			fmt.Fprintf(os.Stdout, "  %s %s w=%.2f %s%s\n", item.ID, item.Level, item.Weight, item.Locator, mark)
		}
	}

	if edges := snap.EdgesOf(a.ID, "both"); len(edges) > 0 {
		fmt.Fprintln(os.Stdout, "Edges:")
		for _, e := range edges {
			fmt.Fprintf(os.Stdout, "  %s -[%s]-> %s\n", e.Src, e.Type, e.Dst)
		}
	}
	return nil
}
