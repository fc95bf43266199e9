package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func queryMirrorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirror",
		Short: "Evaluate every end anchor against the current graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			eng, _, err := loadEngine(ctx)
			if err != nil {
				return err
			}
			defer eng.Close(ctx)

			results := eng.Mirror()
			if len(results) == 0 {
				fmt.Fprintln(os.Stdout, "No end anchors declared.")
				return nil
			}
			for _, r := range results {
				verdict := "FAIL"
				if r.Pass {
					verdict = "PASS"
				}
				candidate := r.Candidate
				if candidate == "" {
					candidate = "none"
				}
				fmt.Fprintf(os.Stdout, "%s %s margin=%.3f candidate=%s\n", verdict, r.AnchorID, r.Margin, candidate)
				for _, rule := range r.Rules {
					fmt.Fprintf(os.Stdout, "    %-22s need=%.3f have=%.3f margin=%+.3f\n", rule.Rule, rule.Need, rule.Have, rule.Margin)
				}
			}
			return nil
		},
	}
}
