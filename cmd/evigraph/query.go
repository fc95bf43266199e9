package main

import "github.com/spf13/cobra"

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query",
		Short: "Query the graph from the CLI",
	}
	cmd.AddCommand(queryArtifactCmd())
	cmd.AddCommand(querySearchCmd())
	cmd.AddCommand(queryMirrorCmd())
	cmd.AddCommand(queryFrontierCmd())
	cmd.AddCommand(querySQLCmd())
	return cmd
}
