package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "evigraph",
		Short:        "Evidence graph engine with an alignment gate and action scheduler",
		SilenceUsage: true,
	}
	root.Version = version
	root.SetVersionTemplate("{{.Version}}\n")
	root.PersistentFlags().StringVar(&configPath, "config", "evigraph.yaml", "Project config file")
	root.AddCommand(initCmd())
	root.AddCommand(applyCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(runCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(journalCmd())
	root.AddCommand(queryCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(versionCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
