package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"evigraph/internal/config"
)

func initCmd() *cobra.Command {
	var projectName string
	var dsn string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default evigraph.yaml",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(projectName, dsn)
		},
	}
	cmd.Flags().StringVar(&projectName, "name", "", "Project name (defaults to the directory name)")
	cmd.Flags().StringVar(&dsn, "dsn", "", "Database DSN (sqlite://, postgres://, badger:// or memory://)")
	return cmd
}

func runInit(projectName, dsn string) error {
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("%s already exists", configPath)
	}
	if strings.TrimSpace(projectName) == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("resolving project name: %w", err)
		}
		projectName = filepath.Base(wd)
	}

	cfg := config.Default(projectName)
	if dsn != "" {
		cfg.Database.DSN = dsn
	}
	contents, err := cfg.Marshal()
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(configPath, contents, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", configPath, err)
	}
	fmt.Fprintf(os.Stdout, "Wrote %s for project %s.\n", configPath, projectName)
	return nil
}
