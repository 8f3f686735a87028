// Package main implements the taskd server binary.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the YAML config file; empty means env and defaults only.
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Task manager with AI enrichment",
	Long: `taskd stores tasks and enriches them asynchronously: an LLM derives
category, time estimate and priority for each task description, and an
embedding of the description is kept in a vector store for similarity
queries.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
