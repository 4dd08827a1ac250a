// Package main provides the CLI entry point for the workflow-core
// runtime: the LLM provider orchestrator and the realtime collaboration
// control plane behind one process.
//
// # Basic Usage
//
// Start the server:
//
//	workflow-core serve --config workflow-core.yaml
//
// Configuration can also be supplied entirely through environment
// variables; see internal/config.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "workflow-core",
		Short:        "workflow-core - LLM provider orchestrator and realtime collaboration core",
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}
	rootCmd.AddCommand(buildServeCmd())
	rootCmd.AddCommand(buildConfigCmd())
	return rootCmd
}
