// Package main is the CLI entry point for the ocelot Telegram
// assistant.
//
// # Basic Usage
//
// Start the bot:
//
//	ocelot serve --env .env
//
// Configuration comes from the environment (optionally via a .env
// file): BOT_TOKEN, GOOGLE_API_KEYS, OPENAI_API_KEY and friends; see
// internal/config for the full surface.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	root := buildRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "ocelot",
		Short:         "Telegram assistant with a multi-step tool-calling loop",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildVersionCmd())
	return root
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ocelot %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
