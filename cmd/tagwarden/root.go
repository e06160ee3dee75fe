package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"

	configPath   string
	outputFormat string

	rootCmd = &cobra.Command{
		Use:   "tagwarden",
		Short: "Cloud tagging compliance engine",
		Long: `tagwarden - Cloud tagging compliance engine

tagwarden scans AWS, Azure and GCP resources, evaluates their tags against
versioned policies, and proposes remediation workflows that apply missing
or invalid tags once approved.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`tagwarden {{.Version}}
`)
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "tagwarden.toml", "Path to the TOML config file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json")
}
