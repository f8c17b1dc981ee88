package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Execute runs the root command until it returns or the process is interrupted.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "sagent",
		Short: "Durable customer-service agent",
		Long: "sagent answers customer questions from a knowledge base and acts on orders and accounts through tools. " +
			"Every step is checkpointed, so an interrupted conversation resumes where it stopped.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default: config.yaml in ., .., etc/sagent or ~/.config/sagent)")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(
		newChatCmd(opts),
		newAdvanceCmd(opts),
		newInspectCmd(opts),
		newRestartCmd(opts),
		newKBCmd(opts),
	)
	return rootCmd
}
