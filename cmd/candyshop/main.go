// Package main is the entry point for Candy Shop. The serve command runs the
// WebSocket and HTTP gateway; chat drives exchanges from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "candyshop",
		Short:         "Streaming chat client for OpenCode agent servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "directory containing config.yaml")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newChatCmd(opts),
		newSessionsCmd(opts),
		newModelsCmd(opts),
		newConfigCmd(opts),
	)
	return rootCmd
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with credentials masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
