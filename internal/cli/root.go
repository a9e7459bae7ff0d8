// Package cli implements the stars command line interface.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "stars",
		Short:         "Thesis archive upload gateway",
		Long:          "Uploads thesis documents in resumable chunks, backs up and restores archives and serves the upload gateway API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"Path to the YAML configuration file (default: ./stars.yaml, ./config/stars.yaml, /etc/stars/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newUploadCmd(opts))
	cmd.AddCommand(newResumeCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newBackupCmd(opts))
	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newPendingCmd(opts))
	cmd.AddCommand(newAbortCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))

	return cmd
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCmd().ExecuteContext(ctx)
}
