package cli

import (
	"github.com/spf13/cobra"
)

func newConfigCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			dump, err := a.config.ToYAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(dump)
			return err
		},
	}
}
