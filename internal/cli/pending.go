package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/config"
)

func newPendingCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List interrupted uploads recorded in the journal of the http backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			if a.config.Storage.Backend != config.BackendHTTP || a.config.Journal.Path == "" {
				return fmt.Errorf("pending uploads are journaled only by the http backend with journal.path set")
			}
			if _, err := a.uploadTransport(cmd.Context()); err != nil {
				return err
			}
			defer a.close(nil)

			ids, err := a.journal.Uploads(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				parts, err := a.journal.Parts(cmd.Context(), id)
				if err != nil {
					return err
				}
				var size int64
				for _, part := range parts {
					size += int64(part.Size)
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d chunk(s), %d bytes\n", id, len(parts), size)
			}
			return nil
		},
	}
}
