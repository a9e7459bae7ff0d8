package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
)

type aborter interface {
	Abort(ctx context.Context, dest upload.Destination) error
}

func newAbortCmd(root *rootOptions) *cobra.Command {
	var bucket, path string
	cmd := &cobra.Command{
		Use:   "abort <upload-id>",
		Short: "Discard the chunks of an interrupted upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			t, err := a.uploadTransport(cmd.Context())
			defer a.close(nil)
			if err != nil {
				return err
			}
			abortable, ok := t.(aborter)
			if !ok {
				return fmt.Errorf("the %s backend cannot abort uploads", a.config.Storage.Backend)
			}

			if bucket == "" {
				bucket = a.config.Upload.Bucket
			}
			if err := abortable.Abort(cmd.Context(), upload.Destination{UploadID: args[0], Bucket: bucket, Path: path}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: aborted\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&bucket, "bucket", "b", "", "Bucket of the upload (default: upload.bucket of the configuration)")
	cmd.Flags().StringVarP(&path, "path", "p", "", "Object path of the upload")
	_ = cmd.MarkFlagRequired("path")
	return cmd
}
