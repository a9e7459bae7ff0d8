package cli

import (
	"fmt"

	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/backup"
)

func newBackupCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, verify and restore archive backups",
	}
	cmd.AddCommand(newBackupCreateCmd(root))
	cmd.AddCommand(newBackupVerifyCmd(root))
	cmd.AddCommand(newBackupRestoreCmd(root))
	return cmd
}

func newBackupCreateCmd(root *rootOptions) *cobra.Command {
	opts := backup.CreateOptions{}
	var chunkSize string
	cmd := &cobra.Command{
		Use:   "create <path>...",
		Short: "Archive files and directories (globs like theses/**/*.pdf are supported) and upload the archive",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if chunkSize != "" {
				size, err := units.RAMInBytes(chunkSize)
				if err != nil {
					return fmt.Errorf("invalid chunk size %q: %w", chunkSize, err)
				}
				opts.ChunkSize = size
			}

			a, err := newApp(root)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			coordinator, err := a.coordinator(ctx, false)
			defer a.close(coordinator)
			if err != nil {
				return err
			}

			service := backup.NewService(a.archiver(), coordinator, pathutil.NewPathProvider(), a.logger)
			created, err := service.Create(ctx, args, opts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "upload_id: %s\n", created.UploadID)
			_, _ = fmt.Fprintf(out, "location: %s\n", created.Location)
			_, _ = fmt.Fprintf(out, "sha256: %s\n", created.Checksum)
			_, _ = fmt.Fprintf(out, "size: %d\n", created.Size)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.UploadID, "upload-id", "", "Upload ID of the archive (default: random UUID)")
	cmd.Flags().StringVarP(&opts.Bucket, "bucket", "b", "", "Destination bucket (default: upload.bucket of the configuration)")
	cmd.Flags().StringVar(&opts.Prefix, "prefix", "", "Directory of the archive inside the bucket (default: backups)")
	cmd.Flags().IntVar(&opts.CompressionLevel, "level", backup.DefaultCompressionLevel, "zstd compression level (1-19)")
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "", "Chunk size, e.g. 5MiB (default: upload.chunk_size of the configuration)")
	return cmd
}

func newBackupVerifyCmd(root *rootOptions) *cobra.Command {
	var expected string
	cmd := &cobra.Command{
		Use:   "verify <location>",
		Short: "Download a backup and compare its SHA-256 checksum",
		Long:  "Download a backup from an s3://, http(s):// or local location and compare its SHA-256 checksum with the expected one.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			verifier, err := a.verifier(cmd.Context())
			if err != nil {
				return err
			}

			_, remove, err := verifier.Verify(cmd.Context(), args[0], expected)
			if err != nil {
				return err
			}
			remove()

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: verified\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&expected, "sha256", "", "Expected SHA-256 checksum (hex)")
	_ = cmd.MarkFlagRequired("sha256")
	return cmd
}

func newBackupRestoreCmd(root *rootOptions) *cobra.Command {
	var expected, dir string
	cmd := &cobra.Command{
		Use:   "restore <location>",
		Short: "Verify a backup and extract it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root)
			if err != nil {
				return err
			}
			verifier, err := a.verifier(cmd.Context())
			if err != nil {
				return err
			}

			files, err := verifier.Restore(cmd.Context(), args[0], expected, dir)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restored: %d\n", files)
			return nil
		},
	}
	cmd.Flags().StringVar(&expected, "sha256", "", "Expected SHA-256 checksum (hex)")
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "Directory to extract the backup into")
	_ = cmd.MarkFlagRequired("sha256")
	return cmd
}
