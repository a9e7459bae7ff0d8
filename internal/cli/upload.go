package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/go-units"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
)

type uploadOptions struct {
	bucket      string
	path        string
	uploadID    string
	chunkSize   string
	contentType string
}

func (o *uploadOptions) addFlags(cmd *cobra.Command, withUploadID bool) {
	cmd.Flags().StringVarP(&o.bucket, "bucket", "b", "", "Destination bucket (default: upload.bucket of the configuration)")
	cmd.Flags().StringVarP(&o.path, "path", "p", "", "Object path inside the bucket (default: the file name)")
	cmd.Flags().StringVar(&o.chunkSize, "chunk-size", "", "Chunk size, e.g. 512KiB or 5MiB (default: upload.chunk_size of the configuration)")
	cmd.Flags().StringVar(&o.contentType, "content-type", "", "Declared content type (default: detected from the file content)")
	if withUploadID {
		cmd.Flags().StringVar(&o.uploadID, "upload-id", "", "Upload ID, needed to resume the upload later (default: random UUID)")
	}
}

func (o *uploadOptions) parseChunkSize() (int64, error) {
	if o.chunkSize == "" {
		return 0, nil
	}
	size, err := units.RAMInBytes(o.chunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk size %q: %w", o.chunkSize, err)
	}
	if size <= 0 {
		return 0, fmt.Errorf("invalid chunk size %q", o.chunkSize)
	}
	return size, nil
}

func newUploadCmd(root *rootOptions) *cobra.Command {
	opts := &uploadOptions{}
	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document in resumable chunks",
		Long: `Upload a document to the configured storage backend chunk by chunk.

Interrupting the command (Ctrl+C) lets the chunk in flight finish, then stops the upload.
It can be continued with 'stars resume'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, root, opts, "", args[0])
		},
	}
	opts.addFlags(cmd, true)
	return cmd
}

func newResumeCmd(root *rootOptions) *cobra.Command {
	opts := &uploadOptions{}
	cmd := &cobra.Command{
		Use:   "resume <upload-id> <file>",
		Short: "Continue an interrupted upload from the first chunk missing in storage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd, root, opts, args[0], args[1])
		},
	}
	opts.addFlags(cmd, false)
	return cmd
}

func runUpload(cmd *cobra.Command, root *rootOptions, opts *uploadOptions, resumeID, filePath string) error {
	chunkSize, err := opts.parseChunkSize()
	if err != nil {
		return err
	}

	a, err := newApp(root)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	coordinator, err := a.coordinator(ctx, true)
	defer a.close(coordinator)
	if err != nil {
		return err
	}

	contentType := opts.contentType
	if contentType == "" {
		detected, err := mimetype.DetectFile(filePath)
		if err != nil {
			return fmt.Errorf("detect content type: %w", err)
		}
		contentType = detected.String()
		a.logger.Debugf("Detected content type: %s", contentType)
	}

	file, closer, err := upload.OpenFile(filePath, contentType)
	if err != nil {
		return err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			a.logger.Warnf("Failed to close %s: %s", filePath, err)
		}
	}()

	uploadID := resumeID
	if uploadID == "" {
		uploadID = opts.uploadID
	}
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	uploadOpts := upload.Options{
		UploadID:  uploadID,
		Bucket:    opts.bucket,
		Path:      opts.path,
		ChunkSize: chunkSize,
		OnProgress: func(percent float64) {
			a.logger.Printf("Progress: %.1f%%", percent)
		},
	}

	result := runCancellable(ctx, coordinator, uploadID, func(ctx context.Context) upload.Result {
		if resumeID != "" {
			return coordinator.Resume(ctx, resumeID, file, uploadOpts)
		}
		return coordinator.Start(ctx, file, uploadOpts)
	})

	if !result.Success {
		if result.Cancelled() {
			a.logger.Warnf("Upload stopped at chunk %d/%d, continue it with: stars resume %s %s",
				result.NextChunkIndex, result.TotalChunks, result.UploadID, filePath)
		}
		return fmt.Errorf("upload failed: %w", result.Err)
	}
	printResult(cmd.OutOrStdout(), result)
	return nil
}

// runCancellable turns the cancellation of ctx into a cancellation request of the upload:
// the chunk in flight is finished, and the upload stops before the next one.
func runCancellable(ctx context.Context, coordinator *upload.Coordinator, uploadID string, run func(context.Context) upload.Result) upload.Result {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			coordinator.Cancel(uploadID)
		case <-done:
		}
	}()
	return run(context.WithoutCancel(ctx))
}

func printResult(w io.Writer, result upload.Result) {
	_, _ = fmt.Fprintf(w, "upload_id: %s\n", result.UploadID)
	_, _ = fmt.Fprintf(w, "status: %s\n", result.Status)
	_, _ = fmt.Fprintf(w, "url: %s\n", result.URL)
	if result.FileHash != "" {
		_, _ = fmt.Fprintf(w, "sha256: %s\n", result.FileHash)
	}
}
