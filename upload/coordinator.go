// Package upload sends files to a storage backend in sequential, resumable and cancellable chunks.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/checksum"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/chunk"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/retry"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/validate"
)

// Config holds the settings shared by every upload of a Coordinator.
type Config struct {
	// ChunkSize is used when Options.ChunkSize is zero.
	// Default: 1 MiB
	ChunkSize int64

	// Bucket is used when Options.Bucket is empty.
	Bucket string

	// BaseURL prefixes the bucket and path of a finished upload when the transport has no Finalizer.
	BaseURL string

	Retry retry.Config

	// Validator rejects files before any byte is read. Optional.
	Validator *validate.Validator

	// PartLister is used by Resume. If nil, the transport is used when it implements PartLister.
	PartLister PartLister

	// Tracker receives upload_completed, upload_failed and upload_cancelled events. Optional.
	Tracker analytics.Tracker
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize: chunk.DefaultSize,
		Retry:     retry.DefaultConfig(),
	}
}

// Options configure a single upload.
type Options struct {
	// UploadID identifies the upload. A random UUID is generated when empty.
	UploadID  string
	ChunkSize int64
	Bucket    string
	// Path is the object path inside the bucket. Defaults to the file name.
	Path string
	// StartChunk is the first chunk to send. Chunks before it are assumed to be stored already.
	StartChunk int

	// OnProgress receives the completed percentage after every chunk. It is called
	// synchronously from the goroutine running the upload and must not block.
	OnProgress func(percent float64)
	// OnChunkComplete is called after OnProgress with the index of the uploaded chunk.
	OnChunkComplete func(index, total int)
}

type Coordinator struct {
	transport Transport
	registry  *Registry
	logger    log.Logger
	config    Config
	tracker   uploadTracker
}

func NewCoordinator(transport Transport, registry *Registry, logger log.Logger, config Config) *Coordinator {
	if config.ChunkSize <= 0 {
		config.ChunkSize = chunk.DefaultSize
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Coordinator{
		transport: transport,
		registry:  registry,
		logger:    logger,
		config:    config,
		tracker:   uploadTracker{tracker: config.Tracker},
	}
}

// Registry returns the registry the coordinator registers its uploads in.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// Start uploads file chunk by chunk and blocks until the upload reaches a terminal state.
func (c *Coordinator) Start(ctx context.Context, file File, opts Options) (result Result) {
	startedAt := time.Now()
	uploadID := opts.UploadID
	if uploadID == "" {
		uploadID = uuid.NewString()
	}

	var job *Job
	defer func() {
		if r := recover(); r != nil {
			result = c.finish(job, uploadID, "", fmt.Errorf("upload %s aborted: panic: %v", uploadID, r), startedAt, nil)
		}
	}()

	job, err := c.prepare(uploadID, file, opts)
	if err != nil {
		return c.finish(nil, uploadID, "", err, startedAt, nil)
	}

	handle, err := c.registry.register(job.ID)
	if err != nil {
		return c.finish(nil, uploadID, "", err, startedAt, nil)
	}
	defer c.registry.removeIf(job.ID, handle)

	if err := job.transition(StatusInProgress); err != nil {
		return c.finish(nil, uploadID, "", err, startedAt, nil)
	}

	c.logger.Infof("Uploading %s (%s) as %s in %d chunk(s) of %s, starting at chunk %d",
		file.Name, units.HumanSizeWithPrecision(float64(file.Size), 3), job.ID, job.TotalChunks,
		units.HumanSizeWithPrecision(float64(job.ChunkSize), 3), job.NextChunkIndex)

	executor := retry.NewExecutor(c.config.Retry, c.logger)
	url, err := c.uploadChunks(ctx, job, handle, executor, opts)
	return c.finish(job, uploadID, url, err, startedAt, executor.Stats())
}

// Resume continues an earlier upload of the same file from the first chunk the
// PartLister does not report as stored.
func (c *Coordinator) Resume(ctx context.Context, uploadID string, file File, opts Options) (result Result) {
	startedAt := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = c.finish(nil, uploadID, "", fmt.Errorf("resume %s aborted: panic: %v", uploadID, r), startedAt, nil)
		}
	}()

	if uploadID == "" {
		return c.finish(nil, uploadID, "", fmt.Errorf("%w: upload id is required to resume", ErrInvalidConfiguration), startedAt, nil)
	}
	lister := c.partLister()
	if lister == nil {
		return c.finish(nil, uploadID, "", fmt.Errorf("%w: transport cannot list uploaded parts", ErrPartListing), startedAt, nil)
	}

	chunkSize, err := c.chunkSize(opts)
	if err != nil {
		return c.finish(nil, uploadID, "", err, startedAt, nil)
	}
	total, err := chunk.Count(file.Size, chunkSize)
	if err != nil {
		return c.finish(nil, uploadID, "", err, startedAt, nil)
	}

	dest := Destination{
		UploadID:    uploadID,
		Bucket:      c.bucket(opts),
		Path:        c.path(file, opts),
		ContentType: file.ContentType,
		TotalChunks: total,
	}
	uploaded, err := lister.ListUploadedParts(ctx, dest)
	if err != nil {
		return c.finish(nil, uploadID, "", fmt.Errorf("%w: %w", ErrPartListing, err), startedAt, nil)
	}
	c.logger.Debugf("Upload %s has %d/%d chunk(s) stored", uploadID, uploaded, total)

	if total > 0 && uploaded >= total {
		c.logger.Infof("All %d chunk(s) of upload %s are already stored", total, uploadID)
		url, err := c.finalize(ctx, dest)
		if err != nil {
			return c.finish(nil, uploadID, "", err, startedAt, nil)
		}
		return Result{
			Success:        true,
			UploadID:       uploadID,
			Status:         StatusCompleted,
			Path:           dest.Path,
			URL:            url,
			NextChunkIndex: total,
			TotalChunks:    total,
		}
	}

	c.logger.Infof("Resuming upload %s from chunk %d/%d", uploadID, uploaded, total)
	opts.UploadID = uploadID
	opts.StartChunk = uploaded
	return c.Start(ctx, file, opts)
}

// Cancel signals the upload to stop before its next chunk. The chunk in flight is allowed to finish.
// It returns false if no upload with the id is active.
func (c *Coordinator) Cancel(uploadID string) bool {
	if !c.registry.Cancel(uploadID) {
		c.logger.Debugf("Upload %s is not active, nothing to cancel", uploadID)
		return false
	}
	c.logger.Infof("Cancellation requested for upload %s", uploadID)
	return true
}

// ListActive returns the sorted ids of the uploads in progress.
func (c *Coordinator) ListActive() []string {
	return c.registry.IDs()
}

// Wait blocks until the queued analytics events are sent.
func (c *Coordinator) Wait() {
	c.tracker.wait()
}

func (c *Coordinator) prepare(uploadID string, file File, opts Options) (*Job, error) {
	chunkSize, err := c.chunkSize(opts)
	if err != nil {
		return nil, err
	}
	if file.Reader == nil {
		return nil, fmt.Errorf("%w: file %s has no reader", ErrInvalidConfiguration, file.Name)
	}
	bucket := c.bucket(opts)
	if bucket == "" {
		return nil, fmt.Errorf("%w: destination bucket is required", ErrInvalidConfiguration)
	}

	if c.config.Validator != nil {
		res := c.config.Validator.Validate(validate.Candidate{
			Name:        file.Name,
			ContentType: file.ContentType,
			Size:        file.Size,
		})
		if !res.Valid {
			return nil, &ValidationError{Reason: res.Error}
		}
	}
	if file.Size <= 0 {
		return nil, fmt.Errorf("%w: file %s is empty", ErrInvalidConfiguration, file.Name)
	}

	total, err := chunk.Count(file.Size, chunkSize)
	if err != nil {
		return nil, err
	}
	if opts.StartChunk < 0 || opts.StartChunk > total {
		return nil, fmt.Errorf("%w: start chunk %d out of range [0, %d]", ErrInvalidConfiguration, opts.StartChunk, total)
	}

	hashStart := time.Now()
	fileHash, err := checksum.ComputeN(io.NewSectionReader(file.Reader, 0, file.Size), file.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: hash %s: %w", ErrFileRead, file.Name, err)
	}
	c.logger.Debugf("SHA-256 of %s: %s (took %s)", file.Name, fileHash, time.Since(hashStart).Round(time.Millisecond))

	return &Job{
		ID:             uploadID,
		File:           file,
		Bucket:         bucket,
		Path:           c.path(file, opts),
		ChunkSize:      chunkSize,
		TotalChunks:    total,
		NextChunkIndex: opts.StartChunk,
		Status:         StatusPending,
		FileHash:       fileHash,
	}, nil
}

func (c *Coordinator) uploadChunks(ctx context.Context, job *Job, handle *Handle, executor *retry.Executor, opts Options) (string, error) {
	provider, err := chunk.NewReaderAtProvider(job.File.Reader, job.File.Size, job.ChunkSize)
	if err != nil {
		return "", err
	}
	dest := job.Destination()

	for index := job.NextChunkIndex; index < job.TotalChunks; index++ {
		if handle.Cancelled() {
			return "", &CancelledError{AtChunkIndex: index}
		}

		data, err := provider.Read(index)
		if err != nil {
			return "", err
		}

		err = executor.Do(ctx, index, job.TotalChunks, func(ctx context.Context) error {
			return c.transport.UploadChunk(ctx, dest, index, data)
		})
		if err != nil {
			return "", err
		}

		job.advance()
		if opts.OnProgress != nil {
			opts.OnProgress(float64(index+1) / float64(job.TotalChunks) * 100)
		}
		if opts.OnChunkComplete != nil {
			opts.OnChunkComplete(index, job.TotalChunks)
		}
	}

	return c.finalize(ctx, dest)
}

func (c *Coordinator) finalize(ctx context.Context, dest Destination) (string, error) {
	finalizer, ok := c.transport.(Finalizer)
	if !ok {
		return c.destinationURL(dest.Bucket, dest.Path), nil
	}

	url, err := finalizer.Finalize(ctx, dest, dest.TotalChunks)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrFinalize, err)
	}
	return url, nil
}

func (c *Coordinator) finish(job *Job, uploadID, url string, err error, startedAt time.Time, stats *retry.Stats) Result {
	elapsed := time.Since(startedAt)
	result := Result{UploadID: uploadID, Err: err}
	if job != nil {
		result.Path = job.Path
		result.FileHash = job.FileHash
		result.NextChunkIndex = job.NextChunkIndex
		result.TotalChunks = job.TotalChunks
	}

	status := StatusFailed
	switch {
	case err == nil:
		status = StatusCompleted
	case errors.Is(err, ErrUploadCancelled):
		status = StatusCancelled
	}
	if job != nil && job.Status != status {
		if terr := job.transition(status); terr != nil {
			c.logger.Debugf("Upload %s: %s", uploadID, terr)
		}
	}
	result.Status = status

	switch status {
	case StatusCompleted:
		result.Success = true
		result.URL = url
		var avg time.Duration
		if stats != nil {
			avg = stats.Average()
		}
		c.logger.Donef("Upload %s completed in %s (avg chunk time: %s): %s",
			uploadID, elapsed.Round(time.Millisecond), avg.Round(time.Millisecond), url)
		if stats != nil {
			if slowest := stats.Slowest(); slowest.ChunkIndex >= 0 {
				c.logger.Debugf("Slowest chunk: %d/%d (%s)", slowest.ChunkIndex+1, result.TotalChunks, slowest.Duration.Round(time.Millisecond))
			}
		}
		c.tracker.logCompleted(job, elapsed, avg)
	case StatusCancelled:
		c.logger.Warnf("Upload %s cancelled at chunk %d/%d", uploadID, result.NextChunkIndex, result.TotalChunks)
		if job != nil {
			c.tracker.logCancelled(job, elapsed)
		}
	default:
		c.logger.Errorf("Upload %s failed: %s", uploadID, err)
		c.tracker.logFailed(uploadID, failureReason(err), elapsed)
	}

	return result
}

func (c *Coordinator) chunkSize(opts Options) (int64, error) {
	switch {
	case opts.ChunkSize < 0:
		return 0, fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, opts.ChunkSize)
	case opts.ChunkSize == 0:
		return c.config.ChunkSize, nil
	default:
		return opts.ChunkSize, nil
	}
}

func (c *Coordinator) bucket(opts Options) string {
	if opts.Bucket != "" {
		return opts.Bucket
	}
	return c.config.Bucket
}

func (c *Coordinator) path(file File, opts Options) string {
	if opts.Path != "" {
		return strings.TrimPrefix(opts.Path, "/")
	}
	return file.Name
}

func (c *Coordinator) destinationURL(bucket, path string) string {
	location := bucket + "/" + strings.TrimPrefix(path, "/")
	if c.config.BaseURL == "" {
		return location
	}
	return strings.TrimSuffix(c.config.BaseURL, "/") + "/" + location
}

func (c *Coordinator) partLister() PartLister {
	if c.config.PartLister != nil {
		return c.config.PartLister
	}
	if lister, ok := c.transport.(PartLister); ok {
		return lister
	}
	return nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, ErrInvalidConfiguration):
		return "invalid_configuration"
	case errors.Is(err, ErrFileRead):
		return "file_read"
	case errors.Is(err, ErrChunkUploadFailed):
		return "chunk_upload_failed"
	case errors.Is(err, ErrPartListing):
		return "part_listing"
	case errors.Is(err, ErrFinalize):
		return "finalize"
	default:
		return "unknown"
	}
}
