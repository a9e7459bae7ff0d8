package upload

import (
	"errors"
	"fmt"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/chunk"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/retry"
)

var (
	// ErrInvalidConfiguration covers bad chunk sizes, options and duplicate upload ids.
	ErrInvalidConfiguration = chunk.ErrInvalidConfiguration
	// ErrFileRead is returned when hashing or slicing the source file failed.
	ErrFileRead = chunk.ErrFileRead
	// ErrChunkUploadFailed matches the *retry.ChunkError of a chunk that ran out of attempts.
	ErrChunkUploadFailed = retry.ErrChunkUploadFailed

	ErrUploadCancelled  = errors.New("upload cancelled")
	ErrValidationFailed = errors.New("validation failed")
	ErrPartListing      = errors.New("part listing failed")
	ErrFinalize         = errors.New("finalize failed")
)

// CancelledError reports a cooperative cancellation. AtChunkIndex is the first chunk that was not uploaded.
type CancelledError struct {
	AtChunkIndex int
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("upload cancelled at chunk %d", e.AtChunkIndex)
}

func (e *CancelledError) Is(target error) bool {
	return target == ErrUploadCancelled
}

// ValidationError is a rejection by the configured file validator.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}
