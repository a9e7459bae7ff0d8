package retry

import (
	"errors"
	"fmt"
)

// ErrChunkUploadFailed matches every *ChunkError with errors.Is.
var ErrChunkUploadFailed = errors.New("chunk upload failed")

// ChunkError is returned by Executor.Do when a chunk could not be uploaded,
// either because the attempts ran out or because the transport reported a fatal error.
type ChunkError struct {
	ChunkIndex int
	Attempts   int
	Err        error
	Fatal      bool
}

func (e *ChunkError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("chunk %d failed with a fatal error after %d attempt(s): %v", e.ChunkIndex, e.Attempts, e.Err)
	}
	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.ChunkIndex, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

func (e *ChunkError) Is(target error) bool {
	return target == ErrChunkUploadFailed
}

type fatalError struct {
	err error
}

func (e *fatalError) Error() string {
	return e.err.Error()
}

func (e *fatalError) Unwrap() error {
	return e.err
}

// Fatal marks err as non-retryable: the executor stops at the first attempt that returns it.
// Transports use it for authorization failures and other errors a retry cannot fix.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or any error it wraps, was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
