package upload

import "errors"

// Result is the outcome of Start or Resume. A failure is reported in Err, never returned or panicked.
type Result struct {
	Success        bool
	UploadID       string
	Status         Status
	Path           string
	URL            string
	FileHash       string
	NextChunkIndex int
	TotalChunks    int
	Err            error
}

// Cancelled reports whether the upload stopped because it was cancelled rather than because it failed.
func (r Result) Cancelled() bool {
	return errors.Is(r.Err, ErrUploadCancelled)
}

// AtChunkIndex returns the first chunk that was not uploaded when the upload was cancelled, or -1.
func (r Result) AtChunkIndex() int {
	var cancelled *CancelledError
	if errors.As(r.Err, &cancelled) {
		return cancelled.AtChunkIndex
	}
	return -1
}

// Error returns the message of Err, or an empty string on success.
func (r Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
