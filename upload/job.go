package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
}

// File is the caller-owned source of an upload. The coordinator only reads it.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.ReaderAt
}

// OpenFile opens a local file for upload. The caller closes the returned closer.
func OpenFile(path, contentType string) (File, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, nil, fmt.Errorf("open file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return File{}, nil, fmt.Errorf("stat file: %w", err)
	}

	return File{
		Name:        info.Name(),
		ContentType: contentType,
		Size:        info.Size(),
		Reader:      f,
	}, f, nil
}

// Job is one upload of one whole file.
type Job struct {
	ID             string
	File           File
	Bucket         string
	Path           string
	ChunkSize      int64
	TotalChunks    int
	NextChunkIndex int
	Status         Status
	FileHash       string
}

func (j *Job) transition(to Status) error {
	for _, allowed := range transitions[j.Status] {
		if allowed == to {
			j.Status = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, to)
}

func (j *Job) advance() {
	if j.NextChunkIndex < j.TotalChunks {
		j.NextChunkIndex++
	}
}

// Destination describes where the job's chunks are sent.
func (j *Job) Destination() Destination {
	return Destination{
		UploadID:    j.ID,
		Bucket:      j.Bucket,
		Path:        j.Path,
		FileHash:    j.FileHash,
		ContentType: j.File.ContentType,
		TotalChunks: j.TotalChunks,
	}
}
