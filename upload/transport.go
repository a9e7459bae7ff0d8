package upload

import "context"

// Destination identifies the remote object a job writes to.
type Destination struct {
	UploadID    string
	Bucket      string
	Path        string
	FileHash    string
	ContentType string
	TotalChunks int
}

// Transport sends a single chunk to the storage backend.
// Errors are retried by the coordinator unless wrapped with retry.Fatal.
type Transport interface {
	UploadChunk(ctx context.Context, dest Destination, chunkIndex int, data []byte) error
}

// Finalizer is implemented by transports that must assemble the uploaded chunks
// before the object exists. The returned string is the location of the object.
type Finalizer interface {
	Finalize(ctx context.Context, dest Destination, totalChunks int) (string, error)
}

// PartLister reports how many leading chunks of an upload are already stored.
type PartLister interface {
	ListUploadedParts(ctx context.Context, dest Destination) (int, error)
}
