package chunk

import (
	"errors"
	"fmt"
	"io"
)

// ErrFileRead is returned when the bytes of a chunk cannot be read from the source.
var ErrFileRead = errors.New("file read error")

// Provider provides chunk data for upload.
// Implementations can read from files or memory buffers.
type Provider interface {
	// NumChunks returns the total number of chunks.
	NumChunks() int

	// Range returns the byte range of the chunk at the given index.
	Range(index int) Range

	// Read returns the bytes of the chunk at the given index.
	// For retries, Read may be called multiple times for the same index.
	Read(index int) ([]byte, error)
}

// ReaderAtProvider reads chunks from an io.ReaderAt, one range at a time.
// Safe for concurrent use as long as the underlying ReaderAt is.
type ReaderAtProvider struct {
	src    io.ReaderAt
	ranges []Range
}

// NewReaderAtProvider creates a Provider over size bytes of src.
func NewReaderAtProvider(src io.ReaderAt, size, chunkSize int64) (*ReaderAtProvider, error) {
	ranges, err := Split(size, chunkSize)
	if err != nil {
		return nil, err
	}
	return &ReaderAtProvider{src: src, ranges: ranges}, nil
}

// NumChunks returns the total number of chunks.
func (p *ReaderAtProvider) NumChunks() int {
	return len(p.ranges)
}

// Range returns the byte range of the chunk at the given index.
func (p *ReaderAtProvider) Range(index int) Range {
	if index < 0 || index >= len(p.ranges) {
		return Range{}
	}
	return p.ranges[index]
}

// Read reads the chunk at the given index into memory.
func (p *ReaderAtProvider) Read(index int) ([]byte, error) {
	if index < 0 || index >= len(p.ranges) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.ranges))
	}

	r := p.ranges[index]
	buf := make([]byte, r.Len())
	n, err := p.src.ReadAt(buf, r.Start)
	if n == len(buf) {
		// io.ReaderAt may report io.EOF together with a full read of the last range
		return buf, nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("%w: read chunk %d %s: %v", ErrFileRead, index, r, err)
}

// ByteSliceProvider provides chunks from pre-loaded byte slices.
type ByteSliceProvider struct {
	chunks [][]byte
	ranges []Range
}

// NewByteSliceProvider creates a Provider from byte slices.
func NewByteSliceProvider(chunks [][]byte) *ByteSliceProvider {
	ranges := make([]Range, len(chunks))
	var offset int64
	for i, c := range chunks {
		ranges[i] = Range{Start: offset, End: offset + int64(len(c))}
		offset += int64(len(c))
	}
	return &ByteSliceProvider{chunks: chunks, ranges: ranges}
}

// NumChunks returns the total number of chunks.
func (p *ByteSliceProvider) NumChunks() int {
	return len(p.chunks)
}

// Range returns the byte range of the chunk at the given index.
func (p *ByteSliceProvider) Range(index int) Range {
	if index < 0 || index >= len(p.ranges) {
		return Range{}
	}
	return p.ranges[index]
}

// Read returns the chunk at the given index.
func (p *ByteSliceProvider) Read(index int) ([]byte, error) {
	if index < 0 || index >= len(p.chunks) {
		return nil, fmt.Errorf("chunk index %d out of range [0, %d)", index, len(p.chunks))
	}
	return p.chunks[index], nil
}
