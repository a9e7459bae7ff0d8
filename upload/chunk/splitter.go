// Package chunk partitions a file into fixed-size byte ranges and reads those ranges lazily.
package chunk

import (
	"errors"
	"fmt"
)

// DefaultSize is the chunk size used when none is configured (1 MiB).
const DefaultSize int64 = 1024 * 1024

// ErrInvalidConfiguration is returned for a non-positive chunk size or a negative file size.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Range is a half-open byte range [Start, End) of a file.
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Count returns ceil(size / chunkSize).
func Count(size, chunkSize int64) (int, error) {
	if err := check(size, chunkSize); err != nil {
		return 0, err
	}
	n := size / chunkSize
	if size%chunkSize != 0 {
		n++
	}
	return int(n), nil
}

// Split returns the ordered ranges covering [0, size). Every range is chunkSize long
// except possibly the last one. A zero size yields no ranges.
func Split(size, chunkSize int64) ([]Range, error) {
	n, err := Count(size, chunkSize)
	if err != nil {
		return nil, err
	}

	ranges := make([]Range, 0, n)
	for i := 0; i < n; i++ {
		start := int64(i) * chunkSize
		ranges = append(ranges, Range{Start: start, End: start + min(chunkSize, size-start)})
	}
	return ranges, nil
}

func check(size, chunkSize int64) error {
	if chunkSize <= 0 {
		return fmt.Errorf("%w: chunk size must be positive, got %d", ErrInvalidConfiguration, chunkSize)
	}
	if size < 0 {
		return fmt.Errorf("%w: file size must not be negative, got %d", ErrInvalidConfiguration, size)
	}
	return nil
}
