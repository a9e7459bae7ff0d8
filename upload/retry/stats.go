package retry

import (
	"sync"
	"time"
)

// Stats collects how long the successful attempt of every chunk took.
// Hung detection compares running attempts with Average; completion logs report Slowest.
type Stats struct {
	mu      sync.Mutex
	total   time.Duration
	count   int64
	slowest ChunkTiming
}

// ChunkTiming is the duration of one chunk upload.
type ChunkTiming struct {
	ChunkIndex int
	Duration   time.Duration
}

func NewStats() *Stats {
	return &Stats{slowest: ChunkTiming{ChunkIndex: -1}}
}

// Record adds the duration of the successful attempt of chunkIndex.
func (s *Stats) Record(chunkIndex int, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += d
	s.count++
	if d > s.slowest.Duration || s.slowest.ChunkIndex < 0 {
		s.slowest = ChunkTiming{ChunkIndex: chunkIndex, Duration: d}
	}
}

// Average is zero until a chunk is recorded.
func (s *Stats) Average() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	return s.total / time.Duration(s.count)
}

func (s *Stats) FinishedCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Slowest returns the slowest recorded chunk, with ChunkIndex -1 when none is recorded.
func (s *Stats) Slowest() ChunkTiming {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slowest
}
