// Package retry uploads a single chunk with a bounded number of attempts and exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// MaxRetries is the number of additional attempts after the first failed one.
	MaxRetries = 3
	// DefaultBaseDelay is the wait before the first retry. It doubles with every further retry.
	DefaultBaseDelay = time.Second
)

// Config holds the retry policy of an Executor.
type Config struct {
	// MaxRetries is the number of retries after the first attempt.
	// Default: 3
	MaxRetries int

	// BaseDelay is multiplied by 2^attempt to get the wait before the next attempt.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxDelay caps a single backoff wait. Zero means no cap.
	MaxDelay time.Duration

	// HungThreshold cancels an attempt that runs this much longer than the average
	// chunk upload so far. The cancelled attempt is retried. Zero disables hung detection.
	HungThreshold time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries: MaxRetries,
		BaseDelay:  DefaultBaseDelay,
	}
}

// Executor runs one chunk upload at a time with retries.
// The Stats it collects span every chunk passed to Do, so use one Executor per upload job.
type Executor struct {
	config Config
	logger log.Logger
	stats  *Stats
	wait   func(ctx context.Context, d time.Duration) error
}

// NewExecutor creates an Executor. Negative values in config are treated as zero.
func NewExecutor(config Config, logger log.Logger) *Executor {
	config.MaxRetries = max(config.MaxRetries, 0)
	config.BaseDelay = max(config.BaseDelay, 0)
	config.MaxDelay = max(config.MaxDelay, 0)

	return &Executor{
		config: config,
		logger: logger,
		stats:  NewStats(),
		wait:   sleep,
	}
}

// Stats returns the durations of the chunks uploaded by this executor.
func (e *Executor) Stats() *Stats {
	return e.stats
}

// MaxAttempts is the upper bound of fn calls in a single Do.
func (e *Executor) MaxAttempts() int {
	return e.config.MaxRetries + 1
}

// Backoff returns the wait after the given 0-based failed attempt.
func (e *Executor) Backoff(attempt int) time.Duration {
	d := e.config.BaseDelay << uint(attempt)
	if e.config.MaxDelay > 0 && (d > e.config.MaxDelay || d < 0) {
		return e.config.MaxDelay
	}
	return d
}

// Do calls fn until it succeeds, returns a Fatal error or the attempts run out.
// chunkIndex and totalChunks are only used for logging and the returned *ChunkError.
func (e *Executor) Do(ctx context.Context, chunkIndex, totalChunks int, fn func(ctx context.Context) error) error {
	maxAttempts := e.MaxAttempts()
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &ChunkError{ChunkIndex: chunkIndex, Attempts: attempt, Err: err}
		}

		e.logger.Debugf("Uploading chunk %d/%d (attempt %d/%d) [finished=%d] [avg=%v]",
			chunkIndex+1, totalChunks, attempt+1, maxAttempts,
			e.stats.FinishedCount(), e.stats.Average().Round(time.Millisecond))

		start := time.Now()
		attemptCtx, cancelAttempt := context.WithCancel(ctx)

		// The last attempt is never cut short
		if attempt < maxAttempts-1 && e.config.HungThreshold > 0 {
			go e.detectHungUpload(attemptCtx, cancelAttempt, start, chunkIndex)
		}

		err := fn(attemptCtx)
		cancelAttempt()

		if err == nil {
			took := time.Since(start)
			e.stats.Record(chunkIndex, took)
			e.logger.Debugf("Chunk %d/%d uploaded in %v", chunkIndex+1, totalChunks, took.Round(time.Millisecond))
			return nil
		}
		lastErr = err

		if IsFatal(err) {
			return &ChunkError{ChunkIndex: chunkIndex, Attempts: attempt + 1, Err: err, Fatal: true}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return &ChunkError{ChunkIndex: chunkIndex, Attempts: attempt + 1, Err: ctxErr}
		}
		if attempt == maxAttempts-1 {
			break
		}

		backoff := e.Backoff(attempt)
		e.logger.Warnf("Chunk %d/%d attempt %d/%d failed, retrying in %v: %v",
			chunkIndex+1, totalChunks, attempt+1, maxAttempts, backoff, err)

		if err := e.wait(ctx, backoff); err != nil {
			return &ChunkError{ChunkIndex: chunkIndex, Attempts: attempt + 1, Err: err}
		}
	}

	return &ChunkError{ChunkIndex: chunkIndex, Attempts: maxAttempts, Err: lastErr}
}

func (e *Executor) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, chunkIndex int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if e.stats.FinishedCount() == 0 {
				continue
			}
			elapsed := time.Since(start)
			avg := e.stats.Average()
			if elapsed-avg > e.config.HungThreshold {
				e.logger.Warnf("Found hung chunk upload (chunk %d); canceling request after %s (avg: %s)",
					chunkIndex+1, elapsed.Round(time.Second), avg.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
