package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
)

type uploadTracker struct {
	tracker analytics.Tracker
}

func (t uploadTracker) logCompleted(job *Job, elapsed, avgChunk time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_id":         job.ID,
		"upload_time_s":     elapsed.Truncate(time.Second).Seconds(),
		"upload_size_bytes": job.File.Size,
		"chunk_count":       job.TotalChunks,
		"chunk_size_bytes":  job.ChunkSize,
		"avg_chunk_time_ms": avgChunk.Milliseconds(),
		"content_type":      job.File.ContentType,
	}
	t.tracker.Enqueue("upload_completed", properties)
}

func (t uploadTracker) logFailed(uploadID string, reason string, elapsed time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_id":     uploadID,
		"upload_time_s": elapsed.Truncate(time.Second).Seconds(),
		"reason":        reason,
	}
	t.tracker.Enqueue("upload_failed", properties)
}

func (t uploadTracker) logCancelled(job *Job, elapsed time.Duration) {
	if t.tracker == nil {
		return
	}
	properties := analytics.Properties{
		"upload_id":      job.ID,
		"upload_time_s":  elapsed.Truncate(time.Second).Seconds(),
		"at_chunk_index": job.NextChunkIndex,
		"chunk_count":    job.TotalChunks,
	}
	t.tracker.Enqueue("upload_cancelled", properties)
}

func (t uploadTracker) wait() {
	if t.tracker != nil {
		t.tracker.Wait()
	}
}
