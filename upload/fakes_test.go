package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/mock"
)

var errTransient = errors.New("connection reset by peer")

type recordingLogger struct {
	log.Logger

	mu       sync.Mutex
	warnings []string
	errors   []string
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{Logger: log.NewLogger()}
}

func (l *recordingLogger) Warnf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warnings = append(l.warnings, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Errorf(format string, v ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, fmt.Sprintf(format, v...))
}

func (l *recordingLogger) Warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.warnings...)
}

func (l *recordingLogger) Errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.errors...)
}

// fakeTransport records every UploadChunk call and fails on demand.
type fakeTransport struct {
	mu       sync.Mutex
	calls    []int
	stored   map[int][]byte
	failures map[int]int
	fatal    map[int]error

	beforeUpload func(index int)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		stored:   map[int][]byte{},
		failures: map[int]int{},
		fatal:    map[int]error{},
	}
}

func (f *fakeTransport) UploadChunk(_ context.Context, _ Destination, index int, data []byte) error {
	if f.beforeUpload != nil {
		f.beforeUpload(index)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, index)
	if err, ok := f.fatal[index]; ok {
		return err
	}
	if f.failures[index] > 0 {
		f.failures[index]--
		return errTransient
	}
	f.stored[index] = append([]byte(nil), data...)
	return nil
}

func (f *fakeTransport) Calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

func (f *fakeTransport) Assembled() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var buf bytes.Buffer
	for i := 0; i < len(f.stored); i++ {
		buf.Write(f.stored[i])
	}
	return buf.Bytes()
}

type finalizingTransport struct {
	*fakeTransport

	finalized []Destination
	err       error
}

func (f *finalizingTransport) Finalize(_ context.Context, dest Destination, totalChunks int) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.finalized = append(f.finalized, dest)
	return fmt.Sprintf("s3://%s/%s?parts=%d", dest.Bucket, dest.Path, totalChunks), nil
}

type mockPartLister struct {
	mock.Mock
}

func (m *mockPartLister) ListUploadedParts(ctx context.Context, dest Destination) (int, error) {
	args := m.Called(ctx, dest)
	return args.Int(0), args.Error(1)
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
	props  []analytics.Properties
}

func (t *fakeTracker) Enqueue(eventName string, properties ...analytics.Properties) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, eventName)
	t.props = append(t.props, properties...)
}

func (t *fakeTracker) Wait() {}

func (t *fakeTracker) Events() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.events...)
}

func testFile(name string, size int) (File, []byte) {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i % 251)
	}
	return File{
		Name:        name,
		ContentType: "application/pdf",
		Size:        int64(size),
		Reader:      bytes.NewReader(content),
	}, content
}
