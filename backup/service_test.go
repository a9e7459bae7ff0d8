package backup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/checksum"
)

// diskTransport assembles uploaded chunks into a file under dir and returns its path on Finalize.
type diskTransport struct {
	mu     sync.Mutex
	dir    string
	chunks map[int][]byte
}

func newDiskTransport(dir string) *diskTransport {
	return &diskTransport{dir: dir, chunks: map[int][]byte{}}
}

func (d *diskTransport) UploadChunk(_ context.Context, _ upload.Destination, chunkIndex int, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.chunks[chunkIndex] = append([]byte(nil), data...)
	return nil
}

func (d *diskTransport) Finalize(_ context.Context, dest upload.Destination, totalChunks int) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var content []byte
	for i := 0; i < totalChunks; i++ {
		content = append(content, d.chunks[i]...)
	}
	path := filepath.Join(d.dir, dest.Bucket, filepath.FromSlash(dest.Path))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, content, 0644)
}

func newTestService(t *testing.T, transport upload.Transport) *Service {
	t.Helper()
	config := upload.DefaultConfig()
	config.Bucket = "stars-backups"
	coordinator := upload.NewCoordinator(transport, upload.NewRegistry(), log.NewLogger(), config)
	return NewService(newTestArchiver(), coordinator, pathutil.NewPathProvider(), log.NewLogger())
}

func TestService_CreateAndRestore(t *testing.T) {
	// Given
	source := t.TempDir()
	writeFiles(t, source, map[string]string{
		"thesis-1.pdf": "a thesis",
		"thesis-2.pdf": "another thesis",
	})
	transport := newDiskTransport(t.TempDir())
	service := newTestService(t, transport)

	// When
	backup, err := service.Create(context.Background(), []string{filepath.Join(source, "*.pdf")}, CreateOptions{ChunkSize: 64})

	// Then
	require.NoError(t, err)
	assert.Equal(t, 2, backup.PathCount)
	assert.NotEmpty(t, backup.UploadID)
	assert.Contains(t, backup.Location, filepath.Join("stars-backups", "backups", "stars-backup-"))
	assert.Greater(t, backup.Size, int64(0))

	sum, err := checksum.OfFile(backup.Location)
	require.NoError(t, err)
	assert.Equal(t, backup.Checksum, sum)

	verifier := NewVerifier(log.NewLogger(), nil, nil, pathutil.NewPathProvider(), newTestArchiver())
	target := t.TempDir()
	files, err := verifier.Restore(context.Background(), backup.Location, backup.Checksum, target)
	require.NoError(t, err)
	assert.Equal(t, 2, files)
	content, err := os.ReadFile(filepath.Join(target, entryName(source), "thesis-2.pdf"))
	require.NoError(t, err)
	assert.Equal(t, "another thesis", string(content))
}

func TestService_Create_NothingToBackup(t *testing.T) {
	service := newTestService(t, newDiskTransport(t.TempDir()))

	_, err := service.Create(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, CreateOptions{})

	assert.ErrorIs(t, err, ErrNothingToArchive)
}

func TestService_Create_UploadFailure(t *testing.T) {
	// Given a coordinator without a bucket
	coordinator := upload.NewCoordinator(newDiskTransport(t.TempDir()), nil, log.NewLogger(), upload.DefaultConfig())
	service := NewService(newTestArchiver(), coordinator, pathutil.NewPathProvider(), log.NewLogger())
	source := t.TempDir()
	writeFiles(t, source, map[string]string{"a.pdf": "a"})

	// When
	_, err := service.Create(context.Background(), []string{source}, CreateOptions{})

	// Then
	require.Error(t, err)
	assert.ErrorIs(t, err, upload.ErrInvalidConfiguration)
}
