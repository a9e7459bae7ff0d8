package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/checksum"
)

// fakeObjectStore serves a single object and honours the byte ranges the S3 download manager asks for.
type fakeObjectStore struct {
	bucket, key string
	content     []byte
}

func (f *fakeObjectStore) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if aws.ToString(params.Bucket) != f.bucket || aws.ToString(params.Key) != f.key {
		return nil, fmt.Errorf("no such key: %s/%s", aws.ToString(params.Bucket), aws.ToString(params.Key))
	}

	start, end := int64(0), int64(len(f.content))-1
	if params.Range != nil {
		_, _ = fmt.Sscanf(aws.ToString(params.Range), "bytes=%d-%d", &start, &end)
	}
	if end >= int64(len(f.content)) {
		end = int64(len(f.content)) - 1
	}
	body := f.content[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, len(f.content))),
	}, nil
}

func createTestArchive(t *testing.T) (string, []byte, string) {
	t.Helper()
	source := t.TempDir()
	writeFiles(t, source, map[string]string{"thesis.pdf": "%PDF-1.7 thesis"})
	archivePath := filepath.Join(t.TempDir(), "backup.tar.zst")
	require.NoError(t, newTestArchiver().Archive([]string{source}, archivePath, 0))

	content, err := os.ReadFile(archivePath)
	require.NoError(t, err)
	sum, err := checksum.OfFile(archivePath)
	require.NoError(t, err)
	return archivePath, content, sum
}

func TestVerifier_Verify(t *testing.T) {
	archivePath, content, sum := createTestArchive(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/backups/backup.tar.zst" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// ranges are ignored, the whole archive is sent
		_, _ = w.Write(content)
	}))
	defer server.Close()

	store := &fakeObjectStore{bucket: "stars-backups", key: "backups/backup.tar.zst", content: content}

	tests := []struct {
		name     string
		location string
		hash     string
		wantErr  error
		anyErr   bool
	}{
		{name: "local file", location: archivePath, hash: sum},
		{name: "file url", location: "file://" + filepath.ToSlash(archivePath), hash: sum},
		{name: "http", location: server.URL + "/backups/backup.tar.zst", hash: sum},
		{name: "s3", location: "s3://stars-backups/backups/backup.tar.zst", hash: sum},
		{name: "checksum mismatch", location: archivePath, hash: "00", wantErr: checksum.ErrChecksumMismatch},
		{name: "http not found", location: server.URL + "/missing", hash: sum, anyErr: true},
		{name: "s3 missing key", location: "s3://stars-backups/other", hash: sum, anyErr: true},
		{name: "unknown scheme", location: "ftp://example.com/backup", hash: sum, wantErr: ErrUnsupportedLocation},
		{name: "missing local file", location: filepath.Join(t.TempDir(), "missing"), hash: sum, wantErr: ErrUnsupportedLocation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given
			verifier := NewVerifier(log.NewLogger(), server.Client(), store, pathutil.NewPathProvider(), newTestArchiver())

			// When
			localPath, remove, err := verifier.Verify(context.Background(), tt.location, tt.hash)

			// Then
			if tt.wantErr != nil || tt.anyErr {
				require.Error(t, err)
				if tt.wantErr != nil {
					assert.ErrorIs(t, err, tt.wantErr)
				}
				return
			}
			require.NoError(t, err)
			defer remove()
			got, err := os.ReadFile(localPath)
			require.NoError(t, err)
			assert.Equal(t, content, got)
		})
	}
}

func TestVerifier_S3WithoutClient(t *testing.T) {
	verifier := NewVerifier(log.NewLogger(), nil, nil, pathutil.NewPathProvider(), newTestArchiver())

	_, _, err := verifier.Verify(context.Background(), "s3://bucket/key", "abc")

	assert.ErrorIs(t, err, ErrUnsupportedLocation)
}

func TestVerifier_RestoreRejectsTamperedBackup(t *testing.T) {
	// Given
	archivePath, _, _ := createTestArchive(t)
	verifier := NewVerifier(log.NewLogger(), nil, nil, pathutil.NewPathProvider(), newTestArchiver())
	target := t.TempDir()

	// When
	files, err := verifier.Restore(context.Background(), archivePath, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", target)

	// Then
	require.ErrorIs(t, err, checksum.ErrChecksumMismatch)
	assert.Zero(t, files)
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
