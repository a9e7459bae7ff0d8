package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/retry"
)

type fakeMultipart struct {
	key       string
	initiated time.Time
	parts     map[int32][]byte
	completed bool
}

// fakeS3 is an in-memory multipart store. pageSize forces pagination of the list calls.
type fakeS3 struct {
	mu           sync.Mutex
	uploads      map[string]*fakeMultipart
	objects      map[string][]byte
	nextID       int
	pageSize     int
	uploadErr    error
	completeErrs []error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		uploads:  map[string]*fakeMultipart{},
		objects:  map[string][]byte{},
		pageSize: 2,
	}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("mp-%d", f.nextID)
	f.uploads[id] = &fakeMultipart{
		key:       aws.ToString(params.Key),
		initiated: time.Now().Add(time.Duration(f.nextID) * time.Second),
		parts:     map[int32][]byte{},
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id)}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.uploadErr != nil {
		return nil, f.uploadErr
	}
	mp, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	mp.parts[aws.ToInt32(params.PartNumber)] = data
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("\"etag-%d\"", aws.ToInt32(params.PartNumber)))}, nil
}

func (f *fakeS3) ListParts(_ context.Context, params *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	mp, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	var numbers []int
	for n := range mp.parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	marker := 0
	if params.PartNumberMarker != nil {
		_, _ = fmt.Sscanf(*params.PartNumberMarker, "%d", &marker)
	}
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for _, n := range numbers {
		if n <= marker {
			continue
		}
		if len(out.Parts) == f.pageSize {
			out.IsTruncated = aws.Bool(true)
			out.NextPartNumberMarker = aws.String(fmt.Sprint(aws.ToInt32(out.Parts[len(out.Parts)-1].PartNumber)))
			break
		}
		out.Parts = append(out.Parts, types.Part{
			PartNumber: aws.Int32(int32(n)),
			ETag:       aws.String(fmt.Sprintf("\"etag-%d\"", n)),
			Size:       aws.Int64(int64(len(mp.parts[int32(n)]))),
		})
	}
	return out, nil
}

func (f *fakeS3) ListMultipartUploads(_ context.Context, params *s3.ListMultipartUploadsInput, _ ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := &s3.ListMultipartUploadsOutput{IsTruncated: aws.Bool(false)}
	for id, mp := range f.uploads {
		if mp.completed || mp.key != aws.ToString(params.Prefix) {
			continue
		}
		out.Uploads = append(out.Uploads, types.MultipartUpload{
			Key:       aws.String(mp.key),
			UploadId:  aws.String(id),
			Initiated: aws.Time(mp.initiated),
		})
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.completeErrs) > 0 {
		err := f.completeErrs[0]
		f.completeErrs = f.completeErrs[1:]
		return nil, err
	}
	mp, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{Message: aws.String("no such upload")}
	}
	var object []byte
	for _, p := range params.MultipartUpload.Parts {
		object = append(object, mp.parts[aws.ToInt32(p.PartNumber)]...)
	}
	f.objects[mp.key] = object
	mp.completed = true
	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.CompleteMultipartUploadOutput{Key: aws.String(mp.key)}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.uploads, aws.ToString(params.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}

func newTestS3Transport(client S3API) *S3Transport {
	transport := NewS3Transport(client, log.NewLogger())
	transport.finalizeWait = time.Millisecond
	transport.minPartSize = 1
	return transport
}

func testDestination() upload.Destination {
	return upload.Destination{
		UploadID:    "upload-1",
		Bucket:      "theses",
		Path:        "2024/thesis.pdf",
		ContentType: "application/pdf",
		TotalChunks: 5,
	}
}

func TestS3Transport_UploadAndFinalize(t *testing.T) {
	// Given
	ctx := context.Background()
	client := newFakeS3()
	transport := newTestS3Transport(client)
	dest := testDestination()

	// When
	for i := 0; i < 5; i++ {
		require.NoError(t, transport.UploadChunk(ctx, dest, i, []byte(fmt.Sprintf("chunk-%d;", i))))
	}
	count, err := transport.ListUploadedParts(ctx, dest)
	require.NoError(t, err)
	location, err := transport.Finalize(ctx, dest, 5)

	// Then
	require.NoError(t, err)
	assert.Equal(t, 5, count)
	assert.Equal(t, "s3://theses/2024/thesis.pdf", location)
	assert.Equal(t, "chunk-0;chunk-1;chunk-2;chunk-3;chunk-4;", string(client.objects["2024/thesis.pdf"]))
	assert.Len(t, client.uploads, 0)
}

func TestS3Transport_ResumesUploadOfEarlierProcess(t *testing.T) {
	// Given parts uploaded by another transport instance
	ctx := context.Background()
	client := newFakeS3()
	dest := testDestination()
	first := newTestS3Transport(client)
	for i := 0; i < 3; i++ {
		require.NoError(t, first.UploadChunk(ctx, dest, i, []byte("x")))
	}

	// When
	second := newTestS3Transport(client)
	count, err := second.ListUploadedParts(ctx, dest)

	// Then
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, second.UploadChunk(ctx, dest, 3, []byte("y")))
	require.NoError(t, second.UploadChunk(ctx, dest, 4, []byte("z")))
	_, err = second.Finalize(ctx, dest, 5)
	require.NoError(t, err)
	assert.Equal(t, "xxxyz", string(client.objects[dest.Path]))
}

func TestS3Transport_FreshUploadIgnoresStaleMultipartUpload(t *testing.T) {
	// Given a multipart upload for the same key left behind by a crashed process
	ctx := context.Background()
	client := newFakeS3()
	stale := newTestS3Transport(client)
	staleDest := testDestination()
	staleDest.TotalChunks = 7
	for i := 0; i < 7; i++ {
		require.NoError(t, stale.UploadChunk(ctx, staleDest, i, []byte("old;")))
	}

	// When a new process uploads the key from the first chunk
	fresh := newTestS3Transport(client)
	dest := testDestination()
	for i := 0; i < 5; i++ {
		require.NoError(t, fresh.UploadChunk(ctx, dest, i, []byte(fmt.Sprintf("new-%d;", i))))
	}
	location, err := fresh.Finalize(ctx, dest, 5)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "s3://theses/2024/thesis.pdf", location)
	assert.Equal(t, "new-0;new-1;new-2;new-3;new-4;", string(client.objects[dest.Path]))
	assert.Len(t, client.uploads, 1, "the stale upload is left alone")
	assert.Equal(t, 2, client.nextID)
}

func TestS3Transport_ResumeWithoutFirstPartStartsOver(t *testing.T) {
	// Given a stale multipart upload that is missing part 1
	ctx := context.Background()
	client := newFakeS3()
	stale := newTestS3Transport(client)
	dest := testDestination()
	dest.TotalChunks = 3
	for _, i := range []int{1, 2} {
		require.NoError(t, stale.UploadChunk(ctx, dest, i, []byte("old;")))
	}

	// When
	resumed := newTestS3Transport(client)
	count, err := resumed.ListUploadedParts(ctx, dest)
	require.NoError(t, err)
	for i := count; i < 3; i++ {
		require.NoError(t, resumed.UploadChunk(ctx, dest, i, []byte(fmt.Sprintf("new-%d;", i))))
	}
	_, err = resumed.Finalize(ctx, dest, 3)

	// Then
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Equal(t, "new-0;new-1;new-2;", string(client.objects[dest.Path]))
	assert.Equal(t, 2, client.nextID)
}

func TestS3Transport_RejectsUndersizedPart(t *testing.T) {
	// Given the production minimum part size
	ctx := context.Background()
	client := newFakeS3()
	transport := NewS3Transport(client, log.NewLogger())
	dest := testDestination()

	// When
	err := transport.UploadChunk(ctx, dest, 0, make([]byte, 1024*1024))

	// Then nothing reaches the store
	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
	assert.Contains(t, err.Error(), "s3 requires at least")
	assert.Zero(t, client.nextID)
	assert.Len(t, client.uploads, 0)

	require.NoError(t, transport.UploadChunk(ctx, dest, 0, make([]byte, MinS3PartSize)))
	require.NoError(t, transport.UploadChunk(ctx, dest, dest.TotalChunks-1, []byte("last")), "the last part may be small")
}

func TestS3Transport_ListUploadedParts(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	transport := newTestS3Transport(client)
	dest := testDestination()

	count, err := transport.ListUploadedParts(ctx, dest)
	require.NoError(t, err)
	assert.Zero(t, count, "no multipart upload yet")

	for _, i := range []int{0, 1, 3} {
		require.NoError(t, transport.UploadChunk(ctx, dest, i, []byte("x")))
	}
	count, err = transport.ListUploadedParts(ctx, dest)
	require.NoError(t, err)
	assert.Equal(t, 2, count, "gap at part 3")

	_, err = transport.Finalize(ctx, dest, 5)
	assert.Error(t, err)
}

func TestS3Transport_FatalErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantFatal bool
	}{
		{name: "access denied", err: &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}, wantFatal: true},
		{name: "missing bucket", err: &smithy.GenericAPIError{Code: "NoSuchBucket"}, wantFatal: true},
		{name: "bad signature", err: &smithy.GenericAPIError{Code: "SignatureDoesNotMatch"}, wantFatal: true},
		{name: "no such upload", err: &types.NoSuchUpload{}, wantFatal: true},
		{name: "throttling", err: &smithy.GenericAPIError{Code: "SlowDown"}, wantFatal: false},
		{name: "network", err: errors.New("connection reset"), wantFatal: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newFakeS3()
			client.uploadErr = tt.err
			transport := newTestS3Transport(client)

			err := transport.UploadChunk(context.Background(), testDestination(), 0, []byte("x"))

			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.wantFatal, retry.IsFatal(err))
		})
	}
}

func TestS3Transport_FinalizeRetries(t *testing.T) {
	// Given
	ctx := context.Background()
	client := newFakeS3()
	client.completeErrs = []error{errors.New("internal error"), &smithy.GenericAPIError{Code: "InternalError"}}
	transport := newTestS3Transport(client)
	dest := testDestination()
	dest.TotalChunks = 1
	require.NoError(t, transport.UploadChunk(ctx, dest, 0, []byte("x")))

	// When
	location, err := transport.Finalize(ctx, dest, 1)

	// Then
	require.NoError(t, err)
	assert.Equal(t, "s3://theses/2024/thesis.pdf", location)
}

func TestS3Transport_FinalizeStopsOnFatalError(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	client.completeErrs = []error{&smithy.GenericAPIError{Code: "EntityTooSmall"}, errors.New("must not be reached")}
	transport := newTestS3Transport(client)
	dest := testDestination()
	require.NoError(t, transport.UploadChunk(ctx, dest, 0, []byte("x")))

	_, err := transport.Finalize(ctx, dest, 1)

	require.Error(t, err)
	assert.True(t, retry.IsFatal(err))
	assert.Len(t, client.completeErrs, 1)
}

func TestS3Transport_Abort(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	transport := newTestS3Transport(client)
	dest := testDestination()
	require.NoError(t, transport.UploadChunk(ctx, dest, 0, []byte("x")))

	require.NoError(t, transport.Abort(ctx, dest))

	assert.Len(t, client.uploads, 0)
	count, err := transport.ListUploadedParts(ctx, dest)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestS3Transport_WithCoordinator(t *testing.T) {
	// Given
	client := newFakeS3()
	transport := newTestS3Transport(client)
	config := upload.DefaultConfig()
	config.Bucket = "theses"
	coordinator := upload.NewCoordinator(transport, upload.NewRegistry(), log.NewLogger(), config)
	content := []byte("0123456789abcdefghij0123456789")

	file := upload.File{Name: "thesis.pdf", ContentType: "application/pdf", Size: int64(len(content)), Reader: bytes.NewReader(content)}

	// When
	result := coordinator.Start(context.Background(), file, upload.Options{UploadID: "upload-1", ChunkSize: 7, Path: "2024/thesis.pdf"})

	// Then
	require.NoError(t, result.Err)
	assert.Equal(t, "s3://theses/2024/thesis.pdf", result.URL)
	assert.Equal(t, content, client.objects["2024/thesis.pdf"])
}
