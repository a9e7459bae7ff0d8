// Package transport implements upload.Transport for S3 compatible object stores and presigned HTTP endpoints.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	utilsretry "github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/retry"
)

// MinS3PartSize is the smallest part S3 accepts for every part but the last one.
const MinS3PartSize = 5 * 1024 * 1024

const numFinalizeRetries = 3

// S3API is the subset of *s3.Client used by S3Transport.
type S3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3Params configures the client created by NewS3Client.
type S3Params struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	// Endpoint overrides the AWS endpoint, for S3 compatible stores.
	Endpoint     string
	UsePathStyle bool
}

// NewS3Client creates an S3 client from static credentials, or from the environment when none are given.
func NewS3Client(ctx context.Context, params S3Params, logger log.Logger) (*s3.Client, error) {
	cfg, err := loadAWSCredentials(ctx, params.Region, params.AccessKeyID, params.SecretAccessKey, logger)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return s3.NewFromConfig(*cfg, func(o *s3.Options) {
		if params.Endpoint != "" {
			o.BaseEndpoint = aws.String(params.Endpoint)
		}
		o.UsePathStyle = params.UsePathStyle
	}), nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}

// S3Transport uploads every chunk as a part of an S3 multipart upload. Part numbers are chunk index + 1.
// Every chunk except the last one must be at least MinS3PartSize long, smaller ones fail as fatal.
type S3Transport struct {
	client       S3API
	logger       log.Logger
	finalizeWait time.Duration
	minPartSize  int64

	mu        sync.Mutex
	multipart map[string]string
}

func NewS3Transport(client S3API, logger log.Logger) *S3Transport {
	return &S3Transport{
		client:       client,
		logger:       logger,
		finalizeWait: 5 * time.Second,
		minPartSize:  MinS3PartSize,
		multipart:    map[string]string{},
	}
}

// UploadChunk implements upload.Transport.
func (t *S3Transport) UploadChunk(ctx context.Context, dest upload.Destination, chunkIndex int, data []byte) error {
	if chunkIndex < dest.TotalChunks-1 && int64(len(data)) < t.minPartSize {
		return retry.Fatal(fmt.Errorf("part %d is %d bytes, s3 requires at least %d for every part but the last", chunkIndex+1, len(data), t.minPartSize))
	}

	multipartID, err := t.multipartUploadID(ctx, dest, true, chunkIndex > 0)
	if err != nil {
		return err
	}

	partNumber := int32(chunkIndex + 1)
	out, err := t.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(dest.Bucket),
		Key:           aws.String(dest.Path),
		UploadId:      aws.String(multipartID),
		PartNumber:    aws.Int32(partNumber),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("upload part %d: %w", partNumber, classifyS3Error(err))
	}

	t.logger.Debugf("Uploaded part %d of s3://%s/%s, ETag: %s", partNumber, dest.Bucket, dest.Path, aws.ToString(out.ETag))
	return nil
}

// ListUploadedParts implements upload.PartLister. It counts the parts stored without a gap from part 1.
func (t *S3Transport) ListUploadedParts(ctx context.Context, dest upload.Destination) (int, error) {
	multipartID, err := t.multipartUploadID(ctx, dest, false, true)
	if err != nil {
		return 0, err
	}
	if multipartID == "" {
		return 0, nil
	}

	parts, err := t.listAllParts(ctx, dest, multipartID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, p := range parts {
		if aws.ToInt32(p.PartNumber) != int32(count+1) {
			break
		}
		count++
	}
	if count == 0 {
		t.logger.Debugf("Multipart upload %s has no usable parts, starting over", multipartID)
		t.forget(dest)
	}
	return count, nil
}

// Finalize implements upload.Finalizer by completing the multipart upload.
func (t *S3Transport) Finalize(ctx context.Context, dest upload.Destination, totalChunks int) (string, error) {
	multipartID, err := t.multipartUploadID(ctx, dest, false, true)
	if err != nil {
		return "", err
	}
	if multipartID == "" {
		return "", fmt.Errorf("no multipart upload in progress for s3://%s/%s", dest.Bucket, dest.Path)
	}

	parts, err := t.listAllParts(ctx, dest, multipartID)
	if err != nil {
		return "", err
	}
	if len(parts) != totalChunks {
		return "", fmt.Errorf("expected %d parts, found %d", totalChunks, len(parts))
	}

	completed := make([]types.CompletedPart, 0, len(parts))
	for _, p := range parts {
		completed = append(completed, types.CompletedPart{
			ETag:       p.ETag,
			PartNumber: p.PartNumber,
		})
	}

	err = utilsretry.Times(numFinalizeRetries).Wait(t.finalizeWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := t.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(dest.Bucket),
			Key:             aws.String(dest.Path),
			UploadId:        aws.String(multipartID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			classified := classifyS3Error(err)
			fatal := retry.IsFatal(classified)
			if !fatal {
				t.logger.Warnf("Complete multipart upload attempt %d failed: %s", attempt+1, err)
			}
			return fmt.Errorf("complete multipart upload: %w", classified), fatal
		}
		return nil, true
	})
	if err != nil {
		return "", err
	}

	t.forget(dest)
	location := fmt.Sprintf("s3://%s/%s", dest.Bucket, dest.Path)
	t.logger.Debugf("Completed multipart upload %s with %d part(s)", location, len(completed))
	return location, nil
}

// Abort discards the parts uploaded so far.
func (t *S3Transport) Abort(ctx context.Context, dest upload.Destination) error {
	multipartID, err := t.multipartUploadID(ctx, dest, false, true)
	if err != nil {
		return err
	}
	if multipartID == "" {
		return nil
	}

	if _, err := t.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(dest.Bucket),
		Key:      aws.String(dest.Path),
		UploadId: aws.String(multipartID),
	}); err != nil {
		return fmt.Errorf("abort multipart upload: %w", classifyS3Error(err))
	}
	t.forget(dest)
	return nil
}

// multipartUploadID returns the S3 upload id for dest. With rediscover set, uploads started by an
// earlier process are found with ListMultipartUploads and the most recently initiated one for the key
// wins. Without it a new multipart upload is created.
func (t *S3Transport) multipartUploadID(ctx context.Context, dest upload.Destination, create, rediscover bool) (string, error) {
	t.mu.Lock()
	id, ok := t.multipart[dest.UploadID]
	t.mu.Unlock()
	if ok {
		return id, nil
	}

	if rediscover {
		var err error
		if id, err = t.findMultipartUpload(ctx, dest); err != nil {
			return "", err
		}
	}
	if id == "" && create {
		input := &s3.CreateMultipartUploadInput{
			Bucket:   aws.String(dest.Bucket),
			Key:      aws.String(dest.Path),
			Metadata: map[string]string{"upload-id": dest.UploadID},
		}
		if dest.ContentType != "" {
			input.ContentType = aws.String(dest.ContentType)
		}
		if dest.FileHash != "" {
			input.Metadata["sha256"] = dest.FileHash
		}
		out, err := t.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			return "", fmt.Errorf("create multipart upload: %w", classifyS3Error(err))
		}
		id = aws.ToString(out.UploadId)
		t.logger.Debugf("Created multipart upload %s for s3://%s/%s", id, dest.Bucket, dest.Path)
	}
	if id == "" {
		return "", nil
	}

	t.mu.Lock()
	t.multipart[dest.UploadID] = id
	t.mu.Unlock()
	return id, nil
}

func (t *S3Transport) findMultipartUpload(ctx context.Context, dest upload.Destination) (string, error) {
	var (
		keyMarker, uploadIDMarker *string
		found                     types.MultipartUpload
	)
	for {
		out, err := t.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket:         aws.String(dest.Bucket),
			Prefix:         aws.String(dest.Path),
			KeyMarker:      keyMarker,
			UploadIdMarker: uploadIDMarker,
		})
		if err != nil {
			return "", fmt.Errorf("list multipart uploads: %w", classifyS3Error(err))
		}
		for _, u := range out.Uploads {
			if aws.ToString(u.Key) != dest.Path {
				continue
			}
			if found.UploadId == nil || aws.ToTime(u.Initiated).After(aws.ToTime(found.Initiated)) {
				found = u
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		keyMarker, uploadIDMarker = out.NextKeyMarker, out.NextUploadIdMarker
	}
	return aws.ToString(found.UploadId), nil
}

func (t *S3Transport) listAllParts(ctx context.Context, dest upload.Destination, multipartID string) ([]types.Part, error) {
	var (
		parts      []types.Part
		partMarker *string
	)
	for {
		out, err := t.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(dest.Bucket),
			Key:              aws.String(dest.Path),
			UploadId:         aws.String(multipartID),
			PartNumberMarker: partMarker,
		})
		if err != nil {
			return nil, fmt.Errorf("list parts: %w", classifyS3Error(err))
		}
		parts = append(parts, out.Parts...)
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		partMarker = out.NextPartNumberMarker
	}

	sort.Slice(parts, func(i, j int) bool {
		return aws.ToInt32(parts[i].PartNumber) < aws.ToInt32(parts[j].PartNumber)
	})
	return parts, nil
}

func (t *S3Transport) forget(dest upload.Destination) {
	t.mu.Lock()
	delete(t.multipart, dest.UploadID)
	t.mu.Unlock()
}

var fatalS3ErrorCodes = map[string]bool{
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NoSuchBucket":          true,
	"NoSuchUpload":          true,
	"InvalidBucketName":     true,
	"EntityTooSmall":        true,
	"InvalidPart":           true,
	"InvalidPartOrder":      true,
}

// classifyS3Error marks errors a retry cannot fix as fatal.
func classifyS3Error(err error) error {
	var apiError smithy.APIError
	if errors.As(err, &apiError) && fatalS3ErrorCodes[apiError.ErrorCode()] {
		return retry.Fatal(err)
	}
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return retry.Fatal(err)
	}
	return err
}
