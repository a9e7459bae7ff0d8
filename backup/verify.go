package backup

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/melbahja/got"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/checksum"
)

// ErrUnsupportedLocation is returned for locations the verifier can't download.
var ErrUnsupportedLocation = errors.New("unsupported backup location")

// Verifier downloads backups and checks them against their recorded checksum.
// Supported locations: s3://bucket/key, http(s):// URLs and local paths.
type Verifier struct {
	logger       log.Logger
	httpClient   *http.Client
	s3Client     manager.DownloadAPIClient
	pathProvider pathutil.PathProvider
	archiver     *Archiver
}

// NewVerifier creates a Verifier. s3Client may be nil, then s3:// locations are rejected.
func NewVerifier(logger log.Logger, httpClient *http.Client, s3Client manager.DownloadAPIClient, pathProvider pathutil.PathProvider, archiver *Archiver) *Verifier {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Verifier{
		logger:       logger,
		httpClient:   httpClient,
		s3Client:     s3Client,
		pathProvider: pathProvider,
		archiver:     archiver,
	}
}

// Verify downloads the backup and compares its SHA-256 with expectedHash.
// The returned path is the verified local copy; remove is called by the caller when done.
func (v *Verifier) Verify(ctx context.Context, location, expectedHash string) (localPath string, remove func(), err error) {
	if expectedHash == "" {
		return "", nil, fmt.Errorf("expected checksum is empty")
	}

	localPath, remove, err = v.fetch(ctx, location)
	if err != nil {
		return "", nil, err
	}

	if err := checksum.VerifyFile(localPath, expectedHash); err != nil {
		remove()
		return "", nil, fmt.Errorf("verify %s: %w", location, err)
	}
	v.logger.Donef("Backup %s matches checksum %s", location, expectedHash)
	return localPath, remove, nil
}

// Restore verifies the backup and extracts it under dir. It returns the number of restored files.
func (v *Verifier) Restore(ctx context.Context, location, expectedHash, dir string) (int, error) {
	localPath, remove, err := v.Verify(ctx, location, expectedHash)
	if err != nil {
		return 0, err
	}
	defer remove()

	files, err := v.archiver.Extract(localPath, dir)
	if err != nil {
		return files, fmt.Errorf("extract backup: %w", err)
	}
	v.logger.Donef("Restored %d files to %s", files, dir)
	return files, nil
}

// fetch makes the backup available as a local file.
func (v *Verifier) fetch(ctx context.Context, location string) (string, func(), error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		localPath := location
		if err == nil && u.Scheme == "file" {
			localPath = u.Path
		}
		if _, statErr := os.Stat(localPath); statErr != nil {
			return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedLocation, location)
		}
		return localPath, func() {}, nil
	}

	tempDir, err := v.pathProvider.CreateTempDir("stars-verify")
	if err != nil {
		return "", nil, err
	}
	remove := func() {
		if err := os.RemoveAll(tempDir); err != nil {
			v.logger.Warnf("Failed to remove %s: %s", tempDir, err)
		}
	}
	dest := filepath.Join(tempDir, "backup.tar.zst")

	switch u.Scheme {
	case "s3":
		err = v.downloadFromS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), dest)
	case "http", "https":
		v.logger.Debugf("Download %s", location)
		downloader := got.New()
		downloader.Client = v.httpClient
		err = downloader.Do(got.NewDownload(ctx, location, dest))
	default:
		err = fmt.Errorf("%w: %s", ErrUnsupportedLocation, location)
	}
	if err != nil {
		remove()
		return "", nil, fmt.Errorf("download backup: %w", err)
	}
	return dest, remove, nil
}

func (v *Verifier) downloadFromS3(ctx context.Context, bucket, key, dest string) error {
	if v.s3Client == nil {
		return fmt.Errorf("%w: no S3 client configured", ErrUnsupportedLocation)
	}

	file, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer func() {
		if err := file.Close(); err != nil {
			v.logger.Warnf("Failed to close %s: %s", dest, err)
		}
	}()

	downloader := manager.NewDownloader(v.s3Client)
	n, err := downloader.Download(ctx, file, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("get object: %w", err)
	}
	v.logger.Debugf("Downloaded %d bytes from s3://%s/%s", n, bucket, key)
	return nil
}
