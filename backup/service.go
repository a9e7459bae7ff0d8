package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
)

// Uploader sends a file through the chunked upload pipeline. Implemented by *upload.Coordinator.
type Uploader interface {
	Start(ctx context.Context, file upload.File, opts upload.Options) upload.Result
}

// CreateOptions configure a single backup.
type CreateOptions struct {
	// UploadID is passed to the uploader, so an interrupted backup upload can be resumed.
	UploadID string
	Bucket   string
	// Prefix is the directory of the archive inside the bucket.
	// Default: backups
	Prefix string
	// CompressionLevel is the zstd level between 1 and 19. Zero means DefaultCompressionLevel.
	CompressionLevel int
	ChunkSize        int64
}

// Backup describes an uploaded backup archive.
type Backup struct {
	UploadID  string
	Location  string
	Checksum  string
	Size      int64
	PathCount int
	CreatedAt time.Time
}

type Service struct {
	archiver     *Archiver
	uploader     Uploader
	pathProvider pathutil.PathProvider
	logger       log.Logger
}

func NewService(archiver *Archiver, uploader Uploader, pathProvider pathutil.PathProvider, logger log.Logger) *Service {
	return &Service{
		archiver:     archiver,
		uploader:     uploader,
		pathProvider: pathProvider,
		logger:       logger,
	}
}

// Create archives paths and uploads the archive. The returned checksum is the SHA-256 of the archive.
func (s *Service) Create(ctx context.Context, paths []string, opts CreateOptions) (Backup, error) {
	finalPaths, err := s.archiver.EvaluatePaths(paths)
	if err != nil {
		return Backup{}, fmt.Errorf("evaluate paths: %w", err)
	}
	if len(finalPaths) == 0 {
		return Backup{}, ErrNothingToArchive
	}

	createdAt := time.Now().UTC()
	fileName := fmt.Sprintf("stars-backup-%s.tar.zst", createdAt.Format("20060102-150405"))
	tempDir, err := s.pathProvider.CreateTempDir("stars-backup")
	if err != nil {
		return Backup{}, err
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			s.logger.Warnf("Failed to remove %s: %s", tempDir, err)
		}
	}()
	archivePath := filepath.Join(tempDir, fileName)

	s.logger.Infof("Creating archive of %d paths...", len(finalPaths))
	compressionStartTime := time.Now()
	if err := s.archiver.Archive(finalPaths, archivePath, opts.CompressionLevel); err != nil {
		return Backup{}, fmt.Errorf("compression failed: %w", err)
	}
	s.logger.Donef("Archive created in %s", time.Since(compressionStartTime).Round(time.Millisecond))

	file, closer, err := upload.OpenFile(archivePath, ArchiveContentType)
	if err != nil {
		return Backup{}, err
	}
	defer func() {
		if err := closer.Close(); err != nil {
			s.logger.Warnf("Failed to close %s: %s", archivePath, err)
		}
	}()
	s.logger.Infof("Archive size: %s", units.HumanSizeWithPrecision(float64(file.Size), 3))

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "backups"
	}
	result := s.uploader.Start(ctx, file, upload.Options{
		UploadID:  opts.UploadID,
		Bucket:    opts.Bucket,
		Path:      path.Join(prefix, fileName),
		ChunkSize: opts.ChunkSize,
	})
	if !result.Success {
		return Backup{UploadID: result.UploadID}, fmt.Errorf("upload backup: %w", result.Err)
	}

	return Backup{
		UploadID:  result.UploadID,
		Location:  result.URL,
		Checksum:  result.FileHash,
		Size:      file.Size,
		PathCount: len(finalPaths),
		CreatedAt: createdAt,
	}, nil
}
