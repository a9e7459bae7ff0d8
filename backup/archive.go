// Package backup creates compressed backup archives, sends them through the upload pipeline
// and verifies or restores them later.
package backup

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/zstd"
)

const (
	// DefaultCompressionLevel is used when no level is given.
	DefaultCompressionLevel = 3
	// ArchiveContentType is the declared content type of backup archives.
	ArchiveContentType = "application/zstd"
)

var (
	// ErrNothingToArchive is returned when none of the given paths exist.
	ErrNothingToArchive = errors.New("no existing path to archive")
	// ErrUnsafePath is returned when an archive entry would be extracted outside the target directory.
	ErrUnsafePath = errors.New("archive entry escapes the target directory")
)

// Archiver writes and reads tar archives compressed with zstd.
type Archiver struct {
	logger       log.Logger
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
}

func NewArchiver(logger log.Logger, pathModifier pathutil.PathModifier, pathChecker pathutil.PathChecker) *Archiver {
	return &Archiver{
		logger:       logger,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
	}
}

// EvaluatePaths expands glob patterns and ~ in paths and drops the ones that don't exist.
// The returned paths are absolute.
func (a *Archiver) EvaluatePaths(paths []string) ([]string, error) {
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := a.pathModifier.AbsPath(base)
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			a.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if len(matches) == 0 {
			a.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(absBase, match))
		}
	}

	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := a.pathModifier.AbsPath(path)
		if err != nil {
			a.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := a.pathChecker.IsPathExists(absPath)
		if err != nil {
			a.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			a.logger.Warnf("Backup path doesn't exist: %s", path)
			continue
		}

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

// Archive writes every file under paths into a new archive at archivePath.
// Entries are named by their absolute path without the leading separator.
func (a *Archiver) Archive(paths []string, archivePath string, compressionLevel int) (err error) {
	if len(paths) == 0 {
		return ErrNothingToArchive
	}
	if compressionLevel == 0 {
		compressionLevel = DefaultCompressionLevel
	}
	if compressionLevel < 1 || compressionLevel > 19 {
		return fmt.Errorf("compression level should be between 1 and 19")
	}

	archiveFile, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("create archive file: %w", err)
	}
	defer func() {
		if closeErr := archiveFile.Close(); closeErr != nil && err == nil {
			err = fmt.Errorf("close archive file: %w", closeErr)
		}
	}()

	zstdWriter, err := zstd.NewWriter(archiveFile, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(compressionLevel)))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zstdWriter)

	for _, p := range paths {
		if err := filepath.Walk(filepath.Clean(p), func(file string, fi os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			return a.writeEntry(tw, file, fi)
		}); err != nil {
			return fmt.Errorf("iterate on files: %w", err)
		}
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar writer: %w", err)
	}
	if err := zstdWriter.Close(); err != nil {
		return fmt.Errorf("close zstd writer: %w", err)
	}
	return nil
}

func (a *Archiver) writeEntry(tw *tar.Writer, file string, fi os.FileInfo) error {
	var link string
	if fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(file); err != nil {
			return fmt.Errorf("read symlink: %w", err)
		}
	}

	header, err := tar.FileInfoHeader(fi, link)
	if err != nil {
		return fmt.Errorf("create file info header: %w", err)
	}
	header.Name = entryName(file)
	if fi.IsDir() {
		header.Name += "/"
	}

	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar file header: %w", err)
	}

	// nothing more to do for non-regular files or directories
	if !fi.Mode().IsRegular() {
		return nil
	}

	data, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() {
		if err := data.Close(); err != nil {
			a.logger.Warnf("Failed to close %s: %s", file, err)
		}
	}()
	if _, err := io.Copy(tw, data); err != nil {
		return fmt.Errorf("copy to file: %w", err)
	}
	return nil
}

// Extract restores the entries of the archive under destinationDirectory.
func (a *Archiver) Extract(archivePath, destinationDirectory string) (int, error) {
	if destinationDirectory == "" {
		return 0, fmt.Errorf("destination directory is empty")
	}

	compressedFile, err := os.Open(archivePath)
	if err != nil {
		return 0, fmt.Errorf("read file %s: %w", archivePath, err)
	}
	defer func() {
		if err := compressedFile.Close(); err != nil {
			a.logger.Warnf("Failed to close %s: %s", archivePath, err)
		}
	}()

	zr, err := zstd.NewReader(compressedFile)
	if err != nil {
		return 0, fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	files := 0
	tr := tar.NewReader(zr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return files, fmt.Errorf("read tar file: %w", err)
		}

		target, err := safeJoin(destinationDirectory, header.Name)
		if err != nil {
			return files, err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return files, fmt.Errorf("create target directories: %w", err)
			}
		case tar.TypeReg:
			if err := extractFile(tr, target, os.FileMode(header.Mode)); err != nil {
				return files, err
			}
			files++
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return files, fmt.Errorf("create target directories: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return files, fmt.Errorf("symlink file: %w", err)
			}
		default:
			a.logger.Debugf("Skipping %s (type %c)", header.Name, header.Typeflag)
		}
	}
	return files, nil
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("create target directories: %w", err)
	}
	fileToWrite, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	if _, err := io.Copy(fileToWrite, r); err != nil {
		_ = fileToWrite.Close()
		return fmt.Errorf("copy content to file: %w", err)
	}
	// closed per entry, a deferred close would keep every extracted file open
	if err := fileToWrite.Close(); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func entryName(file string) string {
	name := filepath.ToSlash(filepath.Clean(file))
	if volume := filepath.VolumeName(file); volume != "" {
		name = strings.TrimPrefix(name, filepath.ToSlash(volume))
	}
	return strings.TrimLeft(name, "/")
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}
