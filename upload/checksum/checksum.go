// Package checksum computes and verifies the SHA-256 digests of uploaded files.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/chunk"
)

var (
	// ErrFileRead is returned when the content cannot be read to the end.
	ErrFileRead = chunk.ErrFileRead
	// ErrChecksumMismatch is returned by Verify when the recomputed digest differs.
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Compute streams r once through SHA-256 and returns the lower-case hex digest.
func Compute(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileRead, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// ComputeN hashes exactly size bytes of r. A reader that ends early fails with ErrFileRead.
func ComputeN(r io.Reader, size int64) (string, error) {
	hash := sha256.New()
	n, err := io.CopyN(hash, r, size)
	if err != nil {
		return "", fmt.Errorf("%w: read %d of %d bytes: %v", ErrFileRead, n, size, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// OfFile returns the hex-encoded SHA-256 checksum of the file at path.
func OfFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFileRead, err)
	}
	defer func() {
		_ = f.Close()
	}()

	return Compute(f)
}

// Verify recomputes the digest of r and compares it with expected, ignoring case.
func Verify(r io.Reader, expected string) error {
	actual, err := Compute(r)
	if err != nil {
		return err
	}
	if !strings.EqualFold(actual, strings.TrimSpace(expected)) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// VerifyFile is Verify for the file at path.
func VerifyFile(path, expected string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileRead, err)
	}
	defer func() {
		_ = f.Close()
	}()

	return Verify(f, expected)
}
