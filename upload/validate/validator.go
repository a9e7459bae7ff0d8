// Package validate gates files before they enter the upload pipeline.
package validate

import (
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Rejection reasons reported in Result.Error.
const (
	ReasonTypeMismatch    = "type mismatch"
	ReasonFileTooLarge    = "file too large"
	ReasonInvalidFilename = "invalid filename"
	ReasonEmptyFile       = "empty file"
)

// DefaultNamePattern allows letters, digits, spaces, hyphens and periods.
const DefaultNamePattern = `^[A-Za-z0-9 .\-]+$`

// ErrInvalidConfiguration is returned by New for unusable rules.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Rules describes the accepted document type.
type Rules struct {
	ContentType string `yaml:"content_type"`
	Extension   string `yaml:"extension"`
	MaxSize     int64  `yaml:"max_size"`
	NamePattern string `yaml:"name_pattern"`
}

// DefaultRules accepts PDF documents up to 100 MiB.
func DefaultRules() Rules {
	return Rules{
		ContentType: "application/pdf",
		Extension:   ".pdf",
		MaxSize:     100 * 1024 * 1024,
		NamePattern: DefaultNamePattern,
	}
}

// Candidate is the metadata of a file about to be uploaded.
type Candidate struct {
	Name        string
	ContentType string
	Size        int64
}

type Result struct {
	Valid bool
	Error string
}

type Validator struct {
	rules   Rules
	pattern *regexp.Regexp
	mime    *mimetype.MIME
}

// New checks the rules and compiles the filename pattern.
func New(rules Rules) (*Validator, error) {
	if strings.TrimSpace(rules.ContentType) == "" {
		return nil, fmt.Errorf("%w: content type is required", ErrInvalidConfiguration)
	}
	if !strings.HasPrefix(rules.Extension, ".") || len(rules.Extension) < 2 {
		return nil, fmt.Errorf("%w: extension must start with a period, got %q", ErrInvalidConfiguration, rules.Extension)
	}
	if rules.MaxSize <= 0 {
		return nil, fmt.Errorf("%w: max size must be positive, got %d", ErrInvalidConfiguration, rules.MaxSize)
	}
	if rules.NamePattern == "" {
		rules.NamePattern = DefaultNamePattern
	}
	pattern, err := regexp.Compile(rules.NamePattern)
	if err != nil {
		return nil, fmt.Errorf("%w: name pattern: %v", ErrInvalidConfiguration, err)
	}

	return &Validator{
		rules:   rules,
		pattern: pattern,
		mime:    mimetype.Lookup(rules.ContentType),
	}, nil
}

// Rules returns the rules the validator was created with.
func (v *Validator) Rules() Rules {
	return v.rules
}

// Validate checks the candidate against the rules. It never panics and never returns an error:
// a rejection is reported with Valid set to false and one of the Reason constants.
func (v *Validator) Validate(c Candidate) Result {
	name := filepath.Base(c.Name)
	if c.Name == "" || !v.pattern.MatchString(name) {
		return reject(ReasonInvalidFilename)
	}
	// Both the declared type and the extension must match
	if !v.typeMatches(c.ContentType) || !strings.EqualFold(filepath.Ext(name), v.rules.Extension) {
		return reject(ReasonTypeMismatch)
	}
	if c.Size <= 0 {
		return reject(ReasonEmptyFile)
	}
	if c.Size > v.rules.MaxSize {
		return reject(ReasonFileTooLarge)
	}
	return Result{Valid: true}
}

func (v *Validator) typeMatches(declared string) bool {
	if strings.TrimSpace(declared) == "" {
		return false
	}
	if v.mime != nil {
		return v.mime.Is(declared)
	}

	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return false
	}
	return strings.EqualFold(mediaType, strings.TrimSpace(v.rules.ContentType))
}

func reject(reason string) Result {
	return Result{Valid: false, Error: reason}
}

// CandidateFromFile builds a Candidate for a local file, sniffing the content type from its bytes.
func CandidateFromFile(path string) (Candidate, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Candidate{}, fmt.Errorf("stat %s: %w", path, err)
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return Candidate{}, fmt.Errorf("detect content type of %s: %w", path, err)
	}

	return Candidate{
		Name:        filepath.Base(path),
		ContentType: detected.String(),
		Size:        info.Size(),
	}, nil
}
