// Package config loads the gateway configuration from defaults, a YAML file and STARS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/retry"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/transport"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/validate"
)

// EnvPrefix prefixes every environment override, e.g. STARS_UPLOAD_CHUNK_SIZE.
const EnvPrefix = "STARS"

const (
	BackendS3   = "s3"
	BackendHTTP = "http"
)

// DefaultPaths are searched in order when Load gets no explicit path.
var DefaultPaths = []string{
	"./stars.yaml",
	"./config/stars.yaml",
	"/etc/stars/config.yaml",
}

type Config struct {
	Upload     UploadConfig     `yaml:"upload"`
	Validation ValidationConfig `yaml:"validation"`
	Storage    StorageConfig    `yaml:"storage"`
	Journal    JournalConfig    `yaml:"journal"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Logging    LoggingConfig    `yaml:"logging"`
	Analytics  AnalyticsConfig  `yaml:"analytics"`
}

type UploadConfig struct {
	ChunkSize     int64         `yaml:"chunk_size" split_words:"true"`
	Bucket        string        `yaml:"bucket"`
	BaseURL       string        `yaml:"base_url" split_words:"true"`
	MaxRetries    int           `yaml:"max_retries" split_words:"true"`
	BaseDelay     time.Duration `yaml:"base_delay" split_words:"true"`
	MaxDelay      time.Duration `yaml:"max_delay" split_words:"true"`
	HungThreshold time.Duration `yaml:"hung_threshold" split_words:"true"`
}

type ValidationConfig struct {
	Enabled     bool   `yaml:"enabled"`
	ContentType string `yaml:"content_type" split_words:"true"`
	Extension   string `yaml:"extension"`
	MaxSize     int64  `yaml:"max_size" split_words:"true"`
	NamePattern string `yaml:"name_pattern" split_words:"true"`
}

type StorageConfig struct {
	// Backend is s3 or http.
	Backend string     `yaml:"backend"`
	S3      S3Config   `yaml:"s3"`
	HTTP    HTTPConfig `yaml:"http"`
}

type S3Config struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id" split_words:"true"`
	SecretAccessKey Secret `yaml:"secret_access_key" split_words:"true"`
	Endpoint        string `yaml:"endpoint"`
	UsePathStyle    bool   `yaml:"use_path_style" split_words:"true"`
}

type HTTPConfig struct {
	BaseURL string `yaml:"base_url" split_words:"true"`
	Token   Secret `yaml:"token"`
}

type JournalConfig struct {
	// Path of the leveldb journal. Empty keeps the journal in memory.
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	Address string `yaml:"address"`
	// Mode is the gin mode: debug, release or test.
	Mode          string `yaml:"mode"`
	MaxUploadSize int64  `yaml:"max_upload_size" split_words:"true"`
}

type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	rules := validate.DefaultRules()
	retryConfig := retry.DefaultConfig()
	return Config{
		Upload: UploadConfig{
			ChunkSize:  transport.MinS3PartSize,
			MaxRetries: retryConfig.MaxRetries,
			BaseDelay:  retryConfig.BaseDelay,
			MaxDelay:   30 * time.Second,
		},
		Validation: ValidationConfig{
			Enabled:     true,
			ContentType: rules.ContentType,
			Extension:   rules.Extension,
			MaxSize:     rules.MaxSize,
			NamePattern: rules.NamePattern,
		},
		Storage: StorageConfig{
			Backend: BackendS3,
			S3:      S3Config{Region: "us-east-1"},
		},
		Gateway: GatewayConfig{
			Address:       ":8080",
			Mode:          "release",
			MaxUploadSize: 2 * rules.MaxSize,
		},
	}
}

// Load reads the configuration in order of precedence (lowest first):
// built-in defaults, the YAML file at path (or the first existing DefaultPaths entry
// when path is empty), STARS_* environment variables.
func Load(path string) (*Config, error) {
	config := Default()

	if err := loadFromFile(&config, path); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &config); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	config.Storage.Backend = strings.ToLower(config.Storage.Backend)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func loadFromFile(config *Config, path string) error {
	if path == "" {
		for _, candidate := range DefaultPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
		if path == "" {
			return nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Upload.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid chunk size: %d", c.Upload.ChunkSize))
	}
	if c.Upload.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("invalid max retries: %d", c.Upload.MaxRetries))
	}
	if c.Upload.BaseDelay < 0 || c.Upload.MaxDelay < 0 || c.Upload.HungThreshold < 0 {
		errs = append(errs, fmt.Errorf("retry delays must not be negative"))
	}

	if c.Validation.Enabled {
		if _, err := validate.New(c.ValidationRules()); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(c.Storage.Backend) {
	case BackendS3:
		if c.Storage.S3.Region == "" {
			errs = append(errs, fmt.Errorf("s3 region required for the s3 backend"))
		}
		if c.Upload.ChunkSize > 0 && c.Upload.ChunkSize < transport.MinS3PartSize {
			errs = append(errs, fmt.Errorf("chunk size %d is below the s3 minimum part size %d", c.Upload.ChunkSize, transport.MinS3PartSize))
		}
	case BackendHTTP:
		if c.Storage.HTTP.BaseURL == "" {
			errs = append(errs, fmt.Errorf("base url required for the http backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage backend: %s", c.Storage.Backend))
	}

	switch c.Gateway.Mode {
	case "debug", "release", "test":
	default:
		errs = append(errs, fmt.Errorf("invalid gateway mode: %s", c.Gateway.Mode))
	}
	if c.Gateway.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid max upload size: %d", c.Gateway.MaxUploadSize))
	}

	return errors.Join(errs...)
}

// RetryConfig returns the retry settings of the upload executor.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:    c.Upload.MaxRetries,
		BaseDelay:     c.Upload.BaseDelay,
		MaxDelay:      c.Upload.MaxDelay,
		HungThreshold: c.Upload.HungThreshold,
	}
}

// ValidationRules returns the rules of the pre-upload file validator.
func (c *Config) ValidationRules() validate.Rules {
	return validate.Rules{
		ContentType: c.Validation.ContentType,
		Extension:   c.Validation.Extension,
		MaxSize:     c.Validation.MaxSize,
		NamePattern: c.Validation.NamePattern,
	}
}

func (c *Config) S3Params() transport.S3Params {
	return transport.S3Params{
		Region:          c.Storage.S3.Region,
		AccessKeyID:     c.Storage.S3.AccessKeyID,
		SecretAccessKey: string(c.Storage.S3.SecretAccessKey),
		Endpoint:        c.Storage.S3.Endpoint,
		UsePathStyle:    c.Storage.S3.UsePathStyle,
	}
}

func (c *Config) HTTPParams() transport.HTTPParams {
	return transport.HTTPParams{
		BaseURL: c.Storage.HTTP.BaseURL,
		Token:   string(c.Storage.HTTP.Token),
	}
}

// ToYAML dumps the configuration with secrets redacted.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
