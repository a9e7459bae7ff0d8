package cli

import (
	"context"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bitrise-io/go-utils/v2/retryhttp"

	staranalytics "github.com/EJRDeGuia/stars-archive-gateway-sub001/analytics"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/backup"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/config"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/journal"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/transport"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/validate"
)

// app holds the dependencies shared by the commands. Storage clients are created on first use,
// so commands that never talk to the backend work without credentials.
type app struct {
	config *config.Config
	logger log.Logger

	tracker   analytics.Tracker
	journal   *journal.Journal
	s3Client  *s3.Client
	transport upload.Transport
}

func newApp(opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(opts.debug || cfg.Logging.Debug)

	a := &app{config: cfg, logger: logger}
	if cfg.Analytics.Enabled {
		tracker, err := staranalytics.NewDefaultUploadTracker(env.NewRepository(), logger)
		if err != nil {
			logger.Warnf("Analytics disabled: %s", err)
		} else {
			a.tracker = tracker
		}
	}
	return a, nil
}

func (a *app) objectStore(ctx context.Context) (*s3.Client, error) {
	if a.s3Client != nil {
		return a.s3Client, nil
	}
	client, err := transport.NewS3Client(ctx, a.config.S3Params(), a.logger)
	if err != nil {
		return nil, err
	}
	a.s3Client = client
	return client, nil
}

func (a *app) uploadTransport(ctx context.Context) (upload.Transport, error) {
	if a.transport != nil {
		return a.transport, nil
	}

	switch a.config.Storage.Backend {
	case config.BackendHTTP:
		j := journal.NewInMemory()
		if a.config.Journal.Path != "" {
			var err error
			if j, err = journal.Open(a.config.Journal.Path); err != nil {
				return nil, err
			}
			a.logger.Debugf("Journal: %s", a.config.Journal.Path)
		}
		a.journal = j

		t, err := transport.NewHTTPTransport(a.config.HTTPParams(), j, a.logger)
		if err != nil {
			return nil, err
		}
		a.transport = t
	case config.BackendS3:
		client, err := a.objectStore(ctx)
		if err != nil {
			return nil, err
		}
		a.transport = transport.NewS3Transport(client, a.logger)
	default:
		return nil, fmt.Errorf("invalid storage backend: %s", a.config.Storage.Backend)
	}
	return a.transport, nil
}

func (a *app) validator() (*validate.Validator, error) {
	return validate.New(a.config.ValidationRules())
}

// coordinator creates an upload coordinator. Documents go through the validator when validated is set
// and validation is enabled; backup archives skip it.
func (a *app) coordinator(ctx context.Context, validated bool) (*upload.Coordinator, error) {
	t, err := a.uploadTransport(ctx)
	if err != nil {
		return nil, err
	}

	cfg := upload.DefaultConfig()
	cfg.ChunkSize = a.config.Upload.ChunkSize
	cfg.Bucket = a.config.Upload.Bucket
	cfg.BaseURL = a.config.Upload.BaseURL
	cfg.Retry = a.config.RetryConfig()
	cfg.Tracker = a.tracker
	if validated && a.config.Validation.Enabled {
		if cfg.Validator, err = a.validator(); err != nil {
			return nil, err
		}
	}
	return upload.NewCoordinator(t, upload.NewRegistry(), a.logger, cfg), nil
}

func (a *app) verifier(ctx context.Context) (*backup.Verifier, error) {
	client, err := a.objectStore(ctx)
	if err != nil {
		return nil, err
	}
	return backup.NewVerifier(a.logger, a.downloadClient(), client, pathutil.NewPathProvider(), a.archiver()), nil
}

func (a *app) downloadClient() *http.Client {
	return retryhttp.NewClient(a.logger).StandardClient()
}

func (a *app) archiver() *backup.Archiver {
	return backup.NewArchiver(a.logger, pathutil.NewPathModifier(), pathutil.NewPathChecker())
}

// close flushes the analytics events of coordinator, which may be nil, and releases the journal.
func (a *app) close(coordinator *upload.Coordinator) {
	if coordinator != nil {
		coordinator.Wait()
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			a.logger.Warnf("Failed to close journal: %s", err)
		}
	}
}
