package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/journal"
	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload/retry"
)

// HTTPParams configures an HTTPTransport.
type HTTPParams struct {
	BaseURL string
	Token   string
}

type completeRequest struct {
	UploadID    string `json:"upload_id"`
	ChunkCount  int    `json:"chunk_count"`
	SHA256      string `json:"sha256"`
	ContentType string `json:"content_type,omitempty"`
}

type completeResponse struct {
	URL string `json:"url"`
}

// HTTPTransport PUTs every chunk to {base}/{bucket}/{path} and asks the server to assemble them on Finalize.
// Uploaded chunks are recorded in a journal, which answers ListUploadedParts.
type HTTPTransport struct {
	httpClient *retryablehttp.Client
	baseURL    string
	token      string
	journal    *journal.Journal
	logger     log.Logger
}

// NewHTTPTransport creates an HTTPTransport. A nil journal is replaced by an in-memory one.
func NewHTTPTransport(params HTTPParams, j *journal.Journal, logger log.Logger) (*HTTPTransport, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if _, err := url.Parse(params.BaseURL); err != nil {
		return nil, fmt.Errorf("parse API base URL: %w", err)
	}
	if j == nil {
		j = journal.NewInMemory()
	}

	client := retryhttp.NewClient(logger)
	// Chunk retries are owned by the upload coordinator
	client.RetryMax = 0
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPTransport{
		httpClient: client,
		baseURL:    strings.TrimSuffix(params.BaseURL, "/"),
		token:      params.Token,
		journal:    j,
		logger:     logger,
	}, nil
}

// UploadChunk implements upload.Transport.
func (t *HTTPTransport) UploadChunk(ctx context.Context, dest upload.Destination, chunkIndex int, data []byte) error {
	query := url.Values{}
	query.Set("upload_id", dest.UploadID)
	query.Set("part", strconv.Itoa(chunkIndex))
	query.Set("total", strconv.Itoa(dest.TotalChunks))
	chunkURL := fmt.Sprintf("%s?%s", t.objectURL(dest), query.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, chunkURL, data)
	if err != nil {
		return retry.Fatal(err)
	}
	t.authorize(req)
	req.Header.Set("Content-Type", "application/octet-stream")
	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
	req.ContentLength = int64(len(data))

	resp, err := t.httpClient.Do(req)
	if err != nil {
		if resp != nil {
			t.closeBody(resp.Body)
		}
		return t.classify(ctx, resp, err)
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return t.classify(ctx, resp, unwrapError(resp))
	}

	if err := t.journal.MarkUploaded(ctx, dest.UploadID, journal.Part{
		Index: chunkIndex,
		ETag:  resp.Header.Get("ETag"),
		Size:  len(data),
	}); err != nil {
		t.logger.Warnf("Failed to record chunk %d of %s in the journal: %s", chunkIndex, dest.UploadID, err)
	}
	return nil
}

// ListUploadedParts implements upload.PartLister from the journal.
func (t *HTTPTransport) ListUploadedParts(ctx context.Context, dest upload.Destination) (int, error) {
	return t.journal.ListUploadedParts(ctx, dest)
}

// Abort drops the journaled chunks of the upload, so a later resume starts from the first chunk.
// Chunks already sent are left to the storage API to expire.
func (t *HTTPTransport) Abort(ctx context.Context, dest upload.Destination) error {
	if err := t.journal.Forget(ctx, dest.UploadID); err != nil {
		return fmt.Errorf("forget upload %s: %w", dest.UploadID, err)
	}
	return nil
}

// Finalize implements upload.Finalizer.
func (t *HTTPTransport) Finalize(ctx context.Context, dest upload.Destination, totalChunks int) (string, error) {
	body, err := json.Marshal(completeRequest{
		UploadID:    dest.UploadID,
		ChunkCount:  totalChunks,
		SHA256:      dest.FileHash,
		ContentType: dest.ContentType,
	})
	if err != nil {
		return "", err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, t.objectURL(dest)+"/complete", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	dump, err := httputil.DumpRequest(req.Request, true)
	if err != nil {
		t.logger.Warnf("error while dumping request: %s", err)
	}
	t.logger.Debugf("Complete request dump: %s", string(dump))
	t.authorize(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer t.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", unwrapError(resp)
	}

	var response completeResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil && err != io.EOF {
		return "", fmt.Errorf("decode complete response: %w", err)
	}
	if response.URL == "" {
		response.URL = t.objectURL(dest)
	}

	if err := t.journal.Forget(ctx, dest.UploadID); err != nil {
		t.logger.Warnf("Failed to clear the journal of %s: %s", dest.UploadID, err)
	}
	return response.URL, nil
}

func (t *HTTPTransport) objectURL(dest upload.Destination) string {
	segments := []string{url.PathEscape(dest.Bucket)}
	for _, s := range strings.Split(strings.Trim(dest.Path, "/"), "/") {
		segments = append(segments, url.PathEscape(s))
	}
	return t.baseURL + "/" + strings.Join(segments, "/")
}

func (t *HTTPTransport) authorize(req *retryablehttp.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))
	}
}

func (t *HTTPTransport) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		t.logger.Warnf("Failed to close response body: %s", err)
	}
}

// classify marks responses and errors that the default retry policy would not retry as fatal.
func (t *HTTPTransport) classify(ctx context.Context, resp *http.Response, err error) error {
	if ctx.Err() != nil {
		return err
	}
	shouldRetry, policyErr := retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	t.logger.Debugf("CheckRetry: retry=%v ; err=%+v ; uploadErr=%+v", shouldRetry, policyErr, err)
	if !shouldRetry {
		return retry.Fatal(err)
	}
	return err
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
