// Package gateway exposes the upload coordinator over HTTP.
package gateway

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/EJRDeGuia/stars-archive-gateway-sub001/upload"
)

// Config holds the HTTP facing settings of the gateway.
type Config struct {
	// Mode is the gin mode: debug, release or test.
	Mode string
	// MaxUploadSize limits the request body of upload requests.
	MaxUploadSize int64
	// TrustedProxies is passed to gin. Nil trusts no proxy.
	TrustedProxies []string
}

// UploadResponse is the JSON representation of an upload result.
type UploadResponse struct {
	UploadID       string        `json:"upload_id"`
	Status         upload.Status `json:"status"`
	Path           string        `json:"path,omitempty"`
	URL            string        `json:"url,omitempty"`
	SHA256         string        `json:"sha256,omitempty"`
	NextChunkIndex int           `json:"next_chunk_index"`
	TotalChunks    int           `json:"total_chunks"`
	Error          string        `json:"error,omitempty"`
}

type uploadRequest struct {
	Bucket    string `form:"bucket"`
	Path      string `form:"path"`
	UploadID  string `form:"upload_id"`
	ChunkSize int64  `form:"chunk_size"`
	Async     bool   `form:"async"`
}

type Server struct {
	coordinator  *upload.Coordinator
	logger       log.Logger
	pathProvider pathutil.PathProvider
	config       Config

	// ctx outlives requests, asynchronous uploads run with it
	ctx     context.Context
	running sync.WaitGroup
	mu      sync.RWMutex
	results map[string]UploadResponse
}

func NewServer(ctx context.Context, coordinator *upload.Coordinator, pathProvider pathutil.PathProvider, logger log.Logger, config Config) *Server {
	return &Server{
		coordinator:  coordinator,
		logger:       logger,
		pathProvider: pathProvider,
		config:       config,
		ctx:          ctx,
		results:      map[string]UploadResponse{},
	}
}

// Router builds the gin engine serving the gateway endpoints.
func (s *Server) Router() *gin.Engine {
	if s.config.Mode != "" {
		gin.SetMode(s.config.Mode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(s.config.TrustedProxies); err != nil {
		s.logger.Warnf("Failed to set trusted proxies: %s", err)
	}
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.health)

	api := router.Group("/api/uploads")
	api.GET("", s.listUploads)
	api.POST("", s.startUpload)
	api.GET("/:id", s.getUpload)
	api.POST("/:id/resume", s.resumeUpload)
	api.DELETE("/:id", s.cancelUpload)

	return router
}

// Wait blocks until the asynchronous uploads have finished.
func (s *Server) Wait() {
	s.running.Wait()
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debugf("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":         "ok",
		"active_uploads": len(s.coordinator.ListActive()),
	})
}

func (s *Server) listUploads(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"uploads": s.coordinator.ListActive()})
}

func (s *Server) getUpload(c *gin.Context) {
	id := c.Param("id")
	if _, active := s.coordinator.Registry().Lookup(id); active {
		c.JSON(http.StatusOK, UploadResponse{UploadID: id, Status: upload.StatusInProgress})
		return
	}

	s.mu.RLock()
	response, ok := s.results[id]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) cancelUpload(c *gin.Context) {
	id := c.Param("id")
	if !s.coordinator.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload is not active"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"upload_id": id, "cancelled": true})
}

func (s *Server) startUpload(c *gin.Context) {
	s.handleUpload(c, "")
}

func (s *Server) resumeUpload(c *gin.Context) {
	s.handleUpload(c, c.Param("id"))
}

// handleUpload spools the form file to disk and runs Start, or Resume when resumeID is set.
func (s *Server) handleUpload(c *gin.Context, resumeID string) {
	if s.config.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadSize)
	}

	var req uploadRequest
	if err := c.ShouldBind(&req); err != nil {
		s.logger.Warnf("Invalid form data: %s", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid form data: " + err.Error()})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		s.logger.Warnf("Failed to get uploaded file: %s", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}

	spoolDir, err := s.pathProvider.CreateTempDir("stars-gateway")
	if err != nil {
		s.logger.Errorf("Failed to create spool directory: %s", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process uploaded file"})
		return
	}
	spoolPath := filepath.Join(spoolDir, "upload")
	if err := c.SaveUploadedFile(fileHeader, spoolPath); err != nil {
		s.removeSpool(spoolDir)
		s.logger.Errorf("Failed to spool uploaded file: %s", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process uploaded file"})
		return
	}

	file, closer, err := upload.OpenFile(spoolPath, declaredContentType(fileHeader, spoolPath))
	if err != nil {
		s.removeSpool(spoolDir)
		s.logger.Errorf("Failed to open spooled file: %s", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process uploaded file"})
		return
	}
	// the client's file name, not the spool path, is validated
	file.Name = fileHeader.Filename

	uploadID := req.UploadID
	if resumeID != "" {
		uploadID = resumeID
	}
	if uploadID == "" {
		uploadID = uuid.NewString()
	}
	opts := upload.Options{
		UploadID:  uploadID,
		Bucket:    req.Bucket,
		Path:      req.Path,
		ChunkSize: req.ChunkSize,
	}

	run := func(ctx context.Context) upload.Result {
		defer func() {
			if err := closer.Close(); err != nil {
				s.logger.Warnf("Failed to close %s: %s", spoolPath, err)
			}
			s.removeSpool(spoolDir)
		}()

		var result upload.Result
		if resumeID != "" {
			result = s.coordinator.Resume(ctx, resumeID, file, opts)
		} else {
			result = s.coordinator.Start(ctx, file, opts)
		}
		s.mu.Lock()
		s.results[result.UploadID] = toResponse(result)
		s.mu.Unlock()
		return result
	}

	if req.Async {
		s.running.Add(1)
		go func() {
			defer s.running.Done()
			run(s.ctx)
		}()
		c.JSON(http.StatusAccepted, UploadResponse{UploadID: uploadID, Status: upload.StatusPending})
		return
	}

	result := run(c.Request.Context())
	c.JSON(httpStatus(result, resumeID != ""), toResponse(result))
}

func (s *Server) removeSpool(dir string) {
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warnf("Failed to remove %s: %s", dir, err)
	}
}

// declaredContentType prefers the part header and sniffs the content when the client sent none.
func declaredContentType(fileHeader *multipart.FileHeader, path string) string {
	contentType := fileHeader.Header.Get("Content-Type")
	if contentType != "" && contentType != "application/octet-stream" {
		return contentType
	}
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return detected.String()
}

func toResponse(result upload.Result) UploadResponse {
	return UploadResponse{
		UploadID:       result.UploadID,
		Status:         result.Status,
		Path:           result.Path,
		URL:            result.URL,
		SHA256:         result.FileHash,
		NextChunkIndex: result.NextChunkIndex,
		TotalChunks:    result.TotalChunks,
		Error:          result.Error(),
	}
}

var errorStatuses = []struct {
	err    error
	status int
}{
	{upload.ErrValidationFailed, http.StatusUnprocessableEntity},
	{upload.ErrInvalidConfiguration, http.StatusBadRequest},
	{upload.ErrUploadCancelled, http.StatusConflict},
}

// httpStatus maps an upload result to the status code of a synchronous request.
func httpStatus(result upload.Result, resumed bool) int {
	if result.Success {
		if resumed {
			return http.StatusOK
		}
		return http.StatusCreated
	}
	for _, e := range errorStatuses {
		if errors.Is(result.Err, e.err) {
			return e.status
		}
	}
	return http.StatusBadGateway
}
