package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chat-rag/internal/models"
	"chat-rag/internal/rag"
)

type ChatRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Query     string `json:"query" binding:"required"`
}

type ChatResponse struct {
	Answer             string   `json:"answer"`
	Sources            []string `json:"sources"`
	StandaloneQuestion string   `json:"standalone_question,omitempty"`
}

type UploadResponse struct {
	Message  string           `json:"message"`
	Filename string           `json:"filename"`
	Report   rag.IngestReport `json:"report"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "index": s.backend.Status()})
}

func (s *Server) chat(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	answer, err := s.backend.Query(c.Request.Context(), req.SessionID, req.Query)
	if err != nil {
		writeError(c, err)
		return
	}
	sources := answer.Sources
	if sources == nil {
		sources = []string{}
	}
	c.JSON(http.StatusOK, ChatResponse{Answer: answer.Content, Sources: sources, StandaloneQuestion: answer.StandaloneQuestion})
}

func (s *Server) upload(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "multipart field \"file\" is required"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		writeError(c, err)
		return
	}
	defer f.Close()

	name, report, err := s.backend.AddSource(c.Request.Context(), fh.Filename, f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, UploadResponse{Message: "File uploaded and indexed", Filename: name, Report: report})
}

func (s *Server) listFiles(c *gin.Context) {
	files, err := s.backend.Sources(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"files": files})
}

func (s *Server) deleteFile(c *gin.Context) {
	name := c.Param("filename")
	report, err := s.backend.DeleteSource(c.Request.Context(), name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "File deleted and index updated", "filename": name, "report": report})
}

// statusOf maps service errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, models.ErrEmptyQuestion),
		errors.Is(err, models.ErrInvalidSourceName),
		errors.Is(err, models.ErrUnsupportedFormat),
		errors.Is(err, models.ErrEmptyCorpus):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrSourceNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrNoIndex):
		return http.StatusConflict
	case errors.Is(err, models.ErrProviderRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrProviderTransient):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrGenerationFailed):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrIndexUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	if models.Retryable(err) {
		c.Header("Retry-After", "5")
	}
	c.JSON(status, ErrorResponse{Error: err.Error()})
}
