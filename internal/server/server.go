// Package server exposes the chat service over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"chat-rag/internal/config"
	"chat-rag/internal/models"
	"chat-rag/internal/rag"
)

// maxUploadBytes bounds multipart uploads.
const maxUploadBytes = 64 << 20

// Backend is the part of rag.Service the HTTP layer uses.
type Backend interface {
	Query(ctx context.Context, session, question string) (models.Answer, error)
	AddSource(ctx context.Context, name string, r io.Reader) (string, rag.IngestReport, error)
	DeleteSource(ctx context.Context, name string) (rag.IngestReport, error)
	Sources(ctx context.Context) ([]string, error)
	Status() rag.Status
}

type Server struct {
	backend Backend
	cfg     config.ServerConfig
	engine  *gin.Engine
}

func New(backend Backend, cfg config.ServerConfig) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), cors(cfg.AllowedOrigins))
	engine.MaxMultipartMemory = 8 << 20

	s := &Server{backend: backend, cfg: cfg, engine: engine}
	engine.GET("/", s.health)
	engine.POST("/chat", s.chat)
	engine.POST("/upload", s.upload)
	engine.GET("/files", s.listFiles)
	engine.DELETE("/files/:filename", s.deleteFile)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.Addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}

func cors(origins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
