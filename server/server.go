// Package server exposes melody generation over HTTP.
//
// Routes:
//
//	GET  /health               liveness and vocabulary size.
//	GET  /v1/vocabulary        the symbols, in token order.
//	POST /v1/generate          JSON request, JSON melody.
//	POST /v1/generate/midi     JSON request, Standard MIDI File.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gomlx/go-melody/config"
	"github.com/gomlx/go-melody/generation"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	requestIDKey    = "request_id"
	requestIDHeader = "X-Request-ID"
	shutdownTimeout = 10 * time.Second
)

// Server handles generation requests with a shared Generator.
type Server struct {
	generator *generation.Generator
	cfg       *config.Config
	router    *gin.Engine
}

// New creates the server and its routes. Request fields left out default to the values in cfg.
func New(generator *generation.Generator, cfg *config.Config) *Server {
	s := &Server{generator: generator, cfg: cfg}
	s.router = s.setupRouter()
	return s
}

// Handler returns the http.Handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestTracking())

	router.GET("/health", s.health)
	v1 := router.Group("/v1")
	{
		v1.GET("/vocabulary", s.vocabulary)
		v1.POST("/generate", s.generate)
		v1.POST("/generate/midi", s.generateMIDI)
	}
	return router
}

// Run serves on addr until ctx is cancelled, and then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		klog.Infof("serving melody generation on %s", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errors.Wrapf(err, "serving on %s", addr)
	case <-ctx.Done():
	}
	klog.Infof("shutting down server on %s", addr)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutting down server")
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrapf(err, "serving on %s", addr)
	}
	return nil
}

// RequestTracking tags each request with a request id (also returned in the X-Request-ID header) and
// logs its completion.
func RequestTracking() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := uuid.New().String()
		c.Set(requestIDKey, requestID)
		c.Header(requestIDHeader, requestID)
		start := time.Now()

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		switch {
		case status >= http.StatusInternalServerError:
			klog.Errorf("request %s: %s %s -> %d in %s, errors: %s", requestID, c.Request.Method,
				c.Request.URL.Path, status, elapsed, c.Errors.String())
		case status >= http.StatusBadRequest:
			klog.Warningf("request %s: %s %s -> %d in %s", requestID, c.Request.Method, c.Request.URL.Path,
				status, elapsed)
		default:
			klog.V(1).Infof("request %s: %s %s -> %d in %s", requestID, c.Request.Method, c.Request.URL.Path,
				status, elapsed)
		}
	}
}
