// Package api exposes the operational HTTP surface: health, stats,
// dead-letter inspection, and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jonesrussell/bicrawl/internal/broker"
	"github.com/jonesrussell/bicrawl/internal/logger"
	"github.com/jonesrussell/bicrawl/internal/metrics"
	"github.com/jonesrussell/bicrawl/internal/supervisor"
)

const (
	readHeaderTimeout  = 5 * time.Second
	shutdownTimeout    = 10 * time.Second
	defaultDeadLimit   = 100
	deadLetterMaxLimit = 1000
)

// Server is the ops HTTP server.
type Server struct {
	sup  *supervisor.Supervisor
	log  logger.Interface
	http *http.Server
}

// New builds the server and its routes.
func New(addr string, sup *supervisor.Supervisor, log logger.Interface) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{sup: sup, log: log}

	registry := prometheus.NewRegistry()
	registry.MustRegister(metrics.NewCollector(sup.CrawlMetrics(), sup.ParseMetrics()))

	router.GET("/healthz", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/dead-letters", s.handleDeadLetters)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return s
}

// Start serves until Shutdown is called. Blocks.
func (s *Server) Start() error {
	s.log.Info("ops server listening", "addr", s.http.Addr)

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStats(c *gin.Context) {
	stats, err := s.sup.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// handleDeadLetters lists dead-letter entries when the active backend
// supports enumeration; streaming and cloud backends do not.
func (s *Server) handleDeadLetters(c *gin.Context) {
	lister, ok := s.sup.Broker().(broker.DeadLetterLister)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{
			"error": "dead-letter listing not supported by this broker backend",
		})

		return
	}

	limit := defaultDeadLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > deadLetterMaxLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be in [1, 1000]"})
			return
		}

		limit = parsed
	}

	entries, err := lister.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"count": len(entries), "entries": entries})
}
