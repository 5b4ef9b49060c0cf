// Package server exposes recast's admin HTTP surface: health, metrics, run
// trigger, queue listing, cancellation and content ingest.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/recast/internal/engine"
	"github.com/roach88/recast/internal/logging"
	"github.com/roach88/recast/internal/model"
	"github.com/roach88/recast/internal/store"
)

// Listing limits for GET /v1/entries.
const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Pipeline triggers pipeline runs.
type Pipeline interface {
	Run(ctx context.Context) (engine.RunReport, error)
	Running() bool
}

// Queue is the store view the admin routes read and write.
type Queue interface {
	Ping(ctx context.Context) error
	ListEntries(ctx context.Context, f store.EntryFilter) ([]model.QueueEntry, error)
	UpsertContentItem(ctx context.Context, item model.ContentItem) error
}

// Canceller cancels queue entries.
type Canceller interface {
	Cancel(ctx context.Context, id string) (model.Status, error)
}

// Deps are the collaborators behind the routes.
type Deps struct {
	Pipeline  Pipeline
	Queue     Queue
	Canceller Canceller
	Gatherer  prometheus.Gatherer
	Logger    logging.Logger
	// Version is reported by /healthz, usually the config snapshot version.
	Version string
	Now     func() time.Time
}

// Server is the admin HTTP server.
type Server struct {
	deps   Deps
	router *gin.Engine
	http   *http.Server

	// Runs triggered over HTTP outlive their request; Shutdown cancels and
	// waits for them.
	runCtx    context.Context
	cancelRun context.CancelFunc
	runs      sync.WaitGroup
}

// New creates a Server listening on addr.
func New(addr string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Server{deps: deps, runCtx: runCtx, cancelRun: cancel}
	s.router = s.setupRouter()
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(requestIDMiddleware())
	router.Use(loggingMiddleware(s.deps.Logger))
	router.Use(recoveryMiddleware(s.deps.Logger))

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	v1.POST("/runs", s.handleTriggerRun)
	v1.GET("/entries", s.handleListEntries)
	v1.POST("/entries/:id/cancel", s.handleCancelEntry)
	v1.POST("/content", s.handleIngest)
	return router
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.deps.Logger.WithField("addr", s.http.Addr).Info("Starting admin server")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, cancels triggered runs and waits for
// them.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.cancelRun()

	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return errors.Join(err, ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Wait blocks until every triggered run has returned.
func (s *Server) Wait() {
	s.runs.Wait()
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.deps.Queue.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"version": s.deps.Version,
		"running": s.deps.Pipeline.Running(),
	})
}

func (s *Server) handleTriggerRun(c *gin.Context) {
	if s.deps.Pipeline.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": engine.ErrAlreadyRunning.Error()})
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		log := s.deps.Logger.WithField("trigger", "http")
		report, err := s.deps.Pipeline.Run(s.runCtx)
		switch {
		case errors.Is(err, engine.ErrAlreadyRunning):
			log.Info("Triggered run skipped, another run is active")
		case err != nil:
			log.WithError(err).Error("Triggered run failed")
		default:
			log.WithFields(logging.Fields{
				"run_token": report.RunToken,
				"completed": report.Tick.Completed,
				"failed":    report.Tick.Failed,
			}).Info("Triggered run finished")
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (s *Server) handleListEntries(c *gin.Context) {
	var f store.EntryFilter

	if raw := c.Query("status"); raw != "" {
		status, err := model.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		f.Status = status
	}
	if raw := c.Query("platform"); raw != "" {
		p := model.Platform(raw)
		if !p.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unknown platform %q", raw)})
			return
		}
		f.Platform = p
	}
	f.SourceID = c.Query("source_id")

	f.Limit = defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		f.Limit = min(n, maxListLimit)
	}

	entries, err := s.deps.Queue.ListEntries(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if entries == nil {
		entries = []model.QueueEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleCancelEntry(c *gin.Context) {
	id := c.Param("id")
	prior, err := s.deps.Canceller.Cancel(c.Request.Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{
			"id":              id,
			"status":          model.StatusCancelled,
			"previous_status": prior,
		})
	}
}

func (s *Server) handleIngest(c *gin.Context) {
	var items []model.ContentItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for i, item := range items {
		if item.SourceID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("item %d: source_id is required", i)})
			return
		}
	}

	now := s.deps.Now()
	for _, item := range items {
		item.UpdatedAt = now
		if err := s.deps.Queue.UpsertContentItem(c.Request.Context(), item); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"upserted": len(items)})
}
