// Package server exposes the run queue over HTTP: enqueue, inspect,
// cancel, and the event feed.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"loom/internal/domain/run"
	"loom/internal/logging"
	"loom/internal/utils/id"
)

const correlationHeader = "X-Correlation-ID"

// Server is the HTTP surface over the run store.
type Server struct {
	store  run.Store
	engine *gin.Engine
	logger logging.Logger
}

// NewServer builds the router. gin runs in release mode; callers wanting
// debug output set GIN_MODE themselves.
func NewServer(store run.Store, logger logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:  store,
		engine: gin.New(),
		logger: logging.OrNop(logger),
	}

	s.engine.Use(gin.Recovery())
	s.engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", correlationHeader},
		ExposeHeaders:    []string{correlationHeader},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	s.engine.Use(s.correlationMiddleware())

	s.registerRoutes()
	return s
}

// Handler returns the http.Handler for serving.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/runs", s.handleEnqueue)
		v1.GET("/runs", s.handleListRuns)
		v1.GET("/runs/:id", s.handleGetRun)
		v1.POST("/runs/:id/cancel", s.handleCancelRun)
		v1.GET("/runs/:id/events", s.handleListEvents)
	}
}

// correlationMiddleware ensures every request carries a correlation id,
// minting one when the client did not send one, and echoes it back.
func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader(correlationHeader)
		if correlationID == "" {
			correlationID = id.NewCorrelationID()
		}
		c.Set("correlation_id", correlationID)
		c.Header(correlationHeader, correlationID)
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type enqueueRequest struct {
	Name        string       `json:"name" binding:"required"`
	Inputs      run.Document `json:"inputs"`
	Actor       string       `json:"actor"`
	Priority    int          `json:"priority"`
	RunAt       *time.Time   `json:"run_at"`
	MaxAttempts *int         `json:"max_attempts"`
}

func (s *Server) handleEnqueue(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	spec := run.EnqueueSpec{
		Name:          req.Name,
		Inputs:        req.Inputs,
		Actor:         req.Actor,
		CorrelationID: c.GetString("correlation_id"),
		Priority:      req.Priority,
		RunAt:         req.RunAt,
		MaxAttempts:   req.MaxAttempts,
	}

	r, err := s.store.Enqueue(c.Request.Context(), spec)
	if err != nil {
		s.logger.Error("enqueue %s: %v", req.Name, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (s *Server) handleListRuns(c *gin.Context) {
	filter := run.ListFilter{
		Status:        run.Status(c.Query("status")),
		Name:          c.Query("name"),
		CorrelationID: c.Query("correlation_id"),
		ParentRunID:   c.Query("parent_run_id"),
	}
	if limit, ok := intQuery(c, "limit"); ok {
		filter.Limit = limit
	}
	if cursorCreated := c.Query("cursor_created_at"); cursorCreated != "" {
		t, err := time.Parse(time.RFC3339Nano, cursorCreated)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor_created_at"})
			return
		}
		filter.CursorCreated = &t
		filter.CursorID = c.Query("cursor_id")
	}

	runs, err := s.store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("list runs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

func (s *Server) handleGetRun(c *gin.Context) {
	runID := c.Param("id")
	ctx := c.Request.Context()

	r, err := s.store.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("get run %s: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if r == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}

	steps, err := s.store.ListSteps(ctx, runID)
	if err != nil {
		s.logger.Error("list steps for %s: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": r, "steps": steps})
}

func (s *Server) handleCancelRun(c *gin.Context) {
	runID := c.Param("id")
	ctx := c.Request.Context()

	cancelled, err := s.store.Cancel(ctx, runID)
	if err != nil {
		s.logger.Error("cancel run %s: %v", runID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
		return
	}
	if cancelled == nil {
		// Either unknown or already terminal; distinguish for the client.
		existing, err := s.store.GetRun(ctx, runID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "cancel failed"})
			return
		}
		if existing == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{
			"error":  "run already terminal",
			"status": existing.Status,
		})
		return
	}

	ev := &run.Event{
		EventName:     "run.cancelled",
		Actor:         "api",
		CorrelationID: c.GetString("correlation_id"),
		RunID:         cancelled.ID,
		Data:          run.Document{"previous_owner": cancelled.LockedBy},
	}
	if err := s.store.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn("run.cancelled event for %s not recorded: %v", runID, err)
	}
	c.JSON(http.StatusOK, cancelled)
}

func (s *Server) handleListEvents(c *gin.Context) {
	filter := run.EventFilter{
		RunID:     c.Param("id"),
		EventName: c.Query("event_name"),
	}
	if limit, ok := intQuery(c, "limit"); ok {
		filter.Limit = limit
	}

	events, err := s.store.ListEvents(c.Request.Context(), filter)
	if err != nil {
		s.logger.Error("list events for %s: %v", filter.RunID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func intQuery(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		err := <-errCh
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
