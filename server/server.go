// Package server exposes the pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/graphmed/bioquery/intent"
	"github.com/graphmed/bioquery/pipeline"
	"github.com/graphmed/bioquery/sparql"
)

// Server wraps the pipeline in a JSON API.
type Server struct {
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
	registry *prometheus.Registry
	http     *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetricsRegistry sets the prometheus registry backing /metrics.
func WithMetricsRegistry(reg *prometheus.Registry) ServerOption {
	return func(s *Server) { s.registry = reg }
}

// New creates the API server.
func New(p *pipeline.Pipeline, addr string, opts ...ServerOption) *Server {
	s := &Server{
		pipeline: p,
		logger:   slog.Default(),
		registry: prometheus.NewRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.logRequests())

	router.GET("/healthz", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	{
		api.GET("/packs", s.handlePacks)
		api.POST("/classify", s.handleClassify)
		api.POST("/compile", s.handleCompile)
		api.POST("/execute", s.handleExecute)
		api.POST("/ask", s.handleAsk)
		api.GET("/jobs/:id", s.handleJobStatus)
	}

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("Request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "timestamp": time.Now().Format(time.RFC3339)})
}

func (s *Server) handlePacks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packs": s.pipeline.PackNames()})
}

type classifyRequest struct {
	Text  string         `json:"text" binding:"required"`
	Pack  string         `json:"pack"`
	Slots map[string]any `json:"slots"`
}

func (s *Server) handleClassify(c *gin.Context) {
	var req classifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cls, err := s.pipeline.Classify(c.Request.Context(), req.Text, req.Pack, req.Slots)
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intent":   cls.Intent,
		"fallback": cls.Fallback,
	})
}

func (s *Server) handleCompile(c *gin.Context) {
	var in intent.Intent
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	query, err := s.pipeline.Compile(in)
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"query": query})
}

type executeRequest struct {
	Pack   string   `json:"pack"`
	Query  string   `json:"query" binding:"required"`
	Graphs []string `json:"graphs"`
	Repair bool     `json:"repair"`
	Debug  bool     `json:"debug"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := s.pipeline.Execute(c.Request.Context(), req.Pack, req.Query, req.Graphs, req.Repair)
	if err != nil {
		s.renderError(c, err)
		return
	}

	body := gin.H{"result": res.Result}
	if req.Debug {
		body["executed_query"] = res.ExecutedQuery
		body["endpoint"] = res.Endpoint
		body["repaired"] = res.Repaired
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleAsk(c *gin.Context) {
	var req pipeline.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Text == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text is required"})
		return
	}

	resp, err := s.pipeline.Ask(c.Request.Context(), req)
	if err != nil {
		s.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleJobStatus(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "job id required"})
		return
	}

	status, err := s.pipeline.PollJob(c.Request.Context(), jobID)
	if err != nil {
		s.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// renderError maps pipeline errors onto HTTP statuses. Missing slots and
// unresolved placeholders are the caller's problem; timeouts surface as
// gateway timeouts; everything else is a bad gateway since the failure came
// from an upstream endpoint or collaborator.
func (s *Server) renderError(c *gin.Context, err error) {
	var missing *sparql.MissingSlotError
	var unresolved *sparql.UnresolvedPlaceholderError

	switch {
	case errors.As(err, &missing), errors.As(err, &unresolved):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, sparql.ErrTimeout):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": err.Error()})
	default:
		s.logger.Error("Request failed", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	}
}
