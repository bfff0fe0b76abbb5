package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/miradorstack/mirador-reliability/internal/services"
	"github.com/miradorstack/mirador-reliability/internal/utils"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Handlers serves the dashboard HTTP API.
type Handlers struct {
	logger  *slog.Logger
	service *services.DashboardService
}

// NewHandlers constructs the HTTP handlers.
func NewHandlers(logger *slog.Logger, service *services.DashboardService) *Handlers {
	return &Handlers{logger: utils.OrDefault(logger), service: service}
}

// RegisterRoutes mounts the API under r.
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	r.GET("/healthz", h.HandleHealth)
	v1 := r.Group("/api/v1")
	v1.GET("/dashboards/:kind/:scope", h.HandleGet)
	v1.POST("/dashboards/:kind/:scope/refresh", h.HandleForceRefresh)
	v1.POST("/dashboards/:kind/:scope/invalidate", h.HandleInvalidate)
	v1.GET("/stats", h.HandleStats)
	v1.POST("/cleanup", h.HandleCleanup)
}

// NewRouter builds a gin engine with recovery, request logging and the API routes.
func NewRouter(logger *slog.Logger, service *services.DashboardService) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(utils.OrDefault(logger)))
	RegisterRoutes(router, NewHandlers(logger, service))
	return router
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "SERVING"})
}

// HandleGet handles GET /api/v1/dashboards/:kind/:scope.
//
//	200 OK: DashboardView
//	400 Bad Request: unknown kind
//	404 Not Found: scope not configured
//	503 Service Unavailable: first generation failed
func (h *Handlers) HandleGet(c *gin.Context) {
	view, err := h.service.Get(c.Request.Context(), c.Param("kind"), c.Param("scope"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// HandleForceRefresh handles POST /api/v1/dashboards/:kind/:scope/refresh.
func (h *Handlers) HandleForceRefresh(c *gin.Context) {
	view, err := h.service.ForceRefresh(c.Request.Context(), c.Param("kind"), c.Param("scope"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, view)
}

// HandleInvalidate handles POST /api/v1/dashboards/:kind/:scope/invalidate.
func (h *Handlers) HandleInvalidate(c *gin.Context) {
	ok, err := h.service.Invalidate(c.Request.Context(), c.Param("kind"), c.Param("scope"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"invalidated": ok})
}

// HandleStats handles GET /api/v1/stats.
func (h *Handlers) HandleStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Stats(c.Request.Context()))
}

// HandleCleanup handles POST /api/v1/cleanup.
func (h *Handlers) HandleCleanup(c *gin.Context) {
	res, err := h.service.Cleanup(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handlers) fail(c *gin.Context, err error) {
	code := errorCode(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", slog.String("path", c.FullPath()), slog.Any("error", err))
	}
	c.JSON(status, ErrorResponse{Error: err.Error(), Code: code.String()})
}

// HTTPServer runs the gin router on a TCP listener.
type HTTPServer struct {
	srv      *http.Server
	listener net.Listener
}

// NewHTTPServer binds address and prepares the server.
func NewHTTPServer(address string, handler http.Handler) (*HTTPServer, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}
	return &HTTPServer{
		srv:      &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second},
		listener: lis,
	}, nil
}

// Start serves until Shutdown.
func (s *HTTPServer) Start() error {
	if err := s.srv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Address exposes the bound listener address.
func (s *HTTPServer) Address() string {
	return s.listener.Addr().String()
}
