package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/llm-evalgate/internal/api"
)

const (
	// DefaultMCPEndpoint is where the streamable MCP transport is mounted.
	DefaultMCPEndpoint = "/mcp"

	defaultReadHeaderTimeout = 10 * time.Second
	defaultWriteTimeout      = 120 * time.Second
	defaultIdleTimeout       = 120 * time.Second
)

// HTTPServer serves the REST API, the MCP streamable transport, Prometheus
// metrics and a health check from one listener.
type HTTPServer struct {
	handler    http.Handler
	httpServer *http.Server
}

// NewHTTPServer builds the routes. mcpSrv may be nil to serve the REST API
// only; an empty mcpEndpoint uses DefaultMCPEndpoint.
func NewHTTPServer(runs api.RunService, mcpSrv *mcpserver.MCPServer, mcpEndpoint string) *HTTPServer {
	if mcpEndpoint == "" {
		mcpEndpoint = DefaultMCPEndpoint
	}

	r := gin.New()
	r.Use(gin.Recovery())
	api.Register(r, runs)

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if mcpSrv != nil {
		mcpHandler := mcpserver.NewStreamableHTTPServer(mcpSrv,
			mcpserver.WithEndpointPath(mcpEndpoint),
		)
		r.Any(mcpEndpoint, gin.WrapH(mcpHandler))
	}

	return &HTTPServer{handler: r}
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.handler
}

// Start listens on addr until Shutdown is called. It returns nil after a
// graceful shutdown.
func (s *HTTPServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: defaultReadHeaderTimeout,
		WriteTimeout:      defaultWriteTimeout,
		IdleTimeout:       defaultIdleTimeout,
	}
	slog.Info("http server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
