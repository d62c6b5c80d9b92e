package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/giantswarm/llm-evalgate/internal/config"
	mcptools "github.com/giantswarm/llm-evalgate/internal/mcp"
	"github.com/giantswarm/llm-evalgate/internal/server"
)

const (
	transportStdio          = "stdio"
	transportStreamableHTTP = "streamable-http"

	shutdownTimeout = 30 * time.Second
)

func newServeCmd() *cobra.Command {
	var (
		transport    string
		httpAddr     string
		httpEndpoint string
		watch        bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the run engine with its REST API and MCP server",
		Long: `Start the run engine.

Supports two transports:
  - streamable-http: REST API under /api/v1, MCP under --http-endpoint,
    Prometheus metrics under /metrics and a health check under /healthz (default)
  - stdio: MCP over standard input/output only (for IDE integration)

With --config and --watch, edits to the gate thresholds in the config file
apply to runs created afterwards.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := configFromFlags(cmd)
			if err != nil {
				return err
			}
			if httpAddr == "" {
				httpAddr = cfg.Server.Addr
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer closeCancel()
				if err := a.close(closeCtx); err != nil {
					slog.Error("shutdown incomplete", "error", err)
				}
			}()

			if watch && cfgPath != "" {
				w, err := config.NewWatcher(cfgPath, a.reload)
				if err != nil {
					return fmt.Errorf("failed to watch config: %w", err)
				}
				go w.Run(ctx)
			}

			sc := &server.ServerContext{
				Runs:      a.coord,
				Namespace: cfg.Kubernetes.Namespace,
			}
			if a.resolver != nil {
				sc.Endpoints = a.resolver
			}

			mcpSrv := mcpserver.NewMCPServer("llm-evalgate", rootCmd.Version,
				mcpserver.WithToolCapabilities(true),
			)
			if err := mcptools.RegisterTools(mcpSrv, sc); err != nil {
				return fmt.Errorf("failed to register MCP tools: %w", err)
			}

			switch transport {
			case transportStdio:
				return runStdioServer(mcpSrv)
			case transportStreamableHTTP:
				return runHTTPServer(ctx, server.NewHTTPServer(a.coord, mcpSrv, httpEndpoint), httpAddr, httpEndpoint)
			default:
				return fmt.Errorf("unsupported transport: %s (supported: %s, %s)", transport, transportStdio, transportStreamableHTTP)
			}
		},
	}

	cmd.Flags().StringVar(&transport, "transport", transportStreamableHTTP, "Transport type: streamable-http or stdio")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP server address (default: server.addr from the config)")
	cmd.Flags().StringVar(&httpEndpoint, "http-endpoint", server.DefaultMCPEndpoint, "MCP endpoint path (for streamable-http)")
	cmd.Flags().BoolVar(&watch, "watch", true, "Reload gate thresholds when the config file changes")

	return cmd
}

func runStdioServer(mcpSrv *mcpserver.MCPServer) error {
	if err := mcpserver.ServeStdio(mcpSrv); err != nil {
		return fmt.Errorf("server stopped with error: %w", err)
	}
	return nil
}

func runHTTPServer(ctx context.Context, srv *server.HTTPServer, addr, endpoint string) error {
	slog.Info("starting llm-evalgate", "addr", addr, "mcp_endpoint", endpoint, "api", "/api/v1")

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := srv.Start(addr); err != nil {
			serverDone <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("error shutting down: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	slog.Info("HTTP server stopped")
	return nil
}
