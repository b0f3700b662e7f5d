package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	mcpadapter "github.com/kirillkom/ragfusion/internal/adapters/mcp"
	"github.com/kirillkom/ragfusion/internal/bootstrap"
	"github.com/kirillkom/ragfusion/internal/config"
	"github.com/kirillkom/ragfusion/internal/observability/logging"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	// stdout carries the protocol; logs go to stderr.
	cfg, err := config.Load()
	if err != nil {
		logging.NewJSONLoggerTo(os.Stderr, "ragfusion-mcp", "info").Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLoggerTo(os.Stderr, "ragfusion-mcp", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, bootstrap.RoleMCP, logger, nil)
	if err != nil {
		logger.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := mcpadapter.New(app.Runner, cfg.HybridAlpha).MCPServer(version)
	logger.Info("mcp_stdio_serving", "tool", mcpadapter.ToolRAGQuery)
	if err := server.ServeStdio(srv); err != nil {
		logger.Error("mcp_serve_failed", "error", err)
		os.Exit(1)
	}
}
