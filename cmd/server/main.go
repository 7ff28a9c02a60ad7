package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ganot/capalloc/internal/config"
	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/domain/capacity"
	"github.com/ganot/capalloc/internal/domain/resource"
	"github.com/ganot/capalloc/internal/event"
	"github.com/ganot/capalloc/internal/mcp"
	"github.com/ganot/capalloc/internal/sqlite"
	"github.com/ganot/capalloc/internal/transport"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	// Use stderr for logs in stdio mode to keep stdout clean for JSON-RPC.
	logWriter := io.Writer(os.Stdout)
	if cfg.Transport.Mode == "stdio" {
		logWriter = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Log.Level),
	}))

	if err := ensureDBDir(cfg.DB.Path); err != nil {
		logger.Error("failed to prepare database path", "error", err)
		os.Exit(1)
	}

	db, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	ledger := sqlite.NewLedgerRepository(db)
	outbox := sqlite.NewOutboxRepository(db)
	snapshots := sqlite.NewSnapshotRepository(db)

	catalog := resource.NewCachedCatalog(
		resource.NewStaticCatalog(catalogResources(cfg)),
		snapshots,
		cfg.Catalog.TTL.Std(),
		logger,
	)
	catalog.Warm(context.Background())

	index := capacity.NewIndex(cfg.Engine.BucketGranularity.Std())
	engine := allocation.NewService(ledger, catalog, index, logger)
	if err := engine.RestoreIndex(context.Background()); err != nil {
		logger.Error("failed to restore capacity index", "error", err)
		os.Exit(1)
	}

	dispatcher := event.NewDispatcher(
		outbox,
		&event.LogSink{Logger: logger},
		logger,
		cfg.Events.PollInterval.Std(),
		cfg.Events.DeliveryTimeout.Std(),
		cfg.Events.BatchSize,
	)
	dispatcher.Start()
	defer dispatcher.Close()

	resolver := staticResolver(cfg.Auth.Tokens)

	switch cfg.Transport.Mode {
	case "stdio", "mcp":
		mcpServer := mcp.NewServer(mcp.Config{
			Services: mcp.Services{
				Allocations: engine,
				Catalog:     catalog,
			},
			Resolver:      resolver,
			AuthEnabled:   cfg.Auth.Enabled,
			TransportMode: cfg.Transport.Mode,
			Logger:        logger,
		})
		if cfg.Transport.Mode == "stdio" {
			runStdioMode(logger, mcpServer)
		} else {
			runMCPHTTPMode(logger, mcpServer, cfg.Server.Host, cfg.Server.Port)
		}
	default:
		runHTTPMode(logger, engine, catalog, resolver, cfg)
	}
}

func runHTTPMode(logger *slog.Logger, engine *allocation.Service, catalog *resource.CachedCatalog, resolver transport.ActorResolver, cfg config.Config) {
	handler := transport.NewHandler(engine, catalog)

	var authMiddleware func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		authMiddleware = transport.AuthMiddleware(resolver)
	} else {
		authMiddleware = transport.NoAuthMiddleware("local")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: transport.NewServer(handler, authMiddleware),
	}

	go func() {
		logger.Info("server listening", "addr", addr, "mode", "http")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(logger, httpServer)
}

func runStdioMode(logger *slog.Logger, mcpServer *sdkmcp.Server) {
	logger.Info("starting stdio transport")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	// Run blocks until stdin closes or context is canceled
	if err := mcpServer.Run(ctx, &sdkmcp.StdioTransport{}); err != nil {
		logger.Error("stdio server error", "error", err)
		os.Exit(1)
	}
}

func runMCPHTTPMode(logger *slog.Logger, mcpServer *sdkmcp.Server, host string, port int) {
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(r *http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{
			Stateless:      false,
			SessionTimeout: 30 * time.Minute,
		},
	)

	router := http.NewServeMux()
	router.Handle("/mcp", mcpHandler)
	router.Handle("/mcp/", mcpHandler)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", addr, "mode", "mcp")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	waitForShutdown(logger, httpServer)
}

func waitForShutdown(logger *slog.Logger, server *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func catalogResources(cfg config.Config) []resource.Resource {
	resources := make([]resource.Resource, 0, len(cfg.Catalog.Resources))
	for _, entry := range cfg.Catalog.Resources {
		base := entry.BaseCapacity
		if base <= 0 {
			base = 100
		}
		resources = append(resources, resource.Resource{
			ID:           entry.ID,
			Category:     entry.Category,
			BaseCapacity: base,
			Active:       entry.Active,
		})
	}
	return resources
}

// staticResolver maps configured bearer tokens to actors. Deployments
// with a real identity provider replace this with their own resolver.
type staticResolver map[string]string

func (r staticResolver) ResolveActor(_ context.Context, token string) (string, error) {
	actor, ok := r[token]
	if !ok || actor == "" {
		return "", transport.ErrUnauthorized
	}
	return actor, nil
}

func ensureDBDir(path string) error {
	if path == ":memory:" || path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
