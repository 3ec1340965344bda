// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/ansuz/internal/api"
	"github.com/starford/ansuz/internal/ingest"
	"github.com/starford/ansuz/internal/mcpserver"
	"github.com/starford/ansuz/internal/models"
	"github.com/starford/ansuz/internal/recon"
	"github.com/starford/ansuz/internal/recognize"
	"github.com/starford/ansuz/internal/spool"
	"github.com/starford/ansuz/internal/sse"
	"github.com/starford/ansuz/internal/treestore"
)

// engine bundles the long-lived collaborators shared by every run mode.
type engine struct {
	db         *spool.DB
	tree       treestore.Store
	reconciler *recon.Reconciler
}

func buildEngine(cfg *Config, logger *slog.Logger, events recon.EventFunc) (*engine, error) {
	db, err := spool.Open(cfg.Spool.Path)
	if err != nil {
		return nil, fmt.Errorf("init spool: %w", err)
	}

	tree := treestore.NewClient(cfg.TreeStore.BaseURL, cfg.TreeStore.Token, logger)
	recognizer := recognize.NewClient(cfg.Recognizer.BaseURL, cfg.Recognizer.Token, logger)

	reconciler := recon.New(db, tree, recognizer, recon.Config{
		Tolerance:     cfg.Recon.Tolerance,
		ChunkSize:     cfg.Recon.ChunkSize,
		ChunkDelay:    cfg.Recon.ChunkDelay(),
		MaxConcurrent: cfg.Recon.MaxConcurrent,
	}, logger, events)

	return &engine{db: db, tree: tree, reconciler: reconciler}, nil
}

// Run starts the full service: ink watcher, reconciler and HTTP API.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("spool_path", cfg.Spool.Path),
		slog.String("ink_dir", cfg.Ink.Dir),
		slog.String("tree_store", cfg.TreeStore.BaseURL),
		slog.String("log_level", cfg.App.LogLevel.String()))

	// Ensure ink drop directory exists.
	if err := os.MkdirAll(cfg.Ink.Dir, 0o755); err != nil {
		return fmt.Errorf("create ink dir: %w", err)
	}

	// SSE broker.
	broker := sse.NewBroker(2 * time.Second)

	eng, err := buildEngine(cfg, logger, broker.PublishPassEvent)
	if err != nil {
		return err
	}
	defer eng.db.Close()

	ingestor := ingest.NewIngestor(eng.db, logger, broker.PublishPassEvent)

	// Build API service and router.
	svc := api.NewService(eng.db, eng.tree, eng.reconciler, ingestor)
	apiRouter := api.NewRouter(svc, cfg.Auth.AuthEnabled(), cfg.Auth.Token, broker)

	// Build chi router.
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Mount API routes under /api.
	r.Mount("/api", apiRouter)

	httpServer := &http.Server{
		Addr:    cfg.App.HTTP.Address(),
		Handler: r,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	// Watch the ink drop directory. When auto-reconcile is on, the
	// watcher triggers a debounced sweep after each ingested batch.
	var reconcileFn func()
	if cfg.Ink.AutoReconcile {
		reconcileFn = func() {
			if _, err := eng.reconciler.ReconcileAll(gCtx); err != nil {
				logger.Warn("auto reconcile failed", slog.String("error", err.Error()))
			}
		}
	}
	g.Go(func() error {
		return ingest.Watch(gCtx, ingestor, ingest.WatchConfig{
			Dir:           cfg.Ink.Dir,
			KeepProcessed: cfg.Ink.KeepProcessed,
			Reconcile:     reconcileFn,
			Debounce:      cfg.Ink.Debounce(),
		}, logger)
	})

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

// RunOnce performs a single reconciliation sweep and exits. With
// WithPage it reconciles only that page, otherwise every page with
// pending work.
func RunOnce(ctx context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	eng, err := buildEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer eng.db.Close()

	if app.page != "" {
		page, err := models.ParsePageKey(app.page)
		if err != nil {
			return fmt.Errorf("parse page key: %w", err)
		}
		rep, err := eng.reconciler.Reconcile(ctx, page, recon.PassOptions{})
		if rep != nil {
			logReport(logger, rep)
		}
		return err
	}

	reports, err := eng.reconciler.ReconcileAll(ctx)
	for _, rep := range reports {
		logReport(logger, rep)
	}
	if err != nil {
		return err
	}
	if len(reports) == 0 {
		logger.Info("No pages with pending ink")
	}
	return nil
}

// RunMCP serves the MCP tools over stdio. Logs go to stderr because
// stdout belongs to the transport.
func RunMCP(_ context.Context, opts ...Option) error {
	app := &application{}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)

	eng, err := buildEngine(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer eng.db.Close()

	srv := mcpserver.New(eng.db, eng.tree, eng.reconciler)

	logger.Info("MCP server starting on stdio")
	return srv.ServeStdio()
}

func logReport(logger *slog.Logger, rep *recon.Report) {
	logger.Info("Pass finished",
		slog.String("page", rep.PageKey),
		slog.String("pass_id", rep.PassID),
		slog.String("state", rep.State),
		slog.Bool("noop", rep.NoOp),
		slog.Int("created", rep.Created),
		slog.Int("updated", rep.Updated),
		slog.Int("preserved", rep.Preserved),
		slog.Int("deleted_strokes", rep.DeletedStrokes),
		slog.Int("errors", len(rep.Errors)))
}
