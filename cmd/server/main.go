package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/CMBAgents/cmbcluster-sub000/internal/config"
	"github.com/CMBAgents/cmbcluster-sub000/internal/logger"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/api"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/auth"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/database"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/k8s"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/lifecycle"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/reclaim"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/storage"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/users"
	"github.com/CMBAgents/cmbcluster-sub000/pkg/validator"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	log, err := logger.New(cfg.Server.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() {
		//nolint:errcheck // Best effort sync on shutdown, ignore error
		log.Sync()
	}()

	log.Info("starting cmbcluster server", zap.String("version", "1.0.0"))

	// Initialize database
	db, err := database.NewDB(cfg.Database.DSN, cfg.Database.Path, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()
	log.Info("database initialized")

	ctx := context.Background()

	// Initialize Kubernetes client
	k8sClient, err := k8s.NewClient(cfg.Kubernetes.Kubeconfig)
	if err != nil {
		return fmt.Errorf("failed to create kubernetes client: %w", err)
	}

	// Verify Kubernetes connectivity
	if err := k8sClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("kubernetes health check failed: %w", err)
	}

	k8sVersion, err := k8sClient.GetServerVersion(ctx)
	if err != nil {
		log.Warn("failed to get kubernetes version", zap.Error(err))
	} else {
		log.Info("connected to kubernetes", zap.String("version", k8sVersion))
	}

	if err := k8sClient.EnsureNamespace(ctx, cfg.Kubernetes.Namespace, nil); err != nil {
		return fmt.Errorf("failed to ensure namespace %s: %w", cfg.Kubernetes.Namespace, err)
	}

	// Initialize storage backend
	storageProvider, err := storage.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create storage provider: %w", err)
	}
	log.Info("storage backend ready", zap.String("provider", storageProvider.Name()))

	// Initialize auth
	authProvider, err := auth.NewProvider(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create auth provider: %w", err)
	}
	log.Info("auth backend ready", zap.String("provider", authProvider.Name()))

	userService := users.NewService(db, log.Logger)
	authService, err := auth.NewService(userService, authProvider, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create auth service: %w", err)
	}

	// Initialize validator with platform ceilings: 16 cores, 64Gi
	val := validator.New(16000, 64*1024*1024*1024)

	// Initialize lifecycle manager
	manager := lifecycle.NewManager(cfg, db, k8sClient, storageProvider, log)

	// Initialize idle reclamation controller
	reclaimController := reclaim.NewController(cfg, db, manager, userService, log)
	reclaimController.Start(ctx)
	defer reclaimController.Stop()

	// Initialize handlers and router
	handler := api.NewHandler(manager, storageProvider, k8sClient, val, log)
	authHandler := api.NewAuthHandler(authService, log)
	router := api.NewRouter(handler, authHandler, authService)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("shutting down server...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	// Let in-flight provisioning settle before exit
	manager.Wait()

	log.Info("server stopped")
	return nil
}
