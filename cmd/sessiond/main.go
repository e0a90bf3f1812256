package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sessiond/sessiond/internal/api"
	"github.com/sessiond/sessiond/internal/auth"
	"github.com/sessiond/sessiond/internal/bus"
	"github.com/sessiond/sessiond/internal/config"
	"github.com/sessiond/sessiond/internal/feed"
	"github.com/sessiond/sessiond/internal/hub"
	"github.com/sessiond/sessiond/internal/logging"
	"github.com/sessiond/sessiond/internal/ops"
	"github.com/sessiond/sessiond/internal/profile"
	"github.com/sessiond/sessiond/internal/resource"
	"github.com/sessiond/sessiond/internal/session"
	"github.com/sessiond/sessiond/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	logger.Info("Starting sessiond",
		"version", "1.0.0",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize binding store (Postgres when configured, in-memory otherwise)
	var bindings store.BindingStore
	if cfg.Database.Enabled {
		pg, err := store.NewPostgres(ctx, cfg.Database, logger)
		if err != nil {
			log.Fatalf("DB init failed: %v", err)
		}
		bindings = pg
	} else {
		logger.Info("Database disabled, session bindings are in-memory only")
		bindings = store.NewMemory()
	}
	defer bindings.Close()

	// Initialize authentication service
	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	// Initialize the event bus and start its delivery loop
	eventBus := bus.New(cfg.Bus.SubscriberQueueSize, cfg.Bus.IngressQueueSize, logger)
	go func() {
		if err := eventBus.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Event bus error", "error", err)
		}
	}()
	logger.Info("Event bus initialized",
		"subscriber_queue", cfg.Bus.SubscriberQueueSize,
		"ingress_queue", cfg.Bus.IngressQueueSize,
	)

	// Producer hub shares pollers between subscribers of the same channel
	producerHub := hub.New(eventBus, logger)

	// Profile service with a default profile active from boot
	profiles := profile.NewService(eventBus, logger)
	profiles.Register(profile.Profile{
		Name:     "default",
		Snapshot: map[string]any{"source": "builtin"},
	})
	if _, err := profiles.SetActive("default"); err != nil {
		log.Fatalf("Failed to activate default profile: %v", err)
	}

	// Session manager with one strategy per supported kind
	sessions := session.NewManager(eventBus, profiles, bindings, logger)
	sessions.RegisterStrategy(session.NewRecordingStrategy(resource.NewLocal("recorder", logger)))
	sessions.RegisterStrategy(session.NewTeleopStrategy(resource.NewLocal("teleop-link", logger)))
	sessions.RegisterStrategy(session.NewInferenceStrategy(resource.NewLocal("inference-engine", logger)))

	// Operation registry and its background runner
	registry := ops.NewRegistry(eventBus, cfg.Operations.GetTTL(), logger)
	runner := ops.NewRunner(ctx, registry, logger)
	runner.RegisterKind("dataset_export", datasetExportExecutor(bindings))
	runner.RegisterKind("model_warmup", modelWarmupExecutor(profiles))

	// External feed relays republish upstream websocket frames on the bus
	relays := make([]*feed.Relay, 0, len(cfg.Feeds))
	for _, fc := range cfg.Feeds {
		relay := feed.NewRelay(fc.Name, fc.URL, eventBus, logger)
		relay.Start(ctx)
		relays = append(relays, relay)
		logger.Info("Feed relay started", "feed", fc.Name, "url", fc.URL)
	}

	// Create API router
	handlers := api.NewHandlers(ctx, sessions, registry, runner, profiles, eventBus, producerHub, authService, cfg.Hub, logger)
	router := api.NewRouter(handlers, cfg)

	// Create HTTP server. WriteTimeout stays unset unless configured so the
	// SSE and websocket streams are not cut off.
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	// Start server in goroutine
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.Info("HTTPS server listening", "addr", srv.Addr)
			err = srv.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.Info("HTTP server listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Cancel the main context to signal pollers, relays and executors
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	producerHub.Wait()
	runner.Wait()
	for _, relay := range relays {
		relay.Wait()
	}

	logger.Info("Server stopped gracefully")
}

// datasetExportExecutor packages the recorded bindings of a target session.
func datasetExportExecutor(bindings store.BindingStore) ops.ExecutorFunc {
	return func(ctx context.Context, rec ops.Record, report ops.Progress) (string, error) {
		report("collect", 10, "Collecting session bindings", nil)
		list, err := bindings.ListBindings(ctx, rec.TargetSessionID)
		if err != nil {
			return "", fmt.Errorf("list bindings: %w", err)
		}

		report("package", 60, "Packaging dataset", map[string]any{
			"binding_count": len(list),
		})
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}

		report("finalize", 90, "Finalizing archive", nil)
		return rec.TargetSessionID, nil
	}
}

// modelWarmupExecutor primes whatever model the active profile selects.
func modelWarmupExecutor(profiles *profile.Service) ops.ExecutorFunc {
	return func(ctx context.Context, rec ops.Record, report ops.Progress) (string, error) {
		active, err := profiles.Active()
		if err != nil {
			return "", fmt.Errorf("no active profile: %w", err)
		}

		report("load", 25, "Loading model weights", map[string]any{
			"profile": active.Name,
		})
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}

		report("prime", 75, "Running warmup inference", nil)
		return "", nil
	}
}
