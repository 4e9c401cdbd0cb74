// Command workbenchd is the control-plane daemon: it persists workspace
// records, hosts the sandbox tunnel endpoint, and bridges edge clients onto
// sandbox streams.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"

	"github.com/obot-platform/workbench/internal/config"
	"github.com/obot-platform/workbench/internal/database"
	"github.com/obot-platform/workbench/internal/handler"
	"github.com/obot-platform/workbench/internal/model"
	"github.com/obot-platform/workbench/internal/orchestrator"
	"github.com/obot-platform/workbench/internal/store"
)

// externalProvisioner covers deployments where sandboxes are provisioned out
// of band and dial the tunnel endpoint themselves: lifecycle calls only
// record intent.
type externalProvisioner struct {
	logger *slog.Logger
}

func (p *externalProvisioner) Start(_ context.Context, ws *model.Workspace) error {
	p.logger.Info("sandbox start requested", "workspace", ws.ID)
	return nil
}

func (p *externalProvisioner) Stop(_ context.Context, ws *model.Workspace) error {
	p.logger.Info("sandbox stop requested", "workspace", ws.ID)
	return nil
}

func (p *externalProvisioner) Destroy(_ context.Context, ws *model.Workspace) error {
	p.logger.Info("sandbox destroy requested", "workspace", ws.ID)
	return nil
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	db, err := database.New(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	s := store.New(db.DB)

	registry := orchestrator.NewRegistry(s, &externalProvisioner{logger: logger}, logger, orchestrator.Options{
		MaxFramePayload: cfg.MaxFramePayload,
	})

	h := handler.New(registry, s, logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS configuration
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", orchestrator.TargetURLHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Route("/api/workspaces", func(r chi.Router) {
		r.Get("/", h.ListWorkspaces)
		r.Post("/", h.CreateWorkspace)

		r.Route("/{workspaceId}", func(r chi.Router) {
			r.Get("/", h.GetWorkspace)
			r.Post("/configure", h.ConfigureWorkspace)
			r.Post("/start", h.StartWorkspace)
			r.Post("/stop", h.StopWorkspace)
			r.Delete("/", h.DeleteWorkspace)

			// Sandbox-side physical connection
			r.Get("/tunnel", h.SandboxTunnel)

			// Edge-side sockets
			r.Get("/control", h.ControlSocket)
			r.Get("/proxy/ws", h.ProxySocket)

			// Everything else is proxied through the sandbox
			r.HandleFunc("/proxy", h.ProxyHTTP)
			r.HandleFunc("/proxy/*", h.ProxyHTTP)
		})
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-shutdown:
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
