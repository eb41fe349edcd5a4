// Package server exposes the Dhi HTTP surface consumed by IDE and CLI
// clients: health, single-shot verification, interception, the orchestrated
// retry loop, and manifest retrieval. All payloads are JSON.
package server

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"dhi/internal/attestation"
	"dhi/internal/config"
	"dhi/internal/sandbox"
	"dhi/internal/slicer"
	"dhi/internal/veil"
)

// Version is reported by the health endpoint.
const Version = "0.1.0-dev"

// Server is the API server for the Dhi pipeline. Stores and the executor
// have process-wide lifetime and are injected once at startup; everything
// per-request is built inside the handlers.
type Server struct {
	cfg       *config.Config
	executor  *sandbox.Executor
	slicer    *slicer.Slicer
	ledger    *veil.Ledger
	manifests *attestation.Store

	fingerprint veil.EnvironmentFingerprint
	baseline    veil.EnvironmentFingerprint
	planHash    string

	logger *zap.Logger
	app    *fiber.App
}

// Deps bundles the process-wide collaborators injected at startup.
type Deps struct {
	Executor  *sandbox.Executor
	Slicer    *slicer.Slicer
	Ledger    *veil.Ledger
	Manifests *attestation.Store

	Fingerprint veil.EnvironmentFingerprint
	Baseline    veil.EnvironmentFingerprint
	PlanHash    string
}

// New creates the API server and registers routes.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	s := &Server{
		cfg:         cfg,
		executor:    deps.Executor,
		slicer:      deps.Slicer,
		ledger:      deps.Ledger,
		manifests:   deps.Manifests,
		fingerprint: deps.Fingerprint,
		baseline:    deps.Baseline,
		planHash:    deps.PlanHash,
		logger:      logger,
	}
	s.app = app

	app.Get("/health", s.handleHealth)
	app.Post("/verify", s.handleVerify)
	app.Post("/intercept", s.handleIntercept)
	app.Post("/orchestrate", s.handleOrchestrate)
	app.Get("/manifest/:request_id", s.handleGetManifest)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.cfg.Server.ListenAddr),
	)
	return s.app.Listen(s.cfg.Server.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for in-process testing.
func (s *Server) App() *fiber.App {
	return s.app
}
