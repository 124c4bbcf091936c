// Package server composes the provisioning gateway: config, telemetry, the
// administrative remote client, the provisioning service, and the HTTP
// router. It lives in pkg/ so embedders can mount the gateway inside a
// larger process instead of running the bundled binary.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/api"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/api/handlers"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/config"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/provision"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/remote"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/telemetry"
)

// Server holds the initialized provisioning gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes the gateway from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	admin := remote.NewClient(cfg.Remote.URL, remote.Credentials{
		Username: cfg.Remote.AdminUsername,
		Password: cfg.Remote.AdminPassword,
	})
	svc := provision.NewService(admin)
	log.Info().Str("remote", cfg.Remote.URL).Msg("provisioning service initialized")

	h := handlers.New(svc, cfg.Version)
	return &Server{
		Handler:      api.NewRouter(h),
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
