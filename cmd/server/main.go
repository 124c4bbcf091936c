// DeepDiagram provisioning gateway.
//
// The gateway fronts the multi-tenant remote document service: it classifies
// callers into an access tier and lazily creates databases, users, and
// membership grants so diagram clients can begin replicating.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deepdiagram/deepdiagram/sync-core/internal/config"
	"github.com/deepdiagram/deepdiagram/sync-core/internal/store"
	"github.com/deepdiagram/deepdiagram/sync-core/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncgateway",
		Short: "DeepDiagram provisioning gateway",
		Long:  "Gateway that provisions remote diagram databases and classifies caller access.",
	}
	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newPruneCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the provisioning gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides SYNCCORE_PORT)")
	return cmd
}

func newPruneCommand() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete local diagram databases with no catalog listing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataDir == "" {
				dataDir = config.Load().Local.DataDir
			}
			catalog, err := store.OpenCatalog(dataDir)
			if err != nil {
				return err
			}
			defer catalog.Close()

			stats, err := store.SweepOrphans(cmd.Context(), dataDir, catalog)
			if err != nil {
				return err
			}
			for _, serr := range stats.Errors {
				log.Warn().Err(serr).Msg("prune")
			}
			log.Info().Int("removed", len(stats.Removed)).Str("dir", dataDir).Msg("prune complete")
			return nil
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (overrides SYNCCORE_DATA_DIR)")
	return cmd
}

func serve(ctx context.Context, port int) error {
	srv, err := server.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}
	defer srv.ShutdownFunc(context.Background())

	if port > 0 {
		srv.Port = port
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", srv.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("provisioning gateway listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}
