package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/plugmon/bridge"
	"github.com/hazyhaar/plugmon/observability"
	"github.com/hazyhaar/plugmon/watch"
)

const metricsRetention = 30 * 24 * time.Hour

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the reporting surface and run the background content scan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, host, err := a.open()
			if err != nil {
				return err
			}
			defer m.Close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			m.Start(ctx)
			go reloadOnHangup(ctx, host, a.logger)
			go watch.New(watch.Options{
				Detector: watch.FileVersion(m.Config().ManifestPath),
				Debounce: time.Second,
				Logger:   a.logger,
				Name:     "manifest",
			}).OnChange(ctx, host.Reload)
			if mm := m.Metrics(); mm != nil {
				go cleanupMetrics(ctx, mm, a.logger)
			}

			cfg := m.Config()
			// No WriteTimeout: MCP streams stay open.
			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           m.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("server starting", "addr", cfg.ListenAddr, "base_path", cfg.BasePath,
					"mcp", cfg.MCP.Enabled)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errc:
				return err
			}
			a.logger.Info("shutting down")

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("shutdown", "error", err)
			}
			a.logger.Info("server stopped")
			return nil
		},
	}

	cmd.Flags().String("listen", "", "listen address (overrides listen_addr)")
	cmd.Flags().String("admin-token-hash", "", "bcrypt hash of the operator token (see hash-token)")
	_ = a.v.BindPFlag("listen", cmd.Flags().Lookup("listen"))
	_ = a.v.BindPFlag("admin-token-hash", cmd.Flags().Lookup("admin-token-hash"))
	return cmd
}

// reloadOnHangup re-reads the manifest on SIGHUP.
func reloadOnHangup(ctx context.Context, host *bridge.Manifest, logger *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := host.Reload(); err != nil {
				logger.Error("manifest reload failed", "error", err)
				continue
			}
			logger.Info("manifest reloaded")
		}
	}
}

func cleanupMetrics(ctx context.Context, mm *observability.MetricsManager, logger *slog.Logger) {
	tick := time.NewTicker(24 * time.Hour)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			n, err := mm.Cleanup(ctx, metricsRetention)
			if err != nil {
				logger.Warn("metrics cleanup", "error", err)
				continue
			}
			logger.Debug("metrics cleanup", "deleted", n)
		}
	}
}
