package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/andromeda/internal/app"
	"github.com/antoniostano/andromeda/internal/config"
)

func newServeCmd() *cobra.Command {
	var (
		configFile string
		bindAddr   string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := config.New(configFile)
			if err != nil {
				return err
			}
			if strings.TrimSpace(bindAddr) != "" {
				v.Set(config.KeyBindAddr, bindAddr)
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			built, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer built.Cleanup()

			ln, err := net.Listen("tcp", cfg.BindAddr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.BindAddr, err)
			}
			return runServer(ctx, built, ln)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "", "optional config file (yaml, toml or json); environment variables take precedence")
	cmd.Flags().StringVar(&bindAddr, "bind", "", "listen address, overrides APP_BIND_ADDR")
	return cmd
}

// runServer serves on ln and runs the session sweeper until ctx is done,
// then shuts the server down gracefully.
func runServer(ctx context.Context, built *app.BuildResult, ln net.Listener) error {
	cfg := built.Config
	logger := built.Logger
	httpServer := &http.Server{
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		built.Sessions.RunSweeper(gctx, cfg.SessionSweepInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("server listening")
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("graceful shutdown failed")
			_ = httpServer.Close()
		}
		return nil
	})

	err := g.Wait()
	logger.Info().Msg("shutdown complete")
	return err
}
