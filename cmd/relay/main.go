package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/x1erra/xierraxyz/internal/config"
	"github.com/x1erra/xierraxyz/internal/httpapi"
	"github.com/x1erra/xierraxyz/internal/logging"
	"github.com/x1erra/xierraxyz/internal/relay"
	"github.com/x1erra/xierraxyz/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:           "relay",
		Short:         "Signaling relay that forwards room frames between peers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				return err
			}
			if cfg.Log.Service == "theatre" {
				cfg.Log.Service = "theatre-relay"
			}
			logging.Init(cfg.Log)
			if err := run(cfg); err != nil {
				logger := logging.L()
				logger.Error().Err(err).Msg("relay stopped with error")
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "c", "", "path to a YAML config file")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger := logging.L()

	hub := relay.NewHub(cfg.Relay.SendBuffer)
	api := httpapi.NewServer(hub, ws.Config{
		MaxMessageSize: cfg.Relay.MaxMessageSize,
		PingInterval:   cfg.Relay.PingInterval,
		PongWait:       cfg.Relay.PongWait,
		WriteWait:      cfg.Relay.WriteWait,
	}, logger)

	srv := &http.Server{
		Addr:              cfg.Relay.Addr(),
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Msg("starting relay")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("relay listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Int("rooms", hub.RoomCount()).Msg("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
